package dashboard

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
	"github.com/mdrakiburrahman/kusto-pinger/config"
)

// SlotStatus is the display state of one source.
type SlotStatus int

const (
	SlotWaiting SlotStatus = iota // nothing received yet
	SlotOK                        // last cycle rendered history
	SlotFailing                   // last cycle reported an error
)

func (s SlotStatus) String() string {
	switch s {
	case SlotWaiting:
		return "waiting"
	case SlotOK:
		return "ok"
	case SlotFailing:
		return "failing"
	default:
		return "unknown"
	}
}

// Slot is the display state of one source. The last good history is kept
// while the source is failing so the card still shows the trend.
type Slot struct {
	Target   config.Target
	Status   SlotStatus
	History  []collector.Sample
	Err      error
	Updated  time.Time // last successful render
	Failures int       // consecutive failed cycles
}

// Key bindings
const (
	KeyQuit      = "q"
	KeyQuitAlt   = "ctrl+c"
	KeyToggleRaw = "r"
	KeyPrev      = "up"
	KeyPrevK     = "k"
	KeyNext      = "down"
	KeyNextJ     = "j"
)

// Model is the Bubble Tea model for the dashboard. Slots are created once, in
// registration order, from the targets; messages for unknown sources are
// ignored.
type Model struct {
	order    []string
	slots    map[string]*Slot
	interval time.Duration

	selected int
	showRaw  bool
	width    int
	height   int

	polling     bool
	cycles      int
	lastCycleAt time.Time
	lastTook    time.Duration

	spinner  spinner.Model
	quitting bool
}

// historyMsg carries a source's history from the scheduler.
type historyMsg struct {
	source  string
	history []collector.Sample
	at      time.Time
}

// errorMsg carries a source's failure from the scheduler.
type errorMsg struct {
	source string
	err    error
}

type cycleStartedMsg struct {
	id string
	at time.Time
}

type cycleFinishedMsg struct {
	id   string
	took time.Duration
}

// NewModel creates a model with one waiting slot per target.
func NewModel(targets []config.Target, interval time.Duration) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = GraphStyle

	m := Model{
		order:    make([]string, 0, len(targets)),
		slots:    make(map[string]*Slot, len(targets)),
		interval: interval,
		spinner:  s,
	}
	for _, t := range targets {
		m.order = append(m.order, t.Name)
		m.slots[t.Name] = &Slot{Target: t}
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyQuitAlt:
			m.quitting = true
			return m, tea.Quit
		case KeyToggleRaw:
			m.showRaw = !m.showRaw
		case KeyPrev, KeyPrevK:
			if m.selected > 0 {
				m.selected--
			}
		case KeyNext, KeyNextJ:
			if m.selected < len(m.order)-1 {
				m.selected++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case historyMsg:
		if slot, ok := m.slots[msg.source]; ok {
			slot.Status = SlotOK
			slot.History = msg.history
			slot.Err = nil
			slot.Failures = 0
			slot.Updated = msg.at
		}

	case errorMsg:
		if slot, ok := m.slots[msg.source]; ok {
			slot.Status = SlotFailing
			slot.Err = msg.err
			slot.Failures++
		}

	case cycleStartedMsg:
		m.polling = true
		m.lastCycleAt = msg.at

	case cycleFinishedMsg:
		m.polling = false
		m.cycles++
		m.lastTook = msg.took

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// Slot returns the display state of source.
func (m Model) Slot(source string) (Slot, bool) {
	s, ok := m.slots[source]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// SelectedSource returns the name of the highlighted source.
func (m Model) SelectedSource() string {
	if m.selected < 0 || m.selected >= len(m.order) {
		return ""
	}
	return m.order[m.selected]
}

// FailingCount returns how many sources failed their last cycle.
func (m Model) FailingCount() int {
	n := 0
	for _, s := range m.slots {
		if s.Status == SlotFailing {
			n++
		}
	}
	return n
}
