// Package dashboard is the terminal presentation of the pinger: one card per
// source, updated as the scheduler renders.
package dashboard

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
	"github.com/mdrakiburrahman/kusto-pinger/config"
)

// Dashboard drives a Bubble Tea program and is the scheduler's sink. Render
// calls are forwarded to the program as messages, so they are safe from any
// goroutine.
type Dashboard struct {
	program *tea.Program
	now     func() time.Time
}

// New creates the dashboard for targets. Extra program options (for example
// tea.WithInput in tests) are appended to the alt-screen default.
func New(targets []config.Target, interval time.Duration, opts ...tea.ProgramOption) *Dashboard {
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	return &Dashboard{
		program: tea.NewProgram(NewModel(targets, interval), opts...),
		now:     time.Now,
	}
}

// Run blocks until the user quits or ctx is cancelled.
func (d *Dashboard) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			d.program.Quit()
		case <-done:
		}
	}()

	_, err := d.program.Run()
	return err
}

func (d *Dashboard) RenderHistory(source string, history []collector.Sample) {
	d.program.Send(historyMsg{source: source, history: history, at: d.now()})
}

func (d *Dashboard) RenderError(source string, err error) {
	d.program.Send(errorMsg{source: source, err: err})
}

func (d *Dashboard) CycleStarted(id string, at time.Time) {
	d.program.Send(cycleStartedMsg{id: id, at: at})
}

func (d *Dashboard) CycleFinished(id string, took time.Duration) {
	d.program.Send(cycleFinishedMsg{id: id, took: took})
}
