package dashboard

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
	"github.com/mdrakiburrahman/kusto-pinger/config"
)

var (
	t0      = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	targets = []config.Target{
		{Endpoint: "https://clusterA.example.com", Database: "db1", Name: "a"},
		{Endpoint: "https://clusterB.example.com", Database: "db1", Name: "b"},
	}
)

func statusSample(at time.Time, table string, pending int64, pct float64) collector.Sample {
	return collector.Sample{
		CapturedAt:     at,
		SourceName:     "a",
		SourceDatabase: "db1",
		Fields: []collector.Field{
			{Name: collector.ColumnTableName, Value: table},
			{Name: collector.ColumnPendingDataFilesCount, Value: pending},
			{Name: collector.ColumnAccelerationPercentage, Value: pct},
		},
	}
}

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		var ok bool
		m, ok = next.(Model)
		require.True(t, ok)
	}
	return m
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestNewModelCreatesSlotsInOrder(t *testing.T) {
	m := NewModel(targets, 30*time.Second)

	assert.Equal(t, []string{"a", "b"}, m.order)
	for _, name := range []string{"a", "b"} {
		slot, ok := m.Slot(name)
		require.True(t, ok)
		assert.Equal(t, SlotWaiting, slot.Status)
		assert.Equal(t, name, slot.Target.Name)
	}
	_, ok := m.Slot("nope")
	assert.False(t, ok)
	assert.Equal(t, "a", m.SelectedSource())
}

func TestSlotStatusString(t *testing.T) {
	tests := []struct {
		status SlotStatus
		want   string
	}{
		{SlotWaiting, "waiting"},
		{SlotOK, "ok"},
		{SlotFailing, "failing"},
		{SlotStatus(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestErrorPersistsUntilNextSuccess(t *testing.T) {
	m := NewModel(targets, time.Second)
	history := []collector.Sample{statusSample(t0, "T1", 3, 40)}

	m = update(t, m,
		historyMsg{source: "a", history: history, at: t0},
		errorMsg{source: "b", err: errors.New("connection refused")},
	)

	a, _ := m.Slot("a")
	b, _ := m.Slot("b")
	assert.Equal(t, SlotOK, a.Status)
	assert.Equal(t, SlotFailing, b.Status)
	assert.Equal(t, 1, m.FailingCount())

	// A failing cycle for a keeps its last history on screen.
	m = update(t, m,
		errorMsg{source: "a", err: errors.New("timeout")},
		errorMsg{source: "a", err: errors.New("timeout")},
	)
	a, _ = m.Slot("a")
	assert.Equal(t, SlotFailing, a.Status)
	assert.Equal(t, 2, a.Failures)
	assert.Equal(t, history, a.History)

	view := m.View()
	assert.Contains(t, view, "error (2 in a row): timeout")
	assert.Contains(t, view, "connection refused")

	m = update(t, m, historyMsg{source: "a", history: history, at: t0.Add(time.Minute)})
	a, _ = m.Slot("a")
	assert.Equal(t, SlotOK, a.Status)
	assert.NoError(t, a.Err)
	assert.Equal(t, 0, a.Failures)
	assert.Equal(t, 1, m.FailingCount())
}

func TestUnknownSourceIsIgnored(t *testing.T) {
	m := NewModel(targets, time.Second)
	m = update(t, m, historyMsg{source: "ghost", history: []collector.Sample{statusSample(t0, "T", 0, 0)}})
	_, ok := m.Slot("ghost")
	assert.False(t, ok)
}

func TestViewShowsLatestTables(t *testing.T) {
	m := NewModel(targets, 30*time.Second)
	m = update(t, m,
		tea.WindowSizeMsg{Width: 120, Height: 40},
		cycleStartedMsg{id: "c1", at: t0},
		historyMsg{source: "a", history: []collector.Sample{
			statusSample(t0, "Orders", 1500, 10),
			statusSample(t0.Add(time.Minute), "Orders", 1234567, 62.5),
			statusSample(t0.Add(time.Minute), "Events", 0, 100),
		}, at: t0},
		cycleFinishedMsg{id: "c1", took: 1500 * time.Millisecond},
	)

	view := m.View()
	assert.Contains(t, view, "Orders")
	assert.Contains(t, view, "Events")
	assert.Contains(t, view, "1,234,567")
	assert.Contains(t, view, "62.5%")
	assert.Contains(t, view, "3 samples")
	assert.Contains(t, view, "1 cycles, last took 1.5s")
	assert.Contains(t, view, "waiting for data")
	assert.NotContains(t, view, "latest payload")
}

func TestKeys(t *testing.T) {
	m := NewModel(targets, time.Second)
	m = update(t, m, historyMsg{source: "b", history: []collector.Sample{statusSample(t0, "T7", 1, 99)}})

	m = update(t, m, key("j"))
	assert.Equal(t, "b", m.SelectedSource())
	m = update(t, m, key("down"))
	assert.Equal(t, "b", m.SelectedSource())
	m = update(t, m, key("r"))
	assert.True(t, m.showRaw)

	view := m.View()
	assert.Contains(t, view, "latest payload: b")
	assert.Contains(t, view, `"ExternalTableName": "T7"`)

	m = update(t, m, key("k"), key("up"), key("r"))
	assert.Equal(t, "a", m.SelectedSource())
	assert.False(t, m.showRaw)

	next, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, next.View())

	_, cmd = NewModel(targets, time.Second).Update(key("ctrl+c"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestDashboardRunStopsOnCancel(t *testing.T) {
	d := New(targets, time.Second, tea.WithInput(nil), tea.WithOutput(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.RenderHistory("a", []collector.Sample{statusSample(t0, "T1", 1, 50)})
	d.RenderError("b", errors.New("boom"))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dashboard did not stop")
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "…", truncate("abc", 1))
	assert.Equal(t, "", truncate("abc", 0))
	assert.True(t, strings.HasSuffix(truncate("ÄÖÜäöü", 4), "…"))
}
