package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
)

const (
	defaultWidth   = 100
	sparklineWidth = 24
	tableNameWidth = 28
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	width := m.width
	if width <= 0 {
		width = defaultWidth
	}

	var b strings.Builder
	b.WriteString(m.renderHeader(width))
	b.WriteString("\n\n")

	for i, name := range m.order {
		b.WriteString(m.renderCard(m.slots[name], i == m.selected, width))
		b.WriteString("\n")
	}

	if m.showRaw {
		b.WriteString(m.renderRaw(width))
		b.WriteString("\n")
	}

	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader(width int) string {
	title := "Kusto query acceleration"

	var status string
	switch {
	case m.polling:
		status = m.spinner.View() + " polling"
	case m.cycles == 0:
		status = "waiting for first cycle"
	default:
		status = fmt.Sprintf("%d cycles, last took %s, every %s",
			m.cycles, m.lastTook.Round(time.Millisecond), m.interval)
	}
	if n := m.FailingCount(); n > 0 {
		status += ErrorStyle.Render(fmt.Sprintf("  %d failing", n))
	}

	gap := max(width-lipgloss.Width(title)-lipgloss.Width(status)-4, 1)
	return HeaderStyle.Width(width).Render(title + strings.Repeat(" ", gap) + status)
}

func (m Model) renderCard(slot *Slot, selected bool, width int) string {
	style := CardStyle
	switch {
	case slot.Status == SlotFailing:
		style = CardErrorStyle
	case selected:
		style = CardSelectedStyle
	}

	var glyph string
	switch slot.Status {
	case SlotOK:
		glyph = lipgloss.NewStyle().Foreground(ColorHealthy).Render(GlyphOK)
	case SlotFailing:
		glyph = ErrorStyle.Render(GlyphFailing)
	default:
		glyph = MutedStyle.Render(GlyphWaiting)
	}

	lines := []string{
		glyph + " " + SourceNameStyle.Render(slot.Target.Name) + "  " +
			MutedStyle.Render(slot.Target.Host()+" / "+slot.Target.Database),
	}

	if slot.Status == SlotFailing {
		msg := fmt.Sprintf("error (%d in a row): %v", slot.Failures, slot.Err)
		lines = append(lines, ErrorStyle.Render(truncate(msg, width-6)))
	}

	latest := collector.Latest(slot.History)
	switch {
	case slot.Status == SlotWaiting:
		lines = append(lines, MutedStyle.Render("waiting for data"))
	case len(latest) == 0 && slot.Status == SlotOK:
		lines = append(lines, MutedStyle.Render("no external tables reported"))
	case len(latest) > 0:
		lines = append(lines, LabelStyle.Render(fmt.Sprintf("%-*s %10s %8s  %s",
			tableNameWidth, "table", "pending", "accel", "history")))
		for _, smp := range latest {
			lines = append(lines, renderTableRow(slot.History, smp))
		}
		lines = append(lines, MutedStyle.Render(fmt.Sprintf("%d samples, captured %s",
			len(slot.History), humanize.Time(latest[0].CapturedAt))))
	}

	return style.Width(width - 2).Render(strings.Join(lines, "\n"))
}

func renderTableRow(history []collector.Sample, smp collector.Sample) string {
	table := smp.Table()
	if table == "" {
		table = "(unnamed)"
	}
	pct := smp.AccelerationPercent()
	pctText := lipgloss.NewStyle().Foreground(PercentColor(pct)).
		Render(fmt.Sprintf("%7.1f%%", pct))
	spark := GraphStyle.Render(RenderSparkline(tableSeries(history, smp.Table()), sparklineWidth))

	return fmt.Sprintf("%-*s %10s %s  %s",
		tableNameWidth, truncate(table, tableNameWidth),
		humanize.Comma(smp.PendingFiles()), pctText, spark)
}

// renderRaw shows the latest capture of the selected source as JSON.
func (m Model) renderRaw(width int) string {
	name := m.SelectedSource()
	slot, ok := m.slots[name]
	if !ok {
		return ""
	}

	body := "no data yet"
	if latest := collector.Latest(slot.History); len(latest) > 0 {
		b, err := json.MarshalIndent(latest, "", "  ")
		if err != nil {
			body = err.Error()
		} else {
			body = string(b)
		}
	}
	title := LabelStyle.Render("latest payload: " + name)
	return CardSelectedStyle.Width(width - 2).Render(title + "\n" + body)
}

func (m Model) renderFooter() string {
	raw := "show"
	if m.showRaw {
		raw = "hide"
	}
	return FooterStyle.Render(fmt.Sprintf("j/k select  r %s raw payload  q quit", raw))
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
