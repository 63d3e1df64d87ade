package dashboard

import "github.com/charmbracelet/lipgloss"

// Dashboard color palette
const (
	ColorBorder = lipgloss.Color("#3A3F58")

	ColorHealthy  = lipgloss.Color("#3DDC84")
	ColorWarning  = lipgloss.Color("#FFB020")
	ColorCritical = lipgloss.Color("#FF4D6D")

	ColorTextPrimary   = lipgloss.Color("#F5F7FA")
	ColorTextSecondary = lipgloss.Color("#AEB6CF")
	ColorTextMuted     = lipgloss.Color("#6C7390")

	ColorAccent = lipgloss.Color("#4CC9F0")
	ColorGraph  = lipgloss.Color("#4CC9F0")
)

// Acceleration thresholds: below WarningPercent a table is still catching up,
// below CriticalPercent it is far behind.
const (
	WarningPercent  = 95.0
	CriticalPercent = 50.0
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorTextPrimary).
			Background(lipgloss.Color("#23263A")).
			Bold(true).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted).
			Padding(0, 1)

	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1).
			MarginBottom(1)

	CardSelectedStyle = CardStyle.
				BorderForeground(ColorAccent)

	CardErrorStyle = CardStyle.
			BorderForeground(ColorCritical)

	SourceNameStyle = lipgloss.NewStyle().
			Foreground(ColorTextPrimary).
			Bold(true)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorTextSecondary)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorCritical)

	GraphStyle = lipgloss.NewStyle().
			Foreground(ColorGraph)
)

// Status glyphs
const (
	GlyphWaiting = "◌"
	GlyphOK      = "◉"
	GlyphFailing = "✕"
)

// PercentColor picks the color for an acceleration percentage.
func PercentColor(pct float64) lipgloss.Color {
	switch {
	case pct < CriticalPercent:
		return ColorCritical
	case pct < WarningPercent:
		return ColorWarning
	default:
		return ColorHealthy
	}
}
