// Package styles provides shared lipgloss styles for CLI output.
package styles

import (
	"github.com/charmbracelet/glamour/ansi"
	glamourstyles "github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"
)

// CurrentPalette holds the active theme palette.
var CurrentPalette Palette

// Style exports.
var (
	CommandHeaderStyle lipgloss.Style
	LabelStyle         lipgloss.Style
	ValueStyle         lipgloss.Style
	MutedStyle         lipgloss.Style
	DividerStyle       lipgloss.Style

	PassStyle lipgloss.Style
	WarnStyle lipgloss.Style
	FailStyle lipgloss.Style
)

// SetTheme sets the active palette and rebuilds all global styles.
func SetTheme(p Palette) {
	CurrentPalette = p

	CommandHeaderStyle = lipgloss.NewStyle().
		Foreground(p.Primary).
		Bold(true)
	LabelStyle = lipgloss.NewStyle().
		Foreground(p.Secondary)
	ValueStyle = lipgloss.NewStyle().
		Foreground(p.Foreground)
	MutedStyle = lipgloss.NewStyle().
		Foreground(p.Muted)
	DividerStyle = lipgloss.NewStyle().
		Foreground(p.Surface)

	PassStyle = lipgloss.NewStyle().Foreground(p.Success)
	WarnStyle = lipgloss.NewStyle().Foreground(p.Warning)
	FailStyle = lipgloss.NewStyle().Foreground(p.Error)
}

// StrategyStyle returns the style for a resolution strategy name.
func StrategyStyle(strategy string) lipgloss.Style {
	switch strategy {
	case "auto_fix":
		return PassStyle.Bold(true)
	case "human_guidance":
		return WarnStyle.Bold(true)
	case "customer_response":
		return LabelStyle.Bold(true)
	default:
		return ValueStyle
	}
}

// StateStyle returns the style for a run state name.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "reported":
		return PassStyle
	case "failed":
		return FailStyle
	case "resolved":
		return WarnStyle
	default:
		return MutedStyle
	}
}

// EvidenceStyle returns the style for an evidence status name.
func EvidenceStyle(status string) lipgloss.Style {
	switch status {
	case "ok":
		return PassStyle
	case "partial", "skipped":
		return WarnStyle
	case "failed":
		return FailStyle
	default:
		return MutedStyle
	}
}

// nolint:gochecknoinits // bootstrap default theme before any style is accessed.
func init() {
	SetTheme(themes[DefaultTheme])
}

func colorPtr(c lipgloss.Color) *string {
	if c == "" {
		return nil
	}
	s := string(c)
	return &s
}

// GlamourStyle returns a Glamour style config derived from the active theme.
func GlamourStyle() ansi.StyleConfig {
	cfg := glamourstyles.DarkStyleConfig
	p := CurrentPalette

	fg := colorPtr(p.Foreground)
	primary := colorPtr(p.Primary)
	secondary := colorPtr(p.Secondary)
	muted := colorPtr(p.Muted)

	cfg.Document.Color = fg
	cfg.Paragraph.Color = fg

	cfg.Heading.Color = primary
	cfg.H1.Color = fg
	cfg.H1.BackgroundColor = colorPtr(p.Surface)
	cfg.H2.Color = primary
	cfg.H3.Color = primary

	cfg.BlockQuote.Color = muted
	cfg.HorizontalRule.Color = muted

	cfg.Link.Color = secondary
	cfg.LinkText.Color = secondary

	cfg.Code.Color = secondary
	cfg.CodeBlock.Color = muted

	cfg.Table.Color = fg

	return cfg
}
