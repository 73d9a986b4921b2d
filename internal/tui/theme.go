package tui

import (
	"strings"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/charmbracelet/lipgloss"
)

// Theme is a Catppuccin color scheme.
type Theme struct {
	Name   string
	IsDark bool

	Mauve  lipgloss.Color // titles
	Blue   lipgloss.Color // pending, headers
	Green  lipgloss.Color // L0, approved
	Yellow lipgloss.Color // L1, timeout
	Peach  lipgloss.Color // L2
	Red    lipgloss.Color // L3, denied

	Text     lipgloss.Color
	Subtext  lipgloss.Color
	Surface  lipgloss.Color
	Base     lipgloss.Color
	Overlay0 lipgloss.Color
}

// Mocha returns the Catppuccin Mocha theme (dark).
func Mocha() *Theme {
	return &Theme{
		Name:   "mocha",
		IsDark: true,

		Mauve:  lipgloss.Color("#cba6f7"),
		Blue:   lipgloss.Color("#89b4fa"),
		Green:  lipgloss.Color("#a6e3a1"),
		Yellow: lipgloss.Color("#f9e2af"),
		Peach:  lipgloss.Color("#fab387"),
		Red:    lipgloss.Color("#f38ba8"),

		Text:     lipgloss.Color("#cdd6f4"),
		Subtext:  lipgloss.Color("#a6adc8"),
		Surface:  lipgloss.Color("#313244"),
		Base:     lipgloss.Color("#1e1e2e"),
		Overlay0: lipgloss.Color("#6c7086"),
	}
}

// Latte returns the Catppuccin Latte theme (light).
func Latte() *Theme {
	return &Theme{
		Name:   "latte",
		IsDark: false,

		Mauve:  lipgloss.Color("#8839ef"),
		Blue:   lipgloss.Color("#1e66f5"),
		Green:  lipgloss.Color("#40a02b"),
		Yellow: lipgloss.Color("#df8e1d"),
		Peach:  lipgloss.Color("#fe640b"),
		Red:    lipgloss.Color("#d20f39"),

		Text:     lipgloss.Color("#4c4f69"),
		Subtext:  lipgloss.Color("#6c6f85"),
		Surface:  lipgloss.Color("#ccd0da"),
		Base:     lipgloss.Color("#eff1f5"),
		Overlay0: lipgloss.Color("#9ca0b0"),
	}
}

// ThemeByName returns the named theme, defaulting to Mocha.
func ThemeByName(name string) *Theme {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "latte", "light":
		return Latte()
	default:
		return Mocha()
	}
}

// LevelColor returns the color for a risk level.
func (t *Theme) LevelColor(l core.RiskLevel) lipgloss.Color {
	switch l {
	case core.L0:
		return t.Green
	case core.L1:
		return t.Yellow
	case core.L2:
		return t.Peach
	case core.L3:
		return t.Red
	default:
		return t.Text
	}
}

// StatusColor returns the color for an approval status.
func (t *Theme) StatusColor(s gate.Status) lipgloss.Color {
	switch s {
	case gate.StatusPending:
		return t.Blue
	case gate.StatusApproved:
		return t.Green
	case gate.StatusDenied:
		return t.Red
	case gate.StatusTimeout:
		return t.Yellow
	default:
		return t.Text
	}
}

// StatusIcon returns the icon for an approval status.
func StatusIcon(s gate.Status) string {
	switch s {
	case gate.StatusPending:
		return "⏳"
	case gate.StatusApproved:
		return "✓"
	case gate.StatusDenied:
		return "✗"
	case gate.StatusTimeout:
		return "⏰"
	default:
		return "?"
	}
}
