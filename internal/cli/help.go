package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/tui"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

type helpStyles struct {
	theme   *tui.Theme
	title   lipgloss.Style
	section lipgloss.Style
	command lipgloss.Style
	flag    lipgloss.Style
	muted   lipgloss.Style
	box     lipgloss.Style
}

func newHelpStyles(t *tui.Theme) helpStyles {
	return helpStyles{
		theme:   t,
		title:   lipgloss.NewStyle().Bold(true).Foreground(t.Mauve).MarginBottom(1),
		section: lipgloss.NewStyle().Bold(true).Foreground(t.Blue).MarginTop(1),
		command: lipgloss.NewStyle().Foreground(t.Green),
		flag:    lipgloss.NewStyle().Foreground(t.Yellow),
		muted:   lipgloss.NewStyle().Foreground(t.Overlay0),
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Blue).
			Background(t.Base).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1),
	}
}

type helpEntry struct {
	command string
	desc    string
}

type helpSection struct {
	icon    string
	title   string
	entries []helpEntry
}

var quickReference = []helpSection{
	{"🔷", "INSPECT (no side effects)", []helpEntry{
		{`gatekeep check "rm -rf ./build" -j`, "classify a shell command against the patterns"},
		{"gatekeep classify write_file path=.env", "classify any tool call"},
		{`gatekeep decompose "make && echo $(id)"`, "show the segments that get classified"},
	}},
	{"🔶", "RUN (gated)", []helpEntry{
		{"gatekeep exec -- git push origin main", "classify, wait for approval, run, audit"},
		{"gatekeep exec --approval-timeout 2m -- make deploy", "bound the wait"},
	}},
	{"🔷", "AS REVIEWER", []helpEntry{
		{"gatekeep approvals list", "pending requests"},
		{"gatekeep approvals approve <nonce>", "let it run"},
		{"gatekeep approvals deny <nonce>", "refuse it"},
		{"gatekeep approvals review", "interactive reviewer"},
		{"gatekeep approvals watch", "stream approval events as NDJSON"},
	}},
	{"🛡️", "AUDIT", []helpEntry{
		{"gatekeep audit verify", "check every segment's hash chain"},
		{"gatekeep audit tail -n 20", "latest decisions"},
	}},
}

var globalFlagHelp = []helpEntry{
	{"-j, --json", "structured output"},
	{"-o, --output <fmt>", "text, json, yaml"},
	{"-C, --project <dir>", "override project path"},
	{"-c, --config <file>", "project config file"},
	{"--db <path>", "database path"},
}

var levelHelp = []struct {
	level core.RiskLevel
	icon  string
	label string
}{
	{core.L3, "🔴", "refused"},
	{core.L2, "🟠", "approval"},
	{core.L1, "🟡", "approval/notify"},
	{core.L0, "🟢", "auto"},
}

func showQuickReference(w io.Writer) {
	s := newHelpStyles(tui.ThemeByName(os.Getenv("GATEKEEP_THEME")))
	width := clampWidth(detectWidth())
	unicode := supportsUnicode()

	border := lipgloss.RoundedBorder()
	title := gradientText(" GATEKEEP QUICK REFERENCE: Tool Call Approval ", s.theme.Mauve, s.theme.Blue)
	if !unicode {
		border = lipgloss.Border{
			Top: "-", Bottom: "-", Left: "|", Right: "|",
			TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
		}
		title = "GATEKEEP QUICK REFERENCE - Tool Call Approval"
	}

	blocks := []string{s.title.Width(width - 4).Align(lipgloss.Center).Render(title)}
	for _, sec := range quickReference {
		blocks = append(blocks, s.renderSection(unicode, sec))
	}
	blocks = append(blocks, s.levelLegend(unicode), s.flagLegend(unicode), s.footer(unicode))

	fmt.Fprintln(w, s.box.Border(border).Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, blocks...)))
}

func clampWidth(w int) int {
	return min(max(w, 72), 100)
}

func detectWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if v, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && v > 0 {
		return v
	}
	return 80
}

func supportsUnicode() bool {
	if strings.Contains(strings.ToLower(os.Getenv("TERM")), "dumb") {
		return false
	}
	locale := strings.ToLower(os.Getenv("LC_ALL") + " " + os.Getenv("LC_CTYPE") + " " + os.Getenv("LANG"))
	return strings.Contains(locale, "utf-8") || strings.Contains(locale, "utf8")
}

// gradientText colors each rune along a two-stop gradient.
func gradientText(text string, from, to lipgloss.Color) string {
	runes := []rune(text)
	if len(runes) < 2 || !supportsUnicode() {
		return text
	}
	var b strings.Builder
	for i, r := range runes {
		c := from
		if i >= len(runes)/2 {
			c = to
		}
		b.WriteString(lipgloss.NewStyle().Foreground(c).Render(string(r)))
	}
	return b.String()
}

func (s helpStyles) renderSection(unicode bool, sec helpSection) string {
	header := sec.title
	if unicode {
		header = sec.icon + " " + header
	}
	lines := []string{s.section.Render(header)}
	for _, e := range sec.entries {
		lines = append(lines, s.command.Render("  "+e.command)+s.muted.Render("  "+e.desc))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (s helpStyles) levelLegend(unicode bool) string {
	parts := make([]string, 0, len(levelHelp))
	for _, l := range levelHelp {
		label := l.level.String() + " " + l.label
		if unicode {
			label = l.icon + " " + label
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(s.theme.LevelColor(l.level)).Render(label))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		s.section.Render("RISK LEVELS"),
		"  "+strings.Join(parts, "   "),
	)
}

func (s helpStyles) flagLegend(unicode bool) string {
	header := "FLAGS"
	if unicode {
		header = "🚩 GLOBAL FLAGS"
	}
	lines := []string{s.section.Render(header)}
	for _, f := range globalFlagHelp {
		lines = append(lines, s.flag.Render(fmt.Sprintf("  %-22s", f.command))+s.muted.Render(f.desc))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (s helpStyles) footer(unicode bool) string {
	show, help := "gatekeep config show", "gatekeep <command> --help"
	if !unicode {
		return s.muted.Render("CONFIG: " + show + "   HELP: " + help)
	}
	return lipgloss.JoinHorizontal(lipgloss.Left,
		s.muted.Render("CONFIG: "), s.command.Render(show),
		s.muted.Render("   HELP: "), s.command.Render(help),
	)
}
