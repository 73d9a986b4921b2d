package notify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/guard"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Catppuccin Mocha palette.
var (
	colorMauve   = lipgloss.Color("#cba6f7")
	colorBlue    = lipgloss.Color("#89b4fa")
	colorGreen   = lipgloss.Color("#a6e3a1")
	colorYellow  = lipgloss.Color("#f9e2af")
	colorPeach   = lipgloss.Color("#fab387")
	colorRed     = lipgloss.Color("#f38ba8")
	colorOverlay = lipgloss.Color("#6c7086")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorMauve)
	labelStyle = lipgloss.NewStyle().Foreground(colorBlue)
	argsStyle  = lipgloss.NewStyle().Foreground(colorGreen)
	mutedStyle = lipgloss.NewStyle().Foreground(colorOverlay)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBlue).
			Padding(0, 1)
)

// LevelStyle returns the display style for a risk level.
func LevelStyle(l core.RiskLevel) lipgloss.Style {
	switch l {
	case core.L3:
		return lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	case core.L2:
		return lipgloss.NewStyle().Bold(true).Foreground(colorPeach)
	case core.L1:
		return lipgloss.NewStyle().Foreground(colorYellow)
	default:
		return lipgloss.NewStyle().Foreground(colorGreen)
	}
}

// Terminal prompts on a terminal. When interactive, the answer typed by the
// user resolves the approval; otherwise it only prints the request and the
// command that resolves it.
type Terminal struct {
	out         io.Writer
	resolver    Resolver
	interactive bool

	mu sync.Mutex
	in *bufio.Reader
}

// TerminalOption configures a Terminal.
type TerminalOption func(*Terminal)

// WithInput reads answers from r and forces interactive mode.
func WithInput(r io.Reader) TerminalOption {
	return func(t *Terminal) {
		t.in = bufio.NewReader(r)
		t.interactive = true
	}
}

// WithOutput writes prompts to w.
func WithOutput(w io.Writer) TerminalOption {
	return func(t *Terminal) { t.out = w }
}

// NewTerminal creates a terminal sink on stdin/stderr. Prompts are only
// answered interactively when stdin is a terminal.
func NewTerminal(resolver Resolver, opts ...TerminalOption) *Terminal {
	t := &Terminal{
		out:         os.Stderr,
		resolver:    resolver,
		in:          bufio.NewReader(os.Stdin),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Present implements guard.Presenter. It returns once the prompt is shown;
// the answer is applied in the background.
func (t *Terminal) Present(_ context.Context, a gate.Approval) error {
	if _, err := fmt.Fprintln(t.out, RenderApproval(a, clampWidth(detectWidth()))); err != nil {
		return err
	}
	if !t.interactive || t.resolver == nil {
		return nil
	}
	if _, err := fmt.Fprint(t.out, "Approve? [y/N] "); err != nil {
		return err
	}
	go t.await(a.Nonce)
	return nil
}

func (t *Terminal) await(nonce string) {
	t.mu.Lock()
	line, err := t.in.ReadString('\n')
	t.mu.Unlock()
	if err != nil && line == "" {
		// No answer; the approval stays pending for the inbox or timeout.
		return
	}
	t.resolver.ResolveApproval(nonce, isYes(line))
}

// Notify implements guard.Notifier.
func (t *Terminal) Notify(_ context.Context, o guard.Outcome) error {
	_, err := fmt.Fprintf(t.out, "%s %s %s\n",
		LevelStyle(o.Classification.Level).Render(o.Classification.Level.String()),
		Sanitize(o.ToolName),
		mutedStyle.Render(Sanitize(o.Classification.Reason)),
	)
	return err
}

// RenderApproval draws an approval request box.
func RenderApproval(a gate.Approval, width int) string {
	level := a.Classification.Level
	lines := []string{
		titleStyle.Render("Approval required ") + LevelStyle(level).Render(level.String()),
		labelStyle.Render("tool:   ") + Sanitize(a.ToolName),
		labelStyle.Render("reason: ") + Sanitize(a.Classification.Reason),
		labelStyle.Render("args:"),
		argsStyle.Render(FormatArgs(a.ToolArgs, 1024)),
		mutedStyle.Render("nonce:  " + a.Nonce),
		mutedStyle.Render(ApproveHint(a.Nonce)),
	}
	return boxStyle.Width(width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func clampWidth(w int) int {
	if w < 60 {
		return 60
	}
	if w > 100 {
		return 100
	}
	return w
}

func detectWidth() int {
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 0 {
		return w
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if v, err := strconv.Atoi(cols); err == nil && v > 0 {
			return v
		}
	}
	return 80
}
