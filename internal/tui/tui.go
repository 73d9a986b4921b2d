// Package tui implements the Bubble Tea reviewer for pending approvals.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/db"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/notify"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// DefaultRefreshInterval is how often the pending list is reloaded.
const DefaultRefreshInterval = 2 * time.Second

// Store is the subset of the database the reviewer needs.
type Store interface {
	ListPendingApprovals(ctx context.Context) ([]gate.Approval, error)
	RecordDecision(ctx context.Context, nonce string, approved bool, source string) (*db.Decision, error)
}

// Options configures the reviewer.
type Options struct {
	// Source is recorded with every decision, e.g. "tui:alice@host".
	Source          string
	RefreshInterval time.Duration
	Theme           string
}

type approvalsMsg struct {
	rows []gate.Approval
	err  error
}

type decidedMsg struct {
	nonce    string
	approved bool
	err      error
}

type tickMsg time.Time

type styles struct {
	title    lipgloss.Style
	dimmed   lipgloss.Style
	selected lipgloss.Style
	panel    lipgloss.Style
	errText  lipgloss.Style
	okText   lipgloss.Style
}

func newStyles(t *Theme) styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(t.Mauve),
		dimmed:   lipgloss.NewStyle().Foreground(t.Overlay0),
		selected: lipgloss.NewStyle().Bold(true).Foreground(t.Text).Background(t.Surface),
		panel:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Blue).Padding(0, 1),
		errText:  lipgloss.NewStyle().Foreground(t.Red),
		okText:   lipgloss.NewStyle().Foreground(t.Green),
	}
}

// Model is the reviewer state.
type Model struct {
	ctx    context.Context
	store  Store
	opts   Options
	theme  *Theme
	styles styles

	rows   []gate.Approval
	queued map[string]bool
	cursor int

	width  int
	height int
	status string
	err    error
}

// New creates a reviewer backed by store.
func New(ctx context.Context, store Store, opts Options) Model {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Source == "" {
		opts.Source = "tui"
	}
	t := ThemeByName(opts.Theme)
	return Model{
		ctx:    ctx,
		store:  store,
		opts:   opts,
		theme:  t,
		styles: newStyles(t),
		queued: make(map[string]bool),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick())
}

func (m Model) load() tea.Cmd {
	return func() tea.Msg {
		rows, err := m.store.ListPendingApprovals(m.ctx)
		return approvalsMsg{rows: rows, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) decide(approved bool) tea.Cmd {
	if len(m.rows) == 0 {
		return nil
	}
	nonce := m.rows[m.cursor].Nonce
	if m.queued[nonce] {
		return nil
	}
	return func() tea.Msg {
		_, err := m.store.RecordDecision(m.ctx, nonce, approved, m.opts.Source)
		return decidedMsg{nonce: nonce, approved: approved, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case approvalsMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.setRows(msg.rows)

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case decidedMsg:
		if msg.err != nil {
			m.status = m.styles.errText.Render(fmt.Sprintf("%s: %v", short(msg.nonce), msg.err))
			return m, m.load()
		}
		m.queued[msg.nonce] = true
		verb := "denied"
		if msg.approved {
			verb = "approved"
		}
		m.status = m.styles.okText.Render(fmt.Sprintf("%s %s; the waiting process will apply it", verb, short(msg.nonce)))
		return m, m.load()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		case "r":
			return m, m.load()
		case "a", "y":
			return m, m.decide(true)
		case "d", "n":
			return m, m.decide(false)
		}
	}
	return m, nil
}

// setRows replaces the list, oldest first, keeping the cursor on the same
// nonce when it is still pending.
func (m *Model) setRows(rows []gate.Approval) {
	var current string
	if m.cursor < len(m.rows) {
		current = m.rows[m.cursor].Nonce
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })

	live := make(map[string]bool, len(rows))
	m.cursor = 0
	for i, a := range rows {
		live[a.Nonce] = true
		if a.Nonce == current {
			m.cursor = i
		}
	}
	for nonce := range m.queued {
		if !live[nonce] {
			delete(m.queued, nonce)
		}
	}
	m.rows = rows
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.title.Render(fmt.Sprintf("gatekeep · pending approvals (%d)", len(m.rows))))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(m.styles.errText.Render("error: " + m.err.Error()))
		b.WriteString("\n\n")
	}

	if len(m.rows) == 0 {
		b.WriteString(m.styles.dimmed.Render("No pending approvals."))
		b.WriteString("\n")
	}
	for i, a := range m.rows {
		b.WriteString(m.renderRow(i, a))
		b.WriteString("\n")
	}

	if len(m.rows) > 0 {
		b.WriteString("\n")
		b.WriteString(m.renderDetail(m.rows[m.cursor]))
		b.WriteString("\n")
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.styles.dimmed.Render("↑/↓ select · a approve · d deny · r refresh · q quit"))
	return b.String()
}

func (m Model) renderRow(i int, a gate.Approval) string {
	cursor := "  "
	if i == m.cursor {
		cursor = "> "
	}
	level := lipgloss.NewStyle().Bold(true).Foreground(m.theme.LevelColor(a.Classification.Level)).
		Render(a.Classification.Level.String())
	marker := StatusIcon(a.Status)
	if m.queued[a.Nonce] {
		marker = "…"
	}

	summary := notify.Summary(a)
	if limit := m.width - 40; limit > 10 && len(summary) > limit {
		summary = summary[:limit] + "…"
	}
	line := fmt.Sprintf("%s%s %s  %s  %-12s %s  %s",
		cursor, marker, level, short(a.Nonce), notify.Sanitize(a.ToolName), summary,
		m.styles.dimmed.Render(humanize.Time(a.CreatedAt)))
	if i == m.cursor {
		return m.styles.selected.Render(line)
	}
	return line
}

func (m Model) renderDetail(a gate.Approval) string {
	lines := []string{
		"Nonce:   " + a.Nonce,
		"Tool:    " + notify.Sanitize(a.ToolName),
		"Reason:  " + notify.Sanitize(a.Classification.Reason),
		"Args:    " + notify.FormatArgs(a.ToolArgs, 400),
	}
	if a.ConversationID != "" {
		lines = append(lines, "Conv:    "+a.ConversationID)
	}
	if m.queued[a.Nonce] {
		lines = append(lines, m.styles.dimmed.Render("decision queued"))
	}
	panel := m.styles.panel
	if m.width > 4 {
		panel = panel.Width(m.width - 4)
	}
	return panel.Render(strings.Join(lines, "\n"))
}

func short(nonce string) string {
	if len(nonce) > 8 {
		return nonce[:8]
	}
	return nonce
}

// Run starts the reviewer and blocks until the user quits or ctx ends.
func Run(ctx context.Context, store Store, opts Options) error {
	p := tea.NewProgram(New(ctx, store, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
