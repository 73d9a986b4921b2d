package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/charmbracelet/log"
)

// DefaultTimeout applies when a request does not set its own.
const DefaultTimeout = 5 * time.Minute

const persistTimeout = 5 * time.Second

// Listener receives every terminal approval. It runs on the resolving
// goroutine, after the registry lock is released.
type Listener func(Approval)

type entry struct {
	approval Approval
	handle   *Handle
	timer    *time.Timer
}

// Gate is the registry of pending approvals.
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*entry
	closed    bool
	listeners []Listener

	store   Store
	logger  *log.Logger
	now     func() time.Time
	timeout time.Duration
	l1Gated bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithStore enables advisory persistence.
func WithStore(s Store) Option {
	return func(g *Gate) { g.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithDefaultTimeout sets the timeout for requests that do not specify one.
// Zero or negative disables the default timer.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithL1Approval controls whether L1 actions need a human decision. When
// false, Exempt issues grants for L1.
func WithL1Approval(required bool) Option {
	return func(g *Gate) { g.l1Gated = required }
}

// New creates an empty gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		pending: make(map[string]*entry),
		logger:  log.Default().WithPrefix("gate"),
		now:     time.Now,
		timeout: DefaultTimeout,
		l1Gated: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnResolve registers a listener for terminal transitions.
func (g *Gate) OnResolve(fn Listener) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// NeedsApproval reports whether a classification must pass through
// CreateApproval before it can run.
func (g *Gate) NeedsApproval(c core.Classification) bool {
	switch c.Level {
	case core.L2:
		return true
	case core.L1:
		return g.l1Gated
	default:
		return false
	}
}

// Exempt issues a grant for a classification that needs no human decision.
// It returns false for L3 and for anything NeedsApproval covers.
func (g *Gate) Exempt(c core.Classification) (Grant, bool) {
	if c.Level == core.L3 || !c.Level.Valid() || g.NeedsApproval(c) {
		return Grant{}, false
	}
	return Grant{level: c.Level, issuedAt: g.now().UTC()}, true
}

// CreateApproval registers a pending approval and returns the handle the
// caller must wait on.
func (g *Gate) CreateApproval(ctx context.Context, req Request) (*Handle, error) {
	if req.Classification.Level == core.L3 {
		return nil, ErrRefused
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	nonce, err := g.newNonceLocked()
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}

	a := Approval{
		Nonce:          nonce,
		ToolName:       req.ToolName,
		ToolArgs:       req.ToolArgs,
		Classification: req.Classification,
		Status:         StatusPending,
		CreatedAt:      g.now().UTC(),
		ConversationID: req.ConversationID,
	}
	h := &Handle{nonce: nonce, pending: a, done: make(chan struct{})}
	e := &entry{approval: a, handle: h}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = g.timeout
	}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			g.resolve(nonce, StatusTimeout, NoteTimeout)
		})
	}
	g.pending[nonce] = e
	g.mu.Unlock()

	g.logger.Debug("approval created", "nonce", short(nonce), "tool", a.ToolName, "level", a.Classification.Level)

	if a.ConversationID != "" && g.store != nil {
		// Advisory: a failed write leaves the approval in memory only.
		if err := g.store.SaveApproval(ctx, a); err != nil {
			g.logger.Warn("persisting approval", "nonce", short(nonce), "error", err)
		}
	}
	return h, nil
}

// ResolveApproval settles a pending approval. It returns false when the
// nonce is unknown or already resolved.
func (g *Gate) ResolveApproval(nonce string, approved bool) bool {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	_, ok := g.resolve(nonce, status, "")
	return ok
}

// Cancel denies a pending approval with a note.
func (g *Gate) Cancel(nonce, note string) bool {
	_, ok := g.resolve(nonce, StatusDenied, note)
	return ok
}

func (g *Gate) resolve(nonce string, status Status, note string) (Approval, bool) {
	g.mu.Lock()
	e, ok := g.pending[nonce]
	if !ok {
		g.mu.Unlock()
		return Approval{}, false
	}
	delete(g.pending, nonce)
	a := g.settleLocked(e, status, note)
	listeners := g.listeners
	g.mu.Unlock()

	g.logger.Info("approval resolved", "nonce", short(nonce), "tool", a.ToolName, "status", a.Status)
	g.finish(a, listeners)
	return a, true
}

// settleLocked performs the single terminal transition for e.
func (g *Gate) settleLocked(e *entry, status Status, note string) Approval {
	if e.timer != nil {
		e.timer.Stop()
	}
	now := g.now().UTC()
	a := e.approval
	a.Status = status
	a.ResolvedAt = &now
	a.Note = note
	e.handle.settle(a)
	return a
}

func (g *Gate) finish(a Approval, listeners []Listener) {
	if a.ConversationID != "" && g.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := g.store.UpdateApproval(ctx, a); err != nil {
			g.logger.Warn("persisting resolution", "nonce", short(a.Nonce), "error", err)
		}
		cancel()
	}
	for _, fn := range listeners {
		fn(a)
	}
}

// RejectAllPending denies every pending approval, recording reason, and
// returns how many were swept.
func (g *Gate) RejectAllPending(reason string) int {
	g.mu.Lock()
	settled := make([]Approval, 0, len(g.pending))
	for nonce, e := range g.pending {
		delete(g.pending, nonce)
		settled = append(settled, g.settleLocked(e, StatusDenied, reason))
	}
	listeners := g.listeners
	g.mu.Unlock()

	if len(settled) > 0 {
		g.logger.Info("rejected pending approvals", "count", len(settled), "reason", reason)
	}
	for _, a := range settled {
		g.finish(a, listeners)
	}
	return len(settled)
}

// Close rejects everything pending and refuses new approvals.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.RejectAllPending(NoteShutdown)
}

// PendingCount returns the number of unresolved approvals.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Pending returns the unresolved approvals, oldest first.
func (g *Gate) Pending() []Approval {
	g.mu.Lock()
	out := make([]Approval, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.approval)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a pending approval by nonce.
func (g *Gate) Get(nonce string) (Approval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.pending[nonce]
	if !ok {
		return Approval{}, false
	}
	return e.approval, true
}

// Recover closes out approvals a previous process left pending in the
// store. Nothing can be waiting on them, so they become StatusTimeout and
// are delivered to the listeners.
func (g *Gate) Recover(ctx context.Context) (int, error) {
	return g.recover(ctx, time.Time{})
}

// RecoverOlderThan is Recover restricted to rows created more than age ago.
// Use it when other processes may share the store: a row younger than their
// approval timeout can still have a live waiter.
func (g *Gate) RecoverOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return g.recover(ctx, g.now().Add(-age))
}

func (g *Gate) recover(ctx context.Context, cutoff time.Time) (int, error) {
	if g.store == nil {
		return 0, nil
	}
	stale, err := g.store.ListPendingApprovals(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending approvals: %w", err)
	}

	g.mu.Lock()
	listeners := g.listeners
	live := make(map[string]bool, len(g.pending))
	for nonce := range g.pending {
		live[nonce] = true
	}
	g.mu.Unlock()

	recovered := 0
	for _, a := range stale {
		if live[a.Nonce] || a.Status.Terminal() {
			continue
		}
		if !cutoff.IsZero() && !a.CreatedAt.Before(cutoff) {
			continue
		}
		now := g.now().UTC()
		a.Status = StatusTimeout
		a.ResolvedAt = &now
		a.Note = NoteRestarted
		if err := g.store.UpdateApproval(ctx, a); err != nil {
			g.logger.Warn("recovering approval", "nonce", short(a.Nonce), "error", err)
		}
		for _, fn := range listeners {
			fn(a)
		}
		recovered++
	}
	if recovered > 0 {
		g.logger.Info("recovered stale approvals", "count", recovered)
	}
	return recovered, nil
}

func (g *Gate) newNonceLocked() (string, error) {
	for {
		var raw [16]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return "", fmt.Errorf("generating nonce: %w", err)
		}
		nonce := hex.EncodeToString(raw[:])
		if _, taken := g.pending[nonce]; !taken {
			return nonce, nil
		}
	}
}

func short(nonce string) string {
	if len(nonce) > 8 {
		return nonce[:8]
	}
	return nonce
}
