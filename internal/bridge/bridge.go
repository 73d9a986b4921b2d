// Package bridge applies approval decisions written by another process.
//
// A second gatekeep invocation (for example `gatekeep approvals approve`)
// records a decision row in the shared database. The process that owns the
// pending approval watches the database files, takes the rows and resolves
// the matching nonces on its gate.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/db"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/charmbracelet/log"
)

// DefaultPollInterval re-checks the inbox even when no file event arrives.
const DefaultPollInterval = 2 * time.Second

// Inbox yields queued decisions for the given nonces exactly once.
type Inbox interface {
	TakeDecisions(ctx context.Context, nonces []string) ([]db.Decision, error)
}

// Resolver settles nonces it owns. *gate.Gate satisfies it.
type Resolver interface {
	Pending() []gate.Approval
	ResolveApproval(nonce string, approved bool) bool
}

// Config configures a Bridge.
type Config struct {
	// DBPath enables the fsnotify watcher. Empty means poll only.
	DBPath       string
	PollInterval time.Duration
	Logger       *log.Logger
}

// Bridge moves decisions from an Inbox to a Resolver.
type Bridge struct {
	inbox    Inbox
	resolver Resolver
	dbPath   string
	poll     time.Duration
	logger   *log.Logger
}

// New creates a bridge.
func New(inbox Inbox, resolver Resolver, cfg Config) *Bridge {
	b := &Bridge{
		inbox:    inbox,
		resolver: resolver,
		dbPath:   cfg.DBPath,
		poll:     cfg.PollInterval,
		logger:   cfg.Logger,
	}
	if b.poll <= 0 {
		b.poll = DefaultPollInterval
	}
	if b.logger == nil {
		b.logger = log.Default().WithPrefix("bridge")
	}
	return b
}

// Run applies decisions until ctx is done. It drains the inbox once at
// start, then on every watcher event and every poll tick.
func (b *Bridge) Run(ctx context.Context) error {
	var events <-chan WatchEvent
	var errs <-chan error
	if b.dbPath != "" {
		w, err := NewWatcher(b.dbPath)
		if err != nil {
			b.logger.Warn("file watcher unavailable, polling only", "error", err)
		} else {
			w.logger = b.logger
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("starting watcher: %w", err)
			}
			defer func() { _ = w.Stop() }()
			events, errs = w.Events(), w.Errors()
		}
	}

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	b.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.Drain(ctx)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			b.Drain(ctx)
		}
	}
}

// Drain applies the queued decisions for approvals pending on the resolver
// and returns how many it resolved.
func (b *Bridge) Drain(ctx context.Context) int {
	pending := b.resolver.Pending()
	if len(pending) == 0 {
		return 0
	}
	nonces := make([]string, len(pending))
	for i, a := range pending {
		nonces[i] = a.Nonce
	}

	decisions, err := b.inbox.TakeDecisions(ctx, nonces)
	if err != nil {
		b.logger.Warn("reading decisions", "error", err)
		return 0
	}

	applied := 0
	for _, d := range decisions {
		if b.resolver.ResolveApproval(d.Nonce, d.Approved) {
			applied++
			b.logger.Info("decision applied", "nonce", short(d.Nonce), "approved", d.Approved, "source", d.Source)
			continue
		}
		// Settled between Pending and now, or a duplicate decision.
		b.logger.Debug("decision ignored", "nonce", short(d.Nonce))
	}
	return applied
}

func short(nonce string) string {
	if len(nonce) > 8 {
		return nonce[:8]
	}
	return nonce
}
