// Package notify renders pending approvals and post-execution notices to
// humans: a terminal prompt, desktop notifications and the structured log.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/guard"
	"github.com/charmbracelet/log"
)

// Resolver is the part of the gate a presenter may call back into.
type Resolver interface {
	ResolveApproval(nonce string, approved bool) bool
}

// Sink both presents approvals and receives notices.
type Sink interface {
	guard.Presenter
	guard.Notifier
}

// FanOut delivers to every sink and joins their errors.
type FanOut []Sink

// Present implements guard.Presenter.
func (f FanOut) Present(ctx context.Context, a gate.Approval) error {
	var errs []error
	for _, s := range f {
		if err := s.Present(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notify implements guard.Notifier.
func (f FanOut) Notify(ctx context.Context, o guard.Outcome) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes approvals and notices to a logger.
type Log struct {
	Logger *log.Logger
}

func (l Log) logger() *log.Logger {
	if l.Logger == nil {
		return log.Default().WithPrefix("notify")
	}
	return l.Logger
}

// Present implements guard.Presenter.
func (l Log) Present(_ context.Context, a gate.Approval) error {
	l.logger().Info("approval pending",
		"nonce", a.Nonce,
		"tool", a.ToolName,
		"level", a.Classification.Level,
		"reason", a.Classification.Reason,
	)
	return nil
}

// Notify implements guard.Notifier.
func (l Log) Notify(_ context.Context, o guard.Outcome) error {
	l.logger().Info("action executed",
		"tool", o.ToolName,
		"level", o.Classification.Level,
		"reason", o.Classification.Reason,
	)
	return nil
}

// Summary is a one-line description of an approval.
func Summary(a gate.Approval) string {
	return Sanitize(fmt.Sprintf("%s %s: %s", a.Classification.Level, a.ToolName, a.Classification.Reason))
}

// FormatArgs renders scrubbed arguments for display, truncated to max
// bytes when max > 0.
func FormatArgs(args map[string]any, max int) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	s := strings.TrimSpace(string(b))
	if max > 0 && len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

// ApproveHint tells a human how to resolve a nonce from another shell.
func ApproveHint(nonce string) string {
	return fmt.Sprintf("gatekeep approvals approve %s   (or deny)", nonce)
}

func short(nonce string) string {
	if len(nonce) > 8 {
		return nonce[:8]
	}
	return nonce
}
