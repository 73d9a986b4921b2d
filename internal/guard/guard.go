// Package guard ties classification, approval and auditing together for a
// single tool invocation.
//
// Every call goes through Invoke: L3 verdicts are refused, gated levels wait
// for a human decision, and the executor only ever runs with a gate.Grant in
// hand.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Dicklesworthstone/gatekeep/internal/audit"
	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/charmbracelet/log"
)

// NoteCancelled is recorded when the caller gives up waiting.
const NoteCancelled = "caller cancelled"

// maxResultLen bounds the execution output stored in the audit chain.
const maxResultLen = 512

var (
	// ErrAudit wraps a failed mandatory audit append. The decision it was
	// recording has already taken effect.
	ErrAudit = errors.New("audit append failed")
	// ErrExecution wraps an executor failure.
	ErrExecution = errors.New("tool execution failed")
)

// Classifier produces a verdict for a tool call.
type Classifier interface {
	Classify(ctx context.Context, tool string, args map[string]any) core.Classification
}

// Auditor appends decision records.
type Auditor interface {
	AppendNow(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Executor runs an authorized tool call and returns a short result.
type Executor interface {
	Execute(ctx context.Context, grant gate.Grant, call Call) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, grant gate.Grant, call Call) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, grant gate.Grant, call Call) (string, error) {
	return f(ctx, grant, call)
}

// Presenter renders a pending approval to a human. The approval carries
// scrubbed arguments.
type Presenter interface {
	Present(ctx context.Context, a gate.Approval) error
}

// Notifier is told about actions that ran without a prior approval prompt
// but still deserve attention.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// Escalator may raise a classification after the fact. Lower levels are
// ignored.
type Escalator func(ctx context.Context, tool string, args map[string]any, c core.Classification) core.Classification

// Call is one proposed tool invocation.
type Call struct {
	ToolName string
	Args     map[string]any
	// ConversationID correlates the approval with a conversation and makes
	// it durable.
	ConversationID string
	// Timeout overrides the gate's approval timeout.
	Timeout time.Duration
}

// Verdict is the final disposition of a call.
type Verdict string

// Verdicts.
const (
	VerdictRefused  Verdict = "refused"
	VerdictAuto     Verdict = "auto"
	VerdictApproved Verdict = "approved"
	VerdictDenied   Verdict = "denied"
	VerdictTimeout  Verdict = "timeout"
)

// Outcome describes what happened to a call.
type Outcome struct {
	ToolName       string              `json:"tool_name"`
	Classification core.Classification `json:"classification"`
	Verdict        Verdict             `json:"verdict"`
	Nonce          string              `json:"nonce,omitempty"`
	Note           string              `json:"note,omitempty"`
	Executed       bool                `json:"executed"`
	Result         string              `json:"result,omitempty"`
}

// Allowed reports whether the call was cleared to run.
func (o Outcome) Allowed() bool {
	return o.Verdict == VerdictAuto || o.Verdict == VerdictApproved
}

// Guard is the orchestrator side of the security boundary.
type Guard struct {
	classifier Classifier
	gate       *gate.Gate
	auditor    Auditor
	executor   Executor

	presenter  Presenter
	notifier   Notifier
	escalators []Escalator
	logger     *log.Logger
	readOnly   bool

	// mu serializes approval creation against the resolution listener so
	// that an approval owned by Invoke is never audited twice.
	mu    sync.Mutex
	owned map[string]bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithPresenter sets the approval presenter.
func WithPresenter(p Presenter) Option {
	return func(g *Guard) { g.presenter = p }
}

// WithNotifier sets the notifier for ungated L1 actions.
func WithNotifier(n Notifier) Option {
	return func(g *Guard) { g.notifier = n }
}

// WithEscalator adds an escalation hook. Hooks run in order after
// classification.
func WithEscalator(e Escalator) Option {
	return func(g *Guard) {
		if e != nil {
			g.escalators = append(g.escalators, e)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithReadOnlyAudit records L0 executions as well.
func WithReadOnlyAudit(enabled bool) Option {
	return func(g *Guard) { g.readOnly = enabled }
}

// New creates a guard and subscribes it to the gate's resolutions.
func New(classifier Classifier, gt *gate.Gate, auditor Auditor, executor Executor, opts ...Option) *Guard {
	g := &Guard{
		classifier: classifier,
		gate:       gt,
		auditor:    auditor,
		executor:   executor,
		logger:     log.Default().WithPrefix("guard"),
		owned:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	gt.OnResolve(g.onResolve)
	return g
}

// Classify returns the escalated classification for a call without acting
// on it.
func (g *Guard) Classify(ctx context.Context, call Call) core.Classification {
	c := g.classifier.Classify(ctx, call.ToolName, call.Args)
	for _, esc := range g.escalators {
		raised := esc(ctx, call.ToolName, call.Args, c)
		c = c.Escalate(raised.Level, raised.Reason)
	}
	return c
}

// Invoke classifies call and, when allowed, executes it.
//
// Refusals, denials and timeouts are not errors: they are reported in the
// Outcome. The error is non-nil when an audit append fails (wrapping
// ErrAudit), the executor fails (ErrExecution), the gate is closed, or ctx
// ends while waiting for a decision.
func (g *Guard) Invoke(ctx context.Context, call Call) (Outcome, error) {
	c := g.Classify(ctx, call)
	scrubbed := core.ScrubArgs(call.Args)
	out := Outcome{ToolName: call.ToolName, Classification: c}

	if c.Level == core.L3 {
		out.Verdict = VerdictRefused
		g.logger.Warn("tool call refused", "tool", call.ToolName, "reason", c.Reason)
		err := g.record(ctx, audit.ActionRefused, call.ToolName, scrubbed, c.Level, false, c.Reason)
		return out, err
	}

	if grant, ok := g.gate.Exempt(c); ok {
		return g.runExempt(ctx, call, scrubbed, grant, out)
	}
	return g.runGated(ctx, call, scrubbed, out)
}

func (g *Guard) runExempt(ctx context.Context, call Call, scrubbed map[string]any, grant gate.Grant, out Outcome) (Outcome, error) {
	out.Verdict = VerdictAuto
	result, execErr := g.executor.Execute(ctx, grant, call)
	out.Executed = true
	out.Result = result

	var auditErr error
	if execErr != nil {
		auditErr = g.record(ctx, audit.ActionExecFailed, call.ToolName, scrubbed, out.Classification.Level, true, execErr.Error())
		execErr = fmt.Errorf("%w: %w", ErrExecution, execErr)
	} else if out.Classification.Level > core.L0 || g.readOnly {
		auditErr = g.record(ctx, audit.ActionAutoExecuted, call.ToolName, scrubbed, out.Classification.Level, true, truncate(result))
	}

	if out.Classification.Level == core.L1 && g.notifier != nil {
		if err := g.notifier.Notify(ctx, out); err != nil {
			g.logger.Warn("notifying executed action", "tool", call.ToolName, "error", err)
		}
	}
	return out, errors.Join(execErr, auditErr)
}

func (g *Guard) runGated(ctx context.Context, call Call, scrubbed map[string]any, out Outcome) (Outcome, error) {
	g.mu.Lock()
	h, err := g.gate.CreateApproval(ctx, gate.Request{
		ToolName:       call.ToolName,
		ToolArgs:       scrubbed,
		Classification: out.Classification,
		Timeout:        call.Timeout,
		ConversationID: call.ConversationID,
	})
	if err != nil {
		g.mu.Unlock()
		return out, fmt.Errorf("creating approval: %w", err)
	}
	g.owned[h.Nonce()] = true
	g.mu.Unlock()

	out.Nonce = h.Nonce()
	if g.presenter != nil {
		if err := g.presenter.Present(ctx, h.Approval()); err != nil {
			g.logger.Warn("presenting approval", "nonce", short(h.Nonce()), "tool", call.ToolName, "error", err)
		}
	}

	a, waitErr := h.Wait(ctx)
	if waitErr != nil {
		g.gate.Cancel(h.Nonce(), NoteCancelled)
		// Settled either by Cancel or by a concurrent resolution.
		a, _ = h.Wait(context.Background())
	}
	out.Verdict = verdictFor(a.Status)
	out.Note = a.Note

	// The caller's context may be gone; the record must still be written.
	auditCtx := context.WithoutCancel(ctx)
	resolvedErr := g.record(auditCtx, audit.ActionResolved, call.ToolName, scrubbed, out.Classification.Level, a.Approved(), resolutionResult(a))
	if !a.Approved() {
		return out, errors.Join(waitErr, resolvedErr)
	}

	grant, err := h.Grant()
	if err != nil {
		return out, errors.Join(err, resolvedErr)
	}
	result, execErr := g.executor.Execute(ctx, grant, call)
	out.Executed = true
	out.Result = result

	var execAuditErr error
	if execErr != nil {
		execAuditErr = g.record(auditCtx, audit.ActionExecFailed, call.ToolName, scrubbed, out.Classification.Level, true, execErr.Error())
		execErr = fmt.Errorf("%w: %w", ErrExecution, execErr)
	} else {
		execAuditErr = g.record(auditCtx, audit.ActionExecuted, call.ToolName, scrubbed, out.Classification.Level, true, truncate(result))
	}
	return out, errors.Join(execErr, resolvedErr, execAuditErr)
}

// onResolve audits resolutions that no Invoke call is waiting on, such as
// approvals recovered after a restart. The gate delivers every terminal
// transition exactly once, so an owned nonce is forgotten here.
func (g *Guard) onResolve(a gate.Approval) {
	g.mu.Lock()
	owned := g.owned[a.Nonce]
	delete(g.owned, a.Nonce)
	g.mu.Unlock()
	if owned {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = g.record(ctx, audit.ActionResolved, a.ToolName, a.ToolArgs, a.Classification.Level, a.Approved(), resolutionResult(a))
}

func (g *Guard) record(ctx context.Context, action, tool string, args map[string]any, level core.RiskLevel, approved bool, result string) error {
	raw, err := audit.EncodeArgs(args)
	if err != nil {
		g.logger.Error("encoding audit arguments", "tool", tool, "action", action, "error", err)
		return fmt.Errorf("%w: %w", ErrAudit, err)
	}
	e, err := g.auditor.AppendNow(ctx, audit.Entry{
		Action:    action,
		ToolName:  tool,
		ToolArgs:  raw,
		RiskLevel: level,
		Approved:  approved,
		Result:    result,
	})
	if err != nil {
		g.logger.Error("AUDIT APPEND FAILED", "tool", tool, "action", action, "level", level, "error", err)
		return fmt.Errorf("%w: %w", ErrAudit, err)
	}
	g.logger.Debug("audited", "tool", tool, "action", action, "id", e.ID)
	return nil
}

func verdictFor(s gate.Status) Verdict {
	switch s {
	case gate.StatusApproved:
		return VerdictApproved
	case gate.StatusTimeout:
		return VerdictTimeout
	default:
		return VerdictDenied
	}
}

func resolutionResult(a gate.Approval) string {
	if a.Note == "" {
		return string(a.Status)
	}
	return string(a.Status) + ": " + a.Note
}

func truncate(s string) string {
	if len(s) <= maxResultLen {
		return s
	}
	n := maxResultLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func short(nonce string) string {
	if len(nonce) > 8 {
		return nonce[:8]
	}
	return nonce
}
