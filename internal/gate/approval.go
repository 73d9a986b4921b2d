// Package gate implements the approval gate: a registry of pending
// authorization requests, each resolvable exactly once.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusTimeout
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Notes attached to gate-initiated resolutions.
const (
	NoteTimeout   = "approval timed out"
	NoteRestarted = "process restarted"
	NoteShutdown  = "shutdown"
)

var (
	// ErrRefused is returned when an approval is requested for an L3 verdict.
	ErrRefused = errors.New("L3 actions are refused and cannot be approved")
	// ErrClosed is returned after the gate has been shut down.
	ErrClosed = errors.New("approval gate is closed")
	// ErrNotApproved is returned when a grant is requested for an approval
	// that did not end in StatusApproved.
	ErrNotApproved = errors.New("action not approved")
)

// Approval is one authorization request.
type Approval struct {
	Nonce          string              `json:"nonce"`
	ToolName       string              `json:"tool_name"`
	ToolArgs       map[string]any      `json:"tool_args,omitempty"`
	Classification core.Classification `json:"classification"`
	Status         Status              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	// Note records why a gate-initiated resolution happened.
	Note string `json:"note,omitempty"`
}

// Approved reports whether the approval ended in StatusApproved.
func (a Approval) Approved() bool {
	return a.Status == StatusApproved
}

// Request describes the action that needs authorization.
type Request struct {
	ToolName       string
	ToolArgs       map[string]any
	Classification core.Classification
	// Timeout overrides the gate default. Negative disables the timer.
	Timeout time.Duration
	// ConversationID enables durable persistence of the approval.
	ConversationID string
}

// Store persists approvals. Every write is advisory: the gate logs and
// discards errors.
//
// SaveApproval must not overwrite a row that already exists, and
// UpdateApproval must insert the row if it is missing, so that the two may
// race without losing the terminal state.
type Store interface {
	SaveApproval(ctx context.Context, a Approval) error
	UpdateApproval(ctx context.Context, a Approval) error
	ListPendingApprovals(ctx context.Context) ([]Approval, error)
}

// Grant is proof that an action may run. Only the gate mints grants.
type Grant struct {
	nonce    string
	level    core.RiskLevel
	issuedAt time.Time
}

// Valid reports whether the grant was issued by a gate.
func (g Grant) Valid() bool { return !g.issuedAt.IsZero() }

// Nonce returns the approval nonce, or "" for an exempt action.
func (g Grant) Nonce() string { return g.nonce }

// Level returns the risk level the grant covers.
func (g Grant) Level() core.RiskLevel { return g.level }

// IssuedAt returns when the grant was minted.
func (g Grant) IssuedAt() time.Time { return g.issuedAt }
