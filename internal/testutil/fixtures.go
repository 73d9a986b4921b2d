package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/audit"
	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/db"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
)

// ApprovalOption customizes a test approval row.
type ApprovalOption func(*gate.Approval)

// MakeApproval inserts a pending approval row and returns it.
func MakeApproval(t *testing.T, database *db.DB, opts ...ApprovalOption) gate.Approval {
	t.Helper()

	a := gate.Approval{
		Nonce:          randHex(32),
		ToolName:       "shell",
		ToolArgs:       map[string]any{"command": "echo test"},
		Classification: core.Classification{Level: core.L2, Reason: "test", Deterministic: true},
		Status:         gate.StatusPending,
		CreatedAt:      time.Now().UTC(),
		ConversationID: "conv-" + randHex(6),
	}
	for _, opt := range opts {
		opt(&a)
	}
	RequireNoError(t, database.SaveApproval(context.Background(), a), "save approval")
	if a.Status != gate.StatusPending {
		RequireNoError(t, database.UpdateApproval(context.Background(), a), "update approval")
	}
	return a
}

// WithTool sets the tool name and arguments.
func WithTool(name string, args map[string]any) ApprovalOption {
	return func(a *gate.Approval) {
		a.ToolName = name
		a.ToolArgs = args
	}
}

// WithLevel sets the classification level.
func WithLevel(level core.RiskLevel) ApprovalOption {
	return func(a *gate.Approval) { a.Classification.Level = level }
}

// WithStatus sets a terminal status and resolution time.
func WithStatus(status gate.Status) ApprovalOption {
	return func(a *gate.Approval) {
		a.Status = status
		if status.Terminal() {
			now := time.Now().UTC()
			a.ResolvedAt = &now
		}
	}
}

// WithCreatedAt overrides the creation time.
func WithCreatedAt(at time.Time) ApprovalOption {
	return func(a *gate.Approval) { a.CreatedAt = at.UTC() }
}

// AppendEntries appends n shell entries to segment and returns them.
func AppendEntries(t *testing.T, chain *audit.Chain, segment string, n int) []audit.Entry {
	t.Helper()

	out := make([]audit.Entry, 0, n)
	for i := 0; i < n; i++ {
		args, err := audit.EncodeArgs(map[string]any{"command": "echo " + randHex(4)})
		RequireNoError(t, err, "encode args")
		e, err := chain.Append(context.Background(), segment, audit.Entry{
			Action:    audit.ActionResolved,
			ToolName:  "shell",
			ToolArgs:  args,
			RiskLevel: core.L2,
			Approved:  i%2 == 0,
			Result:    "test",
		})
		RequireNoError(t, err, "append entry")
		out = append(out, e)
	}
	return out
}

// randHex returns a cryptographically random hex string for unique test IDs.
func randHex(n int) string {
	b := make([]byte, (n+1)/2) // Each byte produces 2 hex chars
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)[:n]
}
