package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
)

// ErrApprovalNotFound is returned when no approval row matches a nonce.
var ErrApprovalNotFound = errors.New("approval not found")

var _ gate.Store = (*DB)(nil)

const approvalColumns = `nonce, tool_name, tool_args_json, level, reason, deterministic, status, conversation_id, note, created_at, resolved_at`

// SaveApproval inserts a pending approval. An existing row is left untouched.
func (db *DB) SaveApproval(ctx context.Context, a gate.Approval) error {
	if a.Nonce == "" {
		return fmt.Errorf("nonce is required")
	}
	args, err := encodeArgs(a.ToolArgs)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(nonce) DO NOTHING
	`, a.Nonce, a.ToolName, args, a.Classification.Level.String(), a.Classification.Reason,
		boolToInt(a.Classification.Deterministic), string(a.Status), nullString(a.ConversationID),
		a.Note, formatTime(a.CreatedAt), formatTimePtr(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("saving approval: %w", err)
	}
	return nil
}

// UpdateApproval records a terminal state, inserting the row if the pending
// insert never landed. A row that is already terminal is not changed.
func (db *DB) UpdateApproval(ctx context.Context, a gate.Approval) error {
	if a.Nonce == "" {
		return fmt.Errorf("nonce is required")
	}
	args, err := encodeArgs(a.ToolArgs)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(nonce) DO UPDATE SET
			status = excluded.status,
			note = excluded.note,
			resolved_at = excluded.resolved_at
		WHERE approvals.status = 'pending'
	`, a.Nonce, a.ToolName, args, a.Classification.Level.String(), a.Classification.Reason,
		boolToInt(a.Classification.Deterministic), string(a.Status), nullString(a.ConversationID),
		a.Note, formatTime(a.CreatedAt), formatTimePtr(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("updating approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval by nonce.
func (db *DB) GetApproval(ctx context.Context, nonce string) (gate.Approval, error) {
	row := db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE nonce = ?`, nonce)
	return scanApproval(row)
}

// ListPendingApprovals returns approvals still marked pending, oldest first.
func (db *DB) ListPendingApprovals(ctx context.Context) ([]gate.Approval, error) {
	return db.ListApprovals(ctx, gate.StatusPending, 0)
}

// ListApprovals returns approvals, newest first for terminal listings and
// oldest first for pending ones. An empty status lists everything; limit <= 0
// means no limit.
func (db *DB) ListApprovals(ctx context.Context, status gate.Status, limit int) ([]gate.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status %q", status)
		}
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	if status == gate.StatusPending {
		query += ` ORDER BY created_at ASC`
	} else {
		query += ` ORDER BY created_at DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer rows.Close()

	var out []gate.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approvals: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(row scanner) (gate.Approval, error) {
	var (
		a                        gate.Approval
		args, conversationID     sql.NullString
		level, status, createdAt string
		resolvedAt               sql.NullString
		deterministic            int
	)
	err := row.Scan(&a.Nonce, &a.ToolName, &args, &level, &a.Classification.Reason, &deterministic,
		&status, &conversationID, &a.Note, &createdAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gate.Approval{}, ErrApprovalNotFound
		}
		return gate.Approval{}, fmt.Errorf("scanning approval: %w", err)
	}

	a.Classification.Level, err = core.ParseRiskLevel(level)
	if err != nil {
		return gate.Approval{}, fmt.Errorf("parsing level: %w", err)
	}
	a.Classification.Deterministic = deterministic != 0
	a.Status = gate.Status(status)
	a.ConversationID = conversationID.String

	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &a.ToolArgs); err != nil {
			return gate.Approval{}, fmt.Errorf("parsing tool_args_json: %w", err)
		}
	}

	a.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return gate.Approval{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return gate.Approval{}, fmt.Errorf("parsing resolved_at: %w", err)
		}
		a.ResolvedAt = &t
	}
	return a, nil
}

func encodeArgs(args map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding tool args: %w", err)
	}
	return string(raw), nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
