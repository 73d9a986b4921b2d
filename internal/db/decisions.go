package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Decision is a resolution written by one process for another to apply.
type Decision struct {
	ID        int64     `json:"id"`
	Nonce     string    `json:"nonce"`
	Approved  bool      `json:"approved"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordDecision queues a decision for nonce.
func (db *DB) RecordDecision(ctx context.Context, nonce string, approved bool, source string) (*Decision, error) {
	if nonce == "" {
		return nil, fmt.Errorf("nonce is required")
	}
	d := &Decision{Nonce: nonce, Approved: approved, Source: source, CreatedAt: time.Now().UTC()}

	res, err := db.ExecContext(ctx, `
		INSERT INTO approval_decisions (nonce, approved, source, created_at)
		VALUES (?, ?, ?, ?)
	`, nonce, boolToInt(approved), source, formatTime(d.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("recording decision: %w", err)
	}
	d.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting decision id: %w", err)
	}
	return d, nil
}

// TakeDecisions returns the unconsumed decisions for the given nonces in
// insertion order and marks them consumed in the same transaction, so each
// is delivered once. Decisions for other nonces stay queued.
func (db *DB) TakeDecisions(ctx context.Context, nonces []string) ([]Decision, error) {
	if len(nonces) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(nonces)), ", ")
	args := make([]any, len(nonces))
	for i, n := range nonces {
		args[i] = n
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning decision take: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, nonce, approved, source, created_at
		FROM approval_decisions
		WHERE consumed_at IS NULL AND nonce IN (`+placeholders+`)
		ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}

	var out []Decision
	for rows.Next() {
		var (
			d         Decision
			approved  int
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.Nonce, &approved, &d.Source, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		d.Approved = approved != 0
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing decision created_at: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating decisions: %w", err)
	}
	rows.Close()

	if len(out) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	for _, d := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE approval_decisions SET consumed_at = ? WHERE id = ?`, now, d.ID); err != nil {
			return nil, fmt.Errorf("consuming decision %d: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing decision take: %w", err)
	}
	return out, nil
}
