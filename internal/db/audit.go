package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Dicklesworthstone/gatekeep/internal/audit"
	"github.com/Dicklesworthstone/gatekeep/internal/core"
)

var _ audit.Store = (*DB)(nil)

const auditColumns = `id, created_at, action, tool_name, tool_args_json, risk_level, approved, result, user_id, hash, prev_hash`

// AppendLinked reads the segment head and inserts the entry built from it
// inside one BEGIN IMMEDIATE transaction, so concurrent writers on the same
// database file cannot interleave between the read and the insert.
func (db *DB) AppendLinked(ctx context.Context, segment string, build func(prevHash string) (audit.Entry, error)) (audit.Entry, error) {
	if segment == "" {
		return audit.Entry{}, audit.ErrSegmentRequired
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return audit.Entry{}, fmt.Errorf("beginning audit transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	var prev string
	err = conn.QueryRowContext(ctx, `
		SELECT hash FROM audit_entries
		WHERE segment = ?
		ORDER BY seq DESC
		LIMIT 1
	`, segment).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, fmt.Errorf("reading audit chain head: %w", err)
	}

	e, err := build(prev)
	if err != nil {
		return audit.Entry{}, err
	}
	var args any
	if len(e.ToolArgs) > 0 {
		args = string(e.ToolArgs)
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO audit_entries (segment, `+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, segment, e.ID, formatTime(e.Timestamp), e.Action, e.ToolName, args, e.RiskLevel.String(),
		boolToInt(e.Approved), e.Result, e.UserID, e.Hash, e.PrevHash)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("inserting audit entry: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return audit.Entry{}, fmt.Errorf("committing audit entry: %w", err)
	}
	committed = true
	return e, nil
}

// ReadSegment returns every entry of segment in insertion order.
func (db *DB) ReadSegment(ctx context.Context, segment string) ([]audit.Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE segment = ?
		ORDER BY seq ASC
	`, segment)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			// Count the rest so verification reports the full segment size.
			total := len(entries) + 1
			for rows.Next() {
				total++
			}
			return entries, &audit.CorruptEntryError{Segment: segment, Index: len(entries), Total: total, Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// Segments lists segment keys in ascending order.
func (db *DB) Segments(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT segment FROM audit_entries ORDER BY segment ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying audit segments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning audit segment: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit segments: %w", err)
	}
	return out, nil
}

func scanEntry(row scanner) (audit.Entry, error) {
	var (
		e                audit.Entry
		createdAt, level string
		args             sql.NullString
		approved         int
	)
	err := row.Scan(&e.ID, &createdAt, &e.Action, &e.ToolName, &args, &level, &approved,
		&e.Result, &e.UserID, &e.Hash, &e.PrevHash)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, err
	}
	if err != nil {
		return audit.Entry{}, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Timestamp, err = parseTime(createdAt)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.RiskLevel, err = core.ParseRiskLevel(level)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("parsing risk_level: %w", err)
	}
	e.Approved = approved != 0
	if args.Valid && args.String != "" {
		e.ToolArgs = json.RawMessage(args.String)
	}
	return e, nil
}
