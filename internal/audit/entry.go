// Package audit implements the append-only, hash-linked decision log.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/gowebpki/jcs"
)

// Actions recorded in the chain.
const (
	ActionAutoExecuted = "auto_executed"
	ActionRefused      = "refused"
	ActionResolved     = "approval_resolved"
	ActionExecuted     = "executed"
	ActionExecFailed   = "execution_failed"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Action    string          `json:"action"`
	ToolName  string          `json:"tool_name"`
	ToolArgs  json.RawMessage `json:"tool_args,omitempty"`
	RiskLevel core.RiskLevel  `json:"risk_level"`
	Approved  bool            `json:"approved"`
	Result    string          `json:"result,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash"`
}

// content is the hashed projection of an Entry.
type content struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Action    string          `json:"action"`
	ToolName  string          `json:"tool_name"`
	ToolArgs  json.RawMessage `json:"tool_args,omitempty"`
	RiskLevel core.RiskLevel  `json:"risk_level"`
	Approved  bool            `json:"approved"`
	Result    string          `json:"result,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

// Canonical returns the RFC 8785 serialization of the entry's content,
// excluding Hash and PrevHash.
func Canonical(e Entry) ([]byte, error) {
	raw, err := json.Marshal(content{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Action:    e.Action,
		ToolName:  e.ToolName,
		ToolArgs:  e.ToolArgs,
		RiskLevel: e.RiskLevel,
		Approved:  e.Approved,
		Result:    e.Result,
		UserID:    e.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding audit entry: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing audit entry: %w", err)
	}
	return out, nil
}

// ComputeHash returns hex(SHA-256(Canonical(e) || e.PrevHash)).
func ComputeHash(e Entry) (string, error) {
	canon, err := Canonical(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canon)
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EncodeArgs serializes a tool argument map for an Entry. Empty maps encode
// to nil.
func EncodeArgs(args map[string]any) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding tool args: %w", err)
	}
	return raw, nil
}
