// Package core implements risk classification for proposed tool invocations.
package core

import (
	"fmt"
	"strings"
)

// RiskLevel is the ordered severity of a proposed action.
type RiskLevel int

const (
	// L0 actions are read-only and auto-execute.
	L0 RiskLevel = iota
	// L1 actions execute and then notify.
	L1
	// L2 actions block until a human explicitly approves them.
	L2
	// L3 actions are always refused.
	L3
)

// FailSafeReason is the reason attached to the fail-safe classification.
const FailSafeReason = "classifier fallback failure"

var levelNames = [...]string{"L0", "L1", "L2", "L3"}

// String returns the canonical level name ("L0".."L3").
func (l RiskLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the four defined levels.
func (l RiskLevel) Valid() bool {
	return l >= L0 && l <= L3
}

// RequiresApproval reports whether the level needs a gate decision before execution.
func (l RiskLevel) RequiresApproval() bool {
	return l == L1 || l == L2
}

// Describe returns a short human label for the level.
func (l RiskLevel) Describe() string {
	switch l {
	case L0:
		return "auto-execute"
	case L1:
		return "execute and notify"
	case L2:
		return "requires approval"
	case L3:
		return "refused"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l RiskLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *RiskLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseRiskLevel parses "L0".."L3" (case-insensitive, surrounding whitespace
// and a bare digit are accepted).
func ParseRiskLevel(s string) (RiskLevel, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "L")
	if len(s) == 1 && s[0] >= '0' && s[0] <= '3' {
		return RiskLevel(s[0] - '0'), nil
	}
	return 0, fmt.Errorf("invalid risk level %q", s)
}

// MaxLevel returns the highest of the given levels, or L0 if none are given.
func MaxLevel(levels ...RiskLevel) RiskLevel {
	max := L0
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}

// Classification is the verdict for one tool invocation.
type Classification struct {
	Level         RiskLevel `json:"level"`
	Reason        string    `json:"reason"`
	Deterministic bool      `json:"deterministic"`
}

// FailSafe is returned whenever the fallback classifier cannot produce a verdict.
func FailSafe() Classification {
	return Classification{Level: L2, Reason: FailSafeReason, Deterministic: false}
}

// Escalate returns a copy raised to level with reason appended. A lower or
// equal level leaves the classification unchanged.
func (c Classification) Escalate(level RiskLevel, reason string) Classification {
	if level <= c.Level {
		return c
	}
	out := c
	out.Level = level
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
	case out.Reason == "":
		out.Reason = reason
	default:
		out.Reason = out.Reason + "; " + reason
	}
	return out
}

func (c Classification) String() string {
	return fmt.Sprintf("%s (%s)", c.Level, c.Reason)
}
