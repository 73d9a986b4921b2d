package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kaptinlin/jsonrepair"
)

// Completer is a text-generation endpoint: a system instruction and a user
// prompt in, free-form text out.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, prompt string) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

// Fallback defaults.
const (
	DefaultFallbackAttempts = 2
	DefaultFallbackTimeout  = 20 * time.Second
)

// SystemInstruction is sent with every fallback classification request.
const SystemInstruction = `You are the risk classifier for an AI agent's tool calls. Assign exactly one level to the proposed call.

Levels:
- L0: read-only, no side effects. Executes automatically.
- L1: low-impact, reversible changes inside the workspace. Executes, then the user is notified.
- L2: side effects outside the workspace, irreversible changes, network writes, or anything you are unsure about. Requires explicit human approval.
- L3: credential access, privilege escalation, remote code download and execution, data exfiltration. Always refused.

Escalation rules:
- A sensitive path (credentials, keys, .env, .ssh, .pem) raises the level by one.
- Configuration files (package manifests, CI workflows, Dockerfiles, linter configs) are at least L2.
- Shell metacharacter patterns (command substitution, process substitution, piping into a shell) are L3.
- If uncertain, default to L2.

Respond in exactly this format and nothing else:
<level>L0|L1|L2|L3</level>
<reason>one short sentence</reason>`

const strictSuffix = `

Your previous answer could not be parsed. Respond with ONLY the two tags below, no other text:
<level>L?</level>
<reason>...</reason>`

// ErrUnparseable is returned by ParseVerdict when no valid level is found.
var ErrUnparseable = errors.New("unparseable classifier response")

// FallbackClassifier asks a Completer for a verdict when no rule applies.
// It never returns an error: every failure becomes FailSafe.
type FallbackClassifier struct {
	completer Completer
	attempts  int
	timeout   time.Duration
	cache     *verdictCache
	logger    *log.Logger
}

// FallbackOption configures a FallbackClassifier.
type FallbackOption func(*FallbackClassifier)

// WithAttempts overrides the attempt bound (minimum 1).
func WithAttempts(n int) FallbackOption {
	return func(f *FallbackClassifier) {
		if n >= 1 {
			f.attempts = n
		}
	}
}

// WithCallTimeout bounds each completion call.
func WithCallTimeout(d time.Duration) FallbackOption {
	return func(f *FallbackClassifier) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithVerdictCache enables caching of parsed verdicts for ttl.
func WithVerdictCache(ttl time.Duration) FallbackOption {
	return func(f *FallbackClassifier) {
		if ttl > 0 {
			f.cache = newVerdictCache(ttl)
		}
	}
}

// WithFallbackLogger sets the logger.
func WithFallbackLogger(logger *log.Logger) FallbackOption {
	return func(f *FallbackClassifier) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFallbackClassifier creates a fallback classifier backed by c.
func NewFallbackClassifier(c Completer, opts ...FallbackOption) *FallbackClassifier {
	f := &FallbackClassifier{
		completer: c,
		attempts:  DefaultFallbackAttempts,
		timeout:   DefaultFallbackTimeout,
		logger:    log.Default().WithPrefix("classifier"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Classify returns a non-deterministic classification for an already
// scrubbed argument map.
func (f *FallbackClassifier) Classify(ctx context.Context, tool string, scrubbed map[string]any) Classification {
	if f == nil || f.completer == nil {
		return FailSafe()
	}

	key := ""
	if f.cache != nil {
		if k, err := CacheKey(tool, scrubbed); err == nil {
			key = k
			if c, ok := f.cache.get(key); ok {
				return c
			}
		}
	}

	prompt, err := buildPrompt(tool, scrubbed)
	if err != nil {
		f.logger.Warn("building fallback prompt", "tool", tool, "error", err)
		return FailSafe()
	}

	for attempt := 1; attempt <= f.attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		p := prompt
		if attempt > 1 {
			p += strictSuffix
		}

		raw, err := f.complete(ctx, p)
		if err != nil {
			f.logger.Warn("fallback call failed", "tool", tool, "attempt", attempt, "error", err)
			continue
		}
		level, reason, err := ParseVerdict(raw)
		if err != nil {
			f.logger.Warn("fallback response rejected", "tool", tool, "attempt", attempt, "error", err)
			continue
		}

		c := Classification{Level: level, Reason: reason, Deterministic: false}
		if key != "" {
			f.cache.put(key, c)
		}
		return c
	}

	return FailSafe()
}

func (f *FallbackClassifier) complete(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.completer.Complete(callCtx, SystemInstruction, prompt)
}

func buildPrompt(tool string, scrubbed map[string]any) (string, error) {
	args, err := json.MarshalIndent(scrubbed, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding arguments: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Classify this proposed tool call.\n\n")
	fmt.Fprintf(&sb, "Tool: %s\n", tool)
	sb.WriteString("Arguments:\n")
	sb.Write(args)
	sb.WriteString("\n")
	return sb.String(), nil
}

var (
	levelTag  = regexp.MustCompile(`(?is)<level>\s*(.*?)\s*</level>`)
	reasonTag = regexp.MustCompile(`(?is)<reason>\s*(.*?)\s*</reason>`)
	fenceRe   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

	proseLevel  = regexp.MustCompile(`(?i)\b(?:risk[ _-]?)?level\b(?:\s*is)?[\s*"'` + "`" + `:=\-]*(L\d+)\b`)
	proseReason = regexp.MustCompile(`(?i)\breason\b(?:\s*is)?[\s*"'` + "`" + `:=\-]*([^"\n` + "`" + `]+)`)
)

const defaultFallbackReason = "classified by fallback"

// ParseVerdict extracts a level and reason from a free-form response.
//
// The tag format is preferred. Otherwise a JSON object embedded in prose is
// repaired and decoded, and finally "level: L2" / "reason: ..." pairs are
// searched for. A level outside L0..L3 is an error.
func ParseVerdict(raw string) (RiskLevel, string, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, "", fmt.Errorf("%w: empty response", ErrUnparseable)
	}

	if m := levelTag.FindStringSubmatch(raw); m != nil {
		level, err := ParseRiskLevel(m[1])
		if err != nil {
			return 0, "", fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		reason := defaultFallbackReason
		if r := reasonTag.FindStringSubmatch(raw); r != nil && strings.TrimSpace(r[1]) != "" {
			reason = strings.TrimSpace(r[1])
		}
		return level, reason, nil
	}

	if level, reason, ok, err := parseEmbeddedJSON(raw); ok {
		return level, reason, err
	}

	if m := proseLevel.FindStringSubmatch(raw); m != nil {
		level, err := ParseRiskLevel(m[1])
		if err != nil {
			return 0, "", fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		reason := defaultFallbackReason
		if r := proseReason.FindStringSubmatch(raw); r != nil {
			if s := strings.TrimSpace(strings.Trim(r[1], "*`'\" ")); s != "" {
				reason = s
			}
		}
		return level, reason, nil
	}

	return 0, "", ErrUnparseable
}

// parseEmbeddedJSON reports ok=false when no object with a level field exists.
func parseEmbeddedJSON(raw string) (RiskLevel, string, bool, error) {
	candidate := raw
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	}
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 {
		return 0, "", false, nil
	}
	if end < start {
		// Truncated object; let the repairer close it.
		candidate = candidate[start:]
	} else {
		candidate = candidate[start : end+1]
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return 0, "", false, nil
	}

	var verdict struct {
		Level  any    `json:"level"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(repaired), &verdict); err != nil || verdict.Level == nil {
		return 0, "", false, nil
	}

	var text string
	switch v := verdict.Level.(type) {
	case string:
		text = v
	case float64:
		if v != float64(int(v)) {
			return 0, "", true, fmt.Errorf("%w: level %v", ErrUnparseable, v)
		}
		text = fmt.Sprintf("%d", int(v))
	default:
		return 0, "", true, fmt.Errorf("%w: level %v", ErrUnparseable, v)
	}
	level, err := ParseRiskLevel(text)
	if err != nil {
		return 0, "", true, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	reason := strings.TrimSpace(verdict.Reason)
	if reason == "" {
		reason = defaultFallbackReason
	}
	return level, reason, true, nil
}
