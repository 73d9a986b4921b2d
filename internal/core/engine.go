package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
)

// maxArgDepth bounds recursion into nested argument maps.
const maxArgDepth = 4

// Normalized argument names that carry a shell command.
var commandKeys = map[string]bool{
	"command":      true,
	"cmd":          true,
	"script":       true,
	"shell":        true,
	"commandline":  true,
	"shellcommand": true,
}

// Normalized argument names that carry a filesystem path.
var pathKeys = map[string]bool{
	"path":        true,
	"paths":       true,
	"file":        true,
	"files":       true,
	"filename":    true,
	"dir":         true,
	"directory":   true,
	"target":      true,
	"destination": true,
	"dest":        true,
	"source":      true,
	"src":         true,
	"cwd":         true,
	"workdir":     true,
	"output":      true,
}

func isPathKey(norm string) bool {
	return pathKeys[norm] || strings.HasSuffix(norm, "path") || strings.HasSuffix(norm, "file")
}

// Finding is one deterministic rule hit.
type Finding struct {
	// Source is "command", "path" or "tool".
	Source  string    `json:"source"`
	Subject string    `json:"subject"`
	Level   RiskLevel `json:"level"`
	Reason  string    `json:"reason"`
}

// Assessment is the full deterministic evaluation of one call.
type Assessment struct {
	Tool     string    `json:"tool"`
	Findings []Finding `json:"findings,omitempty"`
	// Verdict is false when no rule applied.
	Verdict        bool           `json:"verdict"`
	Classification Classification `json:"classification"`
}

func (a *Assessment) add(f Finding) {
	a.Findings = append(a.Findings, f)
	if !a.Verdict || f.Level > a.Classification.Level {
		a.Classification = Classification{Level: f.Level, Reason: f.Reason, Deterministic: true}
	}
	a.Verdict = true
}

// Engine classifies tool invocations: rules first, LLM fallback otherwise.
type Engine struct {
	patterns *PatternEngine
	tools    ToolTable
	fallback *FallbackClassifier
	logger   *log.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPatternEngine replaces the default pattern library.
func WithPatternEngine(p *PatternEngine) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.patterns = p
		}
	}
}

// WithToolTable replaces the default tool table.
func WithToolTable(t ToolTable) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tools = t
		}
	}
}

// WithFallback sets the classifier consulted when no rule applies.
func WithFallback(f *FallbackClassifier) EngineOption {
	return func(e *Engine) { e.fallback = f }
}

// WithLogger sets the engine logger.
func WithLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a classification engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		patterns: NewPatternEngine(),
		tools:    DefaultToolTable(),
		logger:   log.Default().WithPrefix("classifier"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Patterns returns the engine's pattern library.
func (e *Engine) Patterns() *PatternEngine {
	return e.patterns
}

// Classify returns exactly one classification for a tool call. It consults
// the fallback only when the deterministic phase has no verdict.
func (e *Engine) Classify(ctx context.Context, tool string, args map[string]any) Classification {
	if c, ok := e.ClassifyDeterministic(tool, args); ok {
		return c
	}

	e.logger.Debug("no deterministic verdict, using fallback", "tool", tool)
	if e.fallback == nil {
		return FailSafe()
	}
	return e.fallback.Classify(ctx, tool, ScrubArgs(args))
}

// ClassifyDeterministic runs the rule-based phase. ok is false when no rule
// applied, which is distinct from an L0 verdict.
func (e *Engine) ClassifyDeterministic(tool string, args map[string]any) (Classification, bool) {
	a := e.Assess(tool, args)
	return a.Classification, a.Verdict
}

// Assess runs the rule-based phase and reports every finding.
func (e *Engine) Assess(tool string, args map[string]any) *Assessment {
	a := &Assessment{Tool: tool}

	var commands, paths []string
	collectArgs(args, 0, &commands, &paths)

	for _, cmd := range commands {
		res := e.patterns.ClassifyCommand(cmd)
		if !res.Matched {
			continue
		}
		a.add(Finding{Source: "command", Subject: cmd, Level: res.Level, Reason: res.Reason})
		if res.Level == L3 {
			return a
		}
	}

	for _, p := range paths {
		m := e.patterns.MatchPath(p)
		if m == nil {
			continue
		}
		a.add(Finding{Source: "path", Subject: p, Level: m.Level, Reason: m.Reason})
		if m.Level == L3 {
			return a
		}
	}

	if c, ok := e.tools.Lookup(tool, args); ok {
		a.add(Finding{Source: "tool", Subject: tool, Level: c.Level, Reason: c.Reason})
	}

	return a
}

// collectArgs gathers command-shaped and path-shaped string values. Keys are
// visited in sorted order so findings are reproducible.
func collectArgs(args map[string]any, depth int, commands, paths *[]string) {
	if depth > maxArgDepth {
		return
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		norm := normalizeKey(k)
		switch {
		case commandKeys[norm]:
			*commands = append(*commands, stringValues(args[k])...)
		case isPathKey(norm):
			*paths = append(*paths, stringValues(args[k])...)
		}
		if nested, ok := args[k].(map[string]any); ok {
			collectArgs(nested, depth+1, commands, paths)
		}
	}
}

func stringValues(v any) []string {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case fmt.Stringer:
		return []string{val.String()}
	default:
		return nil
	}
}
