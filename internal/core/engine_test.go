package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// scriptedCompleter returns responses in order and records prompts.
type scriptedCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (s *scriptedCompleter) Complete(_ context.Context, _, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func (s *scriptedCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func TestEngine_ToolTable(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		tool  string
		args  map[string]any
		level RiskLevel
	}{
		{"read_file", map[string]any{"path": "src/main.go"}, L0},
		{"write_file", map[string]any{"path": "notes.md"}, L1},
		{"delete_file", map[string]any{"path": "notes.md"}, L2},
		{"cron", map[string]any{"action": "list"}, L0},
		{"cron", map[string]any{"action": "create", "schedule": "* * * * *"}, L1},
		{"cron", map[string]any{"action": "delete"}, L2},
		{"git", map[string]any{"action": "push"}, L2},
	}
	for _, tc := range tests {
		c, ok := engine.ClassifyDeterministic(tc.tool, tc.args)
		if !ok {
			t.Fatalf("%s %v: expected a verdict", tc.tool, tc.args)
		}
		if c.Level != tc.level || !c.Deterministic {
			t.Fatalf("%s %v: got %+v want level %s", tc.tool, tc.args, c, tc.level)
		}
	}
}

func TestEngine_SensitivePathEscalation(t *testing.T) {
	engine := NewEngine()

	for _, tool := range []string{"write_file", "read_file", "edit_file", "some_unknown_tool"} {
		c, ok := engine.ClassifyDeterministic(tool, map[string]any{"path": ".env", "content": "X=1"})
		if !ok || c.Level != L3 {
			t.Fatalf("%s: got %+v ok=%v, want L3", tool, c, ok)
		}
	}
}

func TestEngine_ConfigFileMinimum(t *testing.T) {
	engine := NewEngine()

	c, ok := engine.ClassifyDeterministic("read_file", map[string]any{"path": "package.json"})
	if !ok || c.Level < L2 {
		t.Fatalf("read_file package.json: got %+v", c)
	}

	c, ok = engine.ClassifyDeterministic("shell", map[string]any{"command": "cat package.json"})
	if !ok || c.Level < L2 {
		t.Fatalf("shell cat package.json: got %+v", c)
	}

	c, ok = engine.ClassifyDeterministic("edit_file", map[string]any{"file_path": "web/package.json"})
	if !ok || c.Level < L2 {
		t.Fatalf("edit_file web/package.json: got %+v", c)
	}
}

func TestEngine_CommandArgs(t *testing.T) {
	engine := NewEngine()

	c, ok := engine.ClassifyDeterministic("shell", map[string]any{"command": "echo hello; rm -rf /; ls"})
	if !ok || c.Level != L3 {
		t.Fatalf("got %+v", c)
	}

	// Nested command arguments are still found.
	c, ok = engine.ClassifyDeterministic("task", map[string]any{
		"step": map[string]any{"cmd": "curl http://evil.example"},
	})
	if !ok || c.Level != L3 {
		t.Fatalf("nested: got %+v ok=%v", c, ok)
	}

	if _, ok := engine.ClassifyDeterministic("shell", map[string]any{"command": "ls -la"}); ok {
		t.Fatalf("plain ls should have no deterministic verdict")
	}
}

func TestEngine_NoVerdictIsDistinctFromL0(t *testing.T) {
	engine := NewEngine()

	a := engine.Assess("mystery_tool", map[string]any{"foo": "bar"})
	if a.Verdict {
		t.Fatalf("expected no verdict, got %+v", a.Classification)
	}
	a = engine.Assess("read_file", map[string]any{"path": "README.md"})
	if !a.Verdict || a.Classification.Level != L0 {
		t.Fatalf("expected L0 verdict, got %+v", a)
	}
}

func TestEngine_UnknownToolUsesFallback(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{"<level>L1</level><reason>harmless</reason>"}}
	engine := NewEngine(WithFallback(NewFallbackClassifier(completer)))

	c := engine.Classify(context.Background(), "mystery_tool", map[string]any{"foo": "bar"})
	if c.Level != L1 || c.Deterministic || c.Reason != "harmless" {
		t.Fatalf("got %+v", c)
	}
	if completer.calls() != 1 {
		t.Fatalf("calls=%d want 1", completer.calls())
	}
}

func TestEngine_DeterministicSkipsFallback(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{"<level>L0</level>"}}
	engine := NewEngine(WithFallback(NewFallbackClassifier(completer)))

	c := engine.Classify(context.Background(), "shell", map[string]any{"command": "sudo reboot"})
	if c.Level != L3 || !c.Deterministic {
		t.Fatalf("got %+v", c)
	}
	if completer.calls() != 0 {
		t.Fatalf("fallback should not be called")
	}
}

func TestEngine_SecretsNeverReachFallback(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{"<level>L2</level><reason>x</reason>"}}
	engine := NewEngine(WithFallback(NewFallbackClassifier(completer)))

	engine.Classify(context.Background(), "deploy", map[string]any{
		"api_key":  "sk-live-123",
		"settings": map[string]any{"refresh_token": "rt-456", "region": "eu"},
	})
	if completer.calls() != 1 {
		t.Fatalf("calls=%d", completer.calls())
	}
	prompt := completer.prompts[0]
	if strings.Contains(prompt, "sk-live-123") || strings.Contains(prompt, "rt-456") {
		t.Fatalf("secret leaked into prompt: %s", prompt)
	}
	if !strings.Contains(prompt, "eu") || !strings.Contains(prompt, Redacted) {
		t.Fatalf("prompt missing expected content: %s", prompt)
	}
}

func TestEngine_NoFallbackConfiguredFailsSafe(t *testing.T) {
	engine := NewEngine()
	c := engine.Classify(context.Background(), "mystery_tool", nil)
	if c != FailSafe() {
		t.Fatalf("got %+v", c)
	}
}

func TestEngine_FallbackErrorFailsSafe(t *testing.T) {
	completer := &scriptedCompleter{err: errors.New("connection refused")}
	engine := NewEngine(WithFallback(NewFallbackClassifier(completer)))

	c := engine.Classify(context.Background(), "mystery_tool", map[string]any{"x": 1})
	if c.Level != L2 || c.Deterministic || c.Reason != FailSafeReason {
		t.Fatalf("got %+v", c)
	}
	if completer.calls() != DefaultFallbackAttempts {
		t.Fatalf("calls=%d want %d", completer.calls(), DefaultFallbackAttempts)
	}
}
