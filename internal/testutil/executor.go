package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/guard"
)

// ExecutedCall records a single authorized execution.
type ExecutedCall struct {
	Call  guard.Call
	Grant gate.Grant
}

// RecordingExecutor is a guard.Executor that records what it was asked to
// run. It refuses calls without a valid grant, like a real executor.
type RecordingExecutor struct {
	mu sync.Mutex

	// Calls contains every execution that was allowed through.
	Calls []ExecutedCall

	// Output is returned for each call.
	Output string

	// Err is returned for each call.
	Err error

	// OutputFunc, when set, replaces Output and Err.
	OutputFunc func(call guard.Call) (string, error)
}

// NewRecordingExecutor creates an executor returning output.
func NewRecordingExecutor(output string) *RecordingExecutor {
	return &RecordingExecutor{Output: output}
}

// Execute implements guard.Executor.
func (r *RecordingExecutor) Execute(_ context.Context, grant gate.Grant, call guard.Call) (string, error) {
	if !grant.Valid() {
		return "", fmt.Errorf("execution of %s attempted without a grant", call.ToolName)
	}
	r.mu.Lock()
	r.Calls = append(r.Calls, ExecutedCall{Call: call, Grant: grant})
	fn := r.OutputFunc
	r.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	return r.Output, r.Err
}

// CallCount returns the number of recorded executions.
func (r *RecordingExecutor) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// LastCall returns the most recent execution, or nil if none.
func (r *RecordingExecutor) LastCall() *ExecutedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Calls) == 0 {
		return nil
	}
	// Return a copy to avoid race conditions
	call := r.Calls[len(r.Calls)-1]
	return &call
}

// Reset clears all recorded executions.
func (r *RecordingExecutor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
}

// ScriptedCompleter returns canned classifier responses in order. It
// satisfies core.Completer.
type ScriptedCompleter struct {
	mu    sync.Mutex
	index int

	// Sequence is consumed one step per call.
	Sequence []SequenceStep

	// Prompts records every prompt received.
	Prompts []string
}

// SequenceStep defines the response for one call.
type SequenceStep struct {
	Output string
	Error  error
}

// NewScriptedCompleter creates a completer answering with outputs in order.
func NewScriptedCompleter(outputs ...string) *ScriptedCompleter {
	steps := make([]SequenceStep, len(outputs))
	for i, o := range outputs {
		steps[i] = SequenceStep{Output: o}
	}
	return &ScriptedCompleter{Sequence: steps}
}

// Complete returns the next step, or an error once the script is exhausted.
func (s *ScriptedCompleter) Complete(ctx context.Context, _, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.index >= len(s.Sequence) {
		return "", fmt.Errorf("completer script exhausted after %d calls", len(s.Sequence))
	}
	step := s.Sequence[s.index]
	s.index++
	return step.Output, step.Error
}

// CallCount returns how many prompts were received.
func (s *ScriptedCompleter) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Prompts)
}
