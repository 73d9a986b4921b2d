package tools

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/guard"
	"github.com/Dicklesworthstone/gatekeep/internal/testutil"
)

func exemptGrant(t *testing.T) gate.Grant {
	t.Helper()
	g := gate.New(gate.WithLogger(testutil.TestLogger(t)))
	grant, ok := g.Exempt(core.Classification{Level: core.L0, Reason: "test"})
	testutil.RequireTrue(t, ok, "exempt grant")
	return grant
}

func shellCall(command string) guard.Call {
	return guard.Call{ToolName: "shell", Args: map[string]any{"command": command}}
}

func TestShellRequiresGrant(t *testing.T) {
	s := &Shell{Logger: testutil.TestLogger(t)}
	_, err := s.Execute(context.Background(), gate.Grant{}, shellCall("echo hi"))
	testutil.RequireErrorIs(t, err, ErrUnauthorized, "zero grant")
}

func TestShellRequiresCommand(t *testing.T) {
	s := &Shell{Logger: testutil.TestLogger(t)}
	_, err := s.Execute(context.Background(), exemptGrant(t), guard.Call{ToolName: "shell", Args: map[string]any{"command": "  "}})
	testutil.RequireErrorIs(t, err, ErrNoCommand, "blank command")
}

func TestShellCapturesOutput(t *testing.T) {
	var stream bytes.Buffer
	s := &Shell{Dir: t.TempDir(), Stream: &stream, Logger: testutil.TestLogger(t)}

	out, err := s.Execute(context.Background(), exemptGrant(t), shellCall("echo hello && echo oops 1>&2"))
	testutil.RequireNoError(t, err, "execute")
	testutil.RequireTrue(t, strings.Contains(out, "hello"), "stdout captured")
	testutil.RequireTrue(t, strings.Contains(out, "oops"), "stderr captured")
	testutil.RequireTrue(t, strings.Contains(stream.String(), "hello"), "output streamed")
}

func TestShellNonZeroExit(t *testing.T) {
	s := &Shell{Logger: testutil.TestLogger(t)}
	out, err := s.Execute(context.Background(), exemptGrant(t), shellCall("echo partial; exit 3"))

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	testutil.RequireEqual(t, 3, exitErr.Code, "exit code")
	testutil.RequireEqual(t, "partial", out, "output still returned")
}

func TestShellTimeout(t *testing.T) {
	s := &Shell{Timeout: 50 * time.Millisecond, Logger: testutil.TestLogger(t)}
	start := time.Now()
	_, err := s.Execute(context.Background(), exemptGrant(t), shellCall("sleep 5"))
	testutil.RequireErrorIs(t, err, ErrTimeout, "timeout")
	testutil.RequireTrue(t, time.Since(start) < 4*time.Second, "killed promptly")
}

func TestShellWritesLogFile(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	s := &Shell{LogDir: logDir, Logger: testutil.TestLogger(t)}

	_, err := s.Execute(context.Background(), exemptGrant(t), shellCall("echo logged"))
	testutil.RequireNoError(t, err, "execute")

	files, err := filepath.Glob(filepath.Join(logDir, "*_exempt.log"))
	testutil.RequireNoError(t, err, "glob")
	testutil.RequireLen(t, files, 1, "one log file")

	data, err := os.ReadFile(files[0])
	testutil.RequireNoError(t, err, "read log")
	for _, want := range []string{"Command: echo logged", "logged", "Exit Code: 0"} {
		testutil.RequireTrue(t, strings.Contains(string(data), want), "log contains "+want)
	}
}
