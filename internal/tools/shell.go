// Package tools holds executors that run authorized tool calls.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/guard"
	"github.com/charmbracelet/log"
)

// DefaultTimeout bounds a single command.
const DefaultTimeout = 5 * time.Minute

// Execution errors.
var (
	ErrUnauthorized = errors.New("execution requires a gate grant")
	ErrNoCommand    = errors.New("command argument is required")
	ErrTimeout      = errors.New("command execution timed out")
)

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Result holds the result of running a command.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	LogPath  string
}

// Shell runs the "command" argument of a call through the user's shell.
type Shell struct {
	// Dir is the working directory; empty means the current one.
	Dir string
	// LogDir receives one log file per execution when set.
	LogDir string
	// Stream, when set, receives output as it is produced.
	Stream io.Writer
	// Timeout bounds each command; zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *log.Logger
}

var _ guard.Executor = (*Shell)(nil)

// Execute implements guard.Executor.
func (s *Shell) Execute(ctx context.Context, grant gate.Grant, call guard.Call) (string, error) {
	if !grant.Valid() {
		return "", ErrUnauthorized
	}
	command, _ := call.Args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", ErrNoCommand
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logPath := ""
	if s.LogDir != "" {
		p, err := createLogFile(s.LogDir, grant.Nonce())
		if err != nil {
			return "", err
		}
		logPath = p
	}

	res, err := s.Run(runCtx, command, logPath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", err
	}
	s.logger().Debug("command finished", "exit", res.ExitCode, "duration", res.Duration, "log", res.LogPath)

	out := strings.TrimSpace(res.Output)
	if res.ExitCode != 0 {
		return out, &ExitError{Code: res.ExitCode}
	}
	return out, nil
}

func (s *Shell) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default().WithPrefix("tools")
	}
	return s.Logger
}

// Run executes command and captures its combined output in memory, in the
// stream writer and in logPath when non-empty.
func (s *Shell) Run(ctx context.Context, command, logPath string) (*Result, error) {
	startTime := time.Now()

	var logFile *os.File
	if logPath != "" {
		var err error
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		defer logFile.Close()

		fmt.Fprintf(logFile, "=== gatekeep execution ===\n")
		fmt.Fprintf(logFile, "Time: %s\n", startTime.Format(time.RFC3339))
		fmt.Fprintf(logFile, "Command: %s\n", command)
		fmt.Fprintf(logFile, "CWD: %s\n", s.Dir)
		fmt.Fprintf(logFile, "==========================\n\n")
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if s.Dir != "" {
		cmd.Dir = s.Dir
	}
	cmd.Env = os.Environ()
	// Children of the shell may hold the output pipes open after a kill.
	cmd.WaitDelay = time.Second

	var outputBuf bytes.Buffer
	writers := []io.Writer{&outputBuf}
	if s.Stream != nil {
		writers = append(writers, s.Stream)
	}
	if logFile != nil {
		writers = append(writers, logFile)
	}
	multiWriter := io.MultiWriter(writers...)
	cmd.Stdout = multiWriter
	cmd.Stderr = multiWriter

	err := cmd.Run()
	duration := time.Since(startTime)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return nil, context.DeadlineExceeded
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("running command: %w", err)
		}
	}

	if logFile != nil {
		fmt.Fprintf(logFile, "\n==========================\n")
		fmt.Fprintf(logFile, "Exit Code: %d\n", exitCode)
		fmt.Fprintf(logFile, "Duration: %s\n", duration)
	}

	return &Result{
		ExitCode: exitCode,
		Output:   outputBuf.String(),
		Duration: duration,
		LogPath:  logPath,
	}, nil
}

// createLogFile creates a timestamped log file named after the nonce.
func createLogFile(logDir, nonce string) (string, error) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}

	suffix := nonce
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		suffix = "exempt"
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102-150405.000"), suffix)
	path := filepath.Join(logDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("creating log file: %w", err)
	}
	f.Close()
	return path, nil
}
