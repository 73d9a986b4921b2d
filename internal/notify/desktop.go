package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/guard"
	"github.com/charmbracelet/log"
)

// SendFunc delivers one desktop notification.
type SendFunc func(title, message string) error

// Desktop shows pending approvals as desktop notifications. Each nonce is
// announced at most once.
type Desktop struct {
	send   SendFunc
	logger *log.Logger

	mu       sync.Mutex
	notified map[string]bool
}

// NewDesktop creates a desktop sink. A nil send uses SendDesktopNotification.
func NewDesktop(send SendFunc, logger *log.Logger) *Desktop {
	if send == nil {
		send = SendDesktopNotification
	}
	if logger == nil {
		logger = log.Default().WithPrefix("notify")
	}
	return &Desktop{send: send, logger: logger, notified: make(map[string]bool)}
}

// Present implements guard.Presenter.
func (d *Desktop) Present(_ context.Context, a gate.Approval) error {
	if !d.markOnce(a.Nonce) {
		return nil
	}
	title := fmt.Sprintf("gatekeep: %s approval pending", a.Classification.Level)
	message := fmt.Sprintf("%s\n%s\nID: %s", Sanitize(a.ToolName), truncateLine(Sanitize(a.Classification.Reason), 140), short(a.Nonce))
	if err := d.send(title, message); err != nil {
		d.logger.Warn("desktop notification failed", "nonce", short(a.Nonce), "error", err)
		return err
	}
	return nil
}

// Notify implements guard.Notifier.
func (d *Desktop) Notify(_ context.Context, o guard.Outcome) error {
	title := fmt.Sprintf("gatekeep: %s action executed", o.Classification.Level)
	message := fmt.Sprintf("%s\n%s", Sanitize(o.ToolName), truncateLine(Sanitize(o.Classification.Reason), 140))
	if err := d.send(title, message); err != nil {
		d.logger.Warn("desktop notification failed", "tool", o.ToolName, "error", err)
		return err
	}
	return nil
}

func (d *Desktop) markOnce(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notified[key] {
		return false
	}
	d.notified[key] = true
	return true
}

func truncateLine(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}

// SendDesktopNotification sends a best-effort desktop notification on the
// current platform.
func SendDesktopNotification(title, message string) error {
	title = strings.TrimSpace(title)
	message = strings.TrimSpace(message)
	if title == "" {
		title = "gatekeep"
	}
	if message == "" {
		return errors.New("message is required")
	}

	switch runtime.GOOS {
	case "darwin":
		if _, err := exec.LookPath("osascript"); err != nil {
			return errors.New("osascript not found")
		}
		script := fmt.Sprintf(
			`display notification "%s" with title "%s"`,
			escapeAppleScript(message),
			escapeAppleScript(title),
		)
		return runNoOutput("osascript", "-e", script)
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return errors.New("notify-send not found")
		}
		return runNoOutput("notify-send", title, message)
	default:
		return fmt.Errorf("desktop notifications unsupported on %s", runtime.GOOS)
	}
}

func runNoOutput(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
