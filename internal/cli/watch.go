package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/db"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/notify"
	"github.com/spf13/cobra"
)

var (
	flagWatchAutoApproveL1 bool
	flagWatchPollInterval  time.Duration
)

func init() {
	approvalsWatchCmd.Flags().BoolVar(&flagWatchAutoApproveL1, "auto-approve-l1", false, "automatically approve pending L1 requests")
	approvalsWatchCmd.Flags().DurationVar(&flagWatchPollInterval, "poll-interval", 2*time.Second, "how often to poll the database")

	approvalsCmd.AddCommand(approvalsWatchCmd)
}

var approvalsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream approval events as NDJSON (for reviewing agents)",
	Long: `Poll the database and stream approval events as newline-delimited JSON.

Event types:
  approval_pending   new request awaiting a decision
  approval_approved  request was approved
  approval_denied    request was denied
  approval_timeout   request timed out or its process went away

With --auto-approve-l1 every pending L1 request is approved on sight. L2
requests always need an explicit decision.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, project, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.DBPath(project))
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		w := newApprovalWatcher(database, cmd.OutOrStdout(), flagWatchAutoApproveL1)
		return w.run(cmd.Context(), flagWatchPollInterval)
	},
}

// watchEvent is one NDJSON line emitted by approvals watch.
type watchEvent struct {
	Event     string `json:"event"`
	Nonce     string `json:"nonce"`
	Level     string `json:"level,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	Note      string `json:"note,omitempty"`
	Error     string `json:"error,omitempty"`
}

// pollAction is what a poll does with one approval row.
type pollAction string

const (
	pollEmitNew    pollAction = "emit_new"
	pollEmitChange pollAction = "emit_change"
	pollSkip       pollAction = "skip"
)

type pollResult struct {
	Action    pollAction
	EventType string
}

// evaluatePoll decides whether a polled approval produces an event.
func evaluatePoll(nonce string, current gate.Status, seen map[string]gate.Status) pollResult {
	prev, ok := seen[nonce]
	if !ok {
		if current != gate.StatusPending {
			return pollResult{Action: pollSkip}
		}
		return pollResult{Action: pollEmitNew, EventType: "approval_pending"}
	}
	if prev == current {
		return pollResult{Action: pollSkip}
	}
	event := statusEvent(current)
	if event == "" {
		return pollResult{Action: pollSkip}
	}
	return pollResult{Action: pollEmitChange, EventType: event}
}

func statusEvent(s gate.Status) string {
	switch s {
	case gate.StatusApproved:
		return "approval_approved"
	case gate.StatusDenied:
		return "approval_denied"
	case gate.StatusTimeout:
		return "approval_timeout"
	default:
		return ""
	}
}

// shouldAutoApprove reports whether a reviewer may approve without a human.
// Only pending L1 requests qualify.
func shouldAutoApprove(a gate.Approval) bool {
	return a.Status == gate.StatusPending && a.Classification.Level == core.L1
}

type approvalWatcher struct {
	db          *db.DB
	enc         *json.Encoder
	seen        map[string]gate.Status
	autoApprove bool
}

func (w *approvalWatcher) run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if err := w.poll(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *approvalWatcher) poll(ctx context.Context) error {
	pending, err := w.db.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}

	found := make(map[string]bool, len(pending))
	for _, a := range pending {
		found[a.Nonce] = true
		if err := w.process(ctx, a); err != nil {
			return err
		}
	}

	// Rows that left the pending list since the last poll.
	for nonce := range w.seen {
		if found[nonce] {
			continue
		}
		a, err := w.db.GetApproval(ctx, nonce)
		if err != nil {
			delete(w.seen, nonce)
			continue
		}
		if err := w.process(ctx, a); err != nil {
			return err
		}
		if a.Status.Terminal() {
			delete(w.seen, nonce)
		}
	}
	return nil
}

func (w *approvalWatcher) process(ctx context.Context, a gate.Approval) error {
	result := evaluatePoll(a.Nonce, a.Status, w.seen)
	switch result.Action {
	case pollEmitNew:
		if err := w.emit(watchEvent{
			Event:     result.EventType,
			Nonce:     a.Nonce,
			Level:     a.Classification.Level.String(),
			ToolName:  a.ToolName,
			Summary:   notify.Summary(a),
			Reason:    a.Classification.Reason,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
		if w.autoApprove && shouldAutoApprove(a) {
			if _, err := w.db.RecordDecision(ctx, a.Nonce, true, decisionSource()+" (auto)"); err != nil {
				_ = w.emit(watchEvent{Event: "auto_approve_error", Nonce: a.Nonce, Error: err.Error()})
			}
		}
	case pollEmitChange:
		if err := w.emit(watchEvent{Event: result.EventType, Nonce: a.Nonce, Note: a.Note}); err != nil {
			return err
		}
	case pollSkip:
	}
	w.seen[a.Nonce] = a.Status
	return nil
}

func (w *approvalWatcher) emit(ev watchEvent) error {
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return nil
}

func newApprovalWatcher(database *db.DB, out io.Writer, autoApprove bool) *approvalWatcher {
	return &approvalWatcher{
		db:          database,
		enc:         json.NewEncoder(out),
		seen:        make(map[string]gate.Status),
		autoApprove: autoApprove,
	}
}
