package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/testutil"
)

func TestApprovalsList_Empty(t *testing.T) {
	h := newCLIHarness(t)
	stdout, _, err := runIn(t, h, "approvals", "list")
	testutil.RequireNoError(t, err, "approvals list")
	testutil.RequireTrue(t, strings.Contains(stdout, "No approvals."), "empty list message")

	stdout, _, err = runIn(t, h, "approvals", "list", "-j")
	testutil.RequireNoError(t, err, "approvals list json")
	testutil.RequireEqual(t, "[]", strings.TrimSpace(stdout), "empty json list")
}

func TestApprovalsList_FiltersByStatus(t *testing.T) {
	h := newCLIHarness(t)
	pending := testutil.MakeApproval(t, h.DB)
	testutil.MakeApproval(t, h.DB, testutil.WithStatus(gate.StatusDenied))

	stdout, _, err := runIn(t, h, "approvals", "list")
	testutil.RequireNoError(t, err, "approvals list")
	testutil.RequireTrue(t, strings.Contains(stdout, shortNonce(pending.Nonce)), "pending row listed")
	testutil.RequireTrue(t, strings.HasPrefix(stdout, "NONCE"), "table header")
	testutil.RequireEqual(t, 2, strings.Count(strings.TrimSpace(stdout), "\n")+1, "header and the pending row")

	stdout, _, err = runIn(t, h, "approvals", "list", "--status", "all", "-j")
	testutil.RequireNoError(t, err, "approvals list all")
	rows := decodeJSON[[]gate.Approval](t, stdout)
	testutil.RequireLen(t, rows, 2, "all rows")

	_, _, err = runIn(t, h, "approvals", "list", "--status", "bogus")
	testutil.RequireTrue(t, err != nil, "invalid status rejected")
}

func TestApprovalsShow(t *testing.T) {
	h := newCLIHarness(t)
	a := testutil.MakeApproval(t, h.DB, testutil.WithTool("shell", map[string]any{"command": "make deploy"}))

	stdout, _, err := runIn(t, h, "approvals", "show", a.Nonce[:10], "-j")
	testutil.RequireNoError(t, err, "approvals show")
	got := decodeJSON[gate.Approval](t, stdout)
	testutil.RequireEqual(t, a.Nonce, got.Nonce, "nonce")
	testutil.RequireEqual(t, "make deploy", got.ToolArgs["command"].(string), "args")

	stdout, _, err = runIn(t, h, "approvals", "show", a.Nonce)
	testutil.RequireNoError(t, err, "approvals show text")
	testutil.RequireTrue(t, strings.Contains(stdout, "make deploy"), "rendered approval shows the command")
}

func TestApprovalsApprove_RecordsDecision(t *testing.T) {
	h := newCLIHarness(t)
	a := testutil.MakeApproval(t, h.DB)

	stdout, _, err := runIn(t, h, "approvals", "approve", a.Nonce[:8])
	testutil.RequireNoError(t, err, "approve")
	testutil.RequireTrue(t, strings.Contains(stdout, "approved "+shortNonce(a.Nonce)), "confirmation")

	decisions, err := h.DB.TakeDecisions(context.Background(), []string{a.Nonce})
	testutil.RequireNoError(t, err, "take decisions")
	testutil.RequireLen(t, decisions, 1, "one queued decision")
	testutil.RequireTrue(t, decisions[0].Approved, "decision approves")
	testutil.RequireTrue(t, strings.HasPrefix(decisions[0].Source, "cli:"), "decision source")
}

func TestApprovalsDeny_JSON(t *testing.T) {
	h := newCLIHarness(t)
	a := testutil.MakeApproval(t, h.DB)

	stdout, _, err := runIn(t, h, "approvals", "reject", a.Nonce, "-j")
	testutil.RequireNoError(t, err, "deny")
	got := decodeJSON[map[string]any](t, stdout)
	testutil.RequireEqual(t, "queued", got["status"].(string), "status")
	testutil.RequireEqual(t, false, got["approved"].(bool), "approved")

	decisions, err := h.DB.TakeDecisions(context.Background(), []string{a.Nonce})
	testutil.RequireNoError(t, err, "take decisions")
	testutil.RequireLen(t, decisions, 1, "one queued decision")
	testutil.RequireFalse(t, decisions[0].Approved, "decision denies")
}

func TestApprovalsApprove_AlreadyResolved(t *testing.T) {
	h := newCLIHarness(t)
	a := testutil.MakeApproval(t, h.DB, testutil.WithStatus(gate.StatusTimeout))

	_, _, err := runIn(t, h, "approvals", "approve", a.Nonce)
	testutil.RequireTrue(t, err != nil, "resolved approval cannot be decided")
	testutil.RequireTrue(t, strings.Contains(err.Error(), "already timeout"), "error names the status")
}

func TestFindApproval_Prefixes(t *testing.T) {
	h := newCLIHarness(t)
	ctx := context.Background()
	for _, nonce := range []string{"abc111", "abc222", "def333"} {
		testutil.RequireNoError(t, h.DB.SaveApproval(ctx, gate.Approval{
			Nonce:          nonce,
			ToolName:       "shell",
			Classification: core.Classification{Level: core.L2, Reason: "test"},
			Status:         gate.StatusPending,
			CreatedAt:      time.Now().UTC(),
			ConversationID: "conv",
		}), "save approval")
	}

	a, err := findApproval(ctx, h.DB, "def", true)
	testutil.RequireNoError(t, err, "unique prefix")
	testutil.RequireEqual(t, "def333", a.Nonce, "resolved nonce")

	_, err = findApproval(ctx, h.DB, "abc", true)
	testutil.RequireTrue(t, err != nil && strings.Contains(err.Error(), "matches 2"), "ambiguous prefix")

	_, err = findApproval(ctx, h.DB, "zzz", false)
	testutil.RequireTrue(t, err != nil, "no match")

	_, err = findApproval(ctx, h.DB, "  ", false)
	testutil.RequireTrue(t, err != nil, "blank ref")
}

func TestEvaluatePoll(t *testing.T) {
	seen := map[string]gate.Status{"known": gate.StatusPending}
	tests := []struct {
		name    string
		nonce   string
		status  gate.Status
		action  pollAction
		eventTy string
	}{
		{"new pending", "fresh", gate.StatusPending, pollEmitNew, "approval_pending"},
		{"new but resolved", "fresh", gate.StatusDenied, pollSkip, ""},
		{"unchanged", "known", gate.StatusPending, pollSkip, ""},
		{"approved", "known", gate.StatusApproved, pollEmitChange, "approval_approved"},
		{"denied", "known", gate.StatusDenied, pollEmitChange, "approval_denied"},
		{"timeout", "known", gate.StatusTimeout, pollEmitChange, "approval_timeout"},
		{"unknown status", "known", gate.Status("weird"), pollSkip, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluatePoll(tt.nonce, tt.status, seen)
			if got.Action != tt.action || got.EventType != tt.eventTy {
				t.Errorf("evaluatePoll() = %+v, want %s/%s", got, tt.action, tt.eventTy)
			}
		})
	}
}

func TestShouldAutoApprove(t *testing.T) {
	l1 := gate.Approval{Status: gate.StatusPending, Classification: core.Classification{Level: core.L1}}
	testutil.RequireTrue(t, shouldAutoApprove(l1), "pending L1")

	l2 := l1
	l2.Classification.Level = core.L2
	testutil.RequireFalse(t, shouldAutoApprove(l2), "L2 needs a human")

	done := l1
	done.Status = gate.StatusApproved
	testutil.RequireFalse(t, shouldAutoApprove(done), "already resolved")
}

func readEvents(t *testing.T, buf *bytes.Buffer) []watchEvent {
	t.Helper()
	var events []watchEvent
	dec := json.NewDecoder(buf)
	for dec.More() {
		var ev watchEvent
		testutil.RequireNoError(t, dec.Decode(&ev), "decode event")
		events = append(events, ev)
	}
	return events
}

func TestApprovalWatcher_Lifecycle(t *testing.T) {
	h := newCLIHarness(t)
	ctx := context.Background()
	a := testutil.MakeApproval(t, h.DB)

	var buf bytes.Buffer
	w := newApprovalWatcher(h.DB, &buf, false)

	testutil.RequireNoError(t, w.poll(ctx), "first poll")
	events := readEvents(t, &buf)
	testutil.RequireLen(t, events, 1, "pending event")
	testutil.RequireEqual(t, "approval_pending", events[0].Event, "event type")
	testutil.RequireEqual(t, a.Nonce, events[0].Nonce, "nonce")
	testutil.RequireEqual(t, "L2", events[0].Level, "level")

	testutil.RequireNoError(t, w.poll(ctx), "idle poll")
	testutil.RequireLen(t, readEvents(t, &buf), 0, "no duplicate events")

	now := time.Now().UTC()
	a.Status = gate.StatusDenied
	a.ResolvedAt = &now
	testutil.RequireNoError(t, h.DB.UpdateApproval(ctx, a), "resolve row")

	testutil.RequireNoError(t, w.poll(ctx), "poll after resolve")
	events = readEvents(t, &buf)
	testutil.RequireLen(t, events, 1, "resolution event")
	testutil.RequireEqual(t, "approval_denied", events[0].Event, "event type")
	testutil.RequireEqual(t, 0, len(w.seen), "resolved rows are forgotten")
}

func TestApprovalWatcher_AutoApprovesL1(t *testing.T) {
	h := newCLIHarness(t)
	ctx := context.Background()
	l1 := testutil.MakeApproval(t, h.DB, testutil.WithLevel(core.L1))
	l2 := testutil.MakeApproval(t, h.DB, testutil.WithLevel(core.L2))

	var buf bytes.Buffer
	w := newApprovalWatcher(h.DB, &buf, true)
	testutil.RequireNoError(t, w.poll(ctx), "poll")
	testutil.RequireLen(t, readEvents(t, &buf), 2, "both pending events")

	decisions, err := h.DB.TakeDecisions(ctx, []string{l1.Nonce, l2.Nonce})
	testutil.RequireNoError(t, err, "take decisions")
	testutil.RequireLen(t, decisions, 1, "only L1 decided")
	testutil.RequireEqual(t, l1.Nonce, decisions[0].Nonce, "decided nonce")
	testutil.RequireTrue(t, decisions[0].Approved, "approved")
}

func TestApprovalWatcher_RunStopsOnCancel(t *testing.T) {
	h := newCLIHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	var buf bytes.Buffer
	w := newApprovalWatcher(h.DB, &buf, false)
	done := make(chan error, 1)
	go func() { done <- w.run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		testutil.RequireNoError(t, err, "run returns cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
