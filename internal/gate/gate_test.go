package gate

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{Level: log.DebugLevel, Prefix: t.Name()})
}

var l2 = core.Classification{Level: core.L2, Reason: "network write", Deterministic: true}

func newGate(t *testing.T, opts ...Option) *Gate {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger(t))}, opts...)
	g := New(opts...)
	t.Cleanup(g.Close)
	return g
}

func request(tool string) Request {
	return Request{ToolName: tool, ToolArgs: map[string]any{"url": "https://example.com"}, Classification: l2}
}

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]Approval
	saves int
	fail  bool
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]Approval)} }

func (m *memStore) SaveApproval(_ context.Context, a Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.saves++
	if _, ok := m.rows[a.Nonce]; !ok {
		m.rows[a.Nonce] = a
	}
	return nil
}

func (m *memStore) UpdateApproval(_ context.Context, a Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.rows[a.Nonce] = a
	return nil
}

func (m *memStore) ListPendingApprovals(context.Context) ([]Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("disk full")
	}
	var out []Approval
	for _, a := range m.rows {
		if a.Status == StatusPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) get(nonce string) (Approval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[nonce]
	return a, ok
}

func TestApproveWakesWaiter(t *testing.T) {
	g := newGate(t)
	h, err := g.CreateApproval(context.Background(), request("http_request"))
	require.NoError(t, err)
	require.Len(t, h.Nonce(), 32)
	require.Equal(t, 1, g.PendingCount())

	_, err = h.Grant()
	require.ErrorIs(t, err, ErrNotApproved, "no grant before resolution")

	go g.ResolveApproval(h.Nonce(), true)

	a, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, a.Approved())
	require.Equal(t, StatusApproved, a.Status)
	require.NotNil(t, a.ResolvedAt)
	require.Equal(t, 0, g.PendingCount())

	grant, err := h.Grant()
	require.NoError(t, err)
	require.True(t, grant.Valid())
	require.Equal(t, h.Nonce(), grant.Nonce())
	require.Equal(t, core.L2, grant.Level())
}

func TestDenyAndDoubleResolution(t *testing.T) {
	g := newGate(t)
	h, err := g.CreateApproval(context.Background(), request("send_email"))
	require.NoError(t, err)

	require.True(t, g.ResolveApproval(h.Nonce(), false))
	require.False(t, g.ResolveApproval(h.Nonce(), true), "second resolution must fail")
	require.False(t, g.ResolveApproval(h.Nonce(), false))
	require.False(t, g.ResolveApproval("unknown", true))

	a, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusDenied, a.Status)

	_, err = h.Grant()
	require.ErrorIs(t, err, ErrNotApproved)
}

func TestTimeoutResolvesToFalse(t *testing.T) {
	g := newGate(t)
	req := request("webhook")
	req.Timeout = 20 * time.Millisecond
	h, err := g.CreateApproval(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, a.Status)
	require.False(t, a.Approved())
	require.Equal(t, NoteTimeout, a.Note)
	require.False(t, g.ResolveApproval(h.Nonce(), true), "late approval after timeout")
	require.Equal(t, 0, g.PendingCount())
}

func TestResolutionDefusesTimer(t *testing.T) {
	var timeouts atomic.Int32
	g := newGate(t)
	g.OnResolve(func(a Approval) {
		if a.Status == StatusTimeout {
			timeouts.Add(1)
		}
	})

	req := request("webhook")
	req.Timeout = 30 * time.Millisecond
	h, err := g.CreateApproval(context.Background(), req)
	require.NoError(t, err)
	require.True(t, g.ResolveApproval(h.Nonce(), true))

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(0), timeouts.Load())
	a, _ := h.Wait(context.Background())
	require.Equal(t, StatusApproved, a.Status)
}

func TestL3IsRefused(t *testing.T) {
	g := newGate(t)
	req := request("shell")
	req.Classification = core.Classification{Level: core.L3, Reason: "privilege escalation", Deterministic: true}

	h, err := g.CreateApproval(context.Background(), req)
	require.ErrorIs(t, err, ErrRefused)
	require.Nil(t, h)
	require.Equal(t, 0, g.PendingCount())
}

func TestNoncesAreUnique(t *testing.T) {
	g := newGate(t, WithDefaultTimeout(0))
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		h, err := g.CreateApproval(context.Background(), request("tool"))
		require.NoError(t, err)
		require.False(t, seen[h.Nonce()], "duplicate nonce")
		seen[h.Nonce()] = true
	}
}

func TestRejectAllPending(t *testing.T) {
	g := newGate(t)
	require.Equal(t, 0, g.RejectAllPending("nothing to do"))

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := g.CreateApproval(context.Background(), request("tool"))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Equal(t, 3, g.PendingCount())

	require.Equal(t, 3, g.RejectAllPending("agent shutting down"))
	require.Equal(t, 0, g.PendingCount())

	for _, h := range handles {
		a, err := h.Wait(context.Background())
		require.NoError(t, err)
		require.False(t, a.Approved())
		require.Equal(t, StatusDenied, a.Status)
		require.Equal(t, "agent shutting down", a.Note)
	}
}

func TestCloseRefusesNewApprovals(t *testing.T) {
	g := newGate(t)
	h, err := g.CreateApproval(context.Background(), request("tool"))
	require.NoError(t, err)

	g.Close()
	a, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, NoteShutdown, a.Note)

	_, err = g.CreateApproval(context.Background(), request("tool"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestManyConcurrentWaiters(t *testing.T) {
	const n = 300
	g := newGate(t, WithDefaultTimeout(0))

	handles := make([]*Handle, n)
	for i := range handles {
		h, err := g.CreateApproval(context.Background(), request("tool"))
		require.NoError(t, err)
		handles[i] = h
	}

	results := make([]Approval, n)
	var waiters sync.WaitGroup
	for i, h := range handles {
		waiters.Add(1)
		go func(i int, h *Handle) {
			defer waiters.Done()
			a, err := h.Wait(context.Background())
			if err == nil {
				results[i] = a
			}
		}(i, h)
	}

	// Resolve in reverse order from many goroutines.
	var resolvers sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		resolvers.Add(1)
		go func(i int) {
			defer resolvers.Done()
			g.ResolveApproval(handles[i].Nonce(), i%2 == 0)
		}(i)
	}
	resolvers.Wait()
	waiters.Wait()

	for i, a := range results {
		require.Equal(t, i%2 == 0, a.Approved(), "approval %d", i)
	}
	require.Equal(t, 0, g.PendingCount())
}

func TestRacingResolutionsSettleOnce(t *testing.T) {
	const n = 100
	g := newGate(t)

	var terminal atomic.Int32
	g.OnResolve(func(Approval) { terminal.Add(1) })

	type tally struct{ approve, deny atomic.Bool }
	handles := make([]*Handle, n)
	tallies := make([]*tally, n)
	for i := range handles {
		req := request("tool")
		req.Timeout = time.Duration(i%5) * time.Millisecond
		if req.Timeout == 0 {
			req.Timeout = time.Millisecond
		}
		h, err := g.CreateApproval(context.Background(), req)
		require.NoError(t, err)
		handles[i] = h
		tallies[i] = &tally{}
	}

	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tallies[i].approve.Store(g.ResolveApproval(handles[i].Nonce(), true))
		}(i)
		go func(i int) {
			defer wg.Done()
			tallies[i].deny.Store(g.ResolveApproval(handles[i].Nonce(), false))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.RejectAllPending("shutdown sweep")
	}()
	wg.Wait()

	for i, h := range handles {
		a, err := h.Wait(context.Background())
		require.NoError(t, err)
		approve, deny := tallies[i].approve.Load(), tallies[i].deny.Load()
		require.False(t, approve && deny, "nonce %d resolved twice", i)
		if approve {
			require.Equal(t, StatusApproved, a.Status)
		} else {
			require.False(t, a.Approved())
		}
	}
	// Timer-driven listeners run after the handle settles.
	require.Eventually(t, func() bool { return terminal.Load() == n }, 2*time.Second, 5*time.Millisecond,
		"exactly one terminal transition per approval")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(n), terminal.Load())
	require.Equal(t, 0, g.PendingCount())
}

func TestWaitHonoursContext(t *testing.T) {
	g := newGate(t)
	h, err := g.CreateApproval(context.Background(), request("tool"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, g.PendingCount(), "cancelled wait leaves the approval pending")

	require.True(t, g.Cancel(h.Nonce(), "caller gone"))
	a, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusDenied, a.Status)
	require.Equal(t, "caller gone", a.Note)
}

func TestStoreIsAdvisory(t *testing.T) {
	store := newMemStore()
	store.fail = true
	g := newGate(t, WithStore(store))

	req := request("tool")
	req.ConversationID = "conv-1"
	h, err := g.CreateApproval(context.Background(), req)
	require.NoError(t, err, "store failure must not fail the gate")
	require.True(t, g.ResolveApproval(h.Nonce(), true))

	a, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, a.Approved())
}

func TestStorePersistsOnlyCorrelatedApprovals(t *testing.T) {
	store := newMemStore()
	g := newGate(t, WithStore(store))

	anon, err := g.CreateApproval(context.Background(), request("tool"))
	require.NoError(t, err)
	_, ok := store.get(anon.Nonce())
	require.False(t, ok, "approvals without a conversation id stay in memory")

	req := request("tool")
	req.ConversationID = "conv-9"
	h, err := g.CreateApproval(context.Background(), req)
	require.NoError(t, err)

	row, ok := store.get(h.Nonce())
	require.True(t, ok)
	require.Equal(t, StatusPending, row.Status)

	require.True(t, g.ResolveApproval(h.Nonce(), false))
	row, _ = store.get(h.Nonce())
	require.Equal(t, StatusDenied, row.Status)
	require.NotNil(t, row.ResolvedAt)
}

func TestRecoverTimesOutStaleRows(t *testing.T) {
	store := newMemStore()
	created := time.Now().UTC().Add(-time.Hour)
	for _, nonce := range []string{"stale-a", "stale-b"} {
		require.NoError(t, store.SaveApproval(context.Background(), Approval{
			Nonce: nonce, ToolName: "tool", Classification: l2,
			Status: StatusPending, CreatedAt: created, ConversationID: "conv",
		}))
	}

	g := newGate(t, WithStore(store))
	var seen []Approval
	var mu sync.Mutex
	g.OnResolve(func(a Approval) {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
	})

	n, err := g.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	mu.Lock()
	require.Len(t, seen, 2)
	for _, a := range seen {
		require.Equal(t, StatusTimeout, a.Status)
		require.Equal(t, NoteRestarted, a.Note)
	}
	mu.Unlock()

	row, _ := store.get("stale-a")
	require.Equal(t, StatusTimeout, row.Status)

	n, err = g.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "recovery is idempotent")
}

func TestRecoverSkipsLiveApprovals(t *testing.T) {
	store := newMemStore()
	g := newGate(t, WithStore(store))

	req := request("tool")
	req.ConversationID = "conv"
	h, err := g.CreateApproval(context.Background(), req)
	require.NoError(t, err)

	n, err := g.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 1, g.PendingCount())
	require.True(t, g.ResolveApproval(h.Nonce(), true))
}

func TestRecoverOlderThanLeavesRecentRows(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	require.NoError(t, store.SaveApproval(context.Background(), Approval{
		Nonce: "old", ToolName: "tool", Classification: l2,
		Status: StatusPending, CreatedAt: now.Add(-time.Hour), ConversationID: "conv",
	}))
	require.NoError(t, store.SaveApproval(context.Background(), Approval{
		Nonce: "recent", ToolName: "tool", Classification: l2,
		Status: StatusPending, CreatedAt: now.Add(-time.Second), ConversationID: "conv",
	}))

	g := newGate(t, WithStore(store))
	n, err := g.RecoverOlderThan(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	row, _ := store.get("old")
	require.Equal(t, StatusTimeout, row.Status)
	row, _ = store.get("recent")
	require.Equal(t, StatusPending, row.Status, "another process may still be waiting")
}

func TestRecoverPropagatesListError(t *testing.T) {
	store := newMemStore()
	store.fail = true
	g := newGate(t, WithStore(store))
	_, err := g.Recover(context.Background())
	require.Error(t, err)
}

func TestExempt(t *testing.T) {
	g := newGate(t)

	grant, ok := g.Exempt(core.Classification{Level: core.L0})
	require.True(t, ok)
	require.True(t, grant.Valid())
	require.Empty(t, grant.Nonce())

	_, ok = g.Exempt(core.Classification{Level: core.L1})
	require.False(t, ok, "L1 is gated by default")
	_, ok = g.Exempt(l2)
	require.False(t, ok)
	_, ok = g.Exempt(core.Classification{Level: core.L3})
	require.False(t, ok)

	relaxed := newGate(t, WithL1Approval(false))
	grant, ok = relaxed.Exempt(core.Classification{Level: core.L1})
	require.True(t, ok)
	require.Equal(t, core.L1, grant.Level())
	require.False(t, relaxed.NeedsApproval(core.Classification{Level: core.L1}))

	require.False(t, Grant{}.Valid(), "zero grant is never valid")
}

func TestPendingSnapshot(t *testing.T) {
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	g := newGate(t, WithClock(clock), WithDefaultTimeout(0))

	first, err := g.CreateApproval(context.Background(), request("first"))
	require.NoError(t, err)
	_, err = g.CreateApproval(context.Background(), request("second"))
	require.NoError(t, err)

	pending := g.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, "first", pending[0].ToolName)
	require.Equal(t, "second", pending[1].ToolName)

	a, ok := g.Get(first.Nonce())
	require.True(t, ok)
	require.Equal(t, StatusPending, a.Status)
	require.Equal(t, "first", first.Approval().ToolName)
}
