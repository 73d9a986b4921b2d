package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// DefaultSegmentFormat partitions the chain into one segment per UTC day.
const DefaultSegmentFormat = "2006-01-02"

var (
	// ErrSegmentRequired is returned when Append is called without a segment.
	ErrSegmentRequired = errors.New("audit segment is required")
	// ErrStoreUnavailable wraps every storage failure surfaced by Append.
	ErrStoreUnavailable = errors.New("audit store unavailable")
)

// Store durably holds entries, ordered by insertion within a segment.
type Store interface {
	// AppendLinked reads the hash of the segment's last entry (empty when
	// the segment is empty), passes it to build and stores the result. No
	// other writer, in this process or another, may append to the segment
	// between the read and the write.
	AppendLinked(ctx context.Context, segment string, build func(prevHash string) (Entry, error)) (Entry, error)
	ReadSegment(ctx context.Context, segment string) ([]Entry, error)
	Segments(ctx context.Context) ([]string, error)
}

// CorruptEntryError reports a stored entry that could not be decoded.
// Stores return it together with the entries decoded before it.
type CorruptEntryError struct {
	Segment string
	Index   int
	// Total is the number of stored entries, decodable or not.
	Total int
	Err   error
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("segment %s: entry %d is corrupt: %v", e.Segment, e.Index, e.Err)
}

func (e *CorruptEntryError) Unwrap() error { return e.Err }

// Verification is the result of re-checking one segment.
type Verification struct {
	Segment string `json:"segment"`
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	// FirstBroken is the index of the first compromised entry.
	FirstBroken *int `json:"first_broken,omitempty"`
}

// Chain appends hash-linked entries. The chain head is read from the store
// on every append, so several processes may share one store.
type Chain struct {
	mu     sync.Mutex
	store  Store
	format string
	userID string
	now    func() time.Time
	logger *log.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithSegmentFormat sets the time layout used by AppendNow.
func WithSegmentFormat(layout string) Option {
	return func(c *Chain) {
		if layout != "" {
			c.format = layout
		}
	}
}

// WithUserID stamps entries that carry no user id.
func WithUserID(id string) Option {
	return func(c *Chain) { c.userID = id }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChain creates a chain over store.
func NewChain(store Store, opts ...Option) *Chain {
	c := &Chain{
		store:  store,
		format: DefaultSegmentFormat,
		now:    time.Now,
		logger: log.Default().WithPrefix("audit"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SegmentFor returns the segment key for t.
func (c *Chain) SegmentFor(t time.Time) string {
	return t.UTC().Format(c.format)
}

// AppendNow stamps e with the current time and appends it to that time's
// segment.
func (c *Chain) AppendNow(ctx context.Context, e Entry) (Entry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	return c.Append(ctx, c.SegmentFor(e.Timestamp), e)
}

// Append links e to the previous entry of segment, hashes it and stores it.
// Any Hash or PrevHash already set on e is overwritten. Storage failures are
// returned and leave the chain head unchanged.
func (c *Chain) Append(ctx context.Context, segment string, e Entry) (Entry, error) {
	if segment == "" {
		return Entry{}, ErrSegmentRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
	if e.UserID == "" {
		e.UserID = c.userID
	}

	var hashErr error
	stored, err := c.store.AppendLinked(ctx, segment, func(prev string) (Entry, error) {
		linked := e
		linked.PrevHash = prev
		linked.Hash, hashErr = ComputeHash(linked)
		return linked, hashErr
	})
	if hashErr != nil {
		return Entry{}, hashErr
	}
	if err != nil {
		return Entry{}, fmt.Errorf("appending audit entry to %s: %w: %w", segment, ErrStoreUnavailable, err)
	}

	c.logger.Debug("audit entry appended", "segment", segment, "action", stored.Action, "tool", stored.ToolName, "level", stored.RiskLevel)
	return stored, nil
}

// Verify re-reads segment and checks every link. An entry whose PrevHash
// does not match the previous stored hash, or whose own hash does not
// recompute, breaks the chain from that index on.
func (c *Chain) Verify(ctx context.Context, segment string) (Verification, error) {
	return VerifySegment(ctx, c.store, segment)
}

// VerifySegment verifies one segment of store.
func VerifySegment(ctx context.Context, store Store, segment string) (Verification, error) {
	if segment == "" {
		return Verification{}, ErrSegmentRequired
	}

	entries, err := store.ReadSegment(ctx, segment)
	corruptAt := -1
	total := len(entries)
	if err != nil {
		var corrupt *CorruptEntryError
		if !errors.As(err, &corrupt) {
			return Verification{}, fmt.Errorf("reading segment %s: %w", segment, err)
		}
		corruptAt = corrupt.Index
		total = max(total, corrupt.Total, corruptAt+1)
	}

	v := Verification{Segment: segment, Valid: true, Entries: total}
	prev := ""
	for i, e := range entries {
		broken := e.PrevHash != prev
		if !broken {
			hash, err := ComputeHash(e)
			broken = err != nil || hash != e.Hash
		}
		if broken {
			return v.broken(i), nil
		}
		prev = e.Hash
	}
	if corruptAt >= 0 {
		return v.broken(corruptAt), nil
	}
	return v, nil
}

func (v Verification) broken(index int) Verification {
	v.Valid = false
	v.FirstBroken = &index
	return v
}

// Tail returns up to n of the most recent entries of segment.
func (c *Chain) Tail(ctx context.Context, segment string, n int) ([]Entry, error) {
	entries, err := c.store.ReadSegment(ctx, segment)
	if err != nil {
		var corrupt *CorruptEntryError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Segments lists the stored segment keys in ascending order.
func (c *Chain) Segments(ctx context.Context) ([]string, error) {
	return c.store.Segments(ctx)
}
