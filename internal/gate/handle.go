package gate

import (
	"context"
	"fmt"
)

// Handle is the caller's side of one pending approval. The result is
// written once, before done is closed.
type Handle struct {
	nonce   string
	pending Approval
	done    chan struct{}
	result  Approval
}

// Nonce returns the external identifier used to resolve the approval.
func (h *Handle) Nonce() string { return h.nonce }

// Approval returns the request as it was when created.
func (h *Handle) Approval() Approval { return h.pending }

// Done is closed once the approval reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the approval settles or ctx is done. A cancelled
// context leaves the approval pending.
func (h *Handle) Wait(ctx context.Context) (Approval, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Approval{}, ctx.Err()
	}
}

// Grant returns proof of approval. It fails unless the approval has
// settled as approved.
func (h *Handle) Grant() (Grant, error) {
	select {
	case <-h.done:
	default:
		return Grant{}, fmt.Errorf("%w: %s", ErrNotApproved, StatusPending)
	}
	if !h.result.Approved() {
		return Grant{}, fmt.Errorf("%w: %s", ErrNotApproved, h.result.Status)
	}
	return Grant{
		nonce:    h.nonce,
		level:    h.result.Classification.Level,
		issuedAt: *h.result.ResolvedAt,
	}, nil
}

func (h *Handle) settle(a Approval) {
	h.result = a
	close(h.done)
}
