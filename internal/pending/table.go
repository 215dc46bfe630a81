// Package pending implements the pending-request table (spec §4.4): it
// correlates an outbound public request with the inbound tunnel response
// that eventually resolves it, enforcing a timeout and watching for the
// requester's own death.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/barkerja/burrow/internal/id"
)

// ErrTimeout is delivered when no response arrives before the deadline.
var ErrTimeout = errors.New("pending: request timed out")

// ErrRequesterGone is delivered when the requester's context is cancelled
// before a response arrives.
var ErrRequesterGone = errors.New("pending: requester is gone")

// Resolution is the outcome delivered to a pending request's waiter,
// exactly once (spec invariant: "at most one resolution event").
type Resolution struct {
	Response interface{} // the decoded tunnel_response payload, or nil on error
	Err      error
}

type entry struct {
	tunnelID id.ID
	resultCh chan Resolution
	resolved sync.Once
	timer    *time.Timer
	stop     chan struct{}
}

// Table is the concurrency-safe pending-request directory. The zero value
// is not usable; construct with New.
type Table struct {
	mu       sync.Mutex
	entries  map[id.ID]*entry
	byTunnel map[id.ID]map[id.ID]struct{}
}

// New creates an empty pending-request table.
func New() *Table {
	return &Table{
		entries:  make(map[id.ID]*entry),
		byTunnel: make(map[id.ID]map[id.ID]struct{}),
	}
}

// Register records a pending entry for requestID, owned by tunnelID, and
// begins monitoring both ctx (the requester's liveness handle) and timeout.
// The returned channel receives exactly one Resolution.
func (t *Table) Register(ctx context.Context, requestID, tunnelID id.ID, timeout time.Duration) <-chan Resolution {
	e := &entry{
		tunnelID: tunnelID,
		resultCh: make(chan Resolution, 1),
		timer:    time.NewTimer(timeout),
		stop:     make(chan struct{}),
	}

	t.mu.Lock()
	t.entries[requestID] = e
	set, ok := t.byTunnel[tunnelID]
	if !ok {
		set = make(map[id.ID]struct{})
		t.byTunnel[tunnelID] = set
	}
	set[requestID] = struct{}{}
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			t.resolve(requestID, Resolution{Err: ErrRequesterGone})
		case <-e.timer.C:
			t.resolve(requestID, Resolution{Err: ErrTimeout})
		case <-e.stop:
		}
	}()

	return e.resultCh
}

// Complete delivers response to the requester iff the entry is still
// pending. It reports whether a pending entry was found; resolving a
// missing entry is not an error, it is the normal outcome of a race
// between resolution and cancellation/timeout.
func (t *Table) Complete(requestID id.ID, response interface{}) bool {
	return t.resolve(requestID, Resolution{Response: response})
}

// Cancel removes requestID without delivering a resolution result to the
// waiter beyond ErrRequesterGone-shaped cancellation. Idempotent.
func (t *Table) Cancel(requestID id.ID) {
	t.resolve(requestID, Resolution{Err: ErrRequesterGone})
}

// CancelForTunnel cancels every pending request owned by tunnelID. Used
// when the owning session terminates.
func (t *Table) CancelForTunnel(tunnelID id.ID) {
	t.mu.Lock()
	set := t.byTunnel[tunnelID]
	ids := make([]id.ID, 0, len(set))
	for reqID := range set {
		ids = append(ids, reqID)
	}
	t.mu.Unlock()

	for _, reqID := range ids {
		t.Cancel(reqID)
	}
}

// Count returns the current number of pending entries.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// resolve delivers res to requestID's waiter exactly once and removes the
// entry. It returns false if no pending entry existed.
func (t *Table) resolve(requestID id.ID, res Resolution) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
		if set, exists := t.byTunnel[e.tunnelID]; exists {
			delete(set, requestID)
			if len(set) == 0 {
				delete(t.byTunnel, e.tunnelID)
			}
		}
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	delivered := false
	e.resolved.Do(func() {
		e.timer.Stop()
		close(e.stop)
		e.resultCh <- res
		delivered = true
	})
	return delivered
}
