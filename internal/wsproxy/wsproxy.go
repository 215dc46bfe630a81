// Package wsproxy implements the WS-proxy registry (spec §4.6): it tracks
// in-flight WebSocket upgrades, attached public-side proxies, and a
// TTL-bounded buffer for frames that arrive before a proxy has attached.
package wsproxy

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/barkerja/burrow/internal/id"
)

// ErrAlreadyResolved is returned by CompletePending when the ws-id's
// upgrade outcome was already delivered.
var ErrAlreadyResolved = errors.New("wsproxy: upgrade already resolved")

// Opcode mirrors wire.Opcode without importing it, keeping this package
// free of a dependency on the frame schema package.
type Opcode string

// UpgradeOutcome is delivered to whoever is waiting on a pending upgrade.
type UpgradeOutcome struct {
	OK      bool
	Headers [][2]string
	Error   string
}

// Frame is one buffered WS frame, timestamped for TTL eviction.
type Frame struct {
	Opcode    Opcode
	Data      []byte
	EnqueueAt time.Time
}

// Proxy is the minimal interface the registry needs from an attached
// public-side proxy handle: deliver an inbound frame, or notify closure.
type Proxy interface {
	Deliver(f Frame)
	Closed(reason string)
}

type pendingEntry struct {
	resultCh chan UpgradeOutcome
	resolved sync.Once
}

const defaultFrameTTL = 30 * time.Second

// Registry is the concurrency-safe WS-proxy directory for one process.
type Registry struct {
	mu       sync.Mutex
	pending  map[id.ID]*pendingEntry
	active   map[id.ID]Proxy
	buffered *lru.LRU[id.ID, []Frame]
	frameTTL time.Duration
}

// New creates an empty WS-proxy registry. Buffered frames older than ttl
// (default 30s, spec §4.6) are discarded by a background sweeper owned by
// the expirable LRU cache.
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = defaultFrameTTL
	}
	r := &Registry{
		pending:  make(map[id.ID]*pendingEntry),
		active:   make(map[id.ID]Proxy),
		frameTTL: ttl,
	}
	r.buffered = lru.NewLRU[id.ID, []Frame](4096, nil, ttl)
	return r
}

// BeginUpgrade records wsID as awaiting a tunnel-side upgrade response and
// returns the channel its single outcome will arrive on.
func (r *Registry) BeginUpgrade(wsID id.ID) <-chan UpgradeOutcome {
	e := &pendingEntry{resultCh: make(chan UpgradeOutcome, 1)}
	r.mu.Lock()
	r.pending[wsID] = e
	r.mu.Unlock()
	return e.resultCh
}

// CompletePending delivers outcome to wsID's waiter and removes the
// pending entry. It is a normal, non-error event for outcome.OK to be
// false: the "upstream refused the upgrade" path.
func (r *Registry) CompletePending(wsID id.ID, outcome UpgradeOutcome) bool {
	r.mu.Lock()
	e, ok := r.pending[wsID]
	if ok {
		delete(r.pending, wsID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	delivered := false
	e.resolved.Do(func() {
		e.resultCh <- outcome
		delivered = true
	})
	return delivered
}

// Attach registers the public-side proxy handle for wsID and drains any
// frames buffered while the upgrade was in flight, delivering them in
// enqueue order. Frames that individually outlived frameTTL are discarded
// rather than delivered stale.
func (r *Registry) Attach(wsID id.ID, proxy Proxy) {
	r.mu.Lock()
	r.active[wsID] = proxy
	frames, _ := r.buffered.Peek(wsID)
	frames = r.dropExpired(frames)
	r.buffered.Remove(wsID)
	r.mu.Unlock()

	for _, f := range frames {
		proxy.Deliver(f)
	}
}

// Forward delivers a frame arriving from the tunnel client for wsID. If no
// public-side proxy has attached yet, the frame is buffered (spec §4.6
// race: frame arrives before attach) rather than dropped. The bucket's LRU
// entry TTL only bounds how long an idle wsID's whole queue survives; each
// frame is additionally expired individually by its own EnqueueAt so an
// older frame in a growing queue can't outlive frameTTL just because a
// newer sibling frame keeps resetting the bucket.
func (r *Registry) Forward(wsID id.ID, f Frame) {
	r.mu.Lock()
	proxy, ok := r.active[wsID]
	if ok {
		r.mu.Unlock()
		proxy.Deliver(f)
		return
	}
	queue, _ := r.buffered.Peek(wsID)
	queue = r.dropExpired(queue)
	queue = append(queue, f)
	r.buffered.Add(wsID, queue)
	r.mu.Unlock()
}

// dropExpired filters out frames whose EnqueueAt is older than frameTTL.
// Callers hold r.mu.
func (r *Registry) dropExpired(frames []Frame) []Frame {
	if len(frames) == 0 {
		return frames
	}
	cutoff := time.Now().Add(-r.frameTTL)
	live := frames[:0]
	for _, f := range frames {
		if f.EnqueueAt.After(cutoff) {
			live = append(live, f)
		}
	}
	return live
}

// Close notifies the active proxy for wsID (if any) of closure, or
// resolves a still-pending upgrade with an error outcome, and clears all
// three tracked categories for wsID (spec §4.6 disposal invariant).
func (r *Registry) Close(wsID id.ID, reason string) {
	r.mu.Lock()
	proxy, hasActive := r.active[wsID]
	delete(r.active, wsID)
	r.buffered.Remove(wsID)
	r.mu.Unlock()

	if hasActive {
		proxy.Closed(reason)
		return
	}
	r.CompletePending(wsID, UpgradeOutcome{OK: false, Error: reason})
}

// PendingCount and ActiveCount exist for metrics wiring.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
