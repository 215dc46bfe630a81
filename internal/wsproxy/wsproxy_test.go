package wsproxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barkerja/burrow/internal/id"
)

type fakeProxy struct {
	delivered []Frame
	closedMsg string
}

func (f *fakeProxy) Deliver(fr Frame)     { f.delivered = append(f.delivered, fr) }
func (f *fakeProxy) Closed(reason string) { f.closedMsg = reason }

func TestCompletePendingDeliversOutcome(t *testing.T) {
	r := New(time.Second)
	wsID := id.New()
	ch := r.BeginUpgrade(wsID)

	ok := r.CompletePending(wsID, UpgradeOutcome{OK: true, Headers: [][2]string{{"Sec-WebSocket-Protocol", "chat"}}})
	require.True(t, ok)

	outcome := <-ch
	assert.True(t, outcome.OK)
	assert.Equal(t, 0, r.PendingCount())
}

func TestCompletePendingMissingIsNotError(t *testing.T) {
	r := New(time.Second)
	assert.False(t, r.CompletePending(id.New(), UpgradeOutcome{OK: false}))
}

func TestForwardBuffersUntilAttach(t *testing.T) {
	r := New(time.Second)
	wsID := id.New()

	r.Forward(wsID, Frame{Opcode: "text", Data: []byte("one"), EnqueueAt: time.Now()})
	r.Forward(wsID, Frame{Opcode: "text", Data: []byte("two"), EnqueueAt: time.Now()})

	proxy := &fakeProxy{}
	r.Attach(wsID, proxy)

	require.Len(t, proxy.delivered, 2)
	assert.Equal(t, []byte("one"), proxy.delivered[0].Data)
	assert.Equal(t, []byte("two"), proxy.delivered[1].Data)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestForwardDeliversDirectlyOnceAttached(t *testing.T) {
	r := New(time.Second)
	wsID := id.New()
	proxy := &fakeProxy{}
	r.Attach(wsID, proxy)

	r.Forward(wsID, Frame{Opcode: "binary", Data: []byte("live")})

	require.Len(t, proxy.delivered, 1)
	assert.Equal(t, []byte("live"), proxy.delivered[0].Data)
}

func TestCloseNotifiesActiveProxy(t *testing.T) {
	r := New(time.Second)
	wsID := id.New()
	proxy := &fakeProxy{}
	r.Attach(wsID, proxy)

	r.Close(wsID, "tunnel client closed")

	assert.Equal(t, "tunnel client closed", proxy.closedMsg)
	assert.Equal(t, 0, r.ActiveCount())
}

func TestCloseResolvesPendingUpgradeWithError(t *testing.T) {
	r := New(time.Second)
	wsID := id.New()
	ch := r.BeginUpgrade(wsID)

	r.Close(wsID, "upstream gone")

	outcome := <-ch
	assert.False(t, outcome.OK)
	assert.Equal(t, "upstream gone", outcome.Error)
}

func TestBufferedFramesExpireByTTL(t *testing.T) {
	r := New(20 * time.Millisecond)
	wsID := id.New()
	r.Forward(wsID, Frame{Opcode: "text", Data: []byte("stale"), EnqueueAt: time.Now()})

	time.Sleep(60 * time.Millisecond)

	proxy := &fakeProxy{}
	r.Attach(wsID, proxy)
	assert.Empty(t, proxy.delivered)
}

// TestBufferedFramesExpirePerFrameWithinBucket covers a multi-frame bucket
// where an older frame individually outlives frameTTL while a newer
// sibling frame arrives. The bucket-level LRU entry stays alive (it was
// added just now, and each Forward call resets its TTL), so only explicit
// per-frame EnqueueAt filtering can catch the stale frame.
func TestBufferedFramesExpirePerFrameWithinBucket(t *testing.T) {
	r := New(50 * time.Millisecond)
	wsID := id.New()

	r.Forward(wsID, Frame{Opcode: "text", Data: []byte("old"), EnqueueAt: time.Now().Add(-70 * time.Millisecond)})
	r.Forward(wsID, Frame{Opcode: "text", Data: []byte("new"), EnqueueAt: time.Now()})

	proxy := &fakeProxy{}
	r.Attach(wsID, proxy)

	require.Len(t, proxy.delivered, 1)
	assert.Equal(t, []byte("new"), proxy.delivered[0].Data)
}
