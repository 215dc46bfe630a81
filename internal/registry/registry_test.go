package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barkerja/burrow/internal/id"
)

func TestRegisterAndLookupSingleNode(t *testing.T) {
	r := New()
	sessionID := id.New()
	tunnelID := id.New()

	got, err := r.Register(context.Background(), TunnelInfo{
		TunnelID:  tunnelID,
		Subdomain: "myapp",
		SessionID: sessionID,
		PublicKey: "deadbeef",
		LocalHost: "localhost",
		LocalPort: 3000,
	})
	require.NoError(t, err)
	assert.Equal(t, "myapp", got)

	info, err := r.Lookup(context.Background(), "myapp")
	require.NoError(t, err)
	assert.Equal(t, tunnelID, info.TunnelID)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterDuplicateSubdomainFails(t *testing.T) {
	r := New()
	sessionA, sessionB := id.New(), id.New()

	_, err := r.Register(context.Background(), TunnelInfo{
		TunnelID: id.New(), Subdomain: "myapp", SessionID: sessionA, PublicKey: "a",
	})
	require.NoError(t, err)

	_, err = r.Register(context.Background(), TunnelInfo{
		TunnelID: id.New(), Subdomain: "myapp", SessionID: sessionB, PublicKey: "b",
	})
	assert.ErrorIs(t, err, ErrSubdomainTaken)

	// Session A is unaffected.
	info, err := r.Lookup(context.Background(), "myapp")
	require.NoError(t, err)
	assert.Equal(t, sessionA, info.SessionID)
}

func TestLookupNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterSessionClearsEverything(t *testing.T) {
	r := New()
	sessionID := id.New()

	_, err := r.Register(context.Background(), TunnelInfo{
		TunnelID: id.New(), Subdomain: "x", SessionID: sessionID, PublicKey: "key",
	})
	require.NoError(t, err)

	r.UnregisterSession(context.Background(), sessionID)

	_, err = r.Lookup(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.ListByClient("key"))
}

func TestListByClient(t *testing.T) {
	r := New()
	sessionID := id.New()
	_, err := r.Register(context.Background(), TunnelInfo{
		TunnelID: id.New(), Subdomain: "one", SessionID: sessionID, PublicKey: "key",
	})
	require.NoError(t, err)
	_, err = r.Register(context.Background(), TunnelInfo{
		TunnelID: id.New(), Subdomain: "two", SessionID: sessionID, PublicKey: "key",
	})
	require.NoError(t, err)

	tunnels := r.ListByClient("key")
	assert.Len(t, tunnels, 2)
}

// fakeDirectory is an in-memory stand-in for a cluster membership service,
// used to exercise the cross-node lookup path without a real Redis.
type fakeDirectory struct {
	mu     sync.Mutex
	owners map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{owners: make(map[string]string)}
}

func (f *fakeDirectory) Claim(_ context.Context, subdomain, nodeID string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.owners[subdomain]; ok && owner != nodeID {
		return false, nil
	}
	f.owners[subdomain] = nodeID
	return true, nil
}

func (f *fakeDirectory) Release(_ context.Context, subdomain, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[subdomain] == nodeID {
		delete(f.owners, subdomain)
	}
	return nil
}

func (f *fakeDirectory) Refresh(_ context.Context, _, _ string, _ time.Duration) error { return nil }

func (f *fakeDirectory) Lookup(_ context.Context, subdomain string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[subdomain]
	return owner, ok, nil
}

type fakeNodeClient struct {
	info map[string]TunnelInfo
}

func (f *fakeNodeClient) FetchTunnelInfo(_ context.Context, nodeID, subdomain string) (TunnelInfo, bool, error) {
	info, ok := f.info[nodeID+"/"+subdomain]
	return info, ok, nil
}

func TestCrossNodeLookup(t *testing.T) {
	dir := newFakeDirectory()
	client := &fakeNodeClient{info: make(map[string]TunnelInfo)}

	nodeB := New(WithCluster("node-b", dir, client))
	sessionID := id.New()
	_, err := nodeB.Register(context.Background(), TunnelInfo{
		TunnelID: id.New(), Subdomain: "shared", SessionID: sessionID, PublicKey: "k",
	})
	require.NoError(t, err)
	client.info["node-b/shared"] = TunnelInfo{Subdomain: "shared", NodeID: "node-b"}
	defer nodeB.Close()

	nodeA := New(WithCluster("node-a", dir, client))
	defer nodeA.Close()

	info, err := nodeA.Lookup(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, "node-b", info.NodeID)

	// Registering the same subdomain on node A is rejected cluster-wide.
	_, err = nodeA.Register(context.Background(), TunnelInfo{
		TunnelID: id.New(), Subdomain: "shared", SessionID: id.New(), PublicKey: "k2",
	})
	assert.ErrorIs(t, err, ErrSubdomainTaken)
}
