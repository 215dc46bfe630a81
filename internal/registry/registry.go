// Package registry implements the cluster-wide tunnel registry (spec
// §4.5): the subdomain → owning-tunnel-session mapping, plus the local
// indices needed to serve lookups and to clean up after a dead session.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/barkerja/burrow/internal/id"
)

// ErrSubdomainTaken is returned by Register when the subdomain is already
// claimed by a different tunnel, locally or cluster-wide.
var ErrSubdomainTaken = errors.New("registry: subdomain already taken")

// ErrNotFound is returned by Lookup when no tunnel owns the subdomain.
var ErrNotFound = errors.New("registry: subdomain not found")

// TunnelInfo is the full record for one registered HTTP tunnel.
type TunnelInfo struct {
	TunnelID  id.ID
	Subdomain string
	SessionID id.ID
	PublicKey string // hex-encoded
	LocalHost string
	LocalPort int
	CreatedAt time.Time
	NodeID    string
}

// ClusterDirectory is the cluster-wide uniqueness primitive spec §9 calls
// for: "a distributed key-value primitive exposing claim(subdomain) → ok |
// taken and a watch that invokes unregister on owner failure." A nil
// ClusterDirectory degrades the registry to single-node operation, which
// spec §4.5 requires to work unassisted.
type ClusterDirectory interface {
	Claim(ctx context.Context, subdomain, nodeID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, subdomain, nodeID string) error
	Refresh(ctx context.Context, subdomain, nodeID string, ttl time.Duration) error
	// Lookup returns the owning nodeID for subdomain, if any member holds it.
	Lookup(ctx context.Context, subdomain string) (nodeID string, ok bool, err error)
}

// NodeClient fetches full tunnel info from a remote cluster member that
// owns a subdomain this node does not have locally.
type NodeClient interface {
	FetchTunnelInfo(ctx context.Context, nodeID, subdomain string) (TunnelInfo, bool, error)
}

// Registry is the concurrency-safe tunnel directory for one process. See
// package doc for the cluster-membership contract.
type Registry struct {
	nodeID   string
	cluster  ClusterDirectory
	client   NodeClient
	claimTTL time.Duration

	mu          sync.Mutex // serializes register/unregister
	bySubdomain map[string]TunnelInfo
	byClientKey map[string]map[string]struct{} // publicKey -> set of subdomains
	bySession   map[id.ID]map[string]struct{}  // sessionID -> set of subdomains

	stopRefresh chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithCluster enables cluster-wide uniqueness checking via dir and cross
// node lookups via client. nodeID identifies this process among cluster
// members.
func WithCluster(nodeID string, dir ClusterDirectory, client NodeClient) Option {
	return func(r *Registry) {
		r.nodeID = nodeID
		r.cluster = dir
		r.client = client
	}
}

// New creates an empty, single-node-by-default tunnel registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodeID:      "local",
		claimTTL:    30 * time.Second,
		bySubdomain: make(map[string]TunnelInfo),
		byClientKey: make(map[string]map[string]struct{}),
		bySession:   make(map[id.ID]map[string]struct{}),
		stopRefresh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cluster != nil {
		go r.refreshLoop()
	}
	return r
}

// Register atomically checks cluster-wide uniqueness and, if the subdomain
// is free, publishes it and records the tunnel locally. It returns the
// assigned subdomain (info.Subdomain, echoed back for symmetry with the
// spec's described return value).
func (r *Registry) Register(ctx context.Context, info TunnelInfo) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySubdomain[info.Subdomain]; ok && existing.SessionID != info.SessionID {
		return "", ErrSubdomainTaken
	}

	if r.cluster != nil {
		ok, err := r.cluster.Claim(ctx, info.Subdomain, r.nodeID, r.claimTTL)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrSubdomainTaken
		}
	}

	info.NodeID = r.nodeID
	r.bySubdomain[info.Subdomain] = info

	keySet, ok := r.byClientKey[info.PublicKey]
	if !ok {
		keySet = make(map[string]struct{})
		r.byClientKey[info.PublicKey] = keySet
	}
	keySet[info.Subdomain] = struct{}{}

	sessSet, ok := r.bySession[info.SessionID]
	if !ok {
		sessSet = make(map[string]struct{})
		r.bySession[info.SessionID] = sessSet
	}
	sessSet[info.Subdomain] = struct{}{}

	return info.Subdomain, nil
}

// Lookup resolves subdomain to its tunnel info. It serves from local state
// first; a local entry is returned without consulting cluster membership.
// Only a subdomain with no local entry is looked up in the cluster
// directory, and if another member owns it, full info is fetched from that
// member via NodeClient (bounded by ctx and by the NodeClient's own
// timeout). Any cluster or fetch error is reported as ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, subdomain string) (TunnelInfo, error) {
	r.mu.Lock()
	local, ok := r.bySubdomain[subdomain]
	r.mu.Unlock()
	if ok {
		return local, nil
	}

	if r.cluster == nil {
		return TunnelInfo{}, ErrNotFound
	}

	nodeID, ok, err := r.cluster.Lookup(ctx, subdomain)
	if err != nil || !ok {
		return TunnelInfo{}, ErrNotFound
	}
	if nodeID == r.nodeID {
		// Claimed by us per the directory but not in our local map yet: a
		// race during registration. Treat as not-found; the caller retries.
		return TunnelInfo{}, ErrNotFound
	}
	if r.client == nil {
		return TunnelInfo{}, ErrNotFound
	}

	info, ok, err := r.client.FetchTunnelInfo(ctx, nodeID, subdomain)
	if err != nil || !ok {
		return TunnelInfo{}, ErrNotFound
	}
	return info, nil
}

// LookupLocal resolves subdomain using only this node's local state,
// never consulting cluster membership or a peer. It backs the
// internal peer-to-peer tunnel-info endpoint (internal/clusternode),
// which must never itself re-forward a lookup to another member.
func (r *Registry) LookupLocal(subdomain string) (TunnelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.bySubdomain[subdomain]
	return info, ok
}

// ListByClient returns all tunnels registered on this node by publicKey.
func (r *Registry) ListByClient(publicKey string) []TunnelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []TunnelInfo
	for subdomain := range r.byClientKey[publicKey] {
		if info, ok := r.bySubdomain[subdomain]; ok {
			out = append(out, info)
		}
	}
	return out
}

// Count returns the local registry size.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySubdomain)
}

// ClusterCount returns Count. It does not query cluster membership, so in
// cluster mode it reports only the tunnels registered on this node.
func (r *Registry) ClusterCount(ctx context.Context) int {
	return r.Count()
}

// UnregisterSession removes every tunnel entry owned by sessionID, from
// both local state and cluster membership. Called when the owning tunnel
// session terminates (spec §4.5 cleanup contract).
func (r *Registry) UnregisterSession(ctx context.Context, sessionID id.ID) {
	r.mu.Lock()
	subdomains := make([]string, 0, len(r.bySession[sessionID]))
	for subdomain := range r.bySession[sessionID] {
		subdomains = append(subdomains, subdomain)
	}
	for _, subdomain := range subdomains {
		info, ok := r.bySubdomain[subdomain]
		if !ok {
			continue
		}
		delete(r.bySubdomain, subdomain)
		if keySet, ok := r.byClientKey[info.PublicKey]; ok {
			delete(keySet, subdomain)
			if len(keySet) == 0 {
				delete(r.byClientKey, info.PublicKey)
			}
		}
	}
	delete(r.bySession, sessionID)
	r.mu.Unlock()

	if r.cluster == nil {
		return
	}
	for _, subdomain := range subdomains {
		_ = r.cluster.Release(ctx, subdomain, r.nodeID)
	}
}

// refreshLoop periodically renews this node's cluster claims so a
// transient directory hiccup doesn't expire a live tunnel's ownership.
func (r *Registry) refreshLoop() {
	ticker := time.NewTicker(r.claimTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopRefresh:
			return
		case <-ticker.C:
			r.mu.Lock()
			subdomains := make([]string, 0, len(r.bySubdomain))
			for subdomain := range r.bySubdomain {
				subdomains = append(subdomains, subdomain)
			}
			r.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, subdomain := range subdomains {
				_ = r.cluster.Refresh(ctx, subdomain, r.nodeID, r.claimTTL)
			}
			cancel()
		}
	}
}

// Close stops the background claim-refresh loop, if any.
func (r *Registry) Close() {
	select {
	case <-r.stopRefresh:
	default:
		close(r.stopRefresh)
	}
}
