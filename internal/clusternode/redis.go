// Package clusternode provides the cluster-mode building blocks spec
// §9 describes as optional: a Redis-backed implementation of
// registry.ClusterDirectory for subdomain-claim uniqueness, and an
// HTTP-based registry.NodeClient for fetching a remote node's tunnel
// info when a lookup resolves to a peer.
package clusternode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "burrow:subdomain:"

// RedisDirectory implements registry.ClusterDirectory on top of a
// single Redis instance, using SET NX EX for claim and a value
// comparison before delete/expire so one node can never release or
// refresh another node's claim.
type RedisDirectory struct {
	client *redis.Client
}

// NewRedisDirectory wires a cluster directory to addr (host:port).
// Connectivity is not checked here; the caller should Ping before
// relying on it, the way the rest of the pack's Redis call sites do.
func NewRedisDirectory(addr string) *RedisDirectory {
	return &RedisDirectory{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies the Redis connection is reachable.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

func (d *RedisDirectory) key(subdomain string) string {
	return keyPrefix + subdomain
}

// Claim attempts to atomically take ownership of subdomain for ttl.
// It reports true only if this call won the claim.
func (d *RedisDirectory) Claim(ctx context.Context, subdomain, nodeID string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(subdomain), nodeID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("clusternode: claim %q: %w", subdomain, err)
	}
	return ok, nil
}

// releaseScript deletes the key only if it is still held by nodeID,
// so a node can never release a claim another node has since taken
// over after this node's own claim expired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Release relinquishes nodeID's claim on subdomain, if it still holds it.
func (d *RedisDirectory) Release(ctx context.Context, subdomain, nodeID string) error {
	if err := releaseScript.Run(ctx, d.client, []string{d.key(subdomain)}, nodeID).Err(); err != nil {
		return fmt.Errorf("clusternode: release %q: %w", subdomain, err)
	}
	return nil
}

// refreshScript extends the TTL only if nodeID still owns the key.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Refresh extends nodeID's claim TTL. It returns an error if the claim
// was lost (the key is gone or held by another node); the registry's
// refresh loop ignores that error.
func (d *RedisDirectory) Refresh(ctx context.Context, subdomain, nodeID string, ttl time.Duration) error {
	res, err := refreshScript.Run(ctx, d.client, []string{d.key(subdomain)}, nodeID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("clusternode: refresh %q: %w", subdomain, err)
	}
	if res == 0 {
		return errors.New("clusternode: claim lost before refresh")
	}
	return nil
}

// Lookup returns the nodeID currently holding subdomain's claim, if any.
func (d *RedisDirectory) Lookup(ctx context.Context, subdomain string) (string, bool, error) {
	nodeID, err := d.client.Get(ctx, d.key(subdomain)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("clusternode: lookup %q: %w", subdomain, err)
	}
	return nodeID, true, nil
}
