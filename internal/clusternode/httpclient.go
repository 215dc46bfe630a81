package clusternode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/barkerja/burrow/internal/id"
	"github.com/barkerja/burrow/internal/registry"
)

// PeerResolver maps a cluster nodeID to the base URL of its internal
// cluster API, e.g. from a static config list or a service-discovery
// lookup. A Burrow deployment not running in cluster mode never needs
// one.
type PeerResolver func(nodeID string) (baseURL string, ok bool)

// HTTPNodeClient implements registry.NodeClient by calling a peer
// node's internal tunnel-info endpoint, the same instrumented-proxy
// shape the rest of the pack uses for service-to-service calls.
type HTTPNodeClient struct {
	resolve PeerResolver
	client  *http.Client
}

// NewHTTPNodeClient builds a client that resolves peer addresses via
// resolve and issues requests with the given timeout.
func NewHTTPNodeClient(resolve PeerResolver, timeout time.Duration) *HTTPNodeClient {
	return &HTTPNodeClient{resolve: resolve, client: &http.Client{Timeout: timeout}}
}

type tunnelInfoResponse struct {
	Found     bool   `json:"found"`
	TunnelID  string `json:"tunnel_id"`
	Subdomain string `json:"subdomain"`
	SessionID string `json:"session_id"`
	PublicKey string `json:"public_key"`
	LocalHost string `json:"local_host"`
	LocalPort int    `json:"local_port"`
	NodeID    string `json:"node_id"`
}

// FetchTunnelInfo implements registry.NodeClient.
func (c *HTTPNodeClient) FetchTunnelInfo(ctx context.Context, nodeID, subdomain string) (registry.TunnelInfo, bool, error) {
	base, ok := c.resolve(nodeID)
	if !ok {
		return registry.TunnelInfo{}, false, fmt.Errorf("clusternode: unknown peer node %q", nodeID)
	}

	reqURL := base + "/internal/tunnels/" + url.PathEscape(subdomain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return registry.TunnelInfo{}, false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return registry.TunnelInfo{}, false, fmt.Errorf("clusternode: fetching tunnel info from %s: %w", nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return registry.TunnelInfo{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return registry.TunnelInfo{}, false, fmt.Errorf("clusternode: peer %s returned status %d", nodeID, resp.StatusCode)
	}

	var body tunnelInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return registry.TunnelInfo{}, false, fmt.Errorf("clusternode: decoding peer response: %w", err)
	}
	if !body.Found {
		return registry.TunnelInfo{}, false, nil
	}

	if !id.Valid(body.TunnelID) {
		return registry.TunnelInfo{}, false, fmt.Errorf("clusternode: malformed tunnel_id %q", body.TunnelID)
	}
	if !id.Valid(body.SessionID) {
		return registry.TunnelInfo{}, false, fmt.Errorf("clusternode: malformed session_id %q", body.SessionID)
	}

	return registry.TunnelInfo{
		TunnelID:  id.ID(body.TunnelID),
		Subdomain: body.Subdomain,
		SessionID: id.ID(body.SessionID),
		PublicKey: body.PublicKey,
		LocalHost: body.LocalHost,
		LocalPort: body.LocalPort,
		NodeID:    body.NodeID,
	}, true, nil
}
