package clusternode

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/barkerja/burrow/internal/registry"
)

// LocalLookup is the subset of *registry.Registry the peer-facing
// handler needs: a node only ever answers for tunnels it holds
// locally, never re-forwarding a cluster lookup.
type LocalLookup interface {
	LookupLocal(subdomain string) (registry.TunnelInfo, bool)
}

// NewPeerHandler returns the internal HTTP handler other cluster
// members call through HTTPNodeClient to resolve a subdomain this
// node owns. It is mounted under /internal/tunnels/{subdomain}; burrowd
// serves it from the control surface on the public listener.
func NewPeerHandler(reg LocalLookup) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/internal/tunnels/{subdomain}", func(w http.ResponseWriter, r *http.Request) {
		subdomain := mux.Vars(r)["subdomain"]
		info, ok := reg.LookupLocal(subdomain)
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(tunnelInfoResponse{Found: false})
			return
		}
		json.NewEncoder(w).Encode(tunnelInfoResponse{
			Found:     true,
			TunnelID:  info.TunnelID.String(),
			Subdomain: info.Subdomain,
			SessionID: info.SessionID.String(),
			PublicKey: info.PublicKey,
			LocalHost: info.LocalHost,
			LocalPort: info.LocalPort,
			NodeID:    info.NodeID,
		})
	}).Methods(http.MethodGet)
	return r
}
