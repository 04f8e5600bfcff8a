package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recapnet/histd/internal/federation"
	"github.com/recapnet/histd/internal/store"
)

// HTTPHandler serves the operational endpoints: health, readiness,
// metrics, and the federation peer listing.
type HTTPHandler struct {
	store     *store.BoltStore
	retention *store.RetentionManager
	peers     *federation.PeerManager
	storeInit atomic.Bool
}

// NewHTTPHandler creates the operational handler. retention and peers
// may be nil when the corresponding subsystem is disabled.
func NewHTTPHandler(st *store.BoltStore, retention *store.RetentionManager, peers *federation.PeerManager) *HTTPHandler {
	return &HTTPHandler{
		store:     st,
		retention: retention,
		peers:     peers,
	}
}

// SetStoreInitialized marks the store as opened and ready.
func (h *HTTPHandler) SetStoreInitialized() {
	h.storeInit.Store(true)
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		h.handleHealthz(w, r)
	case "/readyz":
		h.handleReadyz(w, r)
	case "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
	case "/federation/peers":
		h.handlePeers(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleHealthz reports liveness: the process is up and the store
// answers a read.
func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.UsageBytes(); err != nil {
		http.Error(w, "store unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz reports readiness: the store is open and the retention
// sweeper has run within twice its interval.
func (h *HTTPHandler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !h.storeInit.Load() {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}
	if _, err := h.store.UsageBytes(); err != nil {
		http.Error(w, "store unhealthy", http.StatusServiceUnavailable)
		return
	}

	if h.retention != nil {
		lastSweep, err := h.retention.LastSweep()
		if err == nil && !lastSweep.IsZero() {
			if time.Since(lastSweep) > 2*h.retention.Interval() {
				http.Error(w, "retention sweeper stalled", http.StatusServiceUnavailable)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handlePeers lists the linked federation peers and their claims.
func (h *HTTPHandler) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.peers == nil {
		JSON(w, http.StatusOK, map[string]interface{}{
			"peers": []federation.PeerInfo{},
			"count": 0,
		})
		return
	}
	peers := h.peers.Peers()
	JSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, err string) {
	JSON(w, status, map[string]string{"error": err})
}
