package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/groupkit/groupd/pkg/group"
	"github.com/groupkit/groupd/pkg/metrics"
	"github.com/groupkit/groupd/pkg/runtime"
)

// HealthServer provides HTTP health, readiness, and metrics endpoints
// for a groupd node. It never runs on the replicated path; it is a
// side door for operators and orchestrators.
type HealthServer struct {
	rt  *runtime.RaftRuntime
	fsm *group.StateMachine
	mux *http.ServeMux
}

// NewHealthServer creates a health check HTTP server. rt and fsm may
// both be nil, in which case readiness reports "not initialized".
func NewHealthServer(rt *runtime.RaftRuntime, fsm *group.StateMachine) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		rt:  rt,
		fsm: fsm,
		mux: mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint, a liveness check that
// returns 200 as long as the process can answer HTTP requests at all.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint: whether this node's
// Raft instance has joined a cluster with a known leader and its
// state machine is reachable.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.rt != nil {
		if hs.rt.IsLeader() {
			checks["raft"] = "leader"
		} else if leaderAddr := hs.rt.LeaderAddr(); leaderAddr != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", leaderAddr)
		} else {
			checks["raft"] = "no leader elected"
			ready = false
			message = "Waiting for leader election"
		}
	} else {
		checks["raft"] = "not initialized"
		ready = false
		message = "Raft runtime not initialized"
	}

	if hs.fsm != nil {
		stats := hs.fsm.Stats()
		checks["state_machine"] = fmt.Sprintf("ok (members=%d)", stats.MembersTotal)
	} else {
		checks["state_machine"] = "not initialized"
		ready = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
