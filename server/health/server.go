// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxrule/cluster"
	"github.com/absmach/fluxrule/engine"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Membership is the cluster view the server reports on.
// *cluster.MembershipTracker implements it.
type Membership interface {
	Ready() bool
	Ring() *cluster.Ring
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config     Config
	engine     *engine.Engine
	membership Membership
	logger     *slog.Logger
	server     *http.Server
	listener   net.Listener
}

// New creates a new health check server. membership is nil on a single node.
func New(cfg Config, eng *engine.Engine, membership Membership, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:     cfg,
		engine:     eng,
		membership: membership,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/cluster/status", s.handleClusterStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady returns 200 once the engine runs and, when clustered, the
// membership view is synced.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "engine not initialized",
		})
		return
	}

	if s.membership != nil && !s.membership.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "cluster membership not synced",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// ClusterStatusResponse represents cluster health information.
type ClusterStatusResponse struct {
	NodeID      string   `json:"node_id"`
	ClusterMode bool     `json:"cluster_mode"`
	RingVersion uint64   `json:"ring_version,omitempty"`
	Members     []string `json:"members,omitempty"`
	Actors      int      `json:"actors"`
}

// handleClusterStatus returns the ring membership of this node.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var response ClusterStatusResponse
	if s.engine != nil {
		response.Actors = s.engine.System().Len()
	}

	if s.membership == nil {
		response.NodeID = "single-node"
		writeJSON(w, http.StatusOK, response)
		return
	}

	ring := s.membership.Ring()
	response.ClusterMode = true
	response.NodeID = ring.Local().String()
	response.RingVersion = ring.Version()
	for _, m := range ring.Members() {
		response.Members = append(response.Members, m.String())
	}

	writeJSON(w, http.StatusOK, response)
}
