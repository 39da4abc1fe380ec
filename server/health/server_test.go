// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absmach/fluxrule/cluster"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/engine"
	"github.com/absmach/fluxrule/storage/memory"
)

// mockMembership implements Membership for testing.
type mockMembership struct {
	ready bool
	ring  *cluster.Ring
}

func (m *mockMembership) Ready() bool         { return m.ready }
func (m *mockMembership) Ring() *cluster.Ring { return m.ring }

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Config{}, memory.New(), slog.Default())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return eng
}

func newRing(t *testing.T, members ...string) *cluster.Ring {
	t.Helper()
	local, err := core.ParseServerAddress(members[0])
	if err != nil {
		t.Fatalf("failed to parse address: %v", err)
	}
	hasher, err := cluster.NewHasher(cluster.HashMurmur3)
	if err != nil {
		t.Fatalf("failed to create hasher: %v", err)
	}
	ring, err := cluster.NewRing(local, hasher, 8)
	if err != nil {
		t.Fatalf("failed to create ring: %v", err)
	}
	for _, m := range members {
		addr, err := core.ParseServerAddress(m)
		if err != nil {
			t.Fatalf("failed to parse address: %v", err)
		}
		ring.Join(addr)
	}
	return ring
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, newEngine(t), nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newEngine(t), nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	eng := newEngine(t)
	ring := newRing(t, "10.0.0.1:7100")

	tests := []struct {
		name           string
		engine         *engine.Engine
		membership     Membership
		method         string
		expectedStatus int
		expectedReady  bool
		expectedReason string
	}{
		{
			name:           "engine nil - not ready",
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "engine not initialized",
		},
		{
			name:           "single node mode - ready",
			engine:         eng,
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "membership not synced - not ready",
			engine:         eng,
			membership:     &mockMembership{ready: false, ring: ring},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "cluster membership not synced",
		},
		{
			name:           "membership synced - ready",
			engine:         eng,
			membership:     &mockMembership{ready: true, ring: ring},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "POST request not allowed",
			engine:         eng,
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.engine, tt.membership, slog.Default())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusMethodNotAllowed {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}

			if tt.expectedReady && response.Status != "ready" {
				t.Errorf("expected ready status, got %q", response.Status)
			}

			if !tt.expectedReady && response.Status != "not_ready" {
				t.Errorf("expected not_ready status, got %q", response.Status)
			}

			if tt.expectedReason != "" && response.Details != tt.expectedReason {
				t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
			}
		})
	}
}

func TestClusterStatusEndpoint(t *testing.T) {
	eng := newEngine(t)
	ring := newRing(t, "10.0.0.1:7100", "10.0.0.2:7100")

	t.Run("single node mode", func(t *testing.T) {
		server := New(Config{}, eng, nil, slog.Default())
		req := httptest.NewRequest(http.MethodGet, "http://test/cluster/status", nil)
		rec := httptest.NewRecorder()

		server.handleClusterStatus(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		var response ClusterStatusResponse
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.ClusterMode {
			t.Errorf("expected single node mode")
		}
		if response.NodeID != "single-node" {
			t.Errorf("expected node ID single-node, got %q", response.NodeID)
		}
		if response.Actors < 1 {
			t.Errorf("expected at least the root actor, got %d", response.Actors)
		}
	})

	t.Run("cluster mode", func(t *testing.T) {
		server := New(Config{}, eng, &mockMembership{ready: true, ring: ring}, slog.Default())
		req := httptest.NewRequest(http.MethodGet, "http://test/cluster/status", nil)
		rec := httptest.NewRecorder()

		server.handleClusterStatus(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		var response ClusterStatusResponse
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !response.ClusterMode {
			t.Errorf("expected cluster mode")
		}
		if response.NodeID != "10.0.0.1:7100" {
			t.Errorf("expected node ID 10.0.0.1:7100, got %q", response.NodeID)
		}
		if len(response.Members) != 2 {
			t.Errorf("expected 2 members, got %v", response.Members)
		}
		if response.RingVersion != ring.Version() {
			t.Errorf("expected ring version %d, got %d", ring.Version(), response.RingVersion)
		}
	})

	t.Run("POST request not allowed", func(t *testing.T) {
		server := New(Config{}, eng, nil, slog.Default())
		req := httptest.NewRequest(http.MethodPost, "http://test/cluster/status", nil)
		rec := httptest.NewRecorder()

		server.handleClusterStatus(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", rec.Code)
		}
	})
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, newEngine(t), nil, slog.Default())

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "/health", handler: server.handleHealth},
		{name: "/ready", handler: server.handleReady},
		{name: "/cluster/status", handler: server.handleClusterStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+tt.name, nil)
			rec := httptest.NewRecorder()

			tt.handler(rec, req)

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			body, err := io.ReadAll(rec.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			var data map[string]interface{}
			if err := json.Unmarshal(body, &data); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}
