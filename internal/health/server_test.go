package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/fleetlink/internal/identity"
	"github.com/postalsys/fleetlink/internal/store"
	"github.com/postalsys/fleetlink/internal/transport"
)

type mockStatsProvider struct {
	running bool
	stats   Stats
}

func (m *mockStatsProvider) IsRunning() bool { return m.running }
func (m *mockStatsProvider) Stats() Stats    { return m.stats }

type mockPeers []transport.Peer

func (m mockPeers) Peers() []transport.Peer { return m }

type mockHosts struct {
	hosts []*store.Host
	err   error
}

func (m *mockHosts) ListHosts(context.Context) ([]*store.Host, error) {
	return m.hosts, m.err
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_PlainEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		running  bool
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{"health", true, http.MethodGet, "/health", http.StatusOK, "OK\n"},
		{"health when stopped", false, http.MethodGet, "/health", http.StatusOK, "OK\n"},
		{"health post", true, http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
		{"ready", true, http.MethodGet, "/ready", http.StatusOK, "READY\n"},
		{"not ready", false, http.MethodGet, "/ready", http.StatusServiceUnavailable, "NOT READY\n"},
		{"ready post", true, http.MethodPost, "/ready", http.StatusMethodNotAllowed, ""},
		{"peers post", true, http.MethodPost, "/peers", http.StatusMethodNotAllowed, ""},
		{"hosts post", true, http.MethodPost, "/hosts", http.StatusMethodNotAllowed, ""},
		{"pprof index", true, http.MethodGet, "/debug/pprof/", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: tt.running})
			rec := serve(s, tt.method, tt.path)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServer_Healthz(t *testing.T) {
	started := time.Now().Add(-3 * time.Minute)
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{
		running: true,
		stats: Stats{
			Role:         "controller",
			Fingerprint:  "0011223344556677",
			PeerCount:    2,
			PendingCount: 1,
			StartedAt:    started,
		},
	})

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", response["status"])
	}
	if response["role"] != "controller" {
		t.Errorf("role = %v, want controller", response["role"])
	}
	if int(response["peer_count"].(float64)) != 2 {
		t.Errorf("peer_count = %v, want 2", response["peer_count"])
	}
	if int(response["pending_count"].(float64)) != 1 {
		t.Errorf("pending_count = %v, want 1", response["pending_count"])
	}
	if response["started"] != "3 minutes ago" {
		t.Errorf("started = %v, want 3 minutes ago", response["started"])
	}
	uptime, ok := response["uptime"].(string)
	if !ok {
		t.Fatalf("uptime = %v, want a duration string", response["uptime"])
	}
	if _, err := time.ParseDuration(uptime); err != nil {
		t.Errorf("uptime %q does not parse: %v", uptime, err)
	}
}

func TestServer_HealthzUnavailable(t *testing.T) {
	for name, provider := range map[string]StatsProvider{
		"nil provider": nil,
		"stopped":      &mockStatsProvider{running: false},
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(NewServer(DefaultServerConfig(), provider), http.MethodGet, "/healthz")
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
			var response map[string]interface{}
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response["status"] != "unavailable" {
				t.Errorf("status = %v, want unavailable", response["status"])
			}
		})
	}
}

func TestServer_Peers(t *testing.T) {
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}

	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})
	if rec := serve(s, http.MethodGet, "/peers"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured /peers status = %d, want 503", rec.Code)
	}

	s.SetPeerSource(mockPeers{{
		ID:          "10.0.0.5:40000",
		Addr:        "10.0.0.5:52179",
		PublicKey:   kp.PublicKey,
		ConnectedAt: time.Now().Add(-time.Hour),
	}})
	rec := serve(s, http.MethodGet, "/peers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var peers []peerView
	if err := json.NewDecoder(rec.Body).Decode(&peers); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	if peers[0].Fingerprint != kp.PublicKey.Fingerprint() {
		t.Errorf("fingerprint = %s, want %s", peers[0].Fingerprint, kp.PublicKey.Fingerprint())
	}
	if peers[0].ConnectedFor != "1 hour" {
		t.Errorf("connected_for = %q, want 1 hour", peers[0].ConnectedFor)
	}
}

func TestServer_PeersEmptyIsArray(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.SetPeerSource(mockPeers(nil))
	rec := serve(s, http.MethodGet, "/peers")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestServer_Hosts(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	if rec := serve(s, http.MethodGet, "/hosts"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured /hosts status = %d, want 503", rec.Code)
	}

	s.SetHostSource(&mockHosts{hosts: []*store.Host{{
		ID:          "b3c1",
		Fingerprint: "aabbccdd",
		PublicKey:   "01",
		Label:       "lab",
		LastSeen:    time.Now().Add(-2 * time.Hour),
	}}})
	rec := serve(s, http.MethodGet, "/hosts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var hosts []map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&hosts); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("got %d hosts, want 1", len(hosts))
	}
	if hosts[0]["fingerprint"] != "aabbccdd" {
		t.Errorf("fingerprint = %v", hosts[0]["fingerprint"])
	}
	if hosts[0]["last_seen_human"] != "2 hours ago" {
		t.Errorf("last_seen_human = %v, want 2 hours ago", hosts[0]["last_seen_human"])
	}
}

func TestServer_HostsError(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.SetHostSource(&mockHosts{err: errors.New("disk gone")})
	if rec := serve(s, http.MethodGet, "/hosts"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(ServerConfig{
		Address:      "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, &mockStatsProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected server to be running")
	}
	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("/metrics missing runtime collectors")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}
