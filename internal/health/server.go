// Package health provides health check HTTP endpoints for fleetlink.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/fleetlink/internal/store"
	"github.com/postalsys/fleetlink/internal/sysinfo"
	"github.com/postalsys/fleetlink/internal/transport"
)

// StatsProvider provides node statistics.
type StatsProvider interface {
	// IsRunning returns true if the node is running.
	IsRunning() bool

	// Stats returns node statistics.
	Stats() Stats
}

// PeerSource lists authenticated peers.
type PeerSource interface {
	Peers() []transport.Peer
}

// HostSource lists the persisted host inventory.
type HostSource interface {
	ListHosts(ctx context.Context) ([]*store.Host, error)
}

// Stats contains node health statistics.
type Stats struct {
	Role         string    `json:"role"`
	Fingerprint  string    `json:"fingerprint"`
	PeerCount    int       `json:"peer_count"`
	PendingCount int       `json:"pending_count"`
	Broadcasting bool      `json:"broadcasting"`
	StartedAt    time.Time `json:"started_at"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	peers    PeerSource
	hosts    HostSource
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/hosts", s.handleHosts)

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// SetPeerSource sets the provider for /peers. Call before Start.
func (s *Server) SetPeerSource(p PeerSource) {
	s.peers = p
}

// SetHostSource sets the provider for /hosts. Call before Start.
func (s *Server) SetHostSource(h HostSource) {
	s.hosts = h
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with JSON stats if healthy, 503 if not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	response := map[string]interface{}{
		"status":        "healthy",
		"running":       true,
		"role":          stats.Role,
		"fingerprint":   stats.Fingerprint,
		"peer_count":    stats.PeerCount,
		"pending_count": stats.PendingCount,
		"broadcasting":  stats.Broadcasting,
		"uptime":        sysinfo.Uptime().Round(time.Second).String(),
	}
	if !stats.StartedAt.IsZero() {
		response["started_at"] = stats.StartedAt.UTC().Format(time.RFC3339)
		response["started"] = humanize.Time(stats.StartedAt)
	}

	writeJSON(w, http.StatusOK, response)
}

// handleReady returns 200 if the node is ready to serve traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

type peerView struct {
	ID           string `json:"id"`
	Addr         string `json:"addr"`
	Fingerprint  string `json:"fingerprint"`
	PublicKey    string `json:"public_key"`
	ConnectedAt  string `json:"connected_at"`
	ConnectedFor string `json:"connected_for"`
}

// handlePeers lists authenticated peers.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.peers == nil {
		http.Error(w, "peer source not configured", http.StatusServiceUnavailable)
		return
	}

	result := []peerView{}
	for _, p := range s.peers.Peers() {
		result = append(result, peerView{
			ID:           p.ID,
			Addr:         p.Addr,
			Fingerprint:  p.PublicKey.Fingerprint(),
			PublicKey:    p.PublicKey.String(),
			ConnectedAt:  p.ConnectedAt.UTC().Format(time.RFC3339),
			ConnectedFor: strings.TrimSpace(humanize.RelTime(p.ConnectedAt, time.Now(), "", "")),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

type hostView struct {
	*store.Host
	LastSeenHuman string `json:"last_seen_human"`
}

// handleHosts lists the persisted host inventory, most recently seen first.
func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hosts == nil {
		http.Error(w, "host inventory not configured", http.StatusServiceUnavailable)
		return
	}

	hosts, err := s.hosts.ListHosts(r.Context())
	if err != nil {
		http.Error(w, "failed to list hosts: "+err.Error(), http.StatusInternalServerError)
		return
	}

	result := make([]hostView, 0, len(hosts))
	for _, h := range hosts {
		result = append(result, hostView{Host: h, LastSeenHuman: humanize.Time(h.LastSeen)})
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
