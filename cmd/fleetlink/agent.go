package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/fleetlink/internal/agent"
	"github.com/postalsys/fleetlink/internal/health"
	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/metrics"
	"github.com/postalsys/fleetlink/internal/transport"
)

func agentCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run as an agent",
		Long: `Listen for a controller and broadcast the TCP port until one attaches.

Every message from the controller is echoed back; "ping" is answered
with "pong".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			kp, created, err := cfg.LoadKeypair()
			if err != nil {
				return fmt.Errorf("failed to load identity: %w", err)
			}
			if created {
				logger.Info("generated new identity", logging.KeyFingerprint, kp.PublicKey.Fingerprint())
			}
			pinned, err := cfg.PinnedControllerKey()
			if err != nil {
				return err
			}
			if pinned == nil {
				logger.Warn("no controller key pinned, accepting any controller that proves its key")
			}

			var m *agent.Manager
			m, err = agent.New(agent.Config{
				Keypair:           kp,
				PinnedKey:         pinned,
				TCPAddress:        cfg.Agent.TCPAddress,
				TCPPort:           cfg.Agent.TCPPort,
				AuthTimeout:       cfg.Agent.AuthTimeout,
				UDPPort:           cfg.Discovery.UDPPort,
				BroadcastAddress:  cfg.Discovery.BroadcastAddress,
				BroadcastInterval: cfg.Discovery.BroadcastInterval,
				ReportHostInfo:    cfg.Agent.ReportHostInfo,
				Sink: transport.EventFunc(func(e transport.Event) {
					msg, ok := e.(transport.MessageReceived)
					if !ok {
						return
					}
					if err := m.Send(echoReply(msg.Payload)); err != nil {
						logger.Warn("reply failed", logging.KeyError, err)
					}
				}),
				Guard:   newGuard(cfg),
				Logger:  logger,
				Metrics: metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if err := m.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}
			fmt.Printf("Agent running on %s (fingerprint %s)\n", m.Addr(), kp.PublicKey.Fingerprint())

			stopHealth, err := startHealth(cfg, logger, &agentStats{m: m, fingerprint: kp.PublicKey.Fingerprint(), started: time.Now()}, func(s *health.Server) {
				s.SetPeerSource(agentPeers{m})
			})
			if err != nil {
				m.Stop()
				return err
			}
			defer stopHealth()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			fmt.Println("\nShutting down...")
			if err := m.Stop(); err != nil {
				return err
			}
			fmt.Println("Agent stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

// echoReply answers ping with pong and echoes anything else.
func echoReply(payload []byte) []byte {
	if bytes.Equal(payload, []byte("ping")) {
		return []byte("pong")
	}
	return payload
}

type agentStats struct {
	m           *agent.Manager
	fingerprint string
	started     time.Time
}

func (s *agentStats) IsRunning() bool { return true }

func (s *agentStats) Stats() health.Stats {
	st := health.Stats{
		Role:         metrics.RoleAgent,
		Fingerprint:  s.fingerprint,
		Broadcasting: s.m.Broadcasting(),
		StartedAt:    s.started,
	}
	if s.m.Connected() {
		st.PeerCount = 1
	}
	return st
}

type agentPeers struct {
	m *agent.Manager
}

func (a agentPeers) Peers() []transport.Peer {
	if p, ok := a.m.Peer(); ok {
		return []transport.Peer{p}
	}
	return nil
}
