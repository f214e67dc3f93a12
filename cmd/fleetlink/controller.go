package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/fleetlink/internal/controller"
	"github.com/postalsys/fleetlink/internal/health"
	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/metrics"
	"github.com/postalsys/fleetlink/internal/store"
	"github.com/postalsys/fleetlink/internal/transport"
)

func controllerCmd() *cobra.Command {
	var (
		configPath   string
		pingInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run as a controller",
		Long: `Listen for agent announcements, connect to each announcing agent and
log every message received. With --ping, "ping" is sent to all
authenticated agents on that interval.`,
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

			var hosts store.Store
			if path := cfg.DatabasePath(); path != "" {
				if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
					return fmt.Errorf("failed to create database directory: %w", err)
				}
				db, err := store.NewSQLiteStore(path)
				if err != nil {
					return fmt.Errorf("failed to open host inventory: %w", err)
				}
				defer db.Close()
				hosts = db
			}

			m, err := controller.New(controller.Config{
				Keypair:       kp,
				ListenAddress: cfg.Controller.ListenAddress,
				UDPPort:       cfg.Discovery.UDPPort,
				DialTimeout:   cfg.Controller.DialTimeout,
				AuthTimeout:   cfg.Controller.AuthTimeout,
				Store:         hosts,
				Sink: transport.EventFunc(func(e transport.Event) {
					if msg, ok := e.(transport.MessageReceived); ok {
						logger.Info("message from agent",
							logging.KeyRemoteAddr, msg.Peer.Addr,
							logging.KeyFingerprint, msg.Peer.PublicKey.Fingerprint(),
							"payload", string(msg.Payload))
					}
				}),
				Guard:   newGuard(cfg),
				Logger:  logger,
				Metrics: metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create controller: %w", err)
			}

			if err := m.Start(); err != nil {
				return fmt.Errorf("failed to start controller: %w", err)
			}
			fmt.Printf("Controller listening on %s (fingerprint %s)\n", m.Addr(), kp.PublicKey.Fingerprint())

			stopHealth, err := startHealth(cfg, logger, &controllerStats{m: m, fingerprint: kp.PublicKey.Fingerprint(), started: time.Now()}, func(s *health.Server) {
				s.SetPeerSource(m)
				if hosts != nil {
					s.SetHostSource(hosts)
				}
			})
			if err != nil {
				m.Stop()
				return err
			}
			defer stopHealth()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if pingInterval > 0 {
				go pingLoop(ctx, m, pingInterval, logger)
			}
			<-ctx.Done()

			fmt.Println("\nShutting down...")
			if err := m.Stop(); err != nil {
				return err
			}
			fmt.Println("Controller stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().DurationVar(&pingInterval, "ping", 0, "Send ping to every agent on this interval (0 disables)")

	return cmd
}

func pingLoop(ctx context.Context, m *controller.Manager, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Broadcast([]byte("ping")); err != nil {
				logger.Warn("ping failed", logging.KeyError, err)
			}
		}
	}
}

type controllerStats struct {
	m           *controller.Manager
	fingerprint string
	started     time.Time
}

func (s *controllerStats) IsRunning() bool { return s.m.Addr() != nil }

func (s *controllerStats) Stats() health.Stats {
	peers := len(s.m.Peers())
	return health.Stats{
		Role:         metrics.RoleController,
		Fingerprint:  s.fingerprint,
		PeerCount:    peers,
		PendingCount: max(s.m.Len()-peers, 0),
		StartedAt:    s.started,
	}
}
