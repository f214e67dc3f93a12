// Package main provides the CLI entry point for fleetlink.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/fleetlink/internal/config"
	"github.com/postalsys/fleetlink/internal/crypto"
	"github.com/postalsys/fleetlink/internal/guard"
	"github.com/postalsys/fleetlink/internal/health"
	"github.com/postalsys/fleetlink/internal/identity"
	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/sysinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetlink",
		Short: "fleetlink - zero configuration agent discovery and authenticated sessions",
		Long: `fleetlink connects a controller to the agents on its network segment.

Agents broadcast their TCP port over UDP until a controller attaches.
The controller dials every announcing agent, both sides prove possession
of their keys with a signed challenge, and all further traffic is sealed
to the recipient's public key.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(pubkeyCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(controllerCmd())
	rootCmd.AddCommand(hostsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a node identity",
		Long:  "Create the data directory and generate the node keypair.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, created, err := identity.LoadOrCreateKeypair(dataDir, crypto.Provider{}.GenerateKeypair)
			if err != nil {
				return fmt.Errorf("failed to initialize identity: %w", err)
			}

			if created {
				fmt.Printf("Identity created in %s\n", dataDir)
			} else {
				fmt.Printf("Identity already exists in %s\n", dataDir)
			}
			fmt.Printf("Fingerprint: %s\n", kp.PublicKey.Fingerprint())
			fmt.Printf("Public key:  %s\n", kp.PublicKey.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func pubkeyCmd() *cobra.Command {
	var (
		configPath  string
		fingerprint bool
	)

	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the node public key",
		Long:  "Print the hex public key, suitable for keys.controller_public_key on agents.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Keys.PrivateKey == "" && !identity.KeypairExists(cfg.KeyDir()) {
				return fmt.Errorf("no identity in %s, run 'fleetlink init' first", cfg.KeyDir())
			}
			kp, _, err := cfg.LoadKeypair()
			if err != nil {
				return err
			}

			if fingerprint {
				fmt.Println(kp.PublicKey.Fingerprint())
				return nil
			}
			fmt.Println(kp.PublicKey.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&fingerprint, "fingerprint", false, "Print the short fingerprint instead")

	return cmd
}

// loadConfig reads path, or returns defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
}

func newGuard(cfg *config.Config) *guard.Limiter {
	if !cfg.Guard.Enabled {
		return nil
	}
	return guard.New(guard.Config{
		FailuresPerMinute: cfg.Guard.FailuresPerMinute,
		Burst:             cfg.Guard.Burst,
	})
}

// startHealth starts the health server when enabled. The returned stop
// function is always safe to call.
func startHealth(cfg *config.Config, logger *slog.Logger, provider health.StatsProvider, setup func(*health.Server)) (func(), error) {
	if !cfg.Health.Enabled {
		return func() {}, nil
	}

	srv := health.NewServer(health.ServerConfig{
		Address:      cfg.Health.Address,
		ReadTimeout:  cfg.Health.ReadTimeout,
		WriteTimeout: cfg.Health.WriteTimeout,
	}, provider)
	if setup != nil {
		setup(srv)
	}
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start health server: %w", err)
	}
	logger.Info("health server started", logging.KeyAddress, srv.Address().String())

	return func() {
		if err := srv.Stop(); err != nil {
			logger.Warn("health server shutdown error", logging.KeyError, err)
		}
	}, nil
}
