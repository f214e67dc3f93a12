package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/fleetlink/internal/store"
)

func hostsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Show the controller host inventory",
		Long:  "List every agent the controller has authenticated, most recently seen first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(s store.Store) error {
				hosts, err := s.ListHosts(context.Background())
				if err != nil {
					return err
				}
				if len(hosts) == 0 {
					fmt.Println("No hosts recorded.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "FINGERPRINT\tLABEL\tHOSTNAME\tOS\tLAST ADDRESS\tFIRST SEEN\tLAST SEEN")
				for _, h := range hosts {
					platform := ""
					if h.OS != "" {
						platform = h.OS + "/" + h.Arch
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						h.Fingerprint, h.Label, h.Hostname, platform, h.LastKnownAddress,
						humanize.Time(h.FirstSeen), humanize.Time(h.LastSeen))
				}
				return w.Flush()
			})
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "label <fingerprint> <label>",
		Short: "Set a host label",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(s store.Store) error {
				return notFound(args[0], s.SetLabel(context.Background(), args[0], args[1]))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <fingerprint>",
		Short: "Remove a host from the inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(s store.Store) error {
				return notFound(args[0], s.DeleteHost(context.Background(), args[0]))
			})
		},
	})

	return cmd
}

func withStore(configPath string, fn func(store.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	path := cfg.DatabasePath()
	if path == "" {
		return errors.New("host inventory is disabled (controller.database: none)")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no host inventory at %s: %w", path, err)
	}

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func notFound(fingerprint string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no host with fingerprint %s", fingerprint)
	}
	return err
}
