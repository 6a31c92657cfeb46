package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleet-plex/internal/discovery"
	"fleet-plex/internal/events"
	"fleet-plex/internal/model"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [provider-id...]",
		Short: "Reconcile provider inventories with the store",
		Long: `Fetch the host list of each provider and reconcile it with the stored
discovered hosts. Without arguments every stored provider is synced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, newLogger(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			return syncProviders(ctx, a, args, cmd.OutOrStdout())
		},
	}
}

// syncProviders syncs each provider in turn. One failing provider does not
// stop the others; the command fails if any did.
func syncProviders(ctx context.Context, a *app, ids []string, w io.Writer) error {
	if len(ids) == 0 {
		providers, err := a.store.ListProviders(ctx)
		if err != nil {
			return &SetupError{Message: fmt.Sprintf("failed to list providers: %v", err)}
		}
		for _, p := range providers {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return &SetupError{Message: "no providers configured"}
	}

	failed := 0
	for _, id := range ids {
		result, err := a.discovery.SyncProvider(ctx, id)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s: sync failed: %v\n", id, err)
			continue
		}
		s := result.Summary
		fmt.Fprintf(w, "%s: %d hosts (%d new, %d removed, %d existing, %d changed, %d imported)\n",
			id, s.Total, s.New, s.Removed, s.Existing, s.Changed, s.Imported)
		for _, h := range result.NewHosts {
			fmt.Fprintf(w, "  + %s (%s, %s)\n", h.Name, h.OSType, h.State)
		}
		for _, h := range result.RemovedHosts {
			fmt.Fprintf(w, "  - %s\n", h.Name)
		}
		for _, c := range result.ChangedHosts {
			fmt.Fprintf(w, "  ~ %s: %s -> %s\n", c.Host.Name, c.PreviousState, c.CurrentState)
		}
	}

	if failed > 0 {
		return &ExecutionError{Message: fmt.Sprintf("%d/%d provider syncs failed", failed, len(ids))}
	}
	return nil
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <provider-id>",
		Short: "List the hosts a provider reports without storing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, newLogger(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			hosts, err := a.discovery.DiscoverHosts(ctx, args[0])
			if err != nil {
				return setupErr(err)
			}
			printHosts(cmd.OutOrStdout(), hosts)
			return nil
		},
	}
}

func printHosts(w io.Writer, hosts []model.DiscoveredHost) {
	fmt.Fprintf(w, "%-24s %-32s %-16s %-8s %s\n", "PROVIDER HOST ID", "NAME", "ADDRESS", "OS", "STATE")
	for _, h := range hosts {
		addr := h.PrivateIP
		if addr == "" {
			addr = h.PublicIP
		}
		fmt.Fprintf(w, "%-24s %-32s %-16s %-8s %s\n", h.ProviderHostID, h.Name, addr, h.OSType, h.State)
	}
}

func newImportCmd() *cobra.Command {
	var opts discovery.ImportOptions
	cmd := &cobra.Command{
		Use:   "import <discovered-host-id>",
		Short: "Turn a discovered host into a saved connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, newLogger(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			conn, err := a.discovery.ImportHost(ctx, args[0], opts)
			if err != nil {
				return setupErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s as connection %s (%s:%d)\n", conn.Name, conn.ID, conn.Hostname, conn.Port)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "Connection name (default: the host name)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "Port (default: 22, or 5985 for Windows)")
	cmd.Flags().StringVar(&opts.Username, "username", "", "Login user")
	cmd.Flags().StringVar(&opts.CredentialID, "credential", "", "Credential id")
	cmd.Flags().StringVar(&opts.GroupID, "group", "", "Group id")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print execution events published by other fleet-plex processes",
		Long: `Subscribe to the Redis execution channel and print each event as one
JSON line. Requires redis.addr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Redis.Addr == "" {
				return &SetupError{Message: "watch requires --redis-addr or redis.addr"}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, newLogger(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = events.Subscribe(ctx, a.redis, func(e events.Event) {
				if err := enc.Encode(e); err != nil {
					a.logger.Error("Failed to write event", "error", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				return &ExecutionError{Message: fmt.Sprintf("subscription ended: %v", err)}
			}
			return nil
		},
	}
}
