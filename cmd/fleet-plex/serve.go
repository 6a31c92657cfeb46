package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleet-plex/internal/api"
	"fleet-plex/internal/events"
	"fleet-plex/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

var syncInterval time.Duration

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, websocket event stream and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	cmd.Flags().DurationVar(&syncInterval, "sync-interval", 0, "Sync every provider on this interval (0 disables)")
	return cmd
}

// serve runs the API server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context) error {
	logger := newLogger()
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	hub := events.NewHub(logger)
	defer hub.Close()
	a.commands.AddListener(hub)

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: api.NewRouter(&api.Server{
			Store:     a.store,
			Commands:  a.commands,
			Discovery: a.discovery,
			Events:    hub,
			Metrics:   metrics.Handler(),
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if syncInterval > 0 {
		go syncLoop(ctx, a, syncInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Listen, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return &SetupError{Message: fmt.Sprintf("http server failed: %v", err)}
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return &ExecutionError{Message: fmt.Sprintf("graceful shutdown failed: %v", err)}
	}
	return nil
}

// syncLoop syncs every stored provider each interval until ctx is done.
func syncLoop(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			providers, err := a.store.ListProviders(ctx)
			if err != nil {
				a.logger.Error("Failed to list providers for scheduled sync", "error", err)
				continue
			}
			for _, p := range providers {
				// Failures are logged and counted by the discovery service.
				_, _ = a.discovery.SyncProvider(ctx, p.ID)
			}
		}
	}
}
