// Package main runs the standalone change-sync server. Clients talk to
// it over REST and WebSocket under the /api prefix; configuration comes
// from the environment (see engine.ConfigFromEnv).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/changesync/internal/engine"
	"github.com/kimhsiao/changesync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logging.Error("Server exited with error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := engine.ConfigFromEnv()
	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	addr := os.Getenv("SYNC_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", eng.Routes()))

	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Sync server listening", map[string]interface{}{
			"addr": addr,
		})
		errCh <- server.ListenAndServe()
	}()

	// Retention sweep on a daily tick; the trackers stay passive and the
	// server owns the trigger.
	if cfg.RetentionDays > 0 {
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := eng.Cleanup(ctx, cfg.RetentionDays); err != nil {
						logging.Error("Retention sweep failed", err)
					}
				}
			}
		}()
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logging.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
