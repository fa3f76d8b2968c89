// registry — the tool discovery service: registration endpoint, health
// prober, and stale-entry sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/querylens/querylens/pkg/registry"
	"github.com/querylens/querylens/pkg/tools"
)

func main() {
	port := flag.String("port", "8010", "listen port")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := registry.New()

	prober := registry.NewProber(reg, tools.Probe, registry.DefaultProberConfig(), nil)
	prober.Start(ctx)
	defer prober.Stop()

	httpServer := &http.Server{
		Addr:    ":" + *port,
		Handler: registry.NewServer(reg).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Registry listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Registry server error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Registry shutdown incomplete", "error", err)
	}
}
