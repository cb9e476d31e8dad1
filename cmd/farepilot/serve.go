package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/farepilot/farepilot/internal/auth"
	"github.com/farepilot/farepilot/internal/config"
	"github.com/farepilot/farepilot/internal/i18n"
	"github.com/farepilot/farepilot/internal/orchestrator"
	"github.com/farepilot/farepilot/internal/platform/otel"
	"github.com/farepilot/farepilot/internal/profile"
	"github.com/farepilot/farepilot/internal/server"
	"github.com/farepilot/farepilot/internal/storage/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Long: `Starts the scoring pipeline and the WebSocket/REST server and runs
until interrupted. An active session is stopped and persisted on the
way down.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := otel.Setup(ctx, "farepilot")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	profiles := profile.NewStore(cfg.ProfilePath)
	if err := profiles.Load(); err != nil {
		return err
	}

	loc, err := i18n.Load()
	if err != nil {
		return err
	}

	authn := auth.New(cfg.AuthSecret)
	mgr := orchestrator.New(cfg, profiles, store)
	srv := server.New(cfg, mgr, store, profiles, authn, loc)

	// Pipeline and profile watcher run in the background; both stop on
	// ctx cancel.
	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()

	go func() {
		if err := profiles.Watch(ctx); err != nil {
			slog.Warn("profile watch stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("farepilot daemon starting",
			"http", cfg.HTTPAddr,
			"db", cfg.DatabasePath(),
			"auth", authn.Enabled(),
			"export", cfg.ExportURL != "")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	srv.Close()

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}
