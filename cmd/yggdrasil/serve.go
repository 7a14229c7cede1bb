package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kb-dk/Yggdrasil-sub000/internal/auth"
	"github.com/kb-dk/Yggdrasil-sub000/internal/handler"
	"github.com/kb-dk/Yggdrasil-sub000/internal/packaging"
	"github.com/kb-dk/Yggdrasil-sub000/internal/remote"
	"github.com/kb-dk/Yggdrasil-sub000/internal/server"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
	"github.com/kb-dk/Yggdrasil-sub000/internal/transform"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingress server, consumer and packer sweep",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize tracing ---
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	// --- Set build info metric ---
	telemetry.BuildInfo.WithLabelValues(telemetry.Version, runtime.Version()).Set(1)

	// --- Durable store ---
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Storage tier ---
	client, err := newStorageClient(cfg)
	if err != nil {
		return err
	}
	collections := client.ListKnownCollections()

	// --- Request flow components ---
	reporter := newReporter(cfg, st)
	manager := packaging.NewManager(cfg.Packaging, client, reporter)

	fetcher, err := remote.NewFetcher(cfg.Fetcher)
	if err != nil {
		return err
	}
	transformer, err := transform.New(cfg.Transform)
	if err != nil {
		return err
	}
	preserver := handler.NewPreserver(collections, fetcher, transformer, manager, reporter)
	importer, err := handler.NewImporter(collections, client, remote.NewDeliverer(cfg.Delivery), reporter, cfg.Import.Dir)
	if err != nil {
		return err
	}
	consumer := handler.NewConsumer(preserver, importer)

	// --- Ingress ---
	srv := server.New(cfg)
	srv.SetStoreHealth(st)
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// --- Background workers ---
	var wg sync.WaitGroup
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(workCtx, srv.Queue())
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(workCtx)
	}()

	// --- Log startup info ---
	slog.Info("Yggdrasil starting",
		"version", telemetry.Version,
		"listen", cfg.Server.ListenAddr,
		"pillars", len(cfg.Pillars),
		"collections", collections,
	)
	if !auth.NeedsAuth(cfg.Auth) {
		slog.Warn("Authentication is disabled")
	}
	if cfg.Telemetry.Tracing.Enabled {
		slog.Info("Tracing enabled",
			"endpoint", cfg.Telemetry.Tracing.Endpoint,
			"sample_rate", cfg.Telemetry.Tracing.SampleRate,
			"insecure", cfg.Telemetry.Tracing.Insecure)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server error", "error", err)
		}
	}

	// --- Graceful shutdown ---
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// The consumer drains what is already queued, then returns on the closed
	// queue. Open batches stay on disk for the next reconcile.
	srv.Close()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout reached with messages still queued")
	}
	cancelWork()
	<-consumerDone
	wg.Wait()

	if err := shutdownTracer(shutdownCtx); err != nil {
		slog.Error("Tracer shutdown error", "error", err)
	}
	slog.Info("Server stopped")
	return nil
}
