package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/idcache/internal/config"
	"github.com/izavyalov-dev/idcache/internal/observability"
	"github.com/izavyalov-dev/idcache/ledger"
	"github.com/izavyalov-dev/idcache/orchestrator"
)

func newServeCmd(params *rootParams) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the identifier cache with its operational HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := params.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	root := observability.NewRootLogger(cfg.LogOptions())
	logger := observability.Component(root, "idcache")
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(observability.Component(root, "orchestrator")),
		orchestrator.WithMetrics(metrics),
	}
	if cfg.DatabaseURL != "" {
		db, store, err := openLedger(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, orchestrator.WithRecorder(store))
		logger.Info("bulk job ledger enabled", "event", "ledger_enabled")
	}

	service, err := orchestrator.New(ctx, cfg.OrchestratorConfig(), opts...)
	if err != nil {
		return err
	}
	service.Start(ctx)
	defer service.Close()

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           orchestrator.NewHTTPHandler(service, observability.Component(root, "orchestrator.http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started", "event", "server_started", "listen", cfg.Listen,
			"reservation_available", service.IsReservationAvailable())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "event", "server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openLedger(ctx context.Context, databaseURL string) (*sql.DB, *ledger.Store, error) {
	db, err := ledger.OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := ledger.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}
