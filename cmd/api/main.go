// GLI Payments service
//
// This is the main entry point for the payment processing service.
// It wires up all dependencies and runs the HTTP server, a single
// reconciliation pass, or the schema migration.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gli-international/gli-payments/config"
	"github.com/gli-international/gli-payments/internal/adapters/gormstore"
	"github.com/gli-international/gli-payments/internal/handlers"
	"github.com/gli-international/gli-payments/internal/telemetry"
)

var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "gli-payments",
		Short:         "GLI Payments - payment gateway integration service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the reconciliation poller",
		RunE:  runServe,
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.reconciler.PollOnce(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			log.Info("reconciliation finished",
				zap.Int("checked", report.Checked),
				zap.Int("resolved", report.Resolved),
				zap.Int("expired", report.Expired),
				zap.Int("failed", report.Failed),
			)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if cfg.Database.Driver == "memory" {
				log.Info("memory storage has no schema to migrate")
				return nil
			}
			db, err := gormstore.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN, log)
			if err != nil {
				return err
			}
			defer func() { _ = gormstore.Close(db) }()

			if err := gormstore.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("database schema up to date", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting GLI Payments service",
		zap.String("version", Version),
		zap.String("gateway", cfg.Gateway.Provider),
		zap.String("database", cfg.Database.Driver),
	)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	handler := handlers.NewPaymentHandler(a.orders, a.verifier, a.reconciler, handlers.PaymentHandlerOptions{
		SignatureHeader: cfg.Security.SignatureHeader,
		DefaultCurrency: cfg.Orders.DefaultCurrency,
		ServiceName:     cfg.Telemetry.ServiceName,
		Logger:          log,
	})
	router := handlers.SetupRouter(handler, handlers.RouterConfig{
		GinMode:       cfg.Server.GinMode,
		ServiceAPIKey: cfg.Security.ServiceAPIKey,
		Logger:        log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pollerDone := make(chan struct{})
	if cfg.Reconcile.Enabled {
		go func() {
			defer close(pollerDone)
			a.reconciler.Run(ctx)
		}()
	} else {
		close(pollerDone)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			<-pollerDone
			return fmt.Errorf("server: %w", err)
		}
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	stop()
	<-pollerDone
	return nil
}

// bootstrap loads and validates configuration and builds the logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := telemetry.NewLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log.With(zap.String("service", cfg.Telemetry.ServiceName)), nil
}
