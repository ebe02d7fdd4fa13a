package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/gli-international/gli-payments/config"
	"github.com/gli-international/gli-payments/internal/adapters/bog"
	"github.com/gli-international/gli-payments/internal/adapters/enrollment"
	"github.com/gli-international/gli-payments/internal/adapters/events"
	"github.com/gli-international/gli-payments/internal/adapters/gormstore"
	"github.com/gli-international/gli-payments/internal/adapters/inmemory"
	"github.com/gli-international/gli-payments/internal/adapters/kafka"
	"github.com/gli-international/gli-payments/internal/adapters/mercadopago"
	"github.com/gli-international/gli-payments/internal/adapters/redisstore"
	"github.com/gli-international/gli-payments/internal/core/ports"
	"github.com/gli-international/gli-payments/internal/core/service"
	"github.com/gli-international/gli-payments/internal/telemetry"
)

// app holds the wired services and the resources to release on exit.
type app struct {
	orders     *service.PaymentService
	verifier   *service.CallbackVerifier
	reconciler *service.Reconciler
	closers    []func(context.Context)
}

// newApp wires up all dependencies (manual dependency injection).
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{}
	if err := a.wire(ctx, cfg, log); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// Telemetry
	meter, shutdownMeter, err := telemetry.SetupMeter(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.onClose(shutdownMeter)
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Infrastructure Layer
	repo, ledger, err := a.storage(ctx, cfg, log)
	if err != nil {
		return err
	}

	var tokenStore ports.TokenStore = inmemory.NewTokenStore()
	if cfg.Redis.Addr != "" {
		client, err := a.redis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		tokenStore = redisstore.NewTokenStore(client, "")
		if cfg.Database.Driver == "memory" {
			// Without SQL the ledger must still be shared across replicas.
			ledger = redisstore.NewCallbackLedger(client, "", redisstore.DefaultLedgerRetention)
		}
	}

	gateway, err := newGateway(cfg, tokenStore, metrics, log)
	if err != nil {
		return err
	}

	sinks := events.Fanout{events.NewLogPublisher(log)}
	if len(cfg.Events.KafkaBrokers) > 0 {
		pub := kafka.NewPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		a.onClose(func(context.Context) { _ = pub.Close() })
		sinks = append(sinks, pub)
	}
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, enrollment.NewClient(cfg.Events.WebhookURL, cfg.Events.WebhookSecret))
	}

	// Service Layer
	retry := service.RetryPolicy{
		MaxAttempts: cfg.Gateway.MaxAttempts,
		Initial:     cfg.Gateway.BackoffInitial,
		Max:         cfg.Gateway.BackoffMax,
	}
	a.orders = service.NewPaymentService(repo, gateway, sinks, service.PaymentServiceOptions{
		SupportedCurrencies: cfg.Orders.SupportedCurrencies,
		Retry:               retry,
		Logger:              log,
		Metrics:             metrics,
	})
	a.verifier = service.NewCallbackVerifier(
		service.NewSigner(cfg.Security.CallbackSecret),
		ledger,
		repo,
		a.orders,
		service.CallbackVerifierOptions{PendingLease: cfg.Security.CallbackLease, Logger: log, Metrics: metrics},
	)
	a.reconciler = service.NewReconciler(repo, gateway, a.orders, sinks, service.ReconcilerOptions{
		Interval:     cfg.Reconcile.Interval,
		GracePeriod:  cfg.Reconcile.GracePeriod,
		ExpiryWindow: cfg.Reconcile.ExpiryWindow,
		MaxPolls:     cfg.Reconcile.MaxPolls,
		BatchSize:    cfg.Reconcile.BatchSize,
		Workers:      cfg.Reconcile.Workers,
		Retry:        retry,
		Logger:       log,
		Metrics:      metrics,
	})
	return nil
}

func (a *app) storage(ctx context.Context, cfg *config.Config, log *zap.Logger) (ports.OrderRepository, ports.CallbackLedger, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory storage, orders are lost on restart")
		return inmemory.NewOrderRepository(time.Now), inmemory.NewCallbackLedger(), nil
	}

	db, err := gormstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return nil, nil, err
	}
	a.onClose(func(context.Context) { _ = gormstore.Close(db) })
	if err := gormstore.Migrate(db); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return gormstore.NewOrderRepository(db, time.Now), gormstore.NewCallbackLedger(db), nil
}

func (a *app) redis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a.onClose(func(context.Context) { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func newGateway(cfg *config.Config, store ports.TokenStore, metrics *telemetry.Metrics, log *zap.Logger) (ports.Gateway, error) {
	switch cfg.Gateway.Provider {
	case mercadopago.ProviderName:
		adapter, err := mercadopago.NewAdapter(cfg.MercadoPago.AccessToken, cfg.Gateway.ReturnURL,
			cfg.MercadoPago.Sandbox, cfg.Gateway.RequestTimeout)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case bog.ProviderName:
		bogCfg := bog.Config{
			BaseURL:      cfg.Gateway.BaseURL,
			OAuthURL:     cfg.Gateway.OAuthURL,
			ClientID:     cfg.Gateway.ClientID,
			ClientSecret: cfg.Gateway.ClientSecret,
			MerchantID:   cfg.Gateway.MerchantID,
			CallbackURL:  cfg.Gateway.CallbackURL,
			ReturnURL:    cfg.Gateway.ReturnURL,
			Timeout:      cfg.Gateway.RequestTimeout,
		}
		tokens := service.NewTokenManager(bog.NewOAuthClient(bogCfg), store, service.TokenManagerOptions{
			SafetyMargin: cfg.Gateway.TokenMargin,
			Logger:       log,
			Metrics:      metrics,
		})
		return bog.NewClient(bogCfg, tokens, log), nil
	default:
		return nil, fmt.Errorf("unsupported payment gateway %q", cfg.Gateway.Provider)
	}
}

func (a *app) onClose(fn func(context.Context)) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}
