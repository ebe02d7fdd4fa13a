package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gli-international/gli-payments/internal/core/domain"
	"github.com/gli-international/gli-payments/internal/core/ports"
	"github.com/gli-international/gli-payments/internal/telemetry"
)

const tokenFlightKey = "gateway-token"

// TokenManager owns gateway token acquisition, caching and refresh.
// Concurrent callers that find the cache cold share a single exchange.
type TokenManager struct {
	exchanger ports.TokenExchanger
	store     ports.TokenStore
	margin    time.Duration
	flight    singleflight.Group
	log       *zap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// TokenManagerOptions configures a TokenManager.
type TokenManagerOptions struct {
	SafetyMargin time.Duration
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
	Now          func() time.Time
}

// NewTokenManager creates a token manager over the given exchanger and cache.
func NewTokenManager(exchanger ports.TokenExchanger, store ports.TokenStore, opts TokenManagerOptions) *TokenManager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TokenManager{
		exchanger: exchanger,
		store:     store,
		margin:    opts.SafetyMargin,
		log:       opts.Logger.Named("token"),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// GetToken returns a token valid for longer than the safety margin.
// Errors wrap domain.ErrAuth; a network failure during the exchange also
// wraps the gateway error so callers can tell it is transient.
func (m *TokenManager) GetToken(ctx context.Context) (domain.GatewayToken, error) {
	tok, ok, err := m.store.Load(ctx)
	if err != nil {
		m.log.Warn("token cache read failed, refreshing", zap.Error(err))
		ok = false
	}
	if ok && tok.ValidFor(m.now(), m.margin) {
		return tok, nil
	}

	// The exchange runs detached from any single caller so one cancelled
	// request does not fail everyone waiting on the same flight.
	ch := m.flight.DoChan(tokenFlightKey, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return domain.GatewayToken{}, fmt.Errorf("%w: %w", domain.ErrAuth, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.GatewayToken{}, res.Err
		}
		return res.Val.(domain.GatewayToken), nil
	}
}

// Invalidate drops the cached token if it is still the rejected one.
func (m *TokenManager) Invalidate(ctx context.Context, rejected string) error {
	m.log.Info("invalidating gateway token")
	return m.store.Clear(ctx, rejected)
}

func (m *TokenManager) refresh(ctx context.Context) (domain.GatewayToken, error) {
	// A flight that finished just before this one may already have refreshed.
	current, ok, err := m.store.Load(ctx)
	if err == nil && ok && current.ValidFor(m.now(), m.margin) {
		return current, nil
	}
	if err != nil || !ok {
		current = domain.GatewayToken{}
	}

	fresh, err := m.exchanger.ExchangeToken(ctx)
	m.metrics.TokenExchanges.Add(ctx, 1)
	if err != nil {
		m.log.Error("token exchange failed", zap.Error(err))
		if errors.Is(err, domain.ErrAuth) {
			return domain.GatewayToken{}, err
		}
		return domain.GatewayToken{}, fmt.Errorf("%w: %w", domain.ErrAuth, err)
	}
	if !fresh.ValidFor(m.now(), m.margin) {
		return domain.GatewayToken{}, domain.NewServiceError(domain.ErrAuth,
			fmt.Sprintf("gateway issued a token expiring at %s, inside the %s safety margin", fresh.ExpiresAt.Format(time.RFC3339), m.margin),
			"AUTH_ERROR")
	}

	swapped, err := m.store.CompareAndSwap(ctx, current, fresh)
	if err != nil {
		// The token is still usable for this flight; the next caller refreshes again.
		m.log.Warn("token cache write failed", zap.Error(err))
		return fresh, nil
	}
	if !swapped {
		// Another process refreshed concurrently; prefer its token if usable.
		if other, ok, err := m.store.Load(ctx); err == nil && ok && other.ValidFor(m.now(), m.margin) {
			return other, nil
		}
	}

	m.log.Debug("gateway token refreshed", zap.Time("expires_at", fresh.ExpiresAt))
	return fresh, nil
}
