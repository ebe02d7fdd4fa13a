// Package redisstore keeps the gateway token and the callback ledger in Redis,
// so several service replicas share one token and one deduplication ledger.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

const defaultPrefix = "gli-payments:"

type storedToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope     string    `json:"scope,omitempty"`
}

// TokenStore caches the gateway token under a single key whose TTL matches the token lifetime.
type TokenStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewTokenStore(client *redis.Client, prefix string) *TokenStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &TokenStore{client: client, key: prefix + "gateway-token", now: time.Now}
}

func (s *TokenStore) Load(ctx context.Context) (domain.GatewayToken, bool, error) {
	tok, err := s.read(ctx, s.client)
	if err != nil {
		return domain.GatewayToken{}, false, err
	}
	return tok, tok.Value != "", nil
}

// CompareAndSwap uses WATCH/MULTI so a concurrent writer makes the swap fail instead of being overwritten.
func (s *TokenStore) CompareAndSwap(ctx context.Context, old, next domain.GatewayToken) (bool, error) {
	ttl := next.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return false, fmt.Errorf("token already expired at %s", next.ExpiresAt)
	}
	data, err := json.Marshal(storedToken(next))
	if err != nil {
		return false, err
	}

	swapped := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		if current.Value != old.Value {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.key, data, ttl)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, s.key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store gateway token: %w", err)
	}
	return swapped, nil
}

func (s *TokenStore) Clear(ctx context.Context, value string) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		if current.Value == "" || current.Value != value {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.key)
			return nil
		})
		return err
	}, s.key)

	if errors.Is(err, redis.TxFailedErr) {
		// Replaced concurrently, so the rejected token is gone already.
		return nil
	}
	return err
}

func (s *TokenStore) read(ctx context.Context, c redis.Cmdable) (domain.GatewayToken, error) {
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.GatewayToken{}, nil
	}
	if err != nil {
		return domain.GatewayToken{}, fmt.Errorf("read gateway token: %w", err)
	}
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.GatewayToken{}, fmt.Errorf("decode gateway token: %w", err)
	}
	return domain.GatewayToken(st), nil
}
