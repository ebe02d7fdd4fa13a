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

// DefaultLedgerRetention is how long a callback record blocks redeliveries.
const DefaultLedgerRetention = 30 * 24 * time.Hour

// CallbackLedger records callback deliveries with SETNX, one key per (transaction, status).
type CallbackLedger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewCallbackLedger(client *redis.Client, prefix string, retention time.Duration) *CallbackLedger {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if retention <= 0 {
		retention = DefaultLedgerRetention
	}
	return &CallbackLedger{client: client, prefix: prefix + "callback:", retention: retention}
}

func (l *CallbackLedger) Insert(ctx context.Context, rec domain.CallbackRecord) (bool, *domain.CallbackRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}

	created, err := l.client.SetNX(ctx, l.prefix+rec.Key(), data, l.retention).Result()
	if err != nil {
		return false, nil, fmt.Errorf("insert callback record: %w", err)
	}
	if created {
		return true, &rec, nil
	}

	stored, err := l.get(ctx, rec.Key())
	if err != nil {
		return false, nil, err
	}
	return false, stored, nil
}

func (l *CallbackLedger) MarkProcessed(ctx context.Context, key string, outcome domain.CallbackOutcome) error {
	rec, err := l.get(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	now := time.Now()
	rec.Outcome = outcome
	rec.ProcessedAt = &now

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = l.client.SetArgs(ctx, l.prefix+key, data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		// Released or expired meanwhile.
		return nil
	}
	return err
}

func (l *CallbackLedger) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

func (l *CallbackLedger) get(ctx context.Context, key string) (*domain.CallbackRecord, error) {
	raw, err := l.client.Get(ctx, l.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read callback record: %w", err)
	}
	var rec domain.CallbackRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode callback record: %w", err)
	}
	return &rec, nil
}
