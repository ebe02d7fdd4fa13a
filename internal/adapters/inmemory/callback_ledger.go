package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

type CallbackLedger struct {
	mu      sync.Mutex
	records map[string]domain.CallbackRecord
}

func NewCallbackLedger() *CallbackLedger {
	return &CallbackLedger{records: make(map[string]domain.CallbackRecord)}
}

func (l *CallbackLedger) Insert(_ context.Context, rec domain.CallbackRecord) (bool, *domain.CallbackRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if stored, exists := l.records[rec.Key()]; exists {
		return false, &stored, nil
	}
	l.records[rec.Key()] = rec
	return true, &rec, nil
}

func (l *CallbackLedger) MarkProcessed(_ context.Context, key string, outcome domain.CallbackOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.Outcome = outcome
	rec.ProcessedAt = &now
	l.records[key] = rec
	return nil
}

func (l *CallbackLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.records, key)
	return nil
}

// Get returns a copy of the record stored under key.
func (l *CallbackLedger) Get(key string) (domain.CallbackRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	return rec, ok
}
