package inmemory

import (
	"context"
	"sync"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// TokenStore keeps the gateway token in process memory.
type TokenStore struct {
	mu  sync.Mutex
	tok domain.GatewayToken
}

func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func (s *TokenStore) Load(_ context.Context) (domain.GatewayToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tok, s.tok.Value != "", nil
}

func (s *TokenStore) CompareAndSwap(_ context.Context, old, next domain.GatewayToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.Value != old.Value {
		return false, nil
	}
	s.tok = next
	return true, nil
}

func (s *TokenStore) Clear(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.Value == value {
		s.tok = domain.GatewayToken{}
	}
	return nil
}
