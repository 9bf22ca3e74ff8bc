// Package session holds the bearer token the transport injects.
package session

import (
	"context"
	"sync"
)

// TokenStore is an in-memory token holder. Persistence, when wanted, is
// layered on by the caller through OnChange.
type TokenStore struct {
	mu       sync.RWMutex
	token    string
	onChange func(ctx context.Context, token string)
}

func NewTokenStore(initial string) *TokenStore {
	return &TokenStore{token: initial}
}

// OnChange registers a hook invoked after every Set and Clear.
func (s *TokenStore) OnChange(fn func(ctx context.Context, token string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Token satisfies transport.TokenSource.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *TokenStore) Set(ctx context.Context, token string) {
	s.mu.Lock()
	s.token = token
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(ctx, token)
	}
}

func (s *TokenStore) Clear(ctx context.Context) {
	s.Set(ctx, "")
}

func (s *TokenStore) SignedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}
