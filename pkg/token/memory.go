package token

import (
	"context"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func clone(t *Token) *Token {
	copied := *t
	copied.Scopes = append([]string(nil), t.Scopes...)
	return &copied
}

func (s *MemoryStore) Lookup(_ context.Context, tok string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tok]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) Insert(_ context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Token] = clone(t)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok]; !ok {
		return ErrNotFound
	}
	delete(s.tokens, tok)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		list = append(list, clone(t))
	}
	return list, nil
}
