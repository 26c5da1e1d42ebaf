package wstcred

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store for tests and ephemeral sessions.
type MemStore struct {
	mu     sync.RWMutex
	hosts  map[string]*PairedHost
	tokens *TokenPair
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{hosts: make(map[string]*PairedHost)}
}

func (s *MemStore) GetHost(_ context.Context, hostID string) (*PairedHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePairedHost(h), nil
}

func (s *MemStore) PutHost(_ context.Context, host *PairedHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host.HostID] = clonePairedHost(host)
	return nil
}

func (s *MemStore) DeleteHost(_ context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, hostID)
	return nil
}

func (s *MemStore) ListHosts(_ context.Context) ([]*PairedHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PairedHost, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, clonePairedHost(h))
	}
	return out, nil
}

func (s *MemStore) GetTokens(_ context.Context) (*TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return nil, ErrNotFound
	}
	tp := *s.tokens
	return &tp, nil
}

func (s *MemStore) PutTokens(_ context.Context, tokens *TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp := *tokens
	s.tokens = &tp
	return nil
}

func (s *MemStore) DeleteTokens(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	return nil
}
