package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	nonces   map[string]*Nonce    // by wallet
	accounts map[string]time.Time // wallet -> last login
	sessions map[string]*Session  // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nonces:   make(map[string]*Nonce),
		accounts: make(map[string]time.Time),
		sessions: make(map[string]*Session),
	}
}

func (s *MemoryStore) SaveNonce(ctx context.Context, n *Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nonces[strings.ToLower(n.Wallet)] = &cp
	return nil
}

func (s *MemoryStore) GetNonce(ctx context.Context, wallet string) (*Nonce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nonces[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrNonceNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) ConsumeNonce(ctx context.Context, wallet, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wallet = strings.ToLower(wallet)
	n, ok := s.nonces[wallet]
	if !ok || n.Value != value {
		return false, nil
	}
	delete(s.nonces, wallet)
	return true, nil
}

func (s *MemoryStore) TouchAccount(ctx context.Context, wallet string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[strings.ToLower(wallet)] = now
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSessionByHash(ctx context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Hash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *MemoryStore) ListSessions(ctx context.Context, wallet string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Session
	for _, sess := range s.sessions {
		if strings.EqualFold(sess.Wallet, wallet) {
			cp := *sess
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if at.After(sess.LastUsed) {
		sess.LastUsed = at
	}
	return nil
}

func (s *MemoryStore) RevokeSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Revoked = true
	return nil
}
