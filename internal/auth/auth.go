// Package auth provides wallet authentication for the marketplace.
//
// Authentication model:
//   - A wallet asks for a nonce and signs the nonce text with its key
//     (EIP-191 personal message).
//   - A valid signature consumes the nonce and issues a session token.
//   - Session tokens are bearer tokens; only their hash is stored.
//   - Moderator endpoints use a shared secret instead of a wallet.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/fomorip/internal/idgen"
	"github.com/mbd888/fomorip/internal/metrics"
	"github.com/mbd888/fomorip/internal/validation"
)

// Errors
var (
	ErrNoToken          = errors.New("session token required")
	ErrInvalidToken     = errors.New("invalid or expired session token")
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrNonceNotFound    = errors.New("no pending nonce for wallet")
	ErrNonceExpired     = errors.New("nonce expired")
	ErrInvalidSignature = errors.New("signature does not match wallet")
	ErrSessionNotFound  = errors.New("session not found")
)

const (
	// NoncePrefix is the fixed text before the random part of a nonce.
	NoncePrefix = "Your nonce is: "

	tokenPrefix       = "sk_"
	defaultNonceTTL   = 5 * time.Minute
	defaultSessionTTL = 30 * 24 * time.Hour
)

// Nonce is the one-time text a wallet signs to log in.
type Nonce struct {
	Wallet    string    `json:"wallet"`
	Value     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is an issued bearer token.
type Session struct {
	ID        string    `json:"id"`
	Hash      string    `json:"-"` // SHA256 of the raw token
	Wallet    string    `json:"wallet"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// Store persists accounts, nonces and sessions.
type Store interface {
	// SaveNonce stores n, replacing any pending nonce of the same wallet.
	SaveNonce(ctx context.Context, n *Nonce) error
	GetNonce(ctx context.Context, wallet string) (*Nonce, error)
	// ConsumeNonce deletes the wallet's nonce if it still equals value and
	// reports whether it did.
	ConsumeNonce(ctx context.Context, wallet, value string) (bool, error)

	TouchAccount(ctx context.Context, wallet string, now time.Time) error

	CreateSession(ctx context.Context, s *Session) error
	GetSessionByHash(ctx context.Context, hash string) (*Session, error)
	ListSessions(ctx context.Context, wallet string) ([]*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	RevokeSession(ctx context.Context, id string) error
}

// Manager issues nonces and sessions.
type Manager struct {
	store      Store
	nonceTTL   time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{
		store:      store,
		nonceTTL:   defaultNonceTTL,
		sessionTTL: defaultSessionTTL,
		now:        time.Now,
	}
}

// WithSessionTTL overrides how long issued sessions stay valid.
func (m *Manager) WithSessionTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.sessionTTL = ttl
	}
	return m
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// IssueNonce creates a fresh nonce for wallet. An earlier pending nonce is
// discarded.
func (m *Manager) IssueNonce(ctx context.Context, wallet string) (*Nonce, error) {
	wallet = validation.SanitizeAddress(wallet)
	if !validation.IsValidEthAddress(wallet) {
		return nil, ErrInvalidAddress
	}
	n := &Nonce{
		Wallet:    wallet,
		Value:     NoncePrefix + idgen.Hex(32),
		ExpiresAt: m.now().Add(m.nonceTTL),
	}
	if err := m.store.SaveNonce(ctx, n); err != nil {
		return nil, fmt.Errorf("auth: save nonce: %w", err)
	}
	return n, nil
}

// Login checks signature against the wallet's pending nonce. On success the
// nonce is consumed and a session token is returned; it is shown once.
func (m *Manager) Login(ctx context.Context, wallet, signature string) (rawToken string, s *Session, err error) {
	wallet = validation.SanitizeAddress(wallet)
	if !validation.IsValidEthAddress(wallet) {
		return "", nil, ErrInvalidAddress
	}

	n, err := m.store.GetNonce(ctx, wallet)
	if err != nil {
		return "", nil, err
	}
	now := m.now()
	if !now.Before(n.ExpiresAt) {
		return "", nil, ErrNonceExpired
	}
	if err := VerifySignature(n.Value, signature, wallet); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	ok, err := m.store.ConsumeNonce(ctx, wallet, n.Value)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		// Another login used it first.
		return "", nil, ErrNonceNotFound
	}
	if err := m.store.TouchAccount(ctx, wallet, now); err != nil {
		return "", nil, fmt.Errorf("auth: record account: %w", err)
	}

	rawToken = tokenPrefix + idgen.Hex(32)
	s = &Session{
		ID:        idgen.WithPrefix("ses_"),
		Hash:      hashToken(rawToken),
		Wallet:    wallet,
		CreatedAt: now,
		LastUsed:  now,
		ExpiresAt: now.Add(m.sessionTTL),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return "", nil, fmt.Errorf("auth: create session: %w", err)
	}
	metrics.ActiveSessions.Inc()
	return rawToken, s, nil
}

// ValidateToken resolves a bearer token to its session.
func (m *Manager) ValidateToken(ctx context.Context, rawToken string) (*Session, error) {
	rawToken = strings.TrimSpace(strings.TrimPrefix(rawToken, "Bearer "))
	if rawToken == "" {
		return nil, ErrNoToken
	}
	if !strings.HasPrefix(rawToken, tokenPrefix) {
		return nil, ErrInvalidToken
	}

	s, err := m.store.GetSessionByHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil, ErrInvalidToken
	}
	now := m.now()
	if s.Revoked || !now.Before(s.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	// Update last used (fire and forget)
	go func() {
		_ = m.store.TouchSession(context.Background(), s.ID, now)
	}()

	return s, nil
}

// Logout revokes the session behind rawToken.
func (m *Manager) Logout(ctx context.Context, rawToken string) error {
	s, err := m.ValidateToken(ctx, rawToken)
	if err != nil {
		return err
	}
	if err := m.store.RevokeSession(ctx, s.ID); err != nil {
		return err
	}
	metrics.ActiveSessions.Dec()
	return nil
}

// ListSessions returns the wallet's sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, wallet string) ([]*Session, error) {
	return m.store.ListSessions(ctx, validation.SanitizeAddress(wallet))
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
