package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists accounts, nonces and sessions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveNonce upserts the wallet's pending nonce.
func (p *PostgresStore) SaveNonce(ctx context.Context, n *Nonce) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO account_nonces (wallet, nonce, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet) DO UPDATE SET nonce = EXCLUDED.nonce, expires_at = EXCLUDED.expires_at
	`, n.Wallet, n.Value, n.ExpiresAt)
	return err
}

// GetNonce returns the wallet's pending nonce.
func (p *PostgresStore) GetNonce(ctx context.Context, wallet string) (*Nonce, error) {
	n := &Nonce{}
	err := p.db.QueryRowContext(ctx, `
		SELECT wallet, nonce, expires_at FROM account_nonces WHERE wallet = $1
	`, wallet).Scan(&n.Wallet, &n.Value, &n.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNonceNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ConsumeNonce deletes the nonce only if it is still the one that was signed.
func (p *PostgresStore) ConsumeNonce(ctx context.Context, wallet, value string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM account_nonces WHERE wallet = $1 AND nonce = $2
	`, wallet, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchAccount records a login, creating the account on first sight.
func (p *PostgresStore) TouchAccount(ctx context.Context, wallet string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (wallet, created_at, last_login_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (wallet) DO UPDATE SET last_login_at = EXCLUDED.last_login_at
	`, wallet, now)
	return err
}

// CreateSession stores a new session
func (p *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, hash, wallet, created_at, last_used, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.Hash, s.Wallet, s.CreatedAt, s.LastUsed, s.ExpiresAt, s.Revoked)
	return err
}

const sessionColumns = `id, hash, wallet, created_at, last_used, expires_at, revoked`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	s := &Session{}
	var lastUsed sql.NullTime
	if err := row.Scan(&s.ID, &s.Hash, &s.Wallet, &s.CreatedAt, &lastUsed, &s.ExpiresAt, &s.Revoked); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		s.LastUsed = lastUsed.Time
	}
	return s, nil
}

// GetSessionByHash retrieves a live session by its token hash
func (p *PostgresStore) GetSessionByHash(ctx context.Context, hash string) (*Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE hash = $1 AND revoked = FALSE AND expires_at > NOW()
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions retrieves all sessions of a wallet
func (p *PostgresStore) ListSessions(ctx context.Context, wallet string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE wallet = $1 ORDER BY created_at DESC
	`, wallet)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// TouchSession moves last_used forward.
func (p *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET last_used = GREATEST(COALESCE(last_used, $1), $1) WHERE id = $2
	`, at, id)
	return err
}

// RevokeSession marks a session unusable.
func (p *PostgresStore) RevokeSession(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
