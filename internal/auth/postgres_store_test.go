package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/fomorip/internal/testutil"
)

func TestPostgresStore_LoginRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	mgr := NewManager(NewPostgresStore(db))
	w := newTestWallet(t)
	ctx := context.Background()

	n, err := mgr.IssueNonce(ctx, w.addr)
	if err != nil {
		t.Fatalf("IssueNonce failed: %v", err)
	}
	sig := w.sign(t, n.Value)
	token, s, err := mgr.Login(ctx, w.addr, sig)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, _, err := mgr.Login(ctx, w.addr, sig); !errors.Is(err, ErrNonceNotFound) {
		t.Errorf("Expected replayed nonce to fail, got %v", err)
	}

	got, err := mgr.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if got.ID != s.ID || got.Wallet != w.addr {
		t.Errorf("Unexpected session %+v", got)
	}

	if err := mgr.Logout(ctx, token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := mgr.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected revoked token to fail, got %v", err)
	}

	sessions, err := mgr.ListSessions(ctx, w.addr)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].Revoked {
		t.Errorf("Expected one revoked session, got %+v", sessions)
	}
}

func TestPostgresStore_ConsumeNonceChecksValue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	wallet := "0x1111111111111111111111111111111111111111"

	if err := store.SaveNonce(ctx, &Nonce{Wallet: wallet, Value: "a", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("SaveNonce failed: %v", err)
	}
	if err := store.SaveNonce(ctx, &Nonce{Wallet: wallet, Value: "b", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("SaveNonce failed: %v", err)
	}
	if ok, err := store.ConsumeNonce(ctx, wallet, "a"); err != nil || ok {
		t.Errorf("Expected stale nonce not to be consumed, got %v %v", ok, err)
	}
	if ok, err := store.ConsumeNonce(ctx, wallet, "b"); err != nil || !ok {
		t.Errorf("Expected current nonce to be consumed, got %v %v", ok, err)
	}
	if _, err := store.GetNonce(ctx, wallet); !errors.Is(err, ErrNonceNotFound) {
		t.Errorf("Expected ErrNonceNotFound, got %v", err)
	}
}
