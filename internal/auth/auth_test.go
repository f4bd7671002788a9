package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type testWallet struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newTestWallet(t *testing.T) testWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return testWallet{key: key, addr: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

// sign produces a personal_sign signature with v in 27/28 form.
func (w testWallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(HashMessage(message), w.key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig)
}

func login(t *testing.T, mgr *Manager, w testWallet) (string, *Session) {
	t.Helper()
	ctx := context.Background()
	n, err := mgr.IssueNonce(ctx, w.addr)
	if err != nil {
		t.Fatalf("IssueNonce failed: %v", err)
	}
	token, s, err := mgr.Login(ctx, w.addr, w.sign(t, n.Value))
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return token, s
}

func TestRecoverAddress(t *testing.T) {
	w := newTestWallet(t)
	sig := w.sign(t, "hello")

	got, err := RecoverAddress("hello", sig)
	if err != nil {
		t.Fatalf("RecoverAddress failed: %v", err)
	}
	if got != w.addr {
		t.Errorf("Expected %s, got %s", w.addr, got)
	}

	// Without 0x prefix
	got, err = RecoverAddress("hello", strings.TrimPrefix(sig, "0x"))
	if err != nil || got != w.addr {
		t.Errorf("Expected recovery without 0x prefix, got %s (%v)", got, err)
	}

	if _, err := RecoverAddress("hello", "0x1234"); err == nil {
		t.Error("Expected error for short signature")
	}
	if _, err := RecoverAddress("hello", "not-hex"); err == nil {
		t.Error("Expected error for non-hex signature")
	}
}

func TestIssueNonce(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	w := newTestWallet(t)

	n, err := mgr.IssueNonce(context.Background(), strings.ToUpper(w.addr[2:]))
	if err == nil {
		t.Fatalf("Expected error for address without 0x, got nonce %v", n)
	}

	n, err = mgr.IssueNonce(context.Background(), w.addr)
	if err != nil {
		t.Fatalf("IssueNonce failed: %v", err)
	}
	if !strings.HasPrefix(n.Value, NoncePrefix) {
		t.Errorf("Expected nonce to start with %q, got %q", NoncePrefix, n.Value)
	}
	if len(n.Value) != len(NoncePrefix)+64 {
		t.Errorf("Expected 64 random hex chars, got %q", n.Value)
	}

	if _, err := mgr.IssueNonce(context.Background(), "0xnope"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	w := newTestWallet(t)

	token, s := login(t, mgr, w)
	if !strings.HasPrefix(token, "sk_") || len(token) != 67 {
		t.Errorf("Unexpected token format %q", token)
	}
	if !strings.HasPrefix(s.ID, "ses_") {
		t.Errorf("Expected session ID to start with ses_, got %s", s.ID)
	}
	if s.Wallet != w.addr {
		t.Errorf("Expected wallet %s, got %s", w.addr, s.Wallet)
	}
	if s.Hash == token || s.Hash != hashToken(token) {
		t.Error("Expected only the token hash to be stored")
	}

	got, err := mgr.ValidateToken(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("Expected session %s, got %s", s.ID, got.ID)
	}
}

func TestLogin_WrongSigner(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	w := newTestWallet(t)
	other := newTestWallet(t)
	ctx := context.Background()

	n, _ := mgr.IssueNonce(ctx, w.addr)
	_, _, err := mgr.Login(ctx, w.addr, other.sign(t, n.Value))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}

	// A failed attempt leaves the nonce usable.
	if _, _, err := mgr.Login(ctx, w.addr, w.sign(t, n.Value)); err != nil {
		t.Errorf("Expected login with the right signer to succeed, got %v", err)
	}
}

func TestLogin_NonceIsSingleUse(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	w := newTestWallet(t)
	ctx := context.Background()

	n, _ := mgr.IssueNonce(ctx, w.addr)
	sig := w.sign(t, n.Value)
	if _, _, err := mgr.Login(ctx, w.addr, sig); err != nil {
		t.Fatalf("first Login failed: %v", err)
	}
	if _, _, err := mgr.Login(ctx, w.addr, sig); !errors.Is(err, ErrNonceNotFound) {
		t.Errorf("Expected ErrNonceNotFound on replay, got %v", err)
	}
}

func TestLogin_NewNonceReplacesOld(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	w := newTestWallet(t)
	ctx := context.Background()

	first, _ := mgr.IssueNonce(ctx, w.addr)
	if _, err := mgr.IssueNonce(ctx, w.addr); err != nil {
		t.Fatalf("IssueNonce failed: %v", err)
	}
	if _, _, err := mgr.Login(ctx, w.addr, w.sign(t, first.Value)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected the replaced nonce to be rejected, got %v", err)
	}
}

func TestLogin_ExpiredNonce(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mgr := NewManager(NewMemoryStore()).WithClock(func() time.Time { return now })
	w := newTestWallet(t)
	ctx := context.Background()

	n, _ := mgr.IssueNonce(ctx, w.addr)
	now = now.Add(defaultNonceTTL)
	if _, _, err := mgr.Login(ctx, w.addr, w.sign(t, n.Value)); !errors.Is(err, ErrNonceExpired) {
		t.Errorf("Expected ErrNonceExpired, got %v", err)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mgr := NewManager(NewMemoryStore()).WithClock(func() time.Time { return now }).WithSessionTTL(time.Hour)
	ctx := context.Background()

	unknown := "sk_" + strings.Repeat("0", 64)
	cases := map[string]error{
		"":             ErrNoToken,
		"Bearer ":      ErrNoToken,
		"ak_something": ErrInvalidToken,
		unknown:        ErrInvalidToken,
	}
	for token, want := range cases {
		if _, err := mgr.ValidateToken(ctx, token); !errors.Is(err, want) {
			t.Errorf("ValidateToken(%q): expected %v, got %v", token, want, err)
		}
	}

	token, _ := login(t, mgr, newTestWallet(t))
	now = now.Add(time.Hour)
	if _, err := mgr.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected expired session to be rejected, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	w := newTestWallet(t)
	ctx := context.Background()

	token, _ := login(t, mgr, w)
	other, _ := login(t, mgr, w)

	if err := mgr.Logout(ctx, token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := mgr.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected revoked token to be rejected, got %v", err)
	}
	if _, err := mgr.ValidateToken(ctx, other); err != nil {
		t.Errorf("Expected the other session to survive, got %v", err)
	}
	if err := mgr.Logout(ctx, token); err == nil {
		t.Error("Expected second logout to fail")
	}

	sessions, err := mgr.ListSessions(ctx, strings.ToUpper(w.addr[:2])+w.addr[2:])
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	revoked := 0
	for _, s := range sessions {
		if s.Revoked {
			revoked++
		}
	}
	if revoked != 1 {
		t.Errorf("Expected 1 revoked session, got %d", revoked)
	}
}
