package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestTokenManager(t *testing.T, now *time.Time) *TokenManager {
	t.Helper()
	m, err := NewTokenManager("test-secret-please-rotate", "santaserver", WithTokenClock(func() time.Time {
		return *now
	}))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return m
}

func TestTokenIssueAndVerify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestTokenManager(t, &now)

	token, jti, exp, err := m.IssueAccess("id-1", 30*time.Minute, DisplayClaims{
		Username:     "alice",
		Email:        "alice@example.com",
		IdentityType: "local",
	})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if jti == "" {
		t.Fatal("IssueAccess returned empty jti")
	}
	if want := now.Add(30 * time.Minute); !exp.Equal(want) {
		t.Fatalf("expiry = %v, want %v", exp, want)
	}

	claims, err := m.Verify(token, TokenTypeAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "id-1" || claims.ID != jti {
		t.Fatalf("claims subject/jti = %s/%s, want id-1/%s", claims.Subject, claims.ID, jti)
	}
	if claims.Username != "alice" || claims.Email != "alice@example.com" {
		t.Fatalf("display claims not carried: %+v", claims)
	}
}

func TestTokenTypeMismatch(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestTokenManager(t, &now)

	refresh, _, _, err := m.IssueRefresh("id-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := m.Verify(refresh, TokenTypeAccess); !errors.Is(err, ErrTokenTypeMismatch) {
		t.Fatalf("Verify refresh as access = %v, want ErrTokenTypeMismatch", err)
	}
	if _, err := m.Verify(refresh, TokenTypeRefresh); err != nil {
		t.Fatalf("Verify refresh as refresh: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestTokenManager(t, &now)

	token, _, _, err := m.IssueAccess("id-1", 10*time.Minute, DisplayClaims{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	now = now.Add(11 * time.Minute)
	if _, err := m.Verify(token, TokenTypeAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Verify after expiry = %v, want ErrTokenExpired", err)
	}
}

func TestTokenTamperedSignature(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestTokenManager(t, &now)

	token, _, _, err := m.IssueAccess("id-1", time.Hour, DisplayClaims{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	other, err := NewTokenManager("a-completely-different-secret", "santaserver")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	if _, err := other.Verify(token, TokenTypeAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Verify with wrong secret = %v, want ErrTokenInvalid", err)
	}

	if _, err := m.Verify(token+"x", TokenTypeAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Verify tampered token = %v, want ErrTokenInvalid", err)
	}
	if _, err := m.Verify("not-a-token", TokenTypeAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Verify garbage = %v, want ErrTokenInvalid", err)
	}
}

func TestPeekJTIOnExpiredToken(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestTokenManager(t, &now)

	token, jti, _, err := m.IssueAccess("id-1", time.Minute, DisplayClaims{})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	now = now.Add(time.Hour)
	if got := m.PeekJTI(token); got != jti {
		t.Fatalf("PeekJTI = %q, want %q", got, jti)
	}
	if got := m.PeekJTI(token + "x"); got != "" {
		t.Fatalf("PeekJTI on tampered token = %q, want empty", got)
	}
}

func TestTokenManagerRequiresSecret(t *testing.T) {
	if _, err := NewTokenManager("", "santaserver"); err == nil {
		t.Fatal("NewTokenManager accepted an empty secret")
	}
	if _, err := NewTokenManager("   ", "santaserver"); err == nil {
		t.Fatal("NewTokenManager accepted a blank secret")
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestTokenManager(t, &now)

	if _, _, _, err := m.IssueAccess("", time.Hour, DisplayClaims{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("IssueAccess with empty subject = %v, want ErrInvalidInput", err)
	}
	if _, _, _, err := m.IssueAccess("id-1", 0, DisplayClaims{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("IssueAccess with zero ttl = %v, want ErrInvalidInput", err)
	}
}
