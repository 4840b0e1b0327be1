package auth

import (
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenRoundTrip(t *testing.T) {
	token, exp, err := MintToken(testSecret, "swift-tiger-42", "aabbccddeeff00112233445566778899", "", 24*time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	claims, err := VerifyToken(testSecret, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.DeviceID != "swift-tiger-42" {
		t.Errorf("device_id = %q", claims.DeviceID)
	}
	if claims.MobileID != "aabbccddeeff00112233445566778899" {
		t.Errorf("mobile_id = %q", claims.MobileID)
	}

	gotTTL := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if gotTTL != 24*time.Hour {
		t.Errorf("exp - iat = %v, want 24h", gotTTL)
	}
	if got := claims.ExpiresAt.Time; got.Sub(exp) > time.Second || exp.Sub(got) > time.Second {
		t.Errorf("claims exp %v disagrees with minted exp %v", got, exp)
	}
}

func TestTokenExpired(t *testing.T) {
	token, _, err := MintToken(testSecret, "swift-tiger-42", "m", "", -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := VerifyToken(testSecret, token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestTokenExpiryBoundary(t *testing.T) {
	// exp == now must be rejected.
	token, _, err := MintToken(testSecret, "swift-tiger-42", "m", "", 0)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := VerifyToken(testSecret, token); err == nil {
		t.Error("expected error for token with exp == now")
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, _, err := MintToken(testSecret, "swift-tiger-42", "m", "", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := VerifyToken([]byte("another-secret-another-secret-00"), token); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestTokenTampered(t *testing.T) {
	token, _, err := MintToken(testSecret, "swift-tiger-42", "m", "", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := VerifyToken(testSecret, tampered); err == nil {
		t.Error("expected error for tampered payload")
	}
}

func TestTokenMalformed(t *testing.T) {
	for _, tok := range []string{"", "abc", "a.b", "a.b.c.d", "not base64url at all . two . three"} {
		if _, err := VerifyToken(testSecret, tok); err == nil {
			t.Errorf("expected error for malformed token %q", tok)
		}
	}
}
