package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer-token claims binding one mobile client to one
// device room for the lifetime of the token.
type Claims struct {
	DeviceID  string `json:"device_id"`
	MobileID  string `json:"mobile_id"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// MintToken signs an HS256 token for the given device/mobile pair.
// The envelope is the standard three-segment base64url JWT form.
func MintToken(secret []byte, deviceID, mobileID, sessionID string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		DeviceID:  deviceID,
		MobileID:  mobileID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyToken checks the signature and expiry and returns the claims.
// Any malformed envelope, bad signature, or expired token is an error;
// nothing panics on garbage input.
func VerifyToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.ExpiresAt != nil && !time.Now().Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token expired")
	}
	return claims, nil
}
