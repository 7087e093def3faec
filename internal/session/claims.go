package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiresAt reads the exp claim of a JWT without verifying its signature.
// ok is false when the token carries no exp claim.
func ExpiresAt(token string) (exp time.Time, ok bool, err error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to decode token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// IsExpired reports whether token is unusable at now, with no grace period.
// Undecodable tokens are expired; tokens without exp never expire.
func IsExpired(token string, now time.Time) bool {
	exp, ok, err := ExpiresAt(token)
	if err != nil {
		return true
	}
	if !ok {
		return false
	}
	return !now.Before(exp)
}
