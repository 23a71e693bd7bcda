// Package limiter throttles repeated failed logins per (email, client address).
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"strings"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and, if not, for how long it stays locked.
	Allow(ctx context.Context, email string, ipHash []byte) (bool, time.Duration, error)
	// Success forgets previous failures for the pair.
	Success(ctx context.Context, email string, ipHash []byte) error
	// Failure records a failed attempt and reports whether the pair is now locked.
	Failure(ctx context.Context, email string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns a stable hash for a client address so raw addresses are never stored.
// The port part of host:port is ignored so reconnects map to the same key.
func HashIP(addr string) []byte {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	h := sha256.Sum256([]byte(host))
	return h[:]
}

// NormalizeEmail lowercases and trims an email so throttle keys are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
