// Package crypto implements server-side password hashing and verification.
package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Cost is the bcrypt work factor used for new hashes.
const Cost = 12

// ErrPasswordTooLong is returned for passwords bcrypt would silently truncate.
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// HashPassword returns a bcrypt hash of password.
func HashPassword(password []byte) ([]byte, error) {
	if len(password) > 72 {
		return nil, ErrPasswordTooLong
	}
	return bcrypt.GenerateFromPassword(password, Cost)
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
// Hashes written by other bcrypt implementations ($2y$) are accepted.
func VerifyPassword(password, hash []byte) bool {
	if len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(normalizePrefix(hash), password) == nil
}

// normalizePrefix rewrites the $2y$ variant prefix to $2a$, which is byte-compatible.
func normalizePrefix(hash []byte) []byte {
	if len(hash) > 4 && string(hash[:4]) == "$2y$" {
		out := append([]byte(nil), hash...)
		out[2] = 'a'
		return out
	}
	return hash
}

// DummyHash is compared against when a user does not exist, so lookups of unknown
// accounts cost the same time as wrong passwords.
var DummyHash = []byte("$2a$12$C6UzMDM.H6dfI/f/IKcEeO5kz9P1Zq9f6l3hQyN6b7sGz5p9l0y2W")
