// Package auth verifies collabd credentials and resolves them to principals.
//
// A credential is an HS256 JWT carrying the user's email. Verification
// checks the revocation list first, then signature and expiry, then resolves
// the email through the identity store. Every failure is reported as one of
// the sentinel errors below so callers can answer with a precise message
// without leaking internals.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrNoCredential means the request carried no token at all.
	ErrNoCredential = errors.New("no credential provided")
	// ErrRevoked means the token is on the revocation list.
	ErrRevoked = errors.New("credential revoked")
	// ErrExpired means the token's exp claim has passed.
	ErrExpired = errors.New("credential expired")
	// ErrInvalidToken covers malformed tokens, bad signatures and
	// unexpected signing methods.
	ErrInvalidToken = errors.New("invalid credential")
	// ErrUnknownPrincipal means the token verified but names nobody in the
	// identity store.
	ErrUnknownPrincipal = errors.New("unknown principal")
)

// Principal is an authenticated user. It is resolved once per connection
// and never changes for that connection's lifetime.
type Principal struct {
	ID       string `json:"_id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// IsUnauthorized reports whether err is a credential problem rather than a
// system failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrNoCredential) ||
		errors.Is(err, ErrRevoked) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrUnknownPrincipal)
}

// Reason returns a short metric label for err.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNoCredential):
		return "missing"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	case errors.Is(err, ErrUnknownPrincipal):
		return "unknown_principal"
	default:
		return "error"
	}
}

// Fingerprint returns the hex SHA-256 of a raw token. Stores key revocations
// by fingerprint so the token itself is never persisted.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
