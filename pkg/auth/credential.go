package auth

import (
	"net/http"
	"strings"
)

const (
	// TokenParam is the query parameter and cookie carrying a credential.
	TokenParam = "token"
	bearer     = "bearer "
)

// CredentialFromRequest returns the raw token carried by r, or "".
//
// Sources, first match wins: the Authorization bearer header, the "token"
// query parameter (browsers cannot set headers on websocket upgrades), and
// the "token" cookie.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > len(bearer) && strings.EqualFold(h[:len(bearer)], bearer) {
		if tok := strings.TrimSpace(h[len(bearer):]); tok != "" {
			return tok
		}
	}
	if tok := strings.TrimSpace(r.URL.Query().Get(TokenParam)); tok != "" {
		return tok
	}
	if c, err := r.Cookie(TokenParam); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}
