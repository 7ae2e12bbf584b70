package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/collabd/internal/metrics"
)

// Echo context keys set by Middleware.
const (
	principalKey = "collabd.principal"
	tokenKey     = "collabd.token"
)

// Middleware gates echo routes on a valid credential from the Authorization
// header, the token query parameter or the token cookie.
//
// Rejections answer 401 with {"error": <message>}:
//   - no credential: "unauthorized user"
//   - revoked: "unauthorized access"
//   - expired: "Token has expired. Please login again."
//   - malformed or bad signature: "Invalid token. Please login again."
//   - anything else: "Authentication failed."
func Middleware(a *Authenticator, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			token := CredentialFromRequest(req)

			p, err := a.AuthenticateRequest(req.Context(), token)
			if err != nil {
				m.AuthRejected(Reason(err))
				if !IsUnauthorized(err) {
					a.logger.Error(req.Context(), "authentication backend failure", zap.Error(err))
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": RejectionMessage(err)})
			}

			c.Set(principalKey, p)
			c.Set(tokenKey, token)
			return next(c)
		}
	}
}

// RejectionMessage maps an authentication error to the text shown to users.
func RejectionMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoCredential):
		return "unauthorized user"
	case errors.Is(err, ErrRevoked):
		return "unauthorized access"
	case errors.Is(err, ErrExpired):
		return "Token has expired. Please login again."
	case errors.Is(err, ErrInvalidToken):
		return "Invalid token. Please login again."
	default:
		return "Authentication failed."
	}
}

// PrincipalFrom returns the principal stored by Middleware.
func PrincipalFrom(c echo.Context) (*Principal, bool) {
	p, ok := c.Get(principalKey).(*Principal)
	return p, ok
}

// TokenFrom returns the raw credential stored by Middleware.
func TokenFrom(c echo.Context) string {
	tok, _ := c.Get(tokenKey).(string)
	return tok
}
