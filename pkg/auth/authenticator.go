package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/collabd/internal/logging"
)

// RevocationList is the denylist of logged-out credentials.
type RevocationList interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
	Revoke(ctx context.Context, token string, ttl time.Duration) error
}

// PrincipalStore resolves an identity claim. It returns ErrUnknownPrincipal
// when no record exists.
type PrincipalStore interface {
	FindByEmail(ctx context.Context, email string) (*Principal, error)
}

// PrincipalCache fronts a PrincipalStore for HTTP requests.
type PrincipalCache interface {
	Get(ctx context.Context, email string) (*Principal, bool, error)
	Put(ctx context.Context, p *Principal) error
	Evict(ctx context.Context, email string) error
}

// Authenticator turns raw credentials into principals.
type Authenticator struct {
	tokens  *Tokens
	revoked RevocationList
	store   PrincipalStore
	cache   PrincipalCache
	logger  *logging.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithCache enables the cache-then-store lookup on the HTTP path.
func WithCache(c PrincipalCache) Option {
	return func(a *Authenticator) { a.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// NewAuthenticator wires the token verifier, denylist and identity store.
func NewAuthenticator(tokens *Tokens, revoked RevocationList, store PrincipalStore, opts ...Option) *Authenticator {
	a := &Authenticator{
		tokens:  tokens,
		revoked: revoked,
		store:   store,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate resolves a handshake credential straight from the identity
// store. It returns one of the package sentinels for credential problems
// and a wrapped error for backend failures.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := a.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return a.fromStore(ctx, claims.Email)
}

// AuthenticateRequest is Authenticate for HTTP requests: principals come
// from the cache when present and are written back on a miss.
func (a *Authenticator) AuthenticateRequest(ctx context.Context, token string) (*Principal, error) {
	claims, err := a.verify(ctx, token)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		p, ok, err := a.cache.Get(ctx, claims.Email)
		if err != nil {
			a.logger.Warn(ctx, "principal cache read failed", zap.Error(err))
		} else if ok {
			return p, nil
		}
	}

	p, err := a.fromStore(ctx, claims.Email)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if err := a.cache.Put(ctx, p); err != nil {
			a.logger.Warn(ctx, "principal cache write failed", zap.Error(err))
		}
	}
	return p, nil
}

// Revoke adds token to the denylist until it would have expired anyway and
// drops the principal's cache entry, so the next login reads the identity
// store again. Revoking an already expired or invalid token is a no-op.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	claims, err := a.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpired) || errors.Is(err, ErrInvalidToken) {
			return nil
		}
		return err
	}
	ttl := a.tokens.Remaining(claims)
	if ttl <= 0 {
		return nil
	}
	if err := a.revoked.Revoke(ctx, token, ttl); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if a.cache != nil {
		if err := a.cache.Evict(ctx, claims.Email); err != nil {
			a.logger.Warn(ctx, "principal cache evict failed", zap.Error(err))
		}
	}
	return nil
}

// verify checks the denylist before the signature, matching the order
// the HTTP gate has always used.
func (a *Authenticator) verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrNoCredential
	}

	revoked, err := a.revoked.IsRevoked(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	return a.tokens.Verify(token)
}

func (a *Authenticator) fromStore(ctx context.Context, email string) (*Principal, error) {
	p, err := a.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUnknownPrincipal) {
			return nil, ErrUnknownPrincipal
		}
		return nil, fmt.Errorf("resolve principal: %w", err)
	}
	return p, nil
}
