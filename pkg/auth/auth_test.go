package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRevocations struct {
	mu      sync.Mutex
	tokens  map[string]time.Duration
	failErr error
}

func newFakeRevocations() *fakeRevocations {
	return &fakeRevocations{tokens: map[string]time.Duration{}}
}

func (f *fakeRevocations) IsRevoked(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return false, f.failErr
	}
	_, ok := f.tokens[token]
	return ok, nil
}

func (f *fakeRevocations) Revoke(_ context.Context, token string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = ttl
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	byEmail map[string]*Principal
	calls   int
}

func (f *fakeStore) FindByEmail(_ context.Context, email string) (*Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if p, ok := f.byEmail[email]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrUnknownPrincipal
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*Principal
}

func (f *fakeCache) Get(_ context.Context, email string) (*Principal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.entries[email]
	return p, ok, nil
}

func (f *fakeCache) Put(_ context.Context, p *Principal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[p.Email] = p
	return nil
}

func (f *fakeCache) Evict(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, email)
	return nil
}

func (f *fakeCache) has(email string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[email]
	return ok
}

var alice = &Principal{ID: "u-alice", Email: "alice@example.com", Username: "alice"}

type fixture struct {
	tokens  *Tokens
	revoked *fakeRevocations
	store   *fakeStore
	cache   *fakeCache
	auth    *Authenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := NewTokens("test-secret", time.Hour, "collabd-test")
	require.NoError(t, err)

	f := &fixture{
		tokens:  tokens,
		revoked: newFakeRevocations(),
		store:   &fakeStore{byEmail: map[string]*Principal{alice.Email: alice}},
		cache:   &fakeCache{entries: map[string]*Principal{}},
	}
	f.auth = NewAuthenticator(tokens, f.revoked, f.store, WithCache(f.cache))
	return f
}

func (f *fixture) issue(t *testing.T, email string) string {
	t.Helper()
	tok, err := f.tokens.Issue(email)
	require.NoError(t, err)
	return tok
}

func TestTokens_IssueVerify(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, alice.Email)

	claims, err := f.tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, alice.Email, claims.Email)
	assert.Equal(t, "collabd-test", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.InDelta(t, time.Hour.Seconds(), f.tokens.Remaining(claims).Seconds(), 5)
}

func TestTokens_VerifyFailures(t *testing.T) {
	f := newFixture(t)

	t.Run("expired", func(t *testing.T) {
		past := *f.tokens
		past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		tok, err := past.Issue(alice.Email)
		require.NoError(t, err)

		_, err = f.tokens.Verify(tok)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("wrong signature", func(t *testing.T) {
		other, err := NewTokens("other-secret", time.Hour, "x")
		require.NoError(t, err)
		tok, err := other.Issue(alice.Email)
		require.NoError(t, err)

		_, err = f.tokens.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := f.tokens.Verify("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("alg none rejected", func(t *testing.T) {
		claims := Claims{Email: alice.Email, RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = f.tokens.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing exp", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Email: alice.Email}).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = f.tokens.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewTokens_Validation(t *testing.T) {
	_, err := NewTokens("", time.Hour, "x")
	assert.Error(t, err)
	_, err = NewTokens("s", 0, "x")
	assert.Error(t, err)
}

func TestAuthenticator_Authenticate(t *testing.T) {
	f := newFixture(t)

	p, err := f.auth.Authenticate(context.Background(), f.issue(t, alice.Email))
	require.NoError(t, err)
	assert.Equal(t, alice, p)

	_, err = f.auth.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = f.auth.Authenticate(context.Background(), f.issue(t, "ghost@example.com"))
	assert.ErrorIs(t, err, ErrUnknownPrincipal)
	assert.True(t, IsUnauthorized(err))
}

func TestAuthenticator_RevokeEvictsCachedPrincipal(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, alice.Email)

	_, err := f.auth.AuthenticateRequest(context.Background(), tok)
	require.NoError(t, err)
	require.True(t, f.cache.has(alice.Email))

	require.NoError(t, f.auth.Revoke(context.Background(), tok))
	assert.False(t, f.cache.has(alice.Email))
}

func TestAuthenticator_RevokedTokenRejected(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, alice.Email)

	require.NoError(t, f.auth.Revoke(context.Background(), tok))
	ttl := f.revoked.tokens[tok]
	assert.Greater(t, ttl, 59*time.Minute, "denylist entry lives as long as the token")

	_, err := f.auth.Authenticate(context.Background(), tok)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestAuthenticator_RevocationBackendDown(t *testing.T) {
	f := newFixture(t)
	f.revoked.failErr = errors.New("nats: timeout")

	_, err := f.auth.Authenticate(context.Background(), f.issue(t, alice.Email))
	require.Error(t, err)
	assert.False(t, IsUnauthorized(err), "backend failures are not credential problems")
}

func TestAuthenticator_RequestUsesCache(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, alice.Email)

	_, err := f.auth.AuthenticateRequest(context.Background(), tok)
	require.NoError(t, err)
	_, err = f.auth.AuthenticateRequest(context.Background(), tok)
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.calls, "second lookup served from cache")
	assert.Contains(t, f.cache.entries, alice.Email)
}

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{name: "bearer header", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, want: "abc"},
		{name: "lowercase scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "bearer abc") }, want: "abc"},
		{name: "query", setup: func(r *http.Request) { r.URL.RawQuery = "token=q1" }, want: "q1"},
		{name: "cookie", setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "token", Value: "c1"}) }, want: "c1"},
		{name: "header wins", setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer h1")
			r.URL.RawQuery = "token=q1"
		}, want: "h1"},
		{name: "basic ignored", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic xyz") }, want: ""},
		{name: "none", setup: func(*http.Request) {}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)
			assert.Equal(t, tt.want, CredentialFromRequest(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	valid := f.issue(t, alice.Email)
	revoked := f.issue(t, alice.Email)
	require.NoError(t, f.auth.Revoke(context.Background(), revoked))

	past := *f.tokens
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := past.Issue(alice.Email)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		wantCode int
		wantBody string
	}{
		{name: "valid", token: valid, wantCode: http.StatusOK, wantBody: alice.Email},
		{name: "missing", token: "", wantCode: http.StatusUnauthorized, wantBody: "unauthorized user"},
		{name: "revoked", token: revoked, wantCode: http.StatusUnauthorized, wantBody: "unauthorized access"},
		{name: "expired", token: expired, wantCode: http.StatusUnauthorized, wantBody: "Token has expired. Please login again."},
		{name: "invalid", token: "abc.def.ghi", wantCode: http.StatusUnauthorized, wantBody: "Invalid token. Please login again."},
		{name: "unknown principal", token: f.issue(t, "ghost@example.com"), wantCode: http.StatusUnauthorized, wantBody: "Authentication failed."},
	}

	e := echo.New()
	handler := Middleware(f.auth, nil)(func(c echo.Context) error {
		p, ok := PrincipalFrom(c)
		require.True(t, ok)
		assert.NotEmpty(t, TokenFrom(c))
		return c.String(http.StatusOK, p.Email)
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()

			require.NoError(t, handler(e.NewContext(req, rec)))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("abc")
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint("abc"))
	assert.NotEqual(t, fp, Fingerprint("abd"))
}
