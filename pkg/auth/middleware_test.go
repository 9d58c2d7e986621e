package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(req *http.Request) echo.Context {
	e := echo.New()
	return e.NewContext(req, httptest.NewRecorder())
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, c echo.Context) (bool, error) {
	t.Helper()
	nextCalled := false
	err := mw(func(_ echo.Context) error {
		nextCalled = true
		return nil
	})(c)
	return nextCalled, err
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var codeErr *errcodes.Error
	require.ErrorAs(t, err, &codeErr)
	assert.Equal(t, code, codeErr.Code)
}

func TestMiddlewareAuthenticate_AddsCaller(t *testing.T) {
	t.Parallel()

	authService := NewService("test-secret")
	middleware := NewMiddleware(authService, "")

	token, err := authService.IssueToken("user-7", false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/samples", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	c := newContext(req)

	var seen *Caller
	err = middleware.Authenticate(func(c echo.Context) error {
		seen = GetCallerFromContext(c.Request().Context())
		return nil
	})(c)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "user-7", seen.ID)
	assert.False(t, seen.Admin)
}

func TestMiddlewareAuthenticate_RejectsMissingToken(t *testing.T) {
	t.Parallel()

	middleware := NewMiddleware(NewService("test-secret"), "")

	c := newContext(httptest.NewRequest(http.MethodGet, "/samples", nil))
	called, err := runMiddleware(t, middleware.Authenticate, c)
	assert.False(t, called)
	requireCode(t, err, "unauthorized")
}

func TestMiddlewareAuthenticate_RejectsBadTokens(t *testing.T) {
	t.Parallel()

	other, err := NewService("other-secret").IssueToken("user-7", true)
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Admin: true}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"wrong secret": other,
		"expired":      expired,
		"no subject":   noSubject,
		"garbage":      "not-a-token",
	}

	middleware := NewMiddleware(NewService("test-secret"), "")
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/samples", nil)
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
			called, err := runMiddleware(t, middleware.Authenticate, newContext(req))
			assert.False(t, called)
			requireCode(t, err, "unauthorized")
		})
	}
}

func TestMiddlewareRequireAdmin(t *testing.T) {
	t.Parallel()

	authService := NewService("test-secret")
	middleware := NewMiddleware(authService, "")
	chain := func(next echo.HandlerFunc) echo.HandlerFunc {
		return middleware.Authenticate(middleware.RequireAdmin(next))
	}

	userToken, err := authService.IssueToken("user-7", false)
	require.NoError(t, err)
	adminToken, err := authService.IssueToken("admin-1", true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sync/import", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+userToken)
	called, err := runMiddleware(t, chain, newContext(req))
	assert.False(t, called)
	requireCode(t, err, "forbidden")

	req = httptest.NewRequest(http.MethodPost, "/sync/import", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+adminToken)
	called, err = runMiddleware(t, chain, newContext(req))
	require.NoError(t, err)
	assert.True(t, called)
}

func TestMiddlewareRequireAdmin_WithoutAuthenticate(t *testing.T) {
	t.Parallel()

	middleware := NewMiddleware(NewService("test-secret"), "")

	c := newContext(httptest.NewRequest(http.MethodGet, "/sync/status", nil))
	called, err := runMiddleware(t, middleware.RequireAdmin, c)
	assert.False(t, called)
	requireCode(t, err, "unauthorized")
}

func TestMiddlewareWebhookSecret(t *testing.T) {
	t.Parallel()

	middleware := NewMiddleware(NewService("test-secret"), "hook-secret")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/lims", nil)
	req.Header.Set(WebhookSecretHeader, "hook-secret")
	called, err := runMiddleware(t, middleware.WebhookSecret, newContext(req))
	require.NoError(t, err)
	assert.True(t, called)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/lims", nil)
	req.Header.Set(WebhookSecretHeader, "hook-secreT")
	called, err = runMiddleware(t, middleware.WebhookSecret, newContext(req))
	assert.False(t, called)
	requireCode(t, err, "unauthorized")

	req = httptest.NewRequest(http.MethodPost, "/webhooks/lims", nil)
	called, err = runMiddleware(t, middleware.WebhookSecret, newContext(req))
	assert.False(t, called)
	requireCode(t, err, "unauthorized")
}

func TestMiddlewareWebhookSecret_Unconfigured(t *testing.T) {
	t.Parallel()

	middleware := NewMiddleware(NewService("test-secret"), "")

	// An empty header must not match an empty secret.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/lims", nil)
	called, err := runMiddleware(t, middleware.WebhookSecret, newContext(req))
	assert.False(t, called)
	requireCode(t, err, "unauthorized")
}
