package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/labstack/echo/v4"
)

// WebhookSecretHeader carries the secret shared with the LIMS.
const WebhookSecretHeader = "X-Webhook-Secret"

type contextKey string

const ContextKeyCaller contextKey = "caller"

// Middleware provides authentication middleware.
type Middleware struct {
	authService   *Service
	webhookSecret string
}

// NewMiddleware creates a new auth middleware. An empty webhookSecret
// rejects every webhook.
func NewMiddleware(authService *Service, webhookSecret string) *Middleware {
	return &Middleware{
		authService:   authService,
		webhookSecret: webhookSecret,
	}
}

// Authenticate validates the bearer token of the request and adds the caller
// to the context. If not authenticated, it returns 401.
func (m *Middleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return errcodes.Unauthorized("Authentication required")
		}

		caller, err := m.authService.ValidateToken(token)
		if err != nil {
			return errcodes.Unauthorized("Invalid or expired token")
		}

		c.Set(string(ContextKeyCaller), caller)
		req := c.Request()
		c.SetRequest(req.WithContext(context.WithValue(req.Context(), ContextKeyCaller, caller)))

		return next(c)
	}
}

// RequireAdmin rejects callers without the admin claim. Must be used after
// Authenticate.
func (m *Middleware) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, ok := c.Get(string(ContextKeyCaller)).(*Caller)
		if !ok {
			return errcodes.Unauthorized("Authentication required")
		}
		if !caller.Admin {
			return errcodes.Forbidden("This action")
		}
		return next(c)
	}
}

// WebhookSecret checks the shared secret header in constant time.
func (m *Middleware) WebhookSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get(WebhookSecretHeader)
		if m.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(m.webhookSecret)) != 1 {
			return errcodes.Unauthorized("Invalid webhook secret")
		}
		return next(c)
	}
}

// GetCallerFromContext retrieves the caller from the context.
func GetCallerFromContext(ctx context.Context) *Caller {
	caller, _ := ctx.Value(ContextKeyCaller).(*Caller)
	return caller
}
