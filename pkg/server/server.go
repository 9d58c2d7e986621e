package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ebmlabs/samplesync/pkg/auth"
	"github.com/ebmlabs/samplesync/pkg/binder"
	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/conflicts"
	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/joblogs"
	"github.com/ebmlabs/samplesync/pkg/jobs"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/samples"
	"github.com/ebmlabs/samplesync/pkg/syncer"
	"github.com/ebmlabs/samplesync/pkg/testutils"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/echo/v4/health"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/echo/v4/middleware/recovery"
	"github.com/uptrace/bun"
)

func New(cfg *config.Config, db *bun.DB, s *syncer.Syncer, m *metrics.Metrics) (*http.Server, error) {
	e, err := newEcho(cfg, db, s, m)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           e,
		ReadHeaderTimeout: 3 * time.Second,
	}

	return srv, nil
}

func newEcho(cfg *config.Config, db *bun.DB, s *syncer.Syncer, m *metrics.Metrics) (*echo.Echo, error) {
	e := echo.New()

	b, err := binder.New()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.Binder = b

	e.Use(logger.Middleware())
	e.Use(recovery.Middleware())
	e.Use(middleware.CORS())

	health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	authService := auth.NewService(cfg.JWTSecret)
	authMiddleware := auth.NewMiddleware(authService, cfg.WebhookSecret)

	registerProtectedRoutes(e, db, cfg, s, authMiddleware)

	// LIMS notifications authenticate with the shared secret instead of a
	// caller token.
	webhooksGroup := e.Group("/webhooks")
	webhooksGroup.Use(authMiddleware.WebhookSecret)
	syncer.RegisterWebhookRoutes(webhooksGroup, s)

	if cfg.IsTest() {
		testutils.RegisterRoutes(e, db, authService)
	}

	echo.NotFoundHandler = notFoundHandler
	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	return e, nil
}

// registerProtectedRoutes registers all API routes that need a caller token.
func registerProtectedRoutes(e *echo.Echo, db *bun.DB, cfg *config.Config, s *syncer.Syncer, authMiddleware *auth.Middleware) {
	// Samples routes
	samplesGroup := e.Group("/samples")
	samplesGroup.Use(authMiddleware.Authenticate)
	samples.RegisterRoutesWithGroup(samplesGroup, db, s)

	// Sync admin routes
	syncGroup := e.Group("/sync")
	syncGroup.Use(authMiddleware.Authenticate)
	syncGroup.Use(authMiddleware.RequireAdmin)
	syncer.RegisterRoutesWithGroup(syncGroup, db, s)
	conflicts.RegisterRoutesWithGroup(syncGroup, db)

	// Jobs routes
	jobsGroup := e.Group("/jobs")
	jobsGroup.Use(authMiddleware.Authenticate)
	jobsGroup.Use(authMiddleware.RequireAdmin)
	jobs.RegisterRoutesWithGroup(jobsGroup, db)
	joblogs.RegisterRoutes(jobsGroup, db)

	// Config routes
	configGroup := e.Group("/config")
	configGroup.Use(authMiddleware.Authenticate)
	configGroup.Use(authMiddleware.RequireAdmin)
	config.RegisterRoutesWithGroup(configGroup, cfg)
}

func notFoundHandler(c echo.Context) error {
	c.SetPath("/:path")
	return errcodes.NotFound("Page")
}
