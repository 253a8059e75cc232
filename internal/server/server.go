// Package server assembles the broker's management REST surface on gin.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"credbroker-go/internal/authgate"
	"credbroker-go/internal/backend"
	"credbroker-go/internal/config"
	"credbroker-go/internal/credential"
	"credbroker-go/internal/errors"
	"credbroker-go/internal/middleware"
	"credbroker-go/internal/registry"
	"credbroker-go/internal/storage"
)

// Dependencies are the runtime services the HTTP surface is built from.
type Dependencies struct {
	Credentials *credential.Service
	Backends    *backend.Service
	Gate        *authgate.Gate
	Registry    *registry.Registry
	Store       storage.Store
}

// Server is the management HTTP server.
type Server struct {
	cfg  *config.Manager
	deps Dependencies
	http *http.Server
}

// New builds the server and its router. The router is assembled once from
// the configuration current at build time; per-request settings are read
// through the manager.
func New(cfg *config.Manager, deps Dependencies) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Current().Server.Port),
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Engine assembles the gin router.
func (s *Server) Engine() *gin.Engine {
	cfg := s.cfg.Current()
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	e := gin.New()
	e.Use(
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.Recovery(),
		middleware.CORS(),
	)
	if cfg.Server.RateLimitEnabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
	}
	e.Use(s.gateMiddleware())

	v1 := e.Group("/v1")
	{
		v1.GET("/health", s.handleHealth)

		v1.POST("/jwt/auth", s.handleJWTAuth)
		v1.GET("/jwt/validate", s.handleJWTValidate)

		v1.POST("/oauth/grant", s.requireUser, s.handleOAuthGrant)
		v1.POST("/oauth/revoke", s.requireUser, s.handleOAuthRevoke)
		v1.GET("/oauth/redirect", s.handleOAuthRedirect)

		creds := v1.Group("/credentials", s.requireUser)
		{
			creds.GET("", s.handleCredentialList)
			creds.GET("/:name", s.handleCredentialGet)
			creds.POST("", s.handleCredentialUpsert)
			creds.DELETE("/:name", s.handleCredentialDelete)
		}

		backends := v1.Group("/backends", s.requireUser)
		{
			backends.GET("", s.handleBackendList)
			backends.GET("/:name", s.handleBackendGet)
			backends.POST("", s.handleBackendUpsert)
			backends.DELETE("/:name", s.handleBackendDelete)
		}
	}

	return e
}

// gateMiddleware runs current-user resolution and pre-dispatch gating on every
// request. Resolution failures are deferred into PreDispatch, matching the
// two-phase contract of the auth gate.
func (s *Server) gateMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, deferred := s.deps.Gate.DetermineCurrentUser(c.Request, 0)
		if uid != 0 {
			c.Set("user_id", uid)
		}

		if err := s.deps.Gate.PreDispatch(c.Request.Context(), c.Request, deferred); err != nil {
			renderError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// requireUser guards endpoints that need an authenticated caller.
func (s *Server) requireUser(c *gin.Context) {
	if _, ok := c.Get("user_id"); !ok {
		renderError(c, errors.NewAuth("authentication_required", "this endpoint requires a bearer token"))
		c.Abort()
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.http.Addr).Info("Management server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("Shutting down management server")
	return s.http.Shutdown(shutdownCtx)
}

// renderError writes the broker's JSON error envelope, never a raw error.
func renderError(c *gin.Context, err error) {
	be, ok := errors.As(err)
	if !ok {
		be = errors.New(http.StatusInternalServerError, "internal_error", errors.CategoryNetwork, "internal error").WithCause(err)
	}

	env := errors.Envelope{}
	env.Error.Message = be.Message
	env.Error.Type = string(be.Category)
	env.Error.Code = be.Code
	env.Error.Details = be.Details
	c.JSON(be.Status(), env)
}
