// Package server provides the collabd HTTP surface: the websocket endpoint,
// health and metrics, and the authenticated API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/collabd/internal/config"
	"github.com/fyrsmithlabs/collabd/internal/logging"
	"github.com/fyrsmithlabs/collabd/internal/metrics"
	"github.com/fyrsmithlabs/collabd/internal/presence"
	"github.com/fyrsmithlabs/collabd/internal/rooms"
	"github.com/fyrsmithlabs/collabd/internal/session"
	"github.com/fyrsmithlabs/collabd/internal/telemetry"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

// healthCheckTimeout bounds each backend check made by GET /health.
const healthCheckTimeout = 2 * time.Second

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server exposes.
type Deps struct {
	Auth      *auth.Authenticator
	Identity  Pinger // optional
	Hub       *session.Hub
	Presence  *presence.Registry
	Rooms     *rooms.Manager
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Telemetry
	Logger    *logging.Logger
	Version   string
}

// Server is the collabd HTTP server.
type Server struct {
	config   config.ServerConfig
	deps     Deps
	echo     *echo.Echo
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version,omitempty"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
	Rooms       int    `json:"rooms"`
	Telemetry   string `json:"telemetry,omitempty"`
	Identity    string `json:"identity,omitempty"`
}

// NewServer creates the HTTP server and registers its routes.
//
// Routes:
//   - GET  /health          liveness, session counts and backend status
//   - GET  /metrics         Prometheus exposition
//   - GET  /ws              websocket upgrade, credential required
//   - GET  /api/v1/me       the caller's principal
//   - POST /api/v1/logout   revoke the caller's credential
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		config: cfg,
		deps:   deps,
		echo:   e,
		logger: logger.Named("http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(NewHTTPMetrics(deps.Telemetry.Meter(httpInstrumentationName), s.logger).Middleware())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/ws", s.handleWebsocket)

	v1 := s.echo.Group("/api/v1", auth.Middleware(s.deps.Auth, s.deps.Metrics))
	v1.GET("/me", s.handleMe)
	v1.POST("/logout", s.handleLogout)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			s.logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, "*") || slices.Contains(s.config.AllowedOrigins, origin)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:      "ok",
		Service:     "collabd",
		Version:     s.deps.Version,
		Connections: s.deps.Hub.Count(),
		Online:      s.deps.Presence.Online(),
		Rooms:       s.deps.Rooms.Count(),
	}
	if degraded, _ := s.deps.Telemetry.Degraded(); degraded {
		resp.Telemetry = "degraded"
	}
	if s.deps.Identity != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
		defer cancel()
		if err := s.deps.Identity.Ping(ctx); err != nil {
			s.logger.Warn(ctx, "identity store unreachable", zap.Error(err))
			resp.Status = "degraded"
			resp.Identity = "unreachable"
		} else {
			resp.Identity = "ok"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleWebsocket authenticates before upgrading so a rejected handshake
// never creates session state.
func (s *Server) handleWebsocket(c echo.Context) error {
	req := c.Request()
	token := auth.CredentialFromRequest(req)

	p, err := s.deps.Auth.Authenticate(req.Context(), token)
	if err != nil {
		s.deps.Metrics.HandshakeRejected(auth.Reason(err))
		if auth.IsUnauthorized(err) {
			s.logger.Info(req.Context(), "handshake rejected", zap.String("reason", auth.Reason(err)))
		} else {
			s.logger.Error(req.Context(), "handshake failed", zap.Error(err))
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": auth.RejectionMessage(err)})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// The upgrader has already answered the client.
		s.logger.Debug(req.Context(), "websocket upgrade failed", zap.Error(err))
		return nil
	}

	if err := s.deps.Hub.Serve(req.Context(), conn, *p); err != nil && !errors.Is(err, session.ErrShuttingDown) {
		s.logger.Warn(req.Context(), "session ended with error", zap.Error(err))
	}
	return nil
}

func (s *Server) handleMe(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized user")
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleLogout(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.deps.Auth.Revoke(ctx, auth.TokenFrom(c)); err != nil {
		s.logger.Error(ctx, "logout failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "logout failed")
	}
	c.SetCookie(&http.Cookie{Name: auth.TokenParam, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	return c.JSON(http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// Start serves until ctx is cancelled, then shuts down within the
// configured timeout: the listener stops first, then every session is
// closed and in-flight AI replies are awaited.
//
// Returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Addr()
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info(ctx, "starting http server", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// Shutdown stops the server. It returns http.ErrServerClosed on success.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info(ctx, "shutting down http server")
	var errs []error
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := s.deps.Hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return http.ErrServerClosed
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
