// Package server exposes routed turns over HTTP: a native route API plus
// OpenAI- and Anthropic-compatible endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"panther/internal/config"
	"panther/internal/conversation"
	"panther/internal/router"
	"panther/internal/store"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	// ListenHost is the only interface the server binds.
	ListenHost = "127.0.0.1"
	// PortAttempts bounds the walk to the next free port.
	PortAttempts = 10
)

// TurnRunner executes one conversation turn.
type TurnRunner interface {
	Run(ctx context.Context, req conversation.Request) (*router.Result, error)
}

// UsageReporter aggregates the usage ledger.
type UsageReporter interface {
	Totals(ctx context.Context, f store.UsageFilter) (store.UsageTotals, error)
}

type Server struct {
	cfg      config.ServerConfig
	runner   TurnRunner
	usage    UsageReporter
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	limiter  *rate.Limiter
	logger   *slog.Logger
	app      *echo.Echo
}

// Option customises a Server.
type Option func(*Server)

// WithUsage serves ledger totals on /api/usage.
func WithUsage(u UsageReporter) Option { return func(s *Server) { s.usage = u } }

// WithRegistry serves reg on /metrics and registers the HTTP collectors with it.
func WithRegistry(reg *prometheus.Registry) Option { return func(s *Server) { s.registry = reg } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.ServerConfig, runner TurnRunner, opts ...Option) (*Server, error) {
	if runner == nil {
		return nil, errors.New("turn runner must not be nil")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("server port %d must be a valid TCP port", cfg.Port)
	}

	srv := &Server{cfg: cfg, runner: runner}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if srv.registry == nil {
		srv.registry = prometheus.NewRegistry()
	}
	if cfg.RateLimitPerSecond > 0 {
		srv.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), max(cfg.RateBurst, 1))
	}
	srv.requests = promauto.With(srv.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panther",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogStatus:    true,
		LogRoutePath: true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			srv.requests.WithLabelValues(v.RoutePath, strconv.Itoa(v.Status)).Inc()
			srv.logger.Info("request",
				"event_type", "http_request",
				"request_id", v.RequestID,
				"status_code", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv.app = e
	srv.registerRoutes()
	return srv, nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.app }

// Run binds the configured port, or the next free one, and serves until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, port, err := listen(ListenHost, s.cfg.Port, PortAttempts)
	if err != nil {
		return err
	}
	if port != s.cfg.Port {
		s.logger.Warn(fmt.Sprintf("port %d busy, listening on %d", s.cfg.Port, port), "event_type", "port_fallback")
	}
	printStartupBanner(port)

	httpServer := &http.Server{
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete", "event_type", "shutdown")
		return nil
	case err := <-errCh:
		return err
	}
}

// listen binds host:port, walking up to attempts consecutive ports.
func listen(host string, port, attempts int) (net.Listener, int, error) {
	var lastErr error
	for i := 0; i < attempts && port+i <= 65535; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+i)))
		if err == nil {
			return ln, port + i, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in %d..%d: %w", port, port+attempts-1, lastErr)
}

func (s *Server) registerRoutes() {
	s.app.GET("/api/health", s.handleHealth)
	s.app.GET("/api/usage", s.handleUsage)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	s.app.POST("/api/route", s.handleRoute, s.rateLimit)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions, s.rateLimit)
	s.app.POST("/v1/messages", s.handleClaudeMessages, s.rateLimit)
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return requestError{
				Status:  http.StatusTooManyRequests,
				Message: "rate limit exceeded",
				Type:    "rate_limit_error",
			}
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleUsage(c echo.Context) error {
	if s.usage == nil {
		return requestError{Status: http.StatusNotFound, Message: "usage ledger is not configured", Type: "invalid_request_error"}
	}
	filter := store.UsageFilter{
		ProviderID: c.QueryParam("provider_id"),
		ModelName:  c.QueryParam("model"),
	}
	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return requestError{Status: http.StatusBadRequest, Message: "since must be an RFC 3339 timestamp", Type: "invalid_request_error"}
		}
		filter.Since = since
	}
	totals, err := s.usage.Totals(c.Request().Context(), filter)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, totals)
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

func printStartupBanner(port int) {
	fmt.Println()
	fmt.Println("panther ready")
	fmt.Printf("Listening on http://%s:%d\n", ListenHost, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /api/health")
	fmt.Println("  GET  /api/usage")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST /api/route")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/messages")
	fmt.Printf("OpenAI-style example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"<provider_id>/<model>\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", ListenHost, port)
}
