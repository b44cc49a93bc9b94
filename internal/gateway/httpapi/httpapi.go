// Package httpapi implements the HTTP API gateway for Codebox.
//
// Security:
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/codebox/internal/observability"
	"github.com/jkaninda/codebox/internal/ratelimit"
	"github.com/jkaninda/codebox/internal/session"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Sessions is the slice of the session registry the HTTP gateway drives.
type Sessions interface {
	Execute(ctx context.Context, sessionID, code string) error
	MarkTerminal(sessionID string, reason session.State, message string) error
	Info(sessionID string) (session.Info, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions Sessions
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sessions Sessions, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Codebox",
			Version: "v0.0.1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for adding the WebSocket endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1")

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Submit code for sandboxed execution"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusAccepted, ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionStatus,
		okapi.DocSummary("Get session status"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/stop", g.handleSessionStop,
		okapi.DocSummary("Cancel a running session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers (the WebSocket endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"` // Empty = "python".
}

// ExecuteResponse is the JSON response for POST /v1/execute. The session id
// is returned immediately; output streams over the WebSocket endpoint after
// a join message with this id.
type ExecuteResponse struct {
	SessionID string `json:"session_id"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	clientIP := clientAddr(c.Request())

	if g.limiter != nil {
		if err := g.limiter.Allow(clientIP); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("code is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return c.AbortBadRequest("code is required")
	}
	if req.Language != "" && req.Language != "python" {
		return c.AbortBadRequest("unsupported language: only python is supported")
	}

	sessionID := uuid.New().String()

	g.logger.Info("http execute",
		slog.String("client_ip", clientIP),
		slog.String("session_id", sessionID),
	)

	// Provisioning runs in the background; the client attaches over
	// WebSocket with a join to stream output.
	go func() {
		if err := g.sessions.Execute(context.WithoutCancel(c.Context()), sessionID, req.Code); err != nil {
			g.logger.Warn("execution failed to start",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return c.JSON(http.StatusAccepted, ExecuteResponse{SessionID: sessionID})
}

// SessionResponse is the JSON response for GET /v1/sessions/{id}.
type SessionResponse struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) handleSessionStatus(c *okapi.Context) error {
	info, err := g.sessions.Info(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	}
	return c.OK(SessionResponse{
		ID:        info.ID,
		State:     info.State,
		CreatedAt: info.CreatedAt,
	})
}

func (g *Gateway) handleSessionStop(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.sessions.MarkTerminal(id, session.StateCancelled, ""); err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	}

	g.logger.Info("session stop requested", slog.String("session_id", id))
	return c.OK(map[string]string{"status": "stopping"})
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// clientAddr extracts the client host for rate limiting, preferring the
// reverse proxy's X-Forwarded-For when present.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
