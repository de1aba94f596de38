// Package httpapi implements the HTTP API gateway for buildbox.
//
// Security:
//   - API key or JWT bearer authentication on every /api request
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting of sandbox and session creation
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/buildbox/internal/auth"
	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/ratelimit"
	"github.com/jkaninda/buildbox/internal/session"
	"github.com/jkaninda/buildbox/internal/workspace"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Context keys set by the authenticate middleware.
const (
	ctxUserID        = "userID"
	ctxCorrelationID = "correlationID"
)

// ErrorBody is the error response for every failed request.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	CORSOrigins    []string // Allowed browser origins. Empty = CORS disabled.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	ws       *workspace.Service
	sessions *session.Manager
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (WebSocket terminal, MCP).
	extraRoutes []extraRoute

	okapi     *okapi.Okapi
	group     *okapi.Group
	routeOnce sync.Once
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	method  string
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. authn and rl may be nil.
func NewGateway(cfg Config, ws *workspace.Service, sessions *session.Manager, authn *auth.Authenticator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:   cfg,
		ws:       ws,
		sessions: sessions,
		auth:     authn,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(),
	}
}

// WithHandler mounts an additional GET handler at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	return g.WithMethodHandler(http.MethodGet, pattern, handler)
}

// WithMethodHandler mounts an additional handler for one method.
func (g *Gateway) WithMethodHandler(method, pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{method: method, pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation at /docs.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "buildbox",
			Version: "v1",
		},
	)
	return g
}

// Handler returns the fully routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	g.routeOnce.Do(g.routes)
	return g.okapi
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routeOnce.Do(g.routes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	// No WriteTimeout: terminal WebSockets on this server are long-lived.

	if !g.auth.Enabled() {
		g.logger.Warn("http api gateway has no credentials configured; all requests are accepted as anonymous")
	}
	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Name implements gateway.Gateway.
func (g *Gateway) Name() string { return "http" }

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.server.Shutdown(ctx)
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	if len(g.config.CORSOrigins) > 0 {
		g.okapi.UseMiddleware(cors.Handler(cors.Options{
			AllowedOrigins:   g.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	g.okapi.UseMiddleware(g.limitBody)

	// Authenticated /api group.
	g.group = g.okapi.Group("/api", g.authenticate)

	g.group.Get("/workspaces", g.handleWorkspaceList,
		okapi.DocSummary("List sandboxes"),
		okapi.DocTags("Workspaces"),
		okapi.DocResponse([]workspace.Sandbox{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)
	g.group.Post("/workspaces", g.handleWorkspaceCreate,
		okapi.DocSummary("Create a sandbox"),
		okapi.DocTags("Workspaces"),
		okapi.DocRequestBody(CreateWorkspaceRequest{}),
		okapi.DocResponse(http.StatusCreated, workspace.Sandbox{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/workspaces/{id}", g.handleWorkspaceGet,
		okapi.DocSummary("Get a sandbox"),
		okapi.DocTags("Workspaces"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(workspace.Sandbox{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/workspaces/{id}", g.handleWorkspaceDelete,
		okapi.DocSummary("Delete a sandbox"),
		okapi.DocTags("Workspaces"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SuccessResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/workspaces/{id}/start", g.handleWorkspaceStart,
		okapi.DocSummary("Start a sandbox and wait until it is running"),
		okapi.DocTags("Workspaces"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(workspace.Sandbox{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/workspaces/{id}/preview", g.handleWorkspacePreview,
		okapi.DocSummary("Get the preview URL for a port"),
		okapi.DocTags("Workspaces"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(PreviewResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Open a builder session"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(CreateSessionRequest{}),
		okapi.DocResponse(http.StatusCreated, session.Info{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List builder sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]session.Info{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get a builder session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(session.Info{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionClose,
		okapi.DocSummary("Close a builder session and its shells"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(SuccessResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/resize", g.handleSessionResize,
		okapi.DocSummary("Resize every terminal in a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(ResizeRequest{}),
		okapi.DocResponse(ResizeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/terminal/toggle", g.handleSessionToggle,
		okapi.DocSummary("Show, hide or flip the terminal panel"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(ToggleRequest{}),
		okapi.DocResponse(ToggleResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers (WebSocket terminal, MCP).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd(er.method, er.pattern, er.handler.ServeHTTP)
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
}

// --- Middleware ---

// authenticate resolves the bearer credential, stores the user ID and a
// fresh correlation ID on the context, and tags the request context with
// the actor for catalog bookkeeping.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		principal, err := g.auth.AuthenticateRequest(c.Request())
		if err != nil {
			g.logger.Debug("http authentication failed",
				slog.String("path", c.Request().URL.Path),
				slog.String("error", err.Error()),
			)
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "unauthorized"})
		}
		c.Set(ctxUserID, principal.UserID)
		c.Set(ctxCorrelationID, newCorrelationID())
		return next(c)
	}
}

// limitBody caps request bodies at MaxRequestSize.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// allow applies the per-user rate limit. It returns false after writing a
// 429 response.
func (g *Gateway) allow(c *okapi.Context) (bool, error) {
	if g.limiter == nil {
		return true, nil
	}
	if err := g.limiter.Allow(c.GetString(ctxUserID)); err != nil {
		return false, c.JSON(http.StatusTooManyRequests, ErrorBody{Error: err.Error()})
	}
	return true, nil
}

// requestContext returns the request context tagged with the caller.
func requestContext(c *okapi.Context) context.Context {
	return workspace.WithActor(c.Context(), c.GetString(ctxUserID))
}

// --- Helpers ---

// statusFor maps an error to its HTTP status. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes the mapped status with an {error} body.
func (g *Gateway) writeError(c *okapi.Context, op string, err error) error {
	code := statusFor(err)
	attrs := []any{
		slog.String("op", op),
		slog.String("kind", workspace.KindOf(err)),
		slog.Int("status", code),
		slog.String("user_id", c.GetString(ctxUserID)),
		slog.String("correlation_id", c.GetString(ctxCorrelationID)),
		slog.String("error", err.Error()),
	}
	if code >= http.StatusInternalServerError {
		g.logger.Error("http request failed", attrs...)
	} else {
		g.logger.Info("http request rejected", attrs...)
	}
	return c.JSON(code, ErrorBody{Error: err.Error()})
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
