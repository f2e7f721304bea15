package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jpalmerr/pipewatch/internal/broadcast"
	"github.com/jpalmerr/pipewatch/internal/poller"
	"github.com/jpalmerr/pipewatch/internal/store"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "PipeWatch"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"
)

// StateReader is the read side of the persisted state.
type StateReader interface {
	ListStates(ctx context.Context) ([]store.SourceState, error)
	Ping(ctx context.Context) error
}

// Trigger runs a sync cycle on demand.
type Trigger interface {
	TriggerNow(ctx context.Context) ([]poller.Result, error)
}

// Hub registers live subscribers.
type Hub interface {
	Subscribe() *broadcast.Subscriber
	Unsubscribe(s *broadcast.Subscriber)
}

// Deps are the components the handlers read from and drive.
type Deps struct {
	States  StateReader
	Trigger Trigger
	Hub     Hub
}

// Config holds the server settings.
type Config struct {
	Port int

	// Assets is the dashboard filesystem. It must contain assets/index.html.
	// The dashboard route is not registered when Assets is nil.
	Assets fs.FS

	// Title replaces the title placeholder in the dashboard.
	Title string

	// CronSecret authorises the scheduled trigger. An empty secret rejects
	// every scheduled trigger request.
	CronSecret string

	// CredentialConfigured is reported by the health endpoint.
	CredentialConfigured bool

	// MetricsHandler is mounted at /metrics when non-nil.
	MetricsHandler http.Handler
}

// Server handles HTTP requests for the dashboard and API.
//
// Routes:
//   - POST /api/refresh: manual trigger
//   - POST /api/cron/update-workflows: scheduled trigger, bearer-authenticated
//   - POST /api/update-workflow-runs: manual trigger returning a bare array
//   - GET /api/events: Server-Sent Events stream of change events
//   - GET /api/workflow-runs: snapshot of every source
//   - GET /api/ongoing-runs: queued and in-progress runs
//   - GET /api/health: store and credential health
//   - GET /metrics: Prometheus exposition
//   - GET /: embedded dashboard
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	deps       Deps
	cfg        Config
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time
}

// NewServer creates a new HTTP [Server].
//
// The server is not started until [Server.Start] is called; [Server.Handler]
// can be used without starting it.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/refresh", s.handleRefresh)
		r.Post("/refresh-data", s.handleRefresh)
		r.Post("/cron/update-workflows", s.handleCron)
		r.Post("/update-workflow-runs", s.handleLegacyUpdate)
		r.Get("/events", s.handleSSE)
		r.Get("/workflow-runs", s.handleWorkflowRuns)
		r.Get("/initial-data", s.handleWorkflowRuns)
		r.Get("/ongoing-runs", s.handleOngoingRuns)
		r.Get("/health", s.handleHealth)
	})

	if s.cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)
	}
	if s.cfg.Assets != nil {
		r.Get("/", s.handleDashboard)
	}
	return r
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Port, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx, so cancelling it also ends
		// long-running handlers like SSE
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

