package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"previewbox/internal/reconcile"
	"previewbox/internal/store"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 20 * time.Second

	// DefaultWebhookRate is the number of webhook requests allowed per minute
	// and client IP.
	DefaultWebhookRate = 12

	shutdownTimeout = 10 * time.Second
)

// DeploymentLister lists deployment records for display. *store.Store
// implements it.
type DeploymentLister interface {
	ListAll(ctx context.Context) ([]reconcile.DeploymentRecord, error)
}

// RunLister returns journaled runs, newest first. *store.Store implements it.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// Trigger starts a reconciliation run in the background unless one is in
// progress. *reconcile.Scheduler implements it.
type Trigger interface {
	Trigger(ctx context.Context, holder string) bool
}

// Options configures a Server.
type Options struct {
	Deployments DeploymentLister
	Runs        RunLister
	// Trigger is required for the webhook endpoint.
	Trigger Trigger
	// Metrics serves /metrics when set.
	Metrics http.Handler

	// WebhookSecret enables POST /hooks/github when set.
	WebhookSecret string
	// WebhookRate is the per-IP webhook limit per minute. Zero uses
	// DefaultWebhookRate, negative disables rate limiting.
	WebhookRate int

	// Domain is the parent domain deployments are served under, used for
	// links on the status page.
	Domain string
	// Title of the status page.
	Title string
}

// Server represents the HTTP server
type Server struct {
	opts   Options
	logger *slog.Logger

	// runCtx is the context runs started by webhooks are bound to.
	runCtx context.Context
}

// NewServer creates a new server instance
func NewServer(opts Options, logger *slog.Logger) *Server {
	if opts.WebhookRate == 0 {
		opts.WebhookRate = DefaultWebhookRate
	}
	if opts.Title == "" {
		opts.Title = "Preview Deployments"
	}
	return &Server{
		opts:   opts,
		logger: logger,
		runCtx: context.Background(),
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(s.logRequests)

	r.Get("/", s.HandleIndex)
	r.Get("/health", s.HandleHealth)
	r.Get("/api/deployments", s.HandleDeployments)
	r.Get("/api/runs", s.HandleRuns)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	if s.opts.WebhookSecret != "" && s.opts.Trigger != nil {
		hooks := r.With()
		if s.opts.WebhookRate > 0 {
			hooks = r.With(NewRateLimitMiddleware(s.opts.WebhookRate, s.logger))
		}
		hooks.Post("/hooks/github", s.HandleGitHubWebhook)
	}

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds())
		}()

		next.ServeHTTP(ww, r)
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. Runs started by webhooks are bound to ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.runCtx = ctx
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
