// Package api provides the HTTP server for InsightPipe.
//
// It mounts the channel webhooks, the health and metrics endpoints and the
// session admin endpoints on a chi router.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	healthCheckTimeout     = 5 * time.Second
)

// SessionAdmin is the session surface exposed by the admin endpoints.
type SessionAdmin interface {
	Session(ctx context.Context, userID string) (*models.Session, error)
	Finish(ctx context.Context, userID string) (bool, error)
}

// SessionCounter reports the number of sessions per state.
type SessionCounter interface {
	CountSessions(ctx context.Context) (map[models.SessionState]int, error)
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr            string
	ChannelName     string
	LineWebhook     http.Handler
	TwilioWebhook   http.Handler
	Metrics         http.Handler
	Credentials     map[string]bool
	ShutdownTimeout time.Duration
	AdminToken      string
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithChannelName sets the active messaging channel reported by /health.
func WithChannelName(name string) Option {
	return func(o *Opts) { o.ChannelName = name }
}

// WithLineWebhook mounts h at POST /callback.
func WithLineWebhook(h http.Handler) Option {
	return func(o *Opts) { o.LineWebhook = h }
}

// WithTwilioWebhook mounts h at POST /twilio/webhook.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithCredentials sets the credential-configured flags reported by /health.
func WithCredentials(flags map[string]bool) Option {
	return func(o *Opts) { o.Credentials = flags }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithAdminToken enables the /sessions endpoints behind a bearer token. They
// are not mounted when token is empty.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// Server is the InsightPipe HTTP server.
type Server struct {
	sessions SessionAdmin
	counter  SessionCounter
	cfg      Opts
	router   chi.Router
}

// NewServer creates a Server and registers its routes.
func NewServer(sessions SessionAdmin, counter SessionCounter, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{sessions: sessions, counter: counter, cfg: cfg}
	s.router = s.routes()
	return s
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/", s.rootHandler)
	r.Get("/health", s.healthHandler)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
	if s.cfg.LineWebhook != nil {
		r.Method(http.MethodPost, "/callback", s.cfg.LineWebhook)
	}
	if s.cfg.TwilioWebhook != nil {
		r.Method(http.MethodPost, "/twilio/webhook", s.cfg.TwilioWebhook)
	}
	if s.cfg.AdminToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(requireBearer(s.cfg.AdminToken))
			r.Get("/sessions/{userID}", s.getSessionHandler)
			r.Delete("/sessions/{userID}", s.finishSessionHandler)
		})
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			slog.Error("Server.Run: server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: forced shutdown", "error", err)
		return err
	}
	slog.Info("Server.Run: stopped")
	return nil
}

// requestLogger logs each request with slog after it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()))
	})
}

// requireBearer rejects requests whose Authorization header does not carry token.
func requireBearer(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				slog.Warn("api.requireBearer: rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
