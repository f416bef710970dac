package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/config"
	"github.com/JakeFAU/bookmark-pipeline/internal/dispatcher"
	"github.com/JakeFAU/bookmark-pipeline/internal/metrics"
	"github.com/JakeFAU/bookmark-pipeline/internal/ratelimit"
	"github.com/JakeFAU/bookmark-pipeline/internal/store"
)

// Submitter accepts new submissions. dispatcher.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, sub dispatcher.Submission) (bookmark.Item, error)
}

// Deps groups the collaborators behind the HTTP handlers.
type Deps struct {
	Submitter Submitter
	Items     *store.ProcessingRepository
	Bookmarks *store.BookmarkRepository
	Clock     bookmark.Clock
	// Limiter bounds per-user submissions. Nil disables limiting.
	Limiter *ratelimit.Limiter
	// Ready reports whether downstream dependencies are reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/bookmarks", func(r chi.Router) {
		r.Use(authMiddleware(auth))
		r.Get("/", s.listBookmarks)
		r.Delete("/{id}", s.removeBookmark)
		r.Route("/process", func(r chi.Router) {
			r.With(rateLimitMiddleware(deps.Limiter)).Post("/", s.submit)
			r.Post("/cancel", s.cancel)
			r.Get("/", s.listItems)
			r.Get("/{id}", s.getItem)
			r.Delete("/{id}", s.removeItem)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
