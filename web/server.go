// Package web serves the pinger's state over HTTP: an auto-refreshing HTML
// overview and a small JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
	"github.com/mdrakiburrahman/kusto-pinger/config"
	"github.com/mdrakiburrahman/kusto-pinger/logger"
	"github.com/mdrakiburrahman/kusto-pinger/scheduler"
)

// Options configures a Server.
type Options struct {
	Addr    string                 // listen address, default ":8080"
	Refresh time.Duration          // HTML auto-refresh period, default 30s
	Stats   func() scheduler.Stats // scheduler progress for /healthz, optional
}

// slot is the last state rendered for one source.
type slot struct {
	target   config.Target
	history  []collector.Sample
	err      error
	failures int
	updated  time.Time
	rendered bool
}

// Server is a scheduler sink that keeps the last rendered state of every
// source and serves it over HTTP.
type Server struct {
	opts   Options
	log    *zap.Logger
	router *chi.Mux
	now    func() time.Time

	mu    sync.RWMutex
	order []string
	slots map[string]*slot
}

// NewServer creates the server with one slot per target.
func NewServer(targets []config.Target, opts Options, log *zap.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.Refresh <= 0 {
		opts.Refresh = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		opts:  opts,
		log:   log,
		now:   time.Now,
		slots: make(map[string]*slot, len(targets)),
	}
	for _, t := range targets {
		s.order = append(s.order, t.Name)
		s.slots[t.Name] = &slot{target: t}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/sources", func(r chi.Router) {
		r.Get("/", s.handleSources)
		r.Get("/{name}", s.handleSource)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("web server listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("web server stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) RenderHistory(source string, history []collector.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[source]; ok {
		sl.history = history
		sl.err = nil
		sl.failures = 0
		sl.updated = s.now()
		sl.rendered = true
	}
}

func (s *Server) RenderError(source string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[source]; ok {
		sl.err = err
		sl.failures++
		sl.rendered = true
	}
}

// requestLogger attaches a request-scoped logger to the context and logs
// each request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithRequestID(s.log, middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), log)))

		log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.FromContext(r.Context(), zap.NewNop()).Warn("write response", zap.Error(err))
	}
}
