// Package server exposes tile delivery over HTTP.
//
// Routes:
//
//	GET /tiles/{identity}/{page}/tiles/{tile}   tile bytes, or the fallback asset
//	GET /healthz                                liveness
//	GET /stats                                  counters and cache statistics (JSON)
//
// Tile responses carry X-Zipit-Job (the job ID) and X-Zipit-Outcome
// ("tile" or "fallback"); fallbacks also carry X-Zipit-Error with the code
// of the stage that failed. A tile whose fallback cannot be fetched gets
// 502. A job cancelled before it delivers gets 503 with no body.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ourdigitalworld/zipit/pkg/dircache"
	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/locator"
	"github.com/ourdigitalworld/zipit/pkg/observability"
	"github.com/ourdigitalworld/zipit/pkg/tiles"
)

// Response headers set on tile responses.
const (
	HeaderJob     = "X-Zipit-Job"
	HeaderOutcome = "X-Zipit-Outcome"
	HeaderError   = "X-Zipit-Error"
)

// ShutdownTimeout bounds how long Serve waits for in-flight requests.
const ShutdownTimeout = 10 * time.Second

// Server serves tiles from an Orchestrator.
type Server struct {
	orch     *tiles.Orchestrator
	counters *observability.Counters
	logger   *log.Logger
	router   chi.Router
}

// Stats is the /stats document.
type Stats struct {
	Counters    *observability.CountersSnapshot `json:"counters,omitempty"`
	Locator     locator.Stats                   `json:"locator"`
	Directories dircache.Stats                  `json:"directories"`
}

// New creates a Server. counters may be nil, in which case /stats only
// reports cache statistics.
func New(orch *tiles.Orchestrator, counters *observability.Counters, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{orch: orch, counters: counters, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/tiles/*", s.handleTile)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends. Requests in flight at
// that point run to completion before Serve returns, within ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Request contexts outlive ctx so that Shutdown can drain them.
	base := context.WithoutCancel(ctx)
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("serving tiles", "addr", ln.Addr().String(), "fallback", s.orch.FallbackURL())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(base, ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := Stats{
		Locator:     s.orch.Locator().Stats(),
		Directories: s.orch.Directories().Stats(),
	}
	if s.counters != nil {
		snap := s.counters.Snapshot()
		st.Counters = &snap
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Warn("encode stats", "err", err)
	}
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	tilePath := chi.URLParam(r, "*")
	job := s.orch.RequestTile(r.Context(), tilePath)
	res := job.Wait()

	w.Header().Set(HeaderJob, job.ID)
	switch res.Outcome {
	case tiles.OutcomeCancelled:
		s.logger.Debug("tile request cancelled", "job", job.ID, "path", tilePath)
		w.Header().Set(HeaderOutcome, string(res.Outcome))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	case tiles.OutcomeFailed:
		http.Error(w, zerr.UserMessage(res.Err), http.StatusBadGateway)
		return
	case tiles.OutcomeFallback:
		w.Header().Set(HeaderError, string(zerr.GetCode(res.Err)))
		w.Header().Set("Cache-Control", "no-store")
	}

	w.Header().Set(HeaderOutcome, string(res.Outcome))
	w.Header().Set("Content-Type", contentType(tilePath, res))
	w.Write(res.Bytes)
}

// contentType guesses the media type of a delivered tile.
func contentType(tilePath string, res tiles.Result) string {
	if res.Outcome == tiles.OutcomeTile {
		if ct := mime.TypeByExtension(path.Ext(tilePath)); ct != "" {
			return ct
		}
	}
	return http.DetectContentType(res.Bytes)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"outcome", ww.Header().Get(HeaderOutcome),
			"duration", time.Since(start).Round(time.Millisecond))
	})
}
