// Package server exposes stream status over HTTP: liveness, prometheus
// metrics and the current counter snapshot of every stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/record"
	"github.com/baldanca/firehose-ingestor/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stream is what the server needs from a stream manager.
type Stream interface {
	Name() string
	State() stream.State
	Buffered() int
}

type Server struct {
	store    counter.Store
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	mu      sync.RWMutex
	streams map[string]Stream

	router chi.Router
	http   *http.Server
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer sets what /metrics serves. Default prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func New(store counter.Store, opts ...Option) *Server {
	if store == nil {
		panic("store is required")
	}
	s := &Server{
		store:    store,
		gatherer: prometheus.DefaultGatherer,
		logger:   zap.NewNop(),
		streams:  make(map[string]Stream),
	}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/streams", s.listStreams)
	r.Get("/counts/{stream}", s.counts)
	s.router = r
	return s
}

// Register makes a stream visible under /streams. Counts of unregistered
// streams are still served, with cached reported as 0.
func (s *Server) Register(streams ...Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range streams {
		s.streams[st.Name()] = st
	}
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

type streamStatus struct {
	stream.State
	Buffered int `json:"buffered"`
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make([]streamStatus, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, streamStatus{State: st.State(), Buffered: st.Buffered()})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) counts(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stream")

	counts, err := s.store.GetAll(r.Context(), counter.KeysFor(name).CountsPrefix)
	if err != nil {
		s.logger.Warn("counts lookup failed", zap.String("stream", name), zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	cached := 0
	s.mu.RLock()
	st, ok := s.streams[name]
	s.mu.RUnlock()
	if ok {
		cached = st.Buffered()
	}
	s.writeJSON(w, http.StatusOK, record.NewMetadata(counts, cached))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
