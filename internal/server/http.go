// Package server exposes the read-only query API and operational endpoints
// over HTTP/JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"DexIndexer/internal/ingest"
	"DexIndexer/internal/observability"
	"DexIndexer/internal/query"
)

const (
	defaultTradesLimit  = 50
	defaultHistoryLimit = 50
	maxPageLimit        = 200
)

// Server serves the query API plus health probes.
type Server struct {
	httpServer *http.Server
	svc        *query.Service
	registry   *ingest.Registry
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func New(
	addr string,
	svc *query.Service,
	registry *ingest.Registry,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		svc:      svc,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/orderbook", s.instrument("orderbook", s.handleOrderBook))
	mux.HandleFunc("GET /v1/pools/{id}", s.instrument("pool", s.handlePool))
	mux.HandleFunc("GET /v1/pools/{id}/history", s.instrument("pool_history", s.handlePoolHistory))
	mux.HandleFunc("GET /v1/trades", s.instrument("trades", s.handleTrades))
	mux.HandleFunc("GET /v1/pairs", s.instrument("pairs", s.handlePairs))
	mux.HandleFunc("GET /v1/streams", s.instrument("streams", s.handleStreams))
	mux.HandleFunc("POST /v1/streams/{name}/resync", s.instrument("resync", s.handleResync))
	mux.HandleFunc("GET /healthz", health.LivenessHandler)
	mux.HandleFunc("GET /readyz", health.ReadinessHandler)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("query API listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// instrument wraps a handler with request counting and latency metrics.
func (s *Server) instrument(endpoint string, h func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := h(w, r)
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) int {
	selling := r.URL.Query().Get("selling")
	buying := r.URL.Query().Get("buying")
	if selling == "" || buying == "" {
		return s.writeError(w, http.StatusBadRequest, "selling and buying query parameters are required")
	}
	if selling == buying {
		return s.writeError(w, http.StatusBadRequest, "selling and buying must differ")
	}

	book, err := s.svc.OrderBook(r.Context(), selling, buying)
	if err != nil {
		return s.writeInternal(w, "orderbook", err)
	}
	return s.writeJSON(w, http.StatusOK, book)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) int {
	pool, err := s.svc.Pool(r.Context(), r.PathValue("id"))
	if err != nil {
		return s.writeInternal(w, "pool", err)
	}
	if pool == nil {
		return s.writeError(w, http.StatusNotFound, "unknown pool")
	}
	return s.writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handlePoolHistory(w http.ResponseWriter, r *http.Request) int {
	limit, ok := parseLimit(r, defaultHistoryLimit)
	if !ok {
		return s.writeError(w, http.StatusBadRequest, "invalid limit")
	}

	history, err := s.svc.PoolHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		return s.writeInternal(w, "pool_history", err)
	}
	return s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) int {
	limit, ok := parseLimit(r, defaultTradesLimit)
	if !ok {
		return s.writeError(w, http.StatusBadRequest, "invalid limit")
	}

	trades, err := s.svc.Trades(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		return s.writeInternal(w, "trades", err)
	}
	return s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) int {
	pairs, err := s.svc.Pairs(r.Context())
	if err != nil {
		return s.writeInternal(w, "pairs", err)
	}
	return s.writeJSON(w, http.StatusOK, map[string]interface{}{"pairs": pairs})
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) int {
	statuses, err := s.svc.Streams(r.Context())
	if err != nil {
		return s.writeInternal(w, "streams", err)
	}
	return s.writeJSON(w, http.StatusOK, map[string]interface{}{"streams": statuses})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) int {
	name := r.PathValue("name")
	if !s.registry.Resync(name) {
		return s.writeError(w, http.StatusNotFound, "unknown stream")
	}
	s.logger.Info().Str("stream", name).Msg("resync requested via API")
	return s.writeJSON(w, http.StatusAccepted, map[string]string{
		"stream": name,
		"status": "resync_scheduled",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
	return status
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) int {
	return s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeInternal(w http.ResponseWriter, endpoint string, err error) int {
	s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
	return s.writeError(w, http.StatusInternalServerError, "internal error")
}

func parseLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxPageLimit {
		n = maxPageLimit
	}
	return n, true
}
