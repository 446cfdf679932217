package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"affiliateScope/internal/metrics"
	"affiliateScope/internal/model"
)

// FeeReader is the read side of the fee store.
type FeeReader interface {
	Query(ctx context.Context, q model.FeeQuery) ([]model.FeeEvent, error)
	Cursors(ctx context.Context) ([]model.ScanCursor, error)
}

// StateSource reports the last state of each worker.
type StateSource interface {
	States() map[string]model.RunState
}

// Server serves the fee query API, health and metrics.
type Server struct {
	server  *http.Server
	router  *mux.Router
	store   FeeReader
	states  StateSource
	metrics *metrics.ScanMetrics
	logger  *zap.Logger
}

// New builds a Server. states and m may be nil.
func New(addr string, store FeeReader, states StateSource, m *metrics.ScanMetrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, states: states, metrics: m, logger: logger}
	s.setupRouter()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/fees", s.listFeesHandler).Methods(http.MethodGet)
	api.HandleFunc("/cursors", s.listCursorsHandler).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.states != nil {
		workers := s.states.States()
		resp["workers"] = workers
		for _, state := range workers {
			if state == model.StateFailed {
				resp["status"] = "degraded"
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listFeesHandler(w http.ResponseWriter, r *http.Request) {
	q, err := parseFeeQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	events, err := s.store.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to query fee events", err)
		return
	}
	if events == nil {
		events = []model.FeeEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) listCursorsHandler(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.store.Cursors(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list cursors", err)
		return
	}
	if cursors == nil {
		cursors = []model.ScanCursor{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cursors": cursors})
}

// parseFeeQuery reads chain, contract, affiliate, from/to (RFC3339 or unix
// seconds), from_block/to_block, priced and limit.
func parseFeeQuery(r *http.Request) (model.FeeQuery, error) {
	values := r.URL.Query()
	q := model.FeeQuery{
		Chain:     strings.TrimSpace(values.Get("chain")),
		Contract:  strings.TrimSpace(values.Get("contract")),
		Affiliate: strings.TrimSpace(values.Get("affiliate")),
	}

	var err error
	if q.FromTime, err = parseTime(values.Get("from")); err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	if q.ToTime, err = parseTime(values.Get("to")); err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	if q.FromBlock, err = parseUint(values.Get("from_block")); err != nil {
		return q, fmt.Errorf("from_block: %w", err)
	}
	if q.ToBlock, err = parseUint(values.Get("to_block")); err != nil {
		return q, fmt.Errorf("to_block: %w", err)
	}
	if raw := values.Get("priced"); raw != "" {
		priced, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("priced: %w", err)
		}
		q.Priced = &priced
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("limit: invalid value %q", raw)
		}
		q.Limit = limit
	}
	return q, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseUint(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil {
		resp["details"] = err.Error()
		s.logger.Warn("http error", zap.Int("status", status), zap.String("message", message), zap.Error(err))
	}
	s.writeJSON(w, status, resp)
}
