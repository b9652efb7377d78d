package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/config"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/metrics"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/service"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 1 << 20
)

// Actions is the part of the service the HTTP front drives.
type Actions interface {
	Handle(ctx context.Context, req service.Request, emit service.Emitter)
	Operation(ctx context.Context, id string) (crawler.OperationRecord, error)
	Cancel(ctx context.Context, id string) (crawler.OperationRecord, error)
}

// Server wires HTTP handlers to the service.
type Server struct {
	router  chi.Router
	actions Actions
	jobs    *JobsHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ops may be nil,
// in which case GET /v1/jobs answers 503.
func NewServer(actions Actions, ops OperationLister, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		actions: actions,
		jobs:    NewJobsHandler(ops, logger),
		logger:  logger,
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Action streams stay open for the life of the action.
		r.Post("/actions", s.runAction)
		r.Post("/actions/{action}", s.runAction)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Get("/jobs", s.jobs.List)
			r.Get("/jobs/{job_id}", s.getJob)
			r.Post("/jobs/{job_id}/cancel", s.cancelJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// runAction executes one service action and streams its progress and final
// lines as NDJSON. The body is either a full request envelope or, when the
// action is in the path, just its params.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	var req service.Request
	if action := chi.URLParam(r, "action"); action != "" {
		req.Action = action
		if len(body) > 0 {
			if !json.Valid(body) {
				s.writeError(w, http.StatusBadRequest, "invalid JSON")
				return
			}
			req.Params = body
		}
	} else if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	if req.ID == "" {
		req.ID = requestIDFrom(r.Context())
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var mu sync.Mutex
	emit := func(resp service.Response) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("stream write failed", zap.String("request_id", req.ID), zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	s.actions.Handle(r.Context(), req, emit)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	op, err := s.actions.Operation(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": op})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	op, err := s.actions.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	status := http.StatusAccepted
	if op.State.Terminal() {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]any{"job_id": op.ID, "state": op.State})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("operation lookup failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "failed to load job")
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = io.WriteString(w, `{"error":"internal server error"}`+"\n")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = io.WriteString(w, `{"error":"unauthorized"}`+"\n")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
