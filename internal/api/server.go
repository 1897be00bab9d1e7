// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/monitoring"
	"github.com/sells-group/datasheet-cli/internal/orchestrator"
	"github.com/sells-group/datasheet-cli/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Service is the task surface the server exposes. *orchestrator.Orchestrator
// satisfies it.
type Service interface {
	Submit(ctx context.Context, req model.TaskRequest) (string, error)
	Status(id string) (orchestrator.Snapshot, error)
	Cancel(id string) error
	Stats() monitoring.Snapshot
}

// Server routes HTTP requests to the orchestrator and, when configured, the
// record store.
type Server struct {
	svc     Service
	records store.Reader
	origins []string
}

// NewServer creates a Server. records may be nil, in which case the record
// and search routes are not mounted.
func NewServer(svc Service, records store.Reader, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{svc: svc, records: records, origins: allowedOrigins}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Get("/stats", s.stats)

		if s.records != nil {
			r.Get("/records", s.listRecords)
			r.Get("/records/{id}", s.getRecord)
			r.Get("/search", s.search)
		}
	})
	return r
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req model.TaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		writeMessage(w, http.StatusBadRequest, "source is required")
		return
	}

	id, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(model.TaskStatusPending),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecordFilter{
		ReviewOnly:   q.Get("review") == "true",
		Manufacturer: q.Get("manufacturer"),
		Limit:        intParam(q.Get("limit")),
		Offset:       intParam(q.Get("offset")),
	}
	recs, err := s.records.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []store.RecordSummary{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeMessage(w, http.StatusBadRequest, "q is required")
		return
	}
	hits, err := s.records.Search(r.Context(), query, intParam(r.URL.Query().Get("limit")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []store.RecordSummary{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func intParam(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrTaskTerminal):
		return http.StatusConflict
	case errors.Is(err, model.ErrSourceUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeMessage(w, code, http.StatusText(code))
		return
	}
	writeMessage(w, code, err.Error())
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
