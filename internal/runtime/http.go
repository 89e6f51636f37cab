package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/capability"
	"github.com/loqalabs/loqa-grammar/internal/eventstore"
	"github.com/loqalabs/loqa-grammar/internal/pipeline"
)

type processor interface {
	Process(ctx context.Context, asset pipeline.AudioAsset) pipeline.Result
}

type timeline interface {
	GetRequest(ctx context.Context, requestID string) (eventstore.Request, error)
	ListRequestEvents(ctx context.Context, requestID string, limit int) ([]eventstore.Event, error)
}

type server struct {
	pipeline  processor
	events    timeline
	uploadDir string
	maxBytes  int64
	ready     func() bool
	nodes     func() []capability.NodeInfo
	metrics   http.Handler
	log       *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /predict", s.recoverJSON(s.handlePredict))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /requests/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /nodes", s.handleNodes)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *server) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)

	asset, err := receiveUpload(r, s.uploadDir, s.log)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.log.Info("upload rejected", slog.String("reason", verr.Reason))
			writeJSON(w, http.StatusBadRequest, errorBody(verr))
			return
		}
		s.log.Error("failed to store upload", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorBody(errors.New("failed to store upload")))
		return
	}

	res := s.pipeline.Process(r.Context(), asset)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

// recoverJSON reports a panicking handler as a failed result instead of
// dropping the connection.
func (s *server) recoverJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("request panic recovered", slog.Any("panic", rec), slog.String("path", r.URL.Path))
				writeJSON(w, http.StatusBadRequest, errorBody(fmt.Errorf("internal error: %v", rec)))
			}
		}()
		next(w, r)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "healthy"})
}

func (s *server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if s.nodes != nil {
		if known := s.nodes(); known != nil {
			nodes = known
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

type eventView struct {
	Stage      string    `json:"stage"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type requestView struct {
	RequestID   string      `json:"request_id"`
	Filename    string      `json:"filename"`
	Status      string      `json:"status"`
	Score       *float64    `json:"score,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Events      []eventView `json:"events"`
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, errorBody(errors.New("event store disabled")))
		return
	}
	id := r.PathValue("id")
	req, err := s.events.GetRequest(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Errorf("request %s not found", id)))
		return
	}
	if err != nil {
		s.log.Error("failed to load request", slog.String("request_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorBody(errors.New("failed to load request")))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.events.ListRequestEvents(r.Context(), id, limit)
	if err != nil {
		s.log.Error("failed to list request events", slog.String("request_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorBody(errors.New("failed to list events")))
		return
	}

	view := requestView{
		RequestID: req.ID,
		Filename:  req.Filename,
		Status:    req.Status,
		CreatedAt: req.CreatedAt,
		Events:    make([]eventView, 0, len(events)),
	}
	if req.Score.Valid {
		score := req.Score.Float64
		view.Score = &score
	}
	if !req.CompletedAt.IsZero() {
		completed := req.CompletedAt
		view.CompletedAt = &completed
	}
	for _, e := range events {
		view.Events = append(view.Events, eventView{
			Stage:      e.Stage,
			State:      e.State,
			Detail:     e.Detail,
			TraceID:    e.TraceID,
			DurationMS: e.DurationMS,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func errorBody(err error) map[string]any {
	return map[string]any{"ok": false, "error": err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
