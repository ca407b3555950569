// Package http exposes the conversation orchestrator over a REST and SSE
// surface. A posted message is accepted with 202 and a stream URL; the
// event stream replays the persisted prefix and tails live frames.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/pkg/domain"
)

// Coordinator is the orchestration surface the server exposes.
type Coordinator interface {
	Submit(ctx context.Context, conversationID, content string) (string, error)
	Attach(ctx context.Context, conversationID string) ([]domain.Frame, <-chan domain.Frame, func(), error)
	Transcript(ctx context.Context, conversationID string) (*domain.Transcript, error)
	List(ctx context.Context) ([]string, error)
	Cancel(conversationID string) bool
	Delete(ctx context.Context, conversationID string) error
}

// Server handles the REST and SSE endpoints.
type Server struct {
	coordinator Coordinator
	logger      *slog.Logger
	registry    *prometheus.Registry
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsRegistry exposes the registry on /metrics.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// NewHandler builds the HTTP handler over the coordinator.
func NewHandler(coordinator Coordinator, opts ...Option) http.Handler {
	s := &Server{
		coordinator: coordinator,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", s.handleTranscript)
			r.Delete("/", s.handleDelete)
			r.Post("/messages", s.handleSubmit)
			r.Post("/cancel", s.handleCancel)
			r.Get("/stream", s.handleStream)
		})
	})

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitRequest is the body of POST /conversations/{id}/messages.
type SubmitRequest struct {
	Content string `json:"content"`
}

// SubmitResponse acknowledges an accepted message.
type SubmitResponse struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	StreamURL      string `json:"stream_url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Content == "" {
		s.writeError(w, http.StatusBadRequest, "content must not be empty")
		return
	}

	turnID, err := s.coordinator.Submit(r.Context(), conversationID, body.Content)
	if err != nil {
		s.logger.Error("submit failed", "conversation_id", conversationID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to accept message")
		return
	}

	s.writeJSON(w, http.StatusAccepted, SubmitResponse{
		ConversationID: conversationID,
		TurnID:         turnID,
		StreamURL:      fmt.Sprintf("/conversations/%s/stream?turn_id=%s", conversationID, turnID),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	turnID := r.URL.Query().Get("turn_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	prefix, frames, cancel, err := s.coordinator.Attach(r.Context(), conversationID)
	if err != nil {
		s.logger.Error("attach failed", "conversation_id", conversationID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to attach to stream")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// A done frame ends the stream only for the requested turn. Without a
	// turn_id the replayed prefix streams in full, historical done frames
	// included, and the stream ends at the next live done frame.
	send := func(frame domain.Frame, live bool) bool {
		data, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("frame marshal failed", "err", err)
			return true
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		terminal := frame.TurnID == turnID
		if turnID == "" {
			terminal = live
		}
		if frame.Kind == domain.UnitDone && terminal {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return false
		}
		return true
	}

	for _, frame := range prefix {
		if !send(frame, false) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				// Detached (slow reader or deleted conversation); the client
				// re-attaches and replays.
				return
			}
			if !send(frame, true) {
				return
			}
		}
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	tr, err := s.coordinator.Transcript(r.Context(), conversationID)
	if errors.Is(err, domain.ErrConversationNotFound) {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("transcript load failed", "conversation_id", conversationID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	s.writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.coordinator.List(r.Context())
	if err != nil {
		s.logger.Error("list failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"conversations": ids})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if !s.coordinator.Cancel(conversationID) {
		s.writeError(w, http.StatusNotFound, "no turn in flight")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if err := s.coordinator.Delete(r.Context(), conversationID); err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("delete failed", "conversation_id", conversationID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
