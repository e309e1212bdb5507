// Package httpapi exposes the engine over HTTP: input submission and stream
// inspection. It is an operational surface, not a public API; deployments
// front it with their own gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/health"
	"github.com/unistream/unistream/internal/router"
	"github.com/unistream/unistream/internal/stream"
)

// Server wires the HTTP surface over the router and store.
type Server struct {
	router *router.Router
	store  stream.Store
	codec  *stream.Codec
	health *health.Manager
	logger *zap.Logger
}

// NewServer builds the HTTP surface. health may be nil when probes are
// served elsewhere.
func NewServer(rt *router.Router, store stream.Store, codec *stream.Codec, hm *health.Manager, logger *zap.Logger) *Server {
	return &Server{router: rt, store: store, codec: codec, health: hm, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/inputs", s.handleSubmit)
	mux.HandleFunc("GET /v1/streams/{id}", s.handleReadStream)
	mux.HandleFunc("GET /v1/streams/{id}/pending", s.handlePending)
	mux.HandleFunc("GET /v1/instances", s.handleInstances)
	if s.health != nil {
		mux.Handle("GET /healthz", s.health.LivenessHandler())
		mux.Handle("GET /readyz", s.health.ReadinessHandler())
	}
	return mux
}

// submitRequest is the external input envelope. Type is the registered wire
// name of the payload; Kind defaults to command.
type submitRequest struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing input type"))
		return
	}

	input, err := s.codec.Decode(req.Type, req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var workflowID string
	switch req.Kind {
	case "", "command":
		workflowID, err = s.router.Submit(r.Context(), input)
	case "event":
		workflowID, err = s.router.SubmitEvent(r.Context(), input)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown input kind %q", req.Kind))
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, router.ErrNoRoute) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{WorkflowID: workflowID})
}

// messageView is the read-side representation of one stream message.
type messageView struct {
	WorkflowID string    `json:"workflow_id"`
	Position   int64     `json:"position"`
	Kind       string    `json:"kind"`
	Direction  string    `json:"direction"`
	Timestamp  time.Time `json:"timestamp"`
	Processed  *bool     `json:"processed,omitempty"`
	Type       string    `json:"type"`
	Payload    any       `json:"payload"`
}

func (s *Server) view(m stream.Message) messageView {
	v := messageView{
		WorkflowID: m.WorkflowID,
		Position:   m.Position,
		Kind:       string(m.Kind),
		Direction:  string(m.Direction),
		Timestamp:  m.Timestamp,
		Processed:  m.Processed,
	}
	msgType, data, err := s.codec.Encode(m)
	if err != nil {
		// Unregistered payloads still render, just untyped.
		v.Type = fmt.Sprintf("%T", m.Payload)
		v.Payload = m.Payload
		return v
	}
	v.Type = msgType
	v.Payload = json.RawMessage(data)
	return v
}

func (s *Server) handleReadStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.store.ReadStream(r.Context(), id, 0)
	if err != nil {
		if errors.Is(err, stream.ErrStreamNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeMessages(w, msgs)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.store.PendingCommands(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeMessages(w, msgs)
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.store.(stream.Lister)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, errors.New("store does not enumerate instances"))
		return
	}
	ids, err := lister.Instances(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"instances": ids})
}

func (s *Server) writeMessages(w http.ResponseWriter, msgs []stream.Message) {
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, s.view(m))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"messages": views})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// ListenAndServe runs the API server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
