// Package api exposes the dialogue pipeline over HTTP.
//
// Routes:
//
//	POST   /api/v1/chat
//	GET    /api/v1/conversations/{player_id}/{conversation_id}?max_turns=N
//	DELETE /api/v1/conversations/{player_id}
//	DELETE /api/v1/conversations/{player_id}/{conversation_id}
//	GET    /api/v1/npcs
//	GET    /api/v1/usage
//	GET    /api/v1/knowledge/stats
//	GET    /api/v1/schema
//
// plus /healthz, /readyz and /metrics when the corresponding handlers are
// supplied. Every route runs behind [observe.Middleware].
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/MrWong99/kotoba/internal/health"
	"github.com/MrWong99/kotoba/internal/history"
	"github.com/MrWong99/kotoba/internal/knowledge"
	"github.com/MrWong99/kotoba/internal/observe"
	"github.com/MrWong99/kotoba/internal/processor"
	"github.com/MrWong99/kotoba/internal/profile"
	"github.com/MrWong99/kotoba/internal/usage"
)

// DefaultMaxBodyBytes caps chat request bodies.
const DefaultMaxBodyBytes = 64 << 10

// Processor answers chat requests.
type Processor interface {
	Process(ctx context.Context, req processor.Request) (*processor.Result, error)
}

// HistoryManager reads and deletes conversation history.
type HistoryManager interface {
	GetHistory(ctx context.Context, playerID, conversationID string, maxTurns int) ([]history.Turn, error)
	Delete(ctx context.Context, playerID, conversationID string) error
	DeleteAll(ctx context.Context, playerID string) error
}

// UsageReporter summarizes hosted-tier usage.
type UsageReporter interface {
	Summary() usage.Summary
}

// KnowledgeReporter reports retrieval analytics.
type KnowledgeReporter interface {
	Stats() knowledge.Stats
}

// ProfileLister lists the configured NPC profiles.
type ProfileLister interface {
	IDs() []string
	Profile(npcID string) (profile.Profile, bool)
}

// Server routes HTTP requests to the pipeline and its stores.
type Server struct {
	proc         Processor
	history      HistoryManager
	usage        UsageReporter
	knowledge    KnowledgeReporter
	profiles     ProfileLister
	health       *health.Handler
	metricsH     http.Handler
	metrics      *observe.Metrics
	maxBodyBytes int64
	schemas      []byte
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory enables the conversation routes.
func WithHistory(h HistoryManager) Option { return func(s *Server) { s.history = h } }

// WithUsage enables GET /api/v1/usage.
func WithUsage(u UsageReporter) Option { return func(s *Server) { s.usage = u } }

// WithKnowledge enables GET /api/v1/knowledge/stats.
func WithKnowledge(k KnowledgeReporter) Option { return func(s *Server) { s.knowledge = k } }

// WithProfiles enables GET /api/v1/npcs.
func WithProfiles(p ProfileLister) Option { return func(s *Server) { s.profiles = p } }

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metricsH = h } }

// WithMetrics sets the metrics used by the request middleware.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithMaxBodyBytes overrides [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// New creates a Server over proc.
func New(proc Processor, opts ...Option) (*Server, error) {
	if proc == nil {
		return nil, errors.New("api: processor must not be nil")
	}
	s := &Server{proc: proc, maxBodyBytes: DefaultMaxBodyBytes}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	schemas, err := json.Marshal(ChatSchemas())
	if err != nil {
		return nil, fmt.Errorf("api: marshal schemas: %w", err)
	}
	s.schemas = schemas
	return s, nil
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", s.chat)
	mux.HandleFunc("GET /api/v1/schema", s.schema)
	if s.history != nil {
		mux.HandleFunc("GET /api/v1/conversations/{player_id}/{conversation_id}", s.getConversation)
		mux.HandleFunc("DELETE /api/v1/conversations/{player_id}", s.deletePlayer)
		mux.HandleFunc("DELETE /api/v1/conversations/{player_id}/{conversation_id}", s.deleteConversation)
	}
	if s.profiles != nil {
		mux.HandleFunc("GET /api/v1/npcs", s.listNPCs)
	}
	if s.usage != nil {
		mux.HandleFunc("GET /api/v1/usage", s.usageSummary)
	}
	if s.knowledge != nil {
		mux.HandleFunc("GET /api/v1/knowledge/stats", s.knowledgeStats)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsH != nil {
		mux.Handle("GET /metrics", s.metricsH)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	res, err := s.proc.Process(r.Context(), req.toRequest())
	switch {
	case errors.Is(err, processor.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err)
		return
	case err != nil:
		observe.Logger(r.Context()).Error("api: chat failed", "player_id", req.PlayerID, "err", err)
		writeError(w, r, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, fromResult(res))
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	player, conv := r.PathValue("player_id"), r.PathValue("conversation_id")
	maxTurns := 0
	if v := r.URL.Query().Get("max_turns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("max_turns must be a non-negative integer, got %q", v))
			return
		}
		maxTurns = n
	}
	turns, err := s.history.GetHistory(r.Context(), player, conv, maxTurns)
	if err != nil {
		s.storeError(w, r, "get history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{PlayerID: player, ConversationID: conv, Turns: turns})
}

func (s *Server) deletePlayer(w http.ResponseWriter, r *http.Request) {
	player := r.PathValue("player_id")
	if err := s.history.DeleteAll(r.Context(), player); err != nil {
		s.storeError(w, r, "delete history", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success", Message: "conversations cleared for player " + player})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	player, conv := r.PathValue("player_id"), r.PathValue("conversation_id")
	if err := s.history.Delete(r.Context(), player, conv); err != nil {
		s.storeError(w, r, "delete conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success", Message: "conversation " + conv + " cleared"})
}

func (s *Server) listNPCs(w http.ResponseWriter, _ *http.Request) {
	ids := s.profiles.IDs()
	out := make([]profile.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles.Profile(id); ok {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"npcs": out})
}

func (s *Server) usageSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.usage.Summary())
}

func (s *Server) knowledgeStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.knowledge.Stats())
}

func (s *Server) schema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.schemas)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, history.ErrClosed) {
		writeError(w, r, http.StatusServiceUnavailable, errors.New("history store is shutting down"))
		return
	}
	observe.Logger(r.Context()).Error("api: "+op+" failed", "player_id", r.PathValue("player_id"), "err", err)
	writeError(w, r, http.StatusInternalServerError, errors.New("internal error"))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: observe.RequestID(r.Context())})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
