// Package api implements the HTTP surface: the streaming chat
// endpoint, chat management, persona control, and health plumbing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skiffworks/skiff/internal/buildinfo"
	"github.com/skiffworks/skiff/internal/chat"
	"github.com/skiffworks/skiff/internal/orchestrator"
	"github.com/skiffworks/skiff/internal/prompt"
	"github.com/skiffworks/skiff/internal/session"
	"github.com/skiffworks/skiff/internal/usage"
)

// QueryProcessor is the chat service as the API sees it.
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, q chat.Query, onEvent orchestrator.EventFunc) error
	Abort(chatID string)
}

// ModelLister reports the models the backing model server has pulled.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	svc     QueryProcessor
	store   *session.Store
	prompts *prompt.Manager
	usage   *usage.Store
	models  ModelLister
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server. usageStore and models may be nil.
func NewServer(address string, port int, svc QueryProcessor, store *session.Store, prompts *prompt.Manager, usageStore *usage.Store, models ModelLister, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		svc:     svc,
		store:   store,
		prompts: prompts,
		usage:   usageStore,
		models:  models,
		logger:  logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/abort/{id}", s.handleAbort)
	mux.HandleFunc("GET /api/chat/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/chats", s.handleChatList)
	mux.HandleFunc("GET /api/chats/{id}", s.handleChatGet)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleChatDelete)
	mux.HandleFunc("POST /api/chats/{id}/rename", s.handleChatRename)
	mux.HandleFunc("GET /api/chats/{id}/export", s.handleChatExport)

	mux.HandleFunc("POST /api/agent/activate", s.handleAgentActivate)
	mux.HandleFunc("POST /api/agent/deactivate", s.handleAgentDeactivate)
	mux.HandleFunc("GET /api/agent/current", s.handleAgentCurrent)

	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/usage/summary", s.handleUsageSummary)

	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: chat streams stay open for the whole run.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ChatID         string   `json:"chatId,omitempty"`
	Text           string   `json:"text"`
	Files          []string `json:"files,omitempty"`
	Model          string   `json:"model,omitempty"`
	RegenerateFrom string   `json:"regenerateFrom,omitempty"`
}

func (r ChatRequest) query() chat.Query {
	return chat.Query{
		ChatID:         r.ChatID,
		Text:           r.Text,
		Files:          r.Files,
		Model:          r.Model,
		RegenerateFrom: r.RegenerateFrom,
	}
}

// handleChat streams the run as server-sent events, one envelope per
// data line, ending with [DONE].
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	onEvent := func(ev orchestrator.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("failed to marshal event", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	err := s.svc.ProcessQuery(r.Context(), req.query(), onEvent)
	if err != nil && !errors.Is(err, orchestrator.ErrCancelled) {
		s.logger.Error("query failed", "error", err)
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.svc.Abort(r.PathValue("id"))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleChatList(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		s.logger.Error("list chats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	if chats == nil {
		chats = []session.Chat{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chats, s.logger)
}

func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	c, err := s.store.Chat(r.Context(), id)
	if errors.Is(err, session.ErrChatNotFound) {
		s.errorResponse(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}

	messages, err := s.store.Messages(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"chat": c, "messages": messages}, s.logger)
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChat(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted"}, s.logger)
}

func (s *Server) handleChatRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}

	err := s.store.Rename(r.Context(), r.PathValue("id"), body.Title)
	if errors.Is(err, session.ErrChatNotFound) {
		s.errorResponse(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// PersonaRequest is the body of POST /api/agent/activate.
type PersonaRequest struct {
	Name         string `json:"name"`
	SystemRole   string `json:"systemRole,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	OpeningLine  string `json:"openingLine,omitempty"`
}

func (s *Server) handleAgentActivate(w http.ResponseWriter, r *http.Request) {
	var req PersonaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "persona name is required")
		return
	}

	s.prompts.SetPersona(prompt.Persona{
		Name:         req.Name,
		SystemRole:   req.SystemRole,
		SystemPrompt: req.SystemPrompt,
		OpeningLine:  req.OpeningLine,
	})
	s.prompts.ForceResync()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "active": req.Name}, s.logger)
}

func (s *Server) handleAgentDeactivate(w http.ResponseWriter, r *http.Request) {
	s.prompts.ClearPersona()
	s.prompts.ForceResync()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleAgentCurrent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	p := s.prompts.ActivePersona()
	if p == nil {
		writeJSON(w, map[string]any{"active": nil}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"active": PersonaRequest{
		Name:         p.Name,
		SystemRole:   p.SystemRole,
		SystemPrompt: p.SystemPrompt,
		OpeningLine:  p.OpeningLine,
	}}, s.logger)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking disabled")
		return
	}

	end := time.Now().Add(time.Minute)
	start := end.Add(-30 * 24 * time.Hour)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	byModel, err := s.usage.SummaryByModel(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	byChat, err := s.usage.SummaryByChat(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"total": total, "byModel": byModel, "byChat": byChat}, s.logger)
}

// handleModels reports the models available from the model server, for
// the client's model picker.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		s.errorResponse(w, http.StatusNotFound, "model listing unavailable")
		return
	}

	names, err := s.models.ListModels(r.Context())
	if err != nil {
		s.logger.Error("list models failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "model server unavailable")
		return
	}
	if names == nil {
		names = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"models": names}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Skiff",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}
