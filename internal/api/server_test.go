package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/skiffworks/skiff/internal/chat"
	"github.com/skiffworks/skiff/internal/orchestrator"
	"github.com/skiffworks/skiff/internal/prompt"
	"github.com/skiffworks/skiff/internal/session"
	"github.com/skiffworks/skiff/internal/usage"
)

// stubLister returns a fixed model list.
type stubLister struct {
	names []string
	err   error
}

func (s *stubLister) ListModels(ctx context.Context) ([]string, error) {
	return s.names, s.err
}

// stubService replays scripted events for every query.
type stubService struct {
	mu      sync.Mutex
	events  []orchestrator.Event
	err     error
	queries []chat.Query
	aborted []string
}

func (s *stubService) ProcessQuery(ctx context.Context, q chat.Query, onEvent orchestrator.EventFunc) error {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	for _, ev := range s.events {
		if onEvent != nil {
			onEvent(ev)
		}
	}
	return s.err
}

func (s *stubService) Abort(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, chatID)
}

func newTestServer(t *testing.T, svc QueryProcessor) (*httptest.Server, *session.Store, *prompt.Manager) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	store, err := session.NewStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	prompts, err := prompt.NewManager("", logger)
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer("127.0.0.1", 0, svc, store, prompts, nil, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, prompts
}

func TestChatStreamsEnvelopes(t *testing.T) {
	svc := &stubService{events: []orchestrator.Event{
		orchestrator.ChatInfo("c1", "New Chat"),
		orchestrator.Text("hel"),
		orchestrator.Text("lo"),
		orchestrator.MessageInfo("u1", "a1"),
		orchestrator.ChatInfo("c1", "Greeting"),
	}}
	ts, _, _ := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"chatId":"c1","text":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}

	if len(lines) != 6 {
		t.Fatalf("data lines = %d: %v", len(lines), lines)
	}
	if lines[0] != `{"type":"chat_info","content":{"id":"c1","title":"New Chat"}}` {
		t.Errorf("first line = %s", lines[0])
	}
	if lines[1] != `{"type":"text","content":"hel"}` {
		t.Errorf("second line = %s", lines[1])
	}
	if lines[len(lines)-1] != "[DONE]" {
		t.Errorf("last line = %s", lines[len(lines)-1])
	}

	if len(svc.queries) != 1 || svc.queries[0].ChatID != "c1" || svc.queries[0].Text != "hello" {
		t.Errorf("queries = %+v", svc.queries)
	}
}

func TestChatRejectsEmptyText(t *testing.T) {
	ts, _, _ := newTestServer(t, &stubService{})

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAbortRoute(t *testing.T) {
	svc := &stubService{}
	ts, _, _ := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/chat/abort/c42", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(svc.aborted) != 1 || svc.aborted[0] != "c42" {
		t.Errorf("aborted = %v", svc.aborted)
	}
}

func TestChatCRUD(t *testing.T) {
	ts, store, _ := newTestServer(t, &stubService{})
	ctx := t.Context()

	created, err := store.CreateChat(ctx, "c1", "First")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendMessage(ctx, session.Message{ChatID: created.ID, Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	// List
	resp, err := http.Get(ts.URL + "/api/chats")
	if err != nil {
		t.Fatal(err)
	}
	var chats []session.Chat
	if err := json.NewDecoder(resp.Body).Decode(&chats); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(chats) != 1 || chats[0].ID != "c1" {
		t.Errorf("chats = %+v", chats)
	}

	// Get
	resp, err = http.Get(ts.URL + "/api/chats/c1")
	if err != nil {
		t.Fatal(err)
	}
	var detail struct {
		Chat     session.Chat      `json:"chat"`
		Messages []session.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if detail.Chat.Title != "First" || len(detail.Messages) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	// Rename
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/chats/c1/rename",
		strings.NewReader(`{"title":"Renamed"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	got, _ := store.Chat(ctx, "c1")
	if got.Title != "Renamed" {
		t.Errorf("title after rename = %q", got.Title)
	}

	// Delete
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/chats/c1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if _, err := store.Chat(ctx, "c1"); err == nil {
		t.Error("chat survived delete")
	}
}

func TestChatGetNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t, &stubService{})
	resp, err := http.Get(ts.URL + "/api/chats/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAgentRoutes(t *testing.T) {
	ts, _, prompts := newTestServer(t, &stubService{})

	resp, err := http.Post(ts.URL+"/api/agent/activate", "application/json",
		strings.NewReader(`{"name":"Navigator","systemPrompt":"You chart courses.","openingLine":"Where to?"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	p := prompts.ActivePersona()
	if p == nil || p.Name != "Navigator" {
		t.Fatalf("persona = %+v", p)
	}
	if !strings.Contains(prompts.EffectivePrompt(), "You chart courses.") {
		t.Error("effective prompt missing persona text")
	}

	// Current reflects the active persona.
	resp, err = http.Get(ts.URL + "/api/agent/current")
	if err != nil {
		t.Fatal(err)
	}
	var current struct {
		Active *PersonaRequest `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if current.Active == nil || current.Active.Name != "Navigator" {
		t.Errorf("current = %+v", current.Active)
	}

	// Deactivate clears it.
	resp, err = http.Post(ts.URL+"/api/agent/deactivate", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if prompts.ActivePersona() != nil {
		t.Error("persona still active after deactivate")
	}
}

func TestModelsRoute(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	store, err := session.NewStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	prompts, err := prompt.NewManager("", logger)
	if err != nil {
		t.Fatal(err)
	}

	lister := &stubLister{names: []string{"llama3.3:latest", "qwen2.5:7b"}}
	srv := NewServer("127.0.0.1", 0, &stubService{}, store, prompts, nil, lister, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Models) != 2 || body.Models[0] != "llama3.3:latest" {
		t.Errorf("models = %v", body.Models)
	}
}

func TestModelsRouteWithoutLister(t *testing.T) {
	ts, _, _ := newTestServer(t, &stubService{})

	resp, err := http.Get(ts.URL + "/api/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestUsageSummaryRoute(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	store, err := session.NewStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	prompts, err := prompt.NewManager("", logger)
	if err != nil {
		t.Fatal(err)
	}

	us, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { us.Close() })
	records := []usage.Record{
		{ChatID: "c1", Model: "qwen3", Provider: "ollama", InputTokens: 7, OutputTokens: 3, ToolCalls: 1},
		{ChatID: "c2", Model: "sonnet", Provider: "anthropic", InputTokens: 20, OutputTokens: 10},
	}
	for _, rec := range records {
		if err := us.Record(t.Context(), rec); err != nil {
			t.Fatal(err)
		}
	}

	srv := NewServer("127.0.0.1", 0, &stubService{}, store, prompts, us, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/usage/summary")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Total   usage.Summary            `json:"total"`
		ByModel map[string]usage.Summary `json:"byModel"`
		ByChat  map[string]usage.Summary `json:"byChat"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Total.TotalRecords != 2 {
		t.Errorf("total = %+v", body.Total)
	}
	if len(body.ByChat) != 2 {
		t.Fatalf("byChat = %+v", body.ByChat)
	}
	if got := body.ByChat["c1"]; got.TotalInputTokens != 7 || got.TotalToolCalls != 1 {
		t.Errorf("c1 = %+v", got)
	}
	if got := body.ByModel["sonnet"]; got.TotalOutputTokens != 10 {
		t.Errorf("sonnet = %+v", got)
	}
}

func TestHealthAndVersion(t *testing.T) {
	ts, _, _ := newTestServer(t, &stubService{})

	for _, path := range []string{"/health", "/api/version", "/"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
