package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skiffworks/skiff/internal/llm"
	"github.com/skiffworks/skiff/internal/tools"
)

// mockLLM replays a scripted sequence of responses and records the
// message lists it was called with.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	calls     [][]llm.Message
}

func (m *mockLLM) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, messages, toolSchemas, nil)
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	n := len(m.calls)
	m.calls = append(m.calls, messages)
	m.mu.Unlock()

	if n < len(m.errs) && m.errs[n] != nil {
		return nil, m.errs[n]
	}

	var resp *llm.ChatResponse
	if n < len(m.responses) {
		resp = m.responses[n]
	} else {
		resp = m.responses[len(m.responses)-1]
	}

	if callback != nil && resp.Message.Content != "" && len(resp.Message.ToolCalls) == 0 {
		for _, r := range resp.Message.Content {
			callback(string(r))
		}
	}
	return resp, nil
}

func (m *mockLLM) Ping(ctx context.Context) error { return nil }

func final(text string, in, out int) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", Content: text},
		Done:         true,
		InputTokens:  in,
		OutputTokens: out,
	}
}

func toolBatch(in, out int, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", ToolCalls: calls},
		Done:         true,
		InputTokens:  in,
		OutputTokens: out,
	}
}

// recordingServer is a tools.Server whose calls can be delayed.
type recordingServer struct {
	name   string
	output string
	delay  time.Duration

	mu    sync.Mutex
	calls []string
}

func (s *recordingServer) Name() string { return s.name }

func (s *recordingServer) CallTool(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return tools.Result{}, ctx.Err()
		}
	}
	return tools.Result{Output: s.output}, nil
}

func snapshotWith(t *testing.T, server tools.Server, names ...string) *tools.Snapshot {
	t.Helper()
	r := tools.NewRegistry(nil)
	descs := make([]tools.Descriptor, len(names))
	for i, n := range names {
		descs[i] = tools.Descriptor{Name: n, Description: "test"}
	}
	r.RegisterServer(server, descs)
	return r.Snapshot()
}

func userMessages(text string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "Be helpful."},
		{Role: "user", Content: text},
	}
}

func TestRunFinalAnswerFirstCall(t *testing.T) {
	// Scenario: no tools needed, first response is the answer.
	client := &mockLLM{responses: []*llm.ChatResponse{final("4", 10, 2)}}

	o := New(Config{})
	res, err := o.Run(t.Context(), Request{
		ConversationID: "c1",
		Messages:       userMessages("What's 2+2?"),
		Tools:          tools.NewRegistry(nil).Snapshot(),
		Client:         client,
		Model:          "m",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.FinalText != "4" {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	if res.Usage != (TokenUsage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}) {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if res.ToolCalls != 0 {
		t.Errorf("ToolCalls = %d, want 0", res.ToolCalls)
	}
}

func TestRunToolLoopAndTokenAccounting(t *testing.T) {
	// One tool round then a final answer; usage accumulates across both
	// model calls.
	client := &mockLLM{responses: []*llm.ChatResponse{
		toolBatch(20, 5, llm.ToolCall{ID: "c1", Name: "search", Arguments: map[string]any{"q": "x"}}),
		final("found result-x", 30, 8),
	}}
	server := &recordingServer{name: "stub", output: "result-x"}

	o := New(Config{})
	res, err := o.Run(t.Context(), Request{
		ConversationID: "c1",
		Messages:       userMessages("search for x"),
		Tools:          snapshotWith(t, server, "search"),
		Client:         client,
		Model:          "m",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.FinalText != "found result-x" {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	if res.Usage.TotalTokens != 63 {
		t.Errorf("TotalTokens = %d, want 63", res.Usage.TotalTokens)
	}
	if res.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", res.ToolCalls)
	}

	// The second model call must include the assistant tool request and
	// the correlated tool result.
	second := client.calls[1]
	var sawResult bool
	for _, msg := range second {
		if msg.Role == "tool" && msg.ToolCallID == "c1" && msg.Content == "result-x" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Errorf("tool result not fed back to model: %+v", second)
	}
}

func TestRunToolLoopExceeded(t *testing.T) {
	// Model never stops requesting tools; the cap must end the run.
	client := &mockLLM{responses: []*llm.ChatResponse{
		toolBatch(1, 1, llm.ToolCall{Name: "search", Arguments: nil}),
	}}
	server := &recordingServer{name: "stub", output: "x"}

	o := New(Config{MaxToolLoops: 3})
	_, err := o.Run(t.Context(), Request{
		ConversationID: "c1",
		Messages:       userMessages("loop forever"),
		Tools:          snapshotWith(t, server, "search"),
		Client:         client,
		Model:          "m",
	})
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("err = %v, want ErrToolLoopExceeded", err)
	}
	if len(client.calls) != 3 {
		t.Errorf("model called %d times, want 3", len(client.calls))
	}
}

func TestRunUnknownToolIsNonFatal(t *testing.T) {
	client := &mockLLM{responses: []*llm.ChatResponse{
		toolBatch(5, 5, llm.ToolCall{ID: "c1", Name: "unknown-tool"}),
		final("done anyway", 5, 5),
	}}

	o := New(Config{})
	res, err := o.Run(t.Context(), Request{
		ConversationID: "c1",
		Messages:       userMessages("try it"),
		Tools:          tools.NewRegistry(nil).Snapshot(),
		Client:         client,
		Model:          "m",
	})
	if err != nil {
		t.Fatalf("Run must not fail on unknown tool: %v", err)
	}
	if res.FinalText != "done anyway" {
		t.Errorf("FinalText = %q", res.FinalText)
	}

	second := client.calls[1]
	var sawError bool
	for _, msg := range second {
		if msg.Role == "tool" && msg.ToolCallID == "c1" && strings.HasPrefix(msg.Content, "Error:") {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("error-flagged result not fed back: %+v", second)
	}
}

func TestRunModelFailureAborts(t *testing.T) {
	client := &mockLLM{
		responses: []*llm.ChatResponse{final("unreachable", 0, 0)},
		errs:      []error{fmt.Errorf("provider exploded")},
	}

	o := New(Config{})
	_, err := o.Run(t.Context(), Request{
		ConversationID: "c1",
		Messages:       userMessages("hi"),
		Tools:          tools.NewRegistry(nil).Snapshot(),
		Client:         client,
		Model:          "m",
	})
	if !errors.Is(err, ErrModelInvocation) {
		t.Fatalf("err = %v, want ErrModelInvocation", err)
	}
}

func TestRunStreamsTextInOrder(t *testing.T) {
	client := &mockLLM{responses: []*llm.ChatResponse{final("abc", 1, 1)}}

	var deltas []string
	o := New(Config{})
	_, err := o.Run(t.Context(), Request{
		ConversationID: "c1",
		Messages:       userMessages("hi"),
		Tools:          tools.NewRegistry(nil).Snapshot(),
		Client:         client,
		Model:          "m",
		OnEvent: func(ev Event) {
			if ev.Type == "text" {
				deltas = append(deltas, ev.Content.(string))
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(deltas, "") != "abc" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestRunCancellationDuringToolCall(t *testing.T) {
	client := &mockLLM{responses: []*llm.ChatResponse{
		toolBatch(1, 1, llm.ToolCall{ID: "c1", Name: "slow"}),
		final("never", 1, 1),
	}}
	server := &recordingServer{name: "stub", output: "late", delay: 5 * time.Second}

	registry := NewAbortRegistry()
	ctx, cancel := context.WithCancel(t.Context())
	registry.Register("c1", cancel)

	var mu sync.Mutex
	var eventsAfterCancel int
	cancelled := false

	go func() {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		cancelled = true
		mu.Unlock()
		registry.Cancel("c1")
	}()

	o := New(Config{})
	start := time.Now()
	_, err := o.Run(ctx, Request{
		ConversationID: "c1",
		Messages:       userMessages("slow op"),
		Tools:          snapshotWith(t, server, "slow"),
		Client:         client,
		Model:          "m",
		OnEvent: func(ev Event) {
			mu.Lock()
			if cancelled {
				eventsAfterCancel++
			}
			mu.Unlock()
		},
	})

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cancellation not observed promptly (%v)", elapsed)
	}
	mu.Lock()
	defer mu.Unlock()
	if eventsAfterCancel != 0 {
		t.Errorf("%d events emitted after cancellation", eventsAfterCancel)
	}
	if registry.Len() != 0 {
		t.Errorf("abort registry leaked %d entries", registry.Len())
	}
}

func TestRunSynthesizesToolCallIDs(t *testing.T) {
	client := &mockLLM{responses: []*llm.ChatResponse{
		toolBatch(1, 1,
			llm.ToolCall{Name: "search", Arguments: map[string]any{"q": "a"}},
			llm.ToolCall{Name: "search", Arguments: map[string]any{"q": "b"}},
		),
		final("ok", 1, 1),
	}}
	server := &recordingServer{name: "stub", output: "r"}

	o := New(Config{})
	if _, err := o.Run(t.Context(), Request{
		ConversationID: "c1",
		Messages:       userMessages("two calls"),
		Tools:          snapshotWith(t, server, "search"),
		Client:         client,
		Model:          "m",
	}); err != nil {
		t.Fatal(err)
	}

	second := client.calls[1]
	ids := map[string]bool{}
	for _, msg := range second {
		if msg.Role == "tool" {
			if msg.ToolCallID == "" {
				t.Error("tool result with empty call id")
			}
			if ids[msg.ToolCallID] {
				t.Errorf("duplicate call id %s", msg.ToolCallID)
			}
			ids[msg.ToolCallID] = true
		}
	}
	if len(ids) != 2 {
		t.Errorf("tool results = %d, want 2", len(ids))
	}
}

func TestRunConcurrentDispatchBarrier(t *testing.T) {
	// Three slow calls dispatched concurrently should finish in roughly
	// one delay, and all results must be present before the next model
	// call.
	delay := 150 * time.Millisecond
	client := &mockLLM{responses: []*llm.ChatResponse{
		toolBatch(1, 1,
			llm.ToolCall{ID: "a", Name: "slow"},
			llm.ToolCall{ID: "b", Name: "slow"},
			llm.ToolCall{ID: "c", Name: "slow"},
		),
		final("ok", 1, 1),
	}}
	server := &recordingServer{name: "stub", output: "r", delay: delay}

	o := New(Config{})
	start := time.Now()
	res, err := o.Run(t.Context(), Request{
		ConversationID: "c1",
		Messages:       userMessages("fan out"),
		Tools:          snapshotWith(t, server, "slow"),
		Client:         client,
		Model:          "m",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ToolCalls != 3 {
		t.Errorf("ToolCalls = %d", res.ToolCalls)
	}
	if elapsed := time.Since(start); elapsed > 3*delay {
		t.Errorf("dispatch looks serial: %v for 3 calls of %v", elapsed, delay)
	}

	toolResults := 0
	for _, msg := range client.calls[1] {
		if msg.Role == "tool" {
			toolResults++
		}
	}
	if toolResults != 3 {
		t.Errorf("second model call saw %d tool results, want 3", toolResults)
	}
}
