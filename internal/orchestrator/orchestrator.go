// Package orchestrator runs the model/tool-call loop at the heart of
// every conversation: invoke the model with tool schemas, dispatch the
// tool calls it requests, feed results back, repeat until final text.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/skiffworks/skiff/internal/llm"
	"github.com/skiffworks/skiff/internal/tools"
)

// DefaultMaxToolLoops caps model→tool→model iterations per run.
const DefaultMaxToolLoops = 25

// TokenUsage accumulates provider-reported token counts across every
// model call in a run.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

func (u *TokenUsage) add(resp *llm.ChatResponse) {
	u.InputTokens += resp.InputTokens
	u.OutputTokens += resp.OutputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
}

// Config tunes an Orchestrator.
type Config struct {
	// MaxToolLoops overrides DefaultMaxToolLoops when positive.
	MaxToolLoops int

	// RateLimiter, when set, is awaited before every model call.
	RateLimiter *rate.Limiter

	Logger *slog.Logger
}

// Orchestrator executes conversation runs. Safe for concurrent use;
// each run is independent.
type Orchestrator struct {
	maxLoops int
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	maxLoops := cfg.MaxToolLoops
	if maxLoops <= 0 {
		maxLoops = DefaultMaxToolLoops
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		maxLoops: maxLoops,
		limiter:  cfg.RateLimiter,
		logger:   logger,
	}
}

// Request is one conversation run. Messages already contain the system
// prompt, history, and the resolved user input; attachment resolution
// happened upstream, once, in the history assembler.
type Request struct {
	ConversationID string
	Messages       []llm.Message
	Tools          *tools.Snapshot
	Client         llm.Client
	Model          string

	// OnEvent, when set, receives text deltas in generation order.
	OnEvent EventFunc
}

// Result is the outcome of a completed run.
type Result struct {
	FinalText string
	Usage     TokenUsage
	ToolCalls int
}

// Run executes the loop until the model produces final text, an error
// aborts the run, or the loop cap is hit. Tool-level failures are fed
// back to the model as error-flagged results and never abort the run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	logger := o.logger.With("conversation_id", req.ConversationID, "model", req.Model)

	messages := req.Messages
	schemas := req.Tools.Schemas()

	result := &Result{}

	// Emit forwards an event unless the run has been cancelled. No
	// events may escape after cancellation is observed.
	emit := func(ev Event) {
		if req.OnEvent != nil && ctx.Err() == nil {
			req.OnEvent(ev)
		}
	}

	for loop := 1; loop <= o.maxLoops; loop++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, ErrCancelled
			}
		}

		var callback llm.StreamCallback
		if req.OnEvent != nil {
			callback = func(token string) { emit(Text(token)) }
		}

		resp, err := req.Client.ChatStream(ctx, req.Model, messages, schemas, callback)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			return nil, fmt.Errorf("%w: %v", ErrModelInvocation, err)
		}

		result.Usage.add(resp)

		if len(resp.Message.ToolCalls) == 0 {
			result.FinalText = resp.Message.Content
			logger.Debug("run complete",
				"loops", loop,
				"tool_calls", result.ToolCalls,
				"total_tokens", result.Usage.TotalTokens,
			)
			return result, nil
		}

		calls := resp.Message.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", loop, i)
			}
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		// Dispatch every requested call concurrently; the loop does
		// not continue until all results are in.
		results := o.dispatch(ctx, req.Tools, calls, logger)

		// Cancellation observed at the barrier: discard results and
		// stop without emitting anything further.
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}

		result.ToolCalls += len(calls)
		messages = append(messages, results...)
	}

	return nil, fmt.Errorf("%w: %d iterations", ErrToolLoopExceeded, o.maxLoops)
}

// dispatch runs every tool call and returns the tool-role messages in
// request order. An unknown tool or a failed call becomes an
// error-flagged result for the model, never an error for the caller.
func (o *Orchestrator) dispatch(ctx context.Context, snap *tools.Snapshot, calls []llm.ToolCall, logger *slog.Logger) []llm.Message {
	results := make([]llm.Message, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()

			logger.Debug("dispatching tool call", "tool", call.Name, "call_id", call.ID)

			res, err := snap.Call(ctx, call.Name, call.Arguments)
			if err != nil {
				res = tools.Result{
					Output:  fmt.Sprintf("tool %s failed: %v", call.Name, err),
					IsError: true,
				}
			}

			if res.IsError {
				logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "output", res.Output)
			}

			content := res.Output
			if res.IsError {
				content = "Error: " + content
			}

			results[i] = llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			}
		}(i, call)
	}
	wg.Wait()

	return results
}
