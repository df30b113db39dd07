// Package chat coordinates a full query: persona sync, persistence,
// history assembly, the orchestrator run, and the event stream the
// client sees.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skiffworks/skiff/internal/history"
	"github.com/skiffworks/skiff/internal/llm"
	"github.com/skiffworks/skiff/internal/orchestrator"
	"github.com/skiffworks/skiff/internal/prompt"
	"github.com/skiffworks/skiff/internal/session"
	"github.com/skiffworks/skiff/internal/tools"
	"github.com/skiffworks/skiff/internal/usage"
)

// defaultTitle names chats whose title generation failed or timed out.
const defaultTitle = "New Chat"

// titleWait bounds how long the stream waits on the title goroutine
// before falling back.
const titleWait = 5 * time.Second

// Service processes queries end to end. One instance serves all chats.
type Service struct {
	store     *session.Store
	usage     *usage.Store
	prompts   *prompt.Manager
	syncer    *prompt.Syncer
	assembler *history.Assembler
	registry  *tools.Registry
	aborts    *orchestrator.AbortRegistry
	orch      *orchestrator.Orchestrator
	client    llm.Client
	model     string
	logger    *slog.Logger
}

// Config wires a Service. Usage may be nil to disable accounting.
type Config struct {
	Store     *session.Store
	Usage     *usage.Store
	Prompts   *prompt.Manager
	Syncer    *prompt.Syncer
	Assembler *history.Assembler
	Registry  *tools.Registry
	Aborts    *orchestrator.AbortRegistry
	Orch      *orchestrator.Orchestrator
	Client    llm.Client
	Model     string
	Logger    *slog.Logger
}

// NewService creates a chat service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		usage:     cfg.Usage,
		prompts:   cfg.Prompts,
		syncer:    cfg.Syncer,
		assembler: cfg.Assembler,
		registry:  cfg.Registry,
		aborts:    cfg.Aborts,
		orch:      cfg.Orch,
		client:    cfg.Client,
		model:     cfg.Model,
		logger:    logger,
	}
}

// Query is one incoming user query.
type Query struct {
	// ChatID may name an existing chat or a new one; empty means a new
	// chat with a generated id.
	ChatID string

	Text  string
	Files []string

	// Model overrides the service default when set.
	Model string

	// RegenerateFrom, when set, rewinds the chat to just before this
	// message id before processing. Used to redo an answer from an
	// edited turn.
	RegenerateFrom string
}

// Abort cancels the in-flight run for a chat, if any.
func (s *Service) Abort(chatID string) {
	s.aborts.Cancel(chatID)
}

// ProcessQuery runs one query and streams events to onEvent in order:
// an initial chat_info, text deltas, message_info, then a final
// chat_info carrying the settled title. A cancelled run ends silently;
// other failures produce an error event.
func (s *Service) ProcessQuery(ctx context.Context, q Query, onEvent orchestrator.EventFunc) error {
	model := q.Model
	if model == "" {
		model = s.model
	}

	// Persona freshness is checked once per query, never mid-run.
	if s.syncer != nil {
		if err := s.syncer.SyncIfStale(ctx); err != nil {
			s.logger.Warn("persona sync failed, continuing with current prompt", "error", err)
		}
	}

	chat, isNew, err := s.ensureChat(ctx, q.ChatID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.aborts.Register(chat.ID, cancel)
	defer s.aborts.Unregister(chat.ID)

	emit := func(ev orchestrator.Event) {
		if onEvent != nil && runCtx.Err() == nil {
			onEvent(ev)
		}
	}

	emit(orchestrator.ChatInfo(chat.ID, chat.Title))

	// Title generation runs detached so a slow auxiliary call can never
	// stall the answer stream.
	var titleCh chan string
	if isNew {
		titleCh = make(chan string, 1)
		go func() {
			titleCh <- session.GenerateTitle(context.WithoutCancel(runCtx), s.client, model, q.Text, s.logger)
		}()
	}

	if q.RegenerateFrom != "" {
		if err := s.store.DeleteMessagesAfter(runCtx, chat.ID, q.RegenerateFrom); err != nil {
			return fmt.Errorf("rewind chat: %w", err)
		}
	}

	userID, err := s.store.AppendMessage(runCtx, session.Message{
		ChatID:  chat.ID,
		Role:    "user",
		Content: q.Text,
		Files:   q.Files,
	})
	if err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	messages, err := s.assembleHistory(runCtx, chat.ID)
	if err != nil {
		emit(orchestrator.ErrorEvent("failed to prepare conversation history"))
		return err
	}

	result, err := s.orch.Run(runCtx, orchestrator.Request{
		ConversationID: chat.ID,
		Messages:       messages,
		Tools:          s.registry.Snapshot(),
		Client:         s.client,
		Model:          model,
		OnEvent:        emit,
	})
	if err != nil {
		// A user abort ends the stream without an error event; every
		// other failure is surfaced.
		if errors.Is(err, orchestrator.ErrCancelled) {
			return err
		}
		emit(orchestrator.ErrorEvent(err.Error()))
		return err
	}

	asstID, err := s.store.AppendMessage(runCtx, session.Message{
		ChatID:       chat.ID,
		Role:         "assistant",
		Content:      result.FinalText,
		Model:        model,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	})
	if err != nil {
		emit(orchestrator.ErrorEvent("failed to persist assistant message"))
		return fmt.Errorf("persist assistant message: %w", err)
	}

	s.recordUsage(chat.ID, model, result)

	emit(orchestrator.MessageInfo(userID, asstID))

	title := s.settleTitle(runCtx, chat.ID, chat.Title, titleCh)
	emit(orchestrator.ChatInfo(chat.ID, title))

	return nil
}

// ensureChat loads the chat or creates it, reporting whether it is new.
func (s *Service) ensureChat(ctx context.Context, id string) (*session.Chat, bool, error) {
	if id != "" {
		chat, err := s.store.Chat(ctx, id)
		if err == nil {
			return chat, false, nil
		}
		if !errors.Is(err, session.ErrChatNotFound) {
			return nil, false, err
		}
	}

	chat, err := s.store.CreateChat(ctx, id, defaultTitle)
	if err != nil {
		return nil, false, fmt.Errorf("create chat: %w", err)
	}
	return chat, true, nil
}

// assembleHistory loads the transcript and resolves it into model
// messages, attachments included, prefixed by the effective prompt.
func (s *Service) assembleHistory(ctx context.Context, chatID string) ([]llm.Message, error) {
	stored, err := s.store.Messages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	turns := make([]history.Turn, len(stored))
	for i, m := range stored {
		turns[i] = history.Turn{Role: m.Role, Content: m.Content, Files: m.Files}
	}

	return s.assembler.Assemble(ctx, s.prompts.EffectivePrompt(), turns)
}

// settleTitle waits briefly for the async title, persists it, and
// returns whatever title the chat ends up with.
func (s *Service) settleTitle(ctx context.Context, chatID, current string, titleCh chan string) string {
	if titleCh == nil {
		return current
	}

	var title string
	select {
	case title = <-titleCh:
	case <-time.After(titleWait):
		s.logger.Debug("title generation timed out", "chat_id", chatID)
	case <-ctx.Done():
	}

	if title == "" {
		return current
	}

	if err := s.store.Rename(ctx, chatID, title); err != nil {
		s.logger.Warn("failed to persist generated title", "chat_id", chatID, "error", err)
		return current
	}
	return title
}

// recordUsage persists token accounting; failures only log.
func (s *Service) recordUsage(chatID, model string, result *orchestrator.Result) {
	if s.usage == nil {
		return
	}
	err := s.usage.Record(context.Background(), usage.Record{
		ChatID:       chatID,
		Model:        model,
		Provider:     providerFor(model),
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		ToolCalls:    result.ToolCalls,
		Kind:         "chat",
	})
	if err != nil {
		s.logger.Warn("failed to record usage", "chat_id", chatID, "error", err)
	}
}

// providerFor mirrors the model routing heuristic for accounting.
func providerFor(model string) string {
	if llm.IsAnthropicModel(model) {
		return "anthropic"
	}
	return "ollama"
}
