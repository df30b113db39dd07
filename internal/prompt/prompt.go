// Package prompt maintains the effective system prompt for conversations:
// base instructions, an optional custom-rules file, and an optional
// persona pushed from an external activation source.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// baseSystemTemplate is the default system prompt used when no persona
// is active. It provides core behavioral guidance for tool usage.
const baseSystemTemplate = `You are Skiff, a helpful assistant with access to external tools.

## When to Use Tools
Only use tools when the user asks you to DO something or LOOK UP something specific.

Do NOT use tools for:
- Greetings ("hi", "hello", "hey") — just say hi back!
- Conversation ("how are you?", "thanks") — respond directly
- Questions about yourself ("who are you?") — answer from your knowledge

## Rules
- Use the provided tools when they fit the request. Do not invent tool names.
- If a tool fails, tell the user what went wrong instead of retrying forever.
- Keep responses concise. Summarize tool output rather than quoting it verbatim.`

// BaseSystemPrompt returns the default system prompt. It currently needs
// no interpolation but stays a function so callers do not bind to the
// constant directly.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// DefaultResyncInterval is how long a synced persona state stays fresh.
const DefaultResyncInterval = 30 * time.Second

// Persona is an externally activated agent identity that overrides the
// base instructions.
type Persona struct {
	Name         string
	SystemRole   string
	SystemPrompt string
	OpeningLine  string
}

// Manager holds the current prompt state. All methods are safe for
// concurrent use; the effective prompt is rebuilt on every mutation so
// reads are cheap.
type Manager struct {
	base   string
	rules  string
	logger *slog.Logger

	mu        sync.RWMutex
	persona   *Persona
	effective string
	lastSync  time.Time
	interval  time.Duration
}

// NewManager creates a prompt manager. If customRulesPath is non-empty
// the file's contents are appended to every effective prompt; a missing
// file is an error so misconfiguration surfaces at startup.
func NewManager(customRulesPath string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		base:     BaseSystemPrompt(),
		logger:   logger,
		interval: DefaultResyncInterval,
	}

	if customRulesPath != "" {
		data, err := os.ReadFile(customRulesPath)
		if err != nil {
			return nil, fmt.Errorf("read custom rules: %w", err)
		}
		m.rules = strings.TrimSpace(string(data))
	}

	m.rebuild()
	return m, nil
}

// EffectivePrompt returns the current system prompt.
func (m *Manager) EffectivePrompt() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effective
}

// ActivePersona returns a copy of the active persona, or nil.
func (m *Manager) ActivePersona() *Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.persona == nil {
		return nil
	}
	p := *m.persona
	return &p
}

// Greeting returns the active persona's opening line, or empty when no
// persona is active.
func (m *Manager) Greeting() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.persona == nil {
		return ""
	}
	return m.persona.OpeningLine
}

// SetPersona activates a persona. Its system prompt replaces the base
// instructions; custom rules still apply.
func (m *Manager) SetPersona(p Persona) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persona = &p
	m.rebuild()
	m.logger.Info("persona activated", "name", p.Name)
}

// ClearPersona drops the active persona, restoring the base prompt.
func (m *Manager) ClearPersona() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persona != nil {
		m.logger.Info("persona deactivated", "name", m.persona.Name)
	}
	m.persona = nil
	m.rebuild()
}

// NeedsResync reports whether the persona state is stale at the given
// time and should be refreshed from the activation source.
func (m *Manager) NeedsResync(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return now.Sub(m.lastSync) >= m.interval
}

// MarkResynced records a successful sync at the given time.
func (m *Manager) MarkResynced(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSync = now
}

// ForceResync invalidates the sync clock so the next NeedsResync check
// reports stale regardless of elapsed time.
func (m *Manager) ForceResync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSync = time.Time{}
}

// rebuild recomputes the effective prompt. Caller must hold m.mu.
func (m *Manager) rebuild() {
	var parts []string

	if m.persona != nil {
		if m.persona.SystemRole != "" {
			parts = append(parts, m.persona.SystemRole)
		}
		if m.persona.SystemPrompt != "" {
			parts = append(parts, m.persona.SystemPrompt)
		}
		if len(parts) == 0 {
			parts = append(parts, m.base)
		}
	} else {
		parts = append(parts, m.base)
	}

	if m.rules != "" {
		parts = append(parts, "## Custom Rules\n"+m.rules)
	}

	m.effective = strings.Join(parts, "\n\n")
}
