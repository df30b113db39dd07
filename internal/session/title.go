package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/skiffworks/skiff/internal/llm"
)

const (
	// titleTimeout bounds the auxiliary title call so it can never hold
	// up the main conversation stream.
	titleTimeout = 5 * time.Second

	// titleInputLimit caps how much of the user's message is sent to
	// the title model.
	titleInputLimit = 500

	// titleMaxLen caps the stored title length.
	titleMaxLen = 60
)

const titlePrompt = "Generate a short title (at most five words) summarizing the " +
	"user's message below. Respond with the title only, no quotes and no punctuation " +
	"at the end.\n\nMessage:\n"

// GenerateTitle asks the model for a short chat title derived from the
// user's first message. It returns "" on any failure or timeout; the
// caller falls back to a default title. Runs on its own deadline,
// detached from the conversation's lifetime.
func GenerateTitle(ctx context.Context, client llm.Client, model, userText string, logger *slog.Logger) string {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	input := []rune(userText)
	if len(input) > titleInputLimit {
		input = input[:titleInputLimit]
	}

	resp, err := client.Chat(ctx, model, []llm.Message{
		{Role: "user", Content: titlePrompt + string(input)},
	}, nil)
	if err != nil {
		logger.Debug("title generation failed", "error", err)
		return ""
	}

	return cleanTitle(resp.Message.Content)
}

// cleanTitle normalizes model output into a single-line bounded title.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)

	if r := []rune(title); len(r) > titleMaxLen {
		title = strings.TrimSpace(string(r[:titleMaxLen-1])) + "…"
	}
	return title
}
