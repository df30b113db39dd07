package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"

	"github.com/skiffworks/skiff/internal/session"
)

// markdown renders exported transcripts. GFM covers the tables and
// fenced code blocks models like to emit.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(htmlrenderer.WithHardWraps()),
)

const exportPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
.role { color: #666; font-size: 0.85rem; text-transform: uppercase; margin-top: 1.5rem; }
pre { background: #f4f4f4; padding: 0.75rem; overflow-x: auto; }
</style>
</head>
<body>
<h1>%s</h1>
%s
</body>
</html>
`

// handleChatExport renders a chat transcript as a standalone HTML page.
// GET /api/chats/{id}/export?format=markdown returns the raw markdown
// instead.
func (s *Server) handleChatExport(w http.ResponseWriter, r *http.Request) {
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

	md := transcriptMarkdown(c, messages)

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, md)
		return
	}

	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		s.logger.Error("markdown render failed", "chat_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "render error")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, exportPage, c.Title, c.Title, body.String())
}

// transcriptMarkdown flattens a chat into a markdown document.
func transcriptMarkdown(c *session.Chat, messages []session.Message) string {
	var b strings.Builder

	for _, m := range messages {
		switch m.Role {
		case "user":
			b.WriteString("## User\n\n")
		case "assistant":
			b.WriteString("## Assistant\n\n")
		default:
			fmt.Fprintf(&b, "## %s\n\n", m.Role)
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")

		for _, f := range m.Files {
			fmt.Fprintf(&b, "*Attachment: %s*\n\n", f)
		}
	}

	return b.String()
}
