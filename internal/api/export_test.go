package api

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/skiffworks/skiff/internal/session"
)

func TestChatExportHTML(t *testing.T) {
	ts, store, _ := newTestServer(t, &stubService{})
	ctx := t.Context()

	chat, err := store.CreateChat(ctx, "c1", "Code Review")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = store.AppendMessage(ctx, session.Message{ChatID: chat.ID, Role: "user", Content: "Show me `fmt.Println`"})
	_, _ = store.AppendMessage(ctx, session.Message{ChatID: chat.ID, Role: "assistant", Content: "Here:\n\n```go\nfmt.Println(\"hi\")\n```"})

	resp, err := http.Get(ts.URL + "/api/chats/c1/export")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	html := string(body)

	if !strings.Contains(html, "<title>Code Review</title>") {
		t.Error("missing title")
	}
	if !strings.Contains(html, "<h2") || !strings.Contains(html, "Assistant") {
		t.Error("missing role headings")
	}
	if !strings.Contains(html, "<code") {
		t.Error("code block not rendered")
	}
}

func TestChatExportMarkdown(t *testing.T) {
	ts, store, _ := newTestServer(t, &stubService{})
	ctx := t.Context()

	chat, _ := store.CreateChat(ctx, "c1", "Notes")
	_, _ = store.AppendMessage(ctx, session.Message{
		ChatID: chat.ID, Role: "user", Content: "remember this",
		Files: []string{"/tmp/doc.txt"},
	})

	resp, err := http.Get(ts.URL + "/api/chats/c1/export?format=markdown")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	md := string(body)

	if !strings.Contains(md, "## User") {
		t.Error("missing user heading")
	}
	if !strings.Contains(md, "*Attachment: /tmp/doc.txt*") {
		t.Error("missing attachment note")
	}
}

func TestChatExportNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t, &stubService{})
	resp, err := http.Get(ts.URL + "/api/chats/missing/export")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
