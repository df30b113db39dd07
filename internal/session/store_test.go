package session

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndFetchChat(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	created, err := s.CreateChat(ctx, "", "")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if created.ID == "" {
		t.Fatal("empty generated id")
	}
	if created.Title != "New Chat" {
		t.Errorf("Title = %q, want default", created.Title)
	}

	got, err := s.Chat(ctx, created.ID)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Title != "New Chat" {
		t.Errorf("fetched Title = %q", got.Title)
	}

	exists, err := s.ChatExists(ctx, created.ID)
	if err != nil || !exists {
		t.Errorf("ChatExists = %v, %v", exists, err)
	}
	exists, err = s.ChatExists(ctx, "missing")
	if err != nil || exists {
		t.Errorf("ChatExists(missing) = %v, %v", exists, err)
	}
}

func TestChatNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Chat(t.Context(), "missing"); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("err = %v, want ErrChatNotFound", err)
	}
	if err := s.Rename(t.Context(), "missing", "x"); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("Rename err = %v, want ErrChatNotFound", err)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	chat, err := s.CreateChat(ctx, "c1", "Test")
	if err != nil {
		t.Fatal(err)
	}

	userID, err := s.AppendMessage(ctx, Message{
		ChatID:  chat.ID,
		Role:    "user",
		Content: "hello",
		Files:   []string{"/tmp/a.png", "/tmp/b.txt"},
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	asstID, err := s.AppendMessage(ctx, Message{
		ChatID:       chat.ID,
		Role:         "assistant",
		Content:      "hi there",
		Model:        "test-model",
		InputTokens:  10,
		OutputTokens: 4,
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != userID || msgs[0].Role != "user" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if len(msgs[0].Files) != 2 || msgs[0].Files[0] != "/tmp/a.png" {
		t.Errorf("Files = %v", msgs[0].Files)
	}
	if msgs[1].ID != asstID || msgs[1].Model != "test-model" || msgs[1].OutputTokens != 4 {
		t.Errorf("second message = %+v", msgs[1])
	}
}

func TestDeleteMessagesAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	chat, _ := s.CreateChat(ctx, "c1", "Test")
	id1, _ := s.AppendMessage(ctx, Message{ChatID: chat.ID, Role: "user", Content: "one"})
	id2, _ := s.AppendMessage(ctx, Message{ChatID: chat.ID, Role: "assistant", Content: "two"})
	_, _ = s.AppendMessage(ctx, Message{ChatID: chat.ID, Role: "user", Content: "three"})

	if err := s.DeleteMessagesAfter(ctx, chat.ID, id2); err != nil {
		t.Fatalf("DeleteMessagesAfter: %v", err)
	}

	msgs, err := s.Messages(ctx, chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != id1 {
		t.Errorf("remaining = %+v, want only %s", msgs, id1)
	}

	// Unknown message id is a no-op.
	if err := s.DeleteMessagesAfter(ctx, chat.ID, "missing"); err != nil {
		t.Errorf("unknown id: %v", err)
	}
}

func TestRenameAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	a, _ := s.CreateChat(ctx, "a", "First")
	b, _ := s.CreateChat(ctx, "b", "Second")

	if err := s.Rename(ctx, a.ID, "Renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	chats, err := s.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("len = %d", len(chats))
	}
	// Rename bumped updated_at, so a sorts first.
	if chats[0].ID != a.ID || chats[0].Title != "Renamed" {
		t.Errorf("first = %+v", chats[0])
	}
	if chats[1].ID != b.ID {
		t.Errorf("second = %+v", chats[1])
	}
}

func TestDeleteChat(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	chat, _ := s.CreateChat(ctx, "c1", "Test")
	_, _ = s.AppendMessage(ctx, Message{ChatID: chat.ID, Role: "user", Content: "x"})

	if err := s.DeleteChat(ctx, chat.ID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if _, err := s.Chat(ctx, chat.ID); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("chat still present: %v", err)
	}
	msgs, _ := s.Messages(ctx, chat.ID)
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %v", msgs)
	}
}
