package orchestrator

import (
	"encoding/json"
	"testing"
)

func TestEventWireFormat(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "chat info",
			event: ChatInfo("abc", "New Chat"),
			want:  `{"type":"chat_info","content":{"id":"abc","title":"New Chat"}}`,
		},
		{
			name:  "text delta",
			event: Text("hello"),
			want:  `{"type":"text","content":"hello"}`,
		},
		{
			name:  "message info",
			event: MessageInfo("u1", "a1"),
			want:  `{"type":"message_info","content":{"userMessageId":"u1","assistantMessageId":"a1"}}`,
		},
		{
			name:  "error",
			event: ErrorEvent("model invocation failed"),
			want:  `{"type":"error","content":"model invocation failed"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
