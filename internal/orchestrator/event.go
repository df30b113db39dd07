package orchestrator

import "encoding/json"

// Event is one streamed envelope object. Type is an open discriminator;
// consumers ignore types they do not know.
type Event struct {
	Type    string
	Content any
}

// MarshalJSON renders the wire form {"type":...,"content":...}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Content any    `json:"content"`
	}{Type: e.Type, Content: e.Content})
}

// EventFunc receives stream events in generation order.
type EventFunc func(Event)

// ChatInfoContent is the payload of a chat_info event.
type ChatInfoContent struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageInfoContent is the payload of a message_info event.
type MessageInfoContent struct {
	UserMessageID      string `json:"userMessageId"`
	AssistantMessageID string `json:"assistantMessageId"`
}

// ChatInfo builds a chat_info event carrying the chat id and title.
func ChatInfo(id, title string) Event {
	return Event{Type: "chat_info", Content: ChatInfoContent{ID: id, Title: title}}
}

// Text builds a text event carrying one incremental answer delta.
func Text(delta string) Event {
	return Event{Type: "text", Content: delta}
}

// MessageInfo builds a message_info event correlating the persisted
// user and assistant message ids.
func MessageInfo(userMessageID, assistantMessageID string) Event {
	return Event{Type: "message_info", Content: MessageInfoContent{
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantMessageID,
	}}
}

// ErrorEvent builds an error event with a human-readable message.
func ErrorEvent(message string) Event {
	return Event{Type: "error", Content: message}
}
