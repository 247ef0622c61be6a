package models

// EventType identifies the shape of one record of the chat stream.
type EventType string

const (
	// EventToken carries an incremental fragment of assistant text.
	EventToken EventType = "token"
	// EventEnd carries the authoritative state of the thread once the turn is complete.
	EventEnd EventType = "end"
	// EventError reports a server-side failure during generation.
	EventError EventType = "error"
)

// StreamEvent is one record of the newline-delimited JSON body returned by the chat stream endpoint.
// Which fields are filled depends on Event.
type StreamEvent struct {
	Event EventType `json:"event"`

	// Content would be filled if Event is EventToken.
	Content string `json:"content,omitempty"`

	// ThreadID, Messages, Title and Reply would be filled if Event is EventEnd.
	ThreadID string    `json:"thread_id,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Title    string    `json:"title,omitempty"`
	Reply    string    `json:"reply,omitempty"`

	// Message would be filled if Event is EventError. It may be empty.
	Message string `json:"message,omitempty"`
}

// ChatRequest is the body sent to the chat stream endpoint.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
}
