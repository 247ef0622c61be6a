package chat

import "fmt"

// State is the state of the send operation of a conversation. It is one of Idle, Sending, Streaming,
// Completed, Failed or Aborted.
//
// A send moves Idle → Sending when the placeholder is inserted, Sending → Streaming on the first token,
// then to exactly one of Completed, Failed or Aborted, and back to Idle once the cleanup step ran. An
// end or error event arriving before any token skips Streaming.
// Every state except Idle carries the placeholder id of the send it belongs to.
type State interface {
	fmt.Stringer
	placeholder() string
}

// Idle means no send is in flight.
type Idle struct{}

// Sending means the user message and the assistant placeholder were inserted and the request was issued.
type Sending struct {
	PlaceholderID string
}

// Streaming means at least one stream event has been applied.
type Streaming struct {
	PlaceholderID string
	Tokens        int
}

// Completed means the end event was applied and the thread now holds the authoritative history.
type Completed struct {
	PlaceholderID string
	ThreadID      string
	Title         string
}

// Failed means the server reported an error event during generation.
type Failed struct {
	PlaceholderID string
	Message       string
}

// Aborted means the request never produced a usable stream: a non-success status, or a transport failure
// while reading. Status is zero for the latter.
type Aborted struct {
	PlaceholderID string
	Status        int
	Err           error
}

func (Idle) placeholder() string        { return "" }
func (s Sending) placeholder() string   { return s.PlaceholderID }
func (s Streaming) placeholder() string { return s.PlaceholderID }
func (s Completed) placeholder() string { return s.PlaceholderID }
func (s Failed) placeholder() string    { return s.PlaceholderID }
func (s Aborted) placeholder() string   { return s.PlaceholderID }

func (Idle) String() string      { return "idle" }
func (Sending) String() string   { return "sending" }
func (Streaming) String() string { return "streaming" }
func (Completed) String() string { return "completed" }
func (Failed) String() string    { return "failed" }
func (Aborted) String() string   { return "aborted" }

// InFlight reports whether s belongs to a send that has not been cleaned up yet. The send control stays
// disabled while this is true.
func InFlight(s State) bool {
	return s.placeholder() != ""
}
