package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/google/uuid"
)

// Conversation holds the client-side state of one chat workspace: the thread list in most-recently-used
// order, the current thread and its messages, the error banner, and the state of the in-flight send.
// All methods are safe for concurrent use.
type Conversation struct {
	mu sync.Mutex

	threadID string
	threads  []string
	titles   map[string]string
	messages []models.Message
	notice   string

	state   State
	outcome State
}

// Snapshot is a copy of the state of a Conversation, safe to read after the lock is released.
type Snapshot struct {
	ThreadID string
	Threads  []string
	Titles   map[string]string
	Messages []models.Message
	Notice   string
	State    State
	Outcome  State
}

var (
	// ErrSendInFlight is returned by Begin while a previous send has not been cleaned up.
	ErrSendInFlight = errors.New("a message is already being sent")
	// ErrEmptyMessage is returned by Begin when the text is blank.
	ErrEmptyMessage = errors.New("message is required")
)

const (
	// ServerErrorMessage is shown when the server reports an error event without a message.
	ServerErrorMessage = "Oops, I hit a server error while processing this. Please try again or adjust your request."
	// TransportErrorMessage is shown when reading the reply failed.
	TransportErrorMessage = "Oops, something went wrong while processing your request. Please try again."
)

var showProjectPattern = regexp.MustCompile(`(?i)show\s+project\s+(\S+)\s+code`)

// New creates an empty, idle Conversation.
func New() *Conversation {
	return &Conversation{
		titles:  make(map[string]string),
		state:   Idle{},
		outcome: Idle{},
	}
}

// StatusMessage is the assistant message synthesized when the chat request is answered with status.
func StatusMessage(status int) string {
	return fmt.Sprintf("Sorry, I hit a server error (%d). Please try again or adjust your request.", status)
}

// ShowProjectCommand reports whether text is the local "show project <id> code" command, which opens the
// code explorer instead of being sent to the assistant.
func ShowProjectCommand(text string) (string, bool) {
	m := showProjectPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Snapshot returns a copy of the current state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	titles := make(map[string]string, len(c.titles))
	for k, v := range c.titles {
		titles[k] = v
	}
	return Snapshot{
		ThreadID: c.threadID,
		Threads:  slices.Clone(c.threads),
		Titles:   titles,
		Messages: slices.Clone(c.messages),
		Notice:   c.notice,
		State:    c.state,
		Outcome:  c.outcome,
	}
}

// ThreadID returns the current thread, or an empty string if none is selected yet.
func (c *Conversation) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// SetThreads replaces the thread list with ids, already in display order. The current thread is kept if it
// is still listed, otherwise the first listed thread becomes current. It returns the current thread and
// whether it changed.
func (c *Conversation) SetThreads(threads []models.Thread, ids []string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range threads {
		if t.Title != "" {
			c.titles[t.ID] = t.Title
		}
	}
	c.threads = slices.Clone(ids)

	if c.threadID != "" && slices.Contains(ids, c.threadID) {
		return c.threadID, false
	}
	prev := c.threadID
	c.threadID = ""
	if len(ids) > 0 {
		c.threadID = ids[0]
	}
	if c.threadID != prev {
		c.messages = nil
	}
	return c.threadID, c.threadID != prev
}

// StartThread makes a freshly created thread current, puts it at the front of the list, and clears the
// messages.
func (c *Conversation) StartThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.threads = models.PromoteThread(c.threads, threadID)
	c.threadID = threadID
	c.messages = nil
}

// SelectThread makes threadID current. Messages are cleared until SetMessages loads its history. It
// reports false when threadID is already current.
func (c *Conversation) SelectThread(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if threadID == c.threadID {
		return false
	}
	c.threadID = threadID
	c.messages = nil
	return true
}

// SetMessages installs the history of threadID loaded from the API. It is ignored when another thread
// became current in the meantime, or while a send is in flight.
func (c *Conversation) SetMessages(threadID string, messages []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if threadID != c.threadID || InFlight(c.state) {
		return
	}
	c.messages = slices.Clone(messages)
}

// Echo appends a user message that is not sent to the assistant.
func (c *Conversation) Echo(text string) models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := models.Message{ID: "user-" + uuid.NewString(), Role: models.RoleUser, Content: text}
	c.messages = append(c.messages, msg)
	return msg
}

// Inform appends an assistant message produced locally, such as an upload confirmation.
func (c *Conversation) Inform(text string) models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.appendAssistant("assistant-info-", text)
}

// SetNotice sets the error banner. An empty text clears it.
func (c *Conversation) SetNotice(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notice = text
}

// Begin starts a send: it appends the user message and an empty pending assistant placeholder, and moves
// the conversation to Sending. It returns the user message and the placeholder. A new placeholder id is
// generated for every send.
func (c *Conversation) Begin(text string) (models.Message, models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, models.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if InFlight(c.state) {
		return models.Message{}, models.Message{}, ErrSendInFlight
	}

	id := uuid.NewString()
	um := models.Message{ID: "user-" + id, Role: models.RoleUser, Content: text}
	am := models.Message{ID: "assistant-pending-" + id, Role: models.RoleAssistant, Pending: true}

	c.messages = append(c.messages, um, am)
	c.notice = ""
	c.state = Sending{PlaceholderID: am.ID}

	return um, am, nil
}

// Apply applies one stream event of the send identified by placeholderID. Events of any other send are
// ignored. It reports whether the state changed.
func (c *Conversation) Apply(placeholderID string, ev models.StreamEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if placeholderID == "" || c.state.placeholder() != placeholderID {
		return false
	}

	switch ev.Event {
	case models.EventToken:
		idx := c.indexOf(placeholderID)
		if idx == -1 {
			return false
		}
		c.messages[idx].Content += ev.Content
		c.messages[idx].Pending = false
		switch st := c.state.(type) {
		case Sending:
			c.state = Streaming{PlaceholderID: placeholderID, Tokens: 1}
		case Streaming:
			st.Tokens++
			c.state = st
		}
		return true

	case models.EventEnd:
		c.messages = models.WithIDs(ev.ThreadID, ev.Messages)
		c.threadID = ev.ThreadID
		c.threads = models.PromoteThread(c.threads, ev.ThreadID)
		if ev.Title != "" {
			c.titles[ev.ThreadID] = ev.Title
		}
		c.state = Completed{PlaceholderID: placeholderID, ThreadID: ev.ThreadID, Title: ev.Title}
		return true

	case models.EventError:
		text := ev.Message
		if text == "" {
			text = ServerErrorMessage
		}
		c.notice = text
		c.appendAssistant("assistant-error-", text)
		c.state = Failed{PlaceholderID: placeholderID, Message: text}
		return true
	}

	return false
}

// Abort records that the send identified by placeholderID failed before or while its stream was read.
// Exactly one assistant message describing the failure is appended. status is the HTTP status for a
// rejected request, or zero for a transport failure.
func (c *Conversation) Abort(placeholderID string, status int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if placeholderID == "" || c.state.placeholder() != placeholderID {
		return
	}

	if status != 0 {
		text := StatusMessage(status)
		c.notice = text
		c.appendAssistant("assistant-error-", text)
	} else {
		c.notice = TransportErrorMessage
		if err != nil {
			c.notice = err.Error()
		}
		c.appendAssistant("assistant-error-", TransportErrorMessage)
	}
	c.state = Aborted{PlaceholderID: placeholderID, Status: status, Err: err}
}

// Finish is the cleanup step of the send identified by placeholderID, run on every path. The placeholder
// loses its pending flag and is removed if nothing was streamed into it. The terminal state becomes the
// outcome and the conversation returns to Idle.
func (c *Conversation) Finish(placeholderID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if placeholderID == "" || c.state.placeholder() != placeholderID {
		return c.outcome
	}

	if idx := c.indexOf(placeholderID); idx != -1 {
		if c.messages[idx].Content == "" {
			c.messages = slices.Delete(c.messages, idx, idx+1)
		} else {
			c.messages[idx].Pending = false
		}
	}

	switch st := c.state.(type) {
	case Sending, Streaming:
		// The stream ended without an end event; what was streamed stays visible.
		c.outcome = Completed{PlaceholderID: placeholderID, ThreadID: c.threadID}
	default:
		c.outcome = st
	}
	c.state = Idle{}
	return c.outcome
}

// Run consumes the events of the send identified by placeholderID, applying each one as it arrives and
// calling onChange after every applied change. An error from events aborts the send: a *StatusError-like
// error carrying an HTTP status yields the server error message, any other error the transport error
// message. Run always finishes with the cleanup step and returns the outcome. When ctx is done, remaining
// events are no longer applied.
func (c *Conversation) Run(
	ctx context.Context,
	placeholderID string,
	events iter.Seq2[models.StreamEvent, error],
	onChange func(),
) State {
	if onChange == nil {
		onChange = func() {}
	}

	for ev, err := range events {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			var sErr interface{ HTTPStatus() int }
			if errors.As(err, &sErr) {
				c.Abort(placeholderID, sErr.HTTPStatus(), err)
			} else {
				c.Abort(placeholderID, 0, err)
			}
			onChange()
			break
		}
		if c.Apply(placeholderID, ev) {
			onChange()
		}
	}

	outcome := c.Finish(placeholderID)
	onChange()
	return outcome
}

func (c *Conversation) indexOf(id string) int {
	return slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ID == id })
}

func (c *Conversation) appendAssistant(prefix, text string) models.Message {
	msg := models.Message{ID: prefix + uuid.NewString(), Role: models.RoleAssistant, Content: text}
	c.messages = append(c.messages, msg)
	return msg
}
