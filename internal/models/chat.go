package models

import (
	"fmt"
	"slices"
)

// Thread represents a server-persisted conversation as listed by the Genie API. The ID is opaque to the
// client; Title and MessageCount are only used for display.
type Thread struct {
	ID           string `json:"thread_id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
}

// Message represents an individual chat entry. Messages received from the API carry only Role and
// Content; ID is derived locally so the view can address a single message. Pending marks the assistant
// placeholder that is being filled while a reply streams in.
type Message struct {
	ID      string `json:"-"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Pending bool   `json:"-"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the signed in user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the Genie assistant, or a message synthesized locally
	// to report a failure.
	RoleAssistant Role = "assistant"
)

// MessageID derives the stable identifier of a message that belongs to the authoritative history of a
// thread, in the form role-index-threadID.
func MessageID(role Role, index int, threadID string) string {
	return fmt.Sprintf("%s-%d-%s", role, index, threadID)
}

// WithIDs returns a copy of messages with every ID re-derived from its position in the thread, and with
// the pending flag cleared.
func WithIDs(threadID string, messages []Message) []Message {
	res := make([]Message, len(messages))
	for i, msg := range messages {
		res[i] = Message{
			ID:      MessageID(msg.Role, i, threadID),
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return res
}

// PromoteThread returns threads with threadID moved to the front, dropping any previous occurrence.
func PromoteThread(threads []string, threadID string) []string {
	res := make([]string, 0, len(threads)+1)
	res = append(res, threadID)
	for _, id := range threads {
		if id != threadID {
			res = append(res, id)
		}
	}
	return res
}

// SortThreadIDs orders thread ids the way the dashboard lists them: descending lexical order, which for
// time-ordered ids puts the newest thread first.
func SortThreadIDs(threads []Thread) []string {
	ids := make([]string, len(threads))
	for i, t := range threads {
		ids[i] = t.ID
	}
	slices.SortFunc(ids, func(a, b string) int {
		switch {
		case a < b:
			return 1
		case a > b:
			return -1
		}
		return 0
	})
	return ids
}
