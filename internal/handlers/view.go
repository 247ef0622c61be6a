package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/genie-web/internal/chat"
	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/session"
)

type message struct {
	ID      string
	Role    string
	Content template.HTML

	// Pending is true while the assistant placeholder waits for its first token, Streaming while the
	// placeholder still receives tokens.
	Pending   bool
	Streaming bool
}

type thread struct {
	ID    string
	Title string

	Active bool
}

type chatboxData struct {
	ThreadID string
	Notice   string
	Messages []message
	Busy     bool

	// ExplorerProjectID opens the code explorer for the project when set.
	ExplorerProjectID string
}

type account struct {
	Name            string
	Email           string
	Initials        string
	AvatarURL       string
	Plan            models.Plan
	Admin           bool
	GitHubConnected bool
	GitHubLogin     string
}

var templateFuncs = template.FuncMap{
	"formatDate": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return "--"
		}
		return t.Local().Format("2006-01-02 15:04")
	},
	"threadLabel": func(t thread) string { return threadLabel(t.ID, t.Title) },
}

func newAccount(s session.Session) account {
	return account{
		Name:            s.DisplayName(),
		Email:           s.Email,
		Initials:        s.Initials(),
		AvatarURL:       s.AvatarURL,
		Plan:            s.Plan,
		Admin:           s.IsAdmin(),
		GitHubConnected: s.ProviderToken != "",
		GitHubLogin:     s.GitHubLogin,
	}
}

// streamingID returns the placeholder id of the send that still accepts tokens, if any.
func streamingID(s chat.State) string {
	switch st := s.(type) {
	case chat.Sending:
		return st.PlaceholderID
	case chat.Streaming:
		return st.PlaceholderID
	}
	return ""
}

func renderMessage(msg models.Message, streaming string) (message, error) {
	res := message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Pending:   msg.Pending,
		Streaming: streaming != "" && msg.ID == streaming,
	}

	if msg.Role != models.RoleAssistant {
		// User input is shown as typed.
		res.Content = template.HTML(template.HTMLEscapeString(msg.Content))
		return res, nil
	}

	content, err := models.RenderMarkdown(msg.Content)
	if err != nil {
		return message{}, err
	}
	res.Content = content
	return res, nil
}

func newChatbox(snap chat.Snapshot) (chatboxData, error) {
	streaming := streamingID(snap.State)

	msgs := make([]message, len(snap.Messages))
	for i, msg := range snap.Messages {
		rm, err := renderMessage(msg, streaming)
		if err != nil {
			return chatboxData{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
		msgs[i] = rm
	}

	return chatboxData{
		ThreadID: snap.ThreadID,
		Notice:   snap.Notice,
		Messages: msgs,
		Busy:     chat.InFlight(snap.State),
	}, nil
}

func newThreads(snap chat.Snapshot) []thread {
	res := make([]thread, len(snap.Threads))
	for i, id := range snap.Threads {
		res[i] = thread{
			ID:     id,
			Title:  snap.Titles[id],
			Active: id == snap.ThreadID,
		}
	}
	return res
}

func (m Main) renderString(name string, data any) (string, error) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return sb.String(), nil
}

// render executes the named template into w. Templates are rendered into a buffer first, so a failing
// template never leaves a half written page behind.
func (m Main) render(w http.ResponseWriter, status int, name string, data any) {
	out, err := m.renderString(name, data)
	if err != nil {
		m.logger.Error("Failed to render template",
			slog.String("template", name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(out))
}

func (m Main) renderChatbox(w http.ResponseWriter, conv *chat.Conversation, explorerProjectID string) {
	data, err := newChatbox(conv.Snapshot())
	if err != nil {
		m.logger.Error("Failed to render chat box", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.ExplorerProjectID = explorerProjectID
	m.render(w, http.StatusOK, "chatbox", data)
}

// threadLabel names an untitled thread by the first eight characters of its id.
func threadLabel(id, title string) string {
	if title != "" {
		return title
	}
	if r := []rune(id); len(r) > 8 {
		id = string(r[:8])
	}
	return "Chat " + id
}
