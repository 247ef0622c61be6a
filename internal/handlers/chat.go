package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/MegaGrindStone/genie-web/internal/chat"
	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/session"
	"github.com/tmaxmax/go-sse"
)

// busyNotice is shown when the user tries to switch threads while a reply is still streaming.
const busyNotice = "Please wait for the current reply to finish."

// HandleChats sends a chat message of the signed in user. It accepts the text through the "message" form
// field.
//
// The text "show project <id> code" is handled locally: it is echoed in the conversation and opens the code
// explorer, without calling the assistant. Any other text is sent to the current thread, creating one first
// if needed. The response is the chat box with the user message and the pending assistant placeholder; the
// reply is streamed asynchronously and relayed over Server-Sent Events, first into the placeholder, then as
// a re-rendered chat box and thread list once the reply is complete.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	ws := m.workspaces.get(sess.ID)

	if projectID, ok := chat.ShowProjectCommand(msg); ok {
		ws.conv.Echo(msg)
		m.renderChatbox(w, ws.conv, projectID)
		return
	}

	threadID, err := m.ensureThread(r.Context(), sess, ws)
	if err != nil {
		m.logger.Error("Failed to create new thread", slog.String(errLoggerKey, err.Error()))
		ws.conv.SetNotice(err.Error())
		m.renderChatbox(w, ws.conv, "")
		return
	}

	_, am, err := ws.conv.Begin(msg)
	if err != nil {
		if errors.Is(err, chat.ErrSendInFlight) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	go m.chat(sess, ws, am.ID, models.ChatRequest{
		Message:  msg,
		ThreadID: threadID,
		UserID:   sess.UserID,
	})

	m.renderChatbox(w, ws.conv, "")
}

// HandleNewThread starts a new, empty thread and makes it current.
func (m Main) HandleNewThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}
	ws := m.workspaces.get(sess.ID)

	if chat.InFlight(ws.conv.Snapshot().State) {
		ws.conv.SetNotice(busyNotice)
		m.renderChatbox(w, ws.conv, "")
		return
	}

	if _, err := m.newThread(r.Context(), sess, ws); err != nil {
		m.logger.Error("Failed to create new thread", slog.String(errLoggerKey, err.Error()))
		ws.conv.SetNotice(err.Error())
	} else {
		ws.conv.SetNotice("")
	}

	m.renderChatbox(w, ws.conv, "")
}

// HandleSelectThread opens the thread named by the "thread_id" query parameter and loads its history.
func (m Main) HandleSelectThread(w http.ResponseWriter, r *http.Request) {
	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}

	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, "Thread ID is required", http.StatusBadRequest)
		return
	}

	ws := m.workspaces.get(sess.ID)
	snap := ws.conv.Snapshot()
	if !slices.Contains(snap.Threads, threadID) {
		http.Error(w, "Thread not found", http.StatusNotFound)
		return
	}
	if chat.InFlight(snap.State) {
		ws.conv.SetNotice(busyNotice)
		m.renderChatbox(w, ws.conv, "")
		return
	}

	ws.conv.SelectThread(threadID)
	ws.conv.SetNotice("")
	if err := m.loadMessages(r.Context(), sess, ws, threadID); err != nil {
		m.logger.Error("Failed to load messages",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		ws.conv.SetNotice(err.Error())
	}
	m.rememberThread(r.Context(), sess, threadID)

	m.publishThreads(sess.ID, ws.conv)
	m.renderChatbox(w, ws.conv, "")
}

// HandleRefreshThreads reloads the thread list from the API.
func (m Main) HandleRefreshThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}
	ws := m.workspaces.get(sess.ID)

	ws.conv.SetNotice("")
	m.loadThreads(r.Context(), sess, ws)

	m.publishThreads(sess.ID, ws.conv)
	m.renderChatbox(w, ws.conv, "")
}

// ensureThread returns the current thread of ws, creating one when there is none.
func (m Main) ensureThread(ctx context.Context, sess session.Session, ws *workspace) (string, error) {
	if id := ws.conv.ThreadID(); id != "" {
		return id, nil
	}
	return m.newThread(ctx, sess, ws)
}

func (m Main) newThread(ctx context.Context, sess session.Session, ws *workspace) (string, error) {
	id, err := m.connect(sess).CreateThread(ctx)
	if err != nil {
		return "", err
	}

	ws.conv.StartThread(id)
	m.rememberThread(ctx, sess, id)
	m.publishThreads(sess.ID, ws.conv)

	return id, nil
}

func (m Main) chat(sess session.Session, ws *workspace, placeholderID string, req models.ChatRequest) {
	topic := messageIDTopic(placeholderID)

	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: closeMessageSSEType}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, topic)
	}()

	events := m.connect(sess).ChatStream(ws.ctx, req)
	outcome := ws.conv.Run(ws.ctx, placeholderID, events, func() {
		m.publishMessage(ws.conv, placeholderID)
	})

	switch o := outcome.(type) {
	case chat.Completed:
		m.logger.Debug("Chat completed",
			slog.String("threadID", o.ThreadID),
			slog.String("title", o.Title))
		if o.ThreadID != "" && o.ThreadID != req.ThreadID {
			m.rememberThread(context.Background(), sess, o.ThreadID)
		}
	case chat.Failed:
		m.logger.Warn("Assistant reported an error",
			slog.String("threadID", req.ThreadID),
			slog.String(errLoggerKey, o.Message))
	case chat.Aborted:
		errMsg := ""
		if o.Err != nil {
			errMsg = o.Err.Error()
		}
		m.logger.Error("Chat request failed",
			slog.String("threadID", req.ThreadID),
			slog.Int("status", o.Status),
			slog.String(errLoggerKey, errMsg))
	}

	m.publishChatbox(sess.ID, ws.conv)
	m.publishThreads(sess.ID, ws.conv)
}

// publishMessage sends the current content of the placeholder to the browser.
func (m Main) publishMessage(conv *chat.Conversation, placeholderID string) {
	snap := conv.Snapshot()
	idx := slices.IndexFunc(snap.Messages, func(msg models.Message) bool { return msg.ID == placeholderID })
	if idx == -1 {
		return
	}

	content, err := models.RenderMarkdown(snap.Messages[idx].Content)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", placeholderID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: messagesSSEType,
	}
	msg.AppendData(string(content))
	if err := m.sseSrv.Publish(&msg, messageIDTopic(placeholderID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", placeholderID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishChatbox(sessionID string, conv *chat.Conversation) {
	data, err := newChatbox(conv.Snapshot())
	if err != nil {
		m.logger.Error("Failed to render chat box", slog.String(errLoggerKey, err.Error()))
		return
	}
	out, err := m.renderString("chatbox", data)
	if err != nil {
		m.logger.Error("Failed to render chat box", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: chatboxSSEType,
	}
	msg.AppendData(out)
	if err := m.sseSrv.Publish(&msg, chatsTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish chat box", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishThreads(sessionID string, conv *chat.Conversation) {
	out, err := m.renderString("thread_list", newThreads(conv.Snapshot()))
	if err != nil {
		m.logger.Error("Failed to render thread list", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(out)
	if err := m.sseSrv.Publish(&msg, chatsTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}
