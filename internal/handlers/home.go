package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/session"
)

type homePageData struct {
	SignedIn bool
	Account  account
	Pricing  models.Pricing
}

type dashboardPageData struct {
	Account account
	Upgrade upgradeData
	Threads []thread
	Chatbox chatboxData
}

// defaultPricing is shown when the pricing endpoint cannot be reached.
var defaultPricing = models.Pricing{
	Name:        "Genie Premium",
	Description: "Unlimited project uploads and priority access to the assistant.",
}

// HandleRoot sends the root path and every unknown path to the landing page.
func (m Main) HandleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/home", http.StatusFound)
}

// HandleHome renders the landing page with the premium offer and the sign in buttons.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sess, signedIn := m.currentSession(r)

	data := homePageData{
		SignedIn: signedIn,
		Pricing:  m.pricing(r.Context()),
	}
	if signedIn {
		data.Account = newAccount(sess)
	}

	m.render(w, http.StatusOK, "home.html", data)
}

// HandleDashboard renders the chat dashboard of the signed in user: the thread list, the messages of the
// current thread, the composer and the account panel.
func (m Main) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}

	ws := m.workspaces.get(sess.ID)
	m.loadThreads(r.Context(), sess, ws)

	snap := ws.conv.Snapshot()
	chatbox, err := newChatbox(snap)
	if err != nil {
		m.logger.Error("Failed to render chat box", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.render(w, http.StatusOK, "dashboard.html", dashboardPageData{
		Account: newAccount(sess),
		Upgrade: upgradeData{Pricing: m.pricing(r.Context()), Plan: sess.Plan},
		Threads: newThreads(snap),
		Chatbox: chatbox,
	})
}

func (m Main) pricing(ctx context.Context) models.Pricing {
	p, err := m.connect(session.Session{}).Pricing(ctx)
	if err != nil {
		m.logger.Warn("Failed to load pricing", slog.String(errLoggerKey, err.Error()))
		return defaultPricing
	}
	if p.Name == "" {
		p.Name = defaultPricing.Name
	}
	return p
}

// loadThreads refreshes the thread list of ws. When the user has no thread yet one is created. The current
// thread is kept if it is still listed, otherwise the first one is opened, and its history is loaded.
// Failures are shown in the error banner.
func (m Main) loadThreads(ctx context.Context, sess session.Session, ws *workspace) {
	if err := m.refreshThreads(ctx, sess, ws); err != nil {
		m.logger.Error("Failed to load threads",
			slog.String("userID", sess.UserID),
			slog.String(errLoggerKey, err.Error()))
		ws.conv.SetNotice(err.Error())
	}
}

func (m Main) refreshThreads(ctx context.Context, sess session.Session, ws *workspace) error {
	api := m.connect(sess)

	threads, err := api.Threads(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		id, err := api.CreateThread(ctx)
		if err != nil {
			return err
		}
		threads = []models.Thread{{ID: id}}
	}

	m.restoreLastThread(ctx, sess, ws)

	current, changed := ws.conv.SetThreads(threads, models.SortThreadIDs(threads))
	if current == "" {
		return nil
	}
	if changed {
		m.rememberThread(ctx, sess, current)
	}
	if !changed && len(ws.conv.Snapshot().Messages) > 0 {
		return nil
	}
	return m.loadMessages(ctx, sess, ws, current)
}

// restoreLastThread selects the thread the user had open before, the first time the workspace of a session
// is loaded.
func (m Main) restoreLastThread(ctx context.Context, sess session.Session, ws *workspace) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.loaded {
		return
	}
	ws.loaded = true

	last, err := m.threads.LastThread(ctx, sess.UserID)
	if err != nil {
		m.logger.Warn("Failed to load last thread", slog.String(errLoggerKey, err.Error()))
		return
	}
	if last != "" && ws.conv.ThreadID() == "" {
		ws.conv.SelectThread(last)
	}
}

func (m Main) loadMessages(ctx context.Context, sess session.Session, ws *workspace, threadID string) error {
	msgs, err := m.connect(sess).Messages(ctx, sess.UserID, threadID)
	if err != nil {
		return err
	}
	ws.conv.SetMessages(threadID, msgs)
	return nil
}

func (m Main) rememberThread(ctx context.Context, sess session.Session, threadID string) {
	if err := m.threads.SetLastThread(ctx, sess.UserID, threadID); err != nil {
		m.logger.Warn("Failed to remember thread",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
	}
}
