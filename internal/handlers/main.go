package handlers

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	geniewebui "github.com/MegaGrindStone/genie-web"
	"github.com/MegaGrindStone/genie-web/internal/chat"
	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/services"
	"github.com/MegaGrindStone/genie-web/internal/session"
	"github.com/tmaxmax/go-sse"
)

// API represents the Genie HTTP API as seen by one signed in user. Implementations attach the user's
// credentials to every call.
type API interface {
	CreateThread(ctx context.Context) (string, error)
	Threads(ctx context.Context, userID string) ([]models.Thread, error)
	Messages(ctx context.Context, userID, threadID string) ([]models.Message, error)
	ChatStream(ctx context.Context, req models.ChatRequest) iter.Seq2[models.StreamEvent, error]

	Upload(ctx context.Context, fileName string, archive io.Reader) (models.Upload, error)
	FileTree(ctx context.Context, userID, threadID, projectID string) (models.FileTree, error)
	FileContent(ctx context.Context, userID, threadID, projectID, filePath string) (string, error)

	CreateCheckoutSession(ctx context.Context, userID string) (string, error)
	Pricing(ctx context.Context) (models.Pricing, error)

	AdminUsers(ctx context.Context, adminID string) ([]models.AdminUser, error)
	UpdateUserPlan(ctx context.Context, adminID, userID string, plan models.Plan) (models.AdminUser, error)
	AdminPricing(ctx context.Context, adminID string) ([]models.PricingPlan, error)
	UpdatePricing(ctx context.Context, adminID, planID string, patch map[string]any) (models.PricingPlan, error)
	AdminMetrics(ctx context.Context, adminID string) (models.Metrics, error)
}

// Connect returns the API acting on behalf of the user of s. The zero Session yields an API that can only
// reach the public endpoints.
type Connect func(s session.Session) API

// Auth signs users in with an OAuth provider.
type Auth interface {
	AuthorizeURL(provider, redirectTo, verifier string) (string, error)
	Exchange(ctx context.Context, code, verifier string) (session.Session, error)
	Profile(ctx context.Context, accessToken, userID string) services.Profile
	SignOut(ctx context.Context, accessToken string)
}

// ThreadStore remembers which thread a user had open, so the dashboard reopens it after a restart.
type ThreadStore interface {
	LastThread(ctx context.Context, userID string) (string, error)
	SetLastThread(ctx context.Context, userID, threadID string) error
}

// Main serves the Genie web client. It renders pages from the embedded templates, keeps one chat
// workspace per session, and relays streamed replies to the browser through server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	connect  Connect
	auth     Auth
	sessions *session.Manager
	threads  ThreadStore

	workspaces *workspaces

	callbackURL   string
	secureCookies bool

	logger *slog.Logger
}

// Options configures the parts of Main that depend on where the server is deployed.
type Options struct {
	// CallbackURL is the absolute URL of /auth/callback, registered with the OAuth provider.
	CallbackURL string
	// SecureCookies marks cookies as Secure; set it when the server is reached over HTTPS.
	SecureCookies bool
}

// workspace is the client-side chat state of one session. Streams started for the session are bound to
// ctx and stop when the session is destroyed.
type workspace struct {
	conv   *chat.Conversation
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	loaded bool
}

type workspaces struct {
	mu   sync.Mutex
	byID map[string]*workspace
}

const (
	chatsSSETopicPrefix = "chats-"
	errLoggerKey        = "err"
)

// SSE event types for real-time updates.
var (
	messagesSSEType     = sse.Type("messages")
	chatboxSSEType      = sse.Type("chatbox")
	chatsSSEType        = sse.Type("chats")
	closeMessageSSEType = sse.Type("closeMessage")
)

// NewMain creates a Main. It parses the templates from the embedded filesystem and configures the SSE
// server, and registers a teardown hook on sessions so a destroyed session loses its workspace.
func NewMain(
	connect Connect,
	auth Auth,
	sessions *session.Manager,
	threads ThreadStore,
	opts Options,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		geniewebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		templates:     tmpl,
		connect:       connect,
		auth:          auth,
		sessions:      sessions,
		threads:       threads,
		workspaces:    &workspaces{byID: make(map[string]*workspace)},
		callbackURL:   opts.CallbackURL,
		secureCookies: opts.SecureCookies,
		logger:        logger.With(slog.String("module", "main")),
	}

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			topics := []string{sse.DefaultTopic}

			// Thread list and chat box updates are private to the session that owns them
			if sess, ok := m.currentSession(s.Req); ok {
				topics = append(topics, chatsTopic(sess.ID))
			}

			// We create a message-specific topic if the client requests updates for a particular message
			messageID := s.Req.URL.Query().Get("message_id")
			if messageID != "" {
				topics = append(topics, messageIDTopic(messageID))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}

	sessions.OnDestroy(m.workspaces.drop)

	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

func chatsTopic(sessionID string) string {
	return chatsSSETopicPrefix + sessionID
}

// HandleSSE serves the event stream endpoints.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients, stops every in-flight stream, and waits up to 5 seconds for connections to terminate.
// After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// An SSE event needs data to be dispatched
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	m.workspaces.closeAll()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (w *workspaces) get(sessionID string) *workspace {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws, ok := w.byID[sessionID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		ws = &workspace{conv: chat.New(), ctx: ctx, cancel: cancel}
		w.byID[sessionID] = ws
	}
	return ws
}

func (w *workspaces) drop(s session.Session) {
	w.mu.Lock()
	ws, ok := w.byID[s.ID]
	delete(w.byID, s.ID)
	w.mu.Unlock()

	if ok {
		ws.cancel()
	}
}

func (w *workspaces) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, ws := range w.byID {
		ws.cancel()
		delete(w.byID, id)
	}
}

// Credentials returns the API credentials of s.
func Credentials(s session.Session) services.Credentials {
	return services.Credentials{AccessToken: s.AccessToken, ProviderToken: s.ProviderToken}
}
