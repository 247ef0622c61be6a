package handlers_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/genie-web/internal/handlers"
	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/services"
	"github.com/MegaGrindStone/genie-web/internal/session"
)

type mockAPI struct {
	mu sync.Mutex

	threads  []models.Thread
	messages map[string][]models.Message
	events   []models.StreamEvent
	chatErr  error
	// release, when set, holds every stream open until it is closed.
	release chan struct{}

	upload  models.Upload
	tree    models.FileTree
	files   map[string]string
	fileErr error

	checkoutURL string
	checkoutErr error
	pricing     models.Pricing

	users   []models.AdminUser
	plans   []models.PricingPlan
	metrics models.Metrics

	createdThreads int
	chatRequests   []models.ChatRequest
	uploadedFiles  []string
	fileRequests   []string
	planUpdates    []models.Plan
	pricingPatches []map[string]any
}

type mockAuth struct {
	sess        session.Session
	exchangeErr error
	profile     services.Profile
	signedOut   []string
}

type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
}

type mockThreadStore struct {
	mu   sync.Mutex
	last map[string]string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMain(t *testing.T, api handlers.API, auth *mockAuth) (handlers.Main, *session.Manager) {
	t.Helper()

	if auth == nil {
		auth = &mockAuth{}
	}
	sessions := session.NewManager(
		&mockSessionStore{sessions: make(map[string]session.Session)},
		time.Hour,
		discardLogger(),
	)
	connect := func(session.Session) handlers.API { return api }

	main, err := handlers.NewMain(
		connect,
		auth,
		sessions,
		&mockThreadStore{last: make(map[string]string)},
		handlers.Options{CallbackURL: "http://localhost:8080/auth/callback"},
		discardLogger(),
	)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() { _ = main.Shutdown(context.Background()) })

	return main, sessions
}

func signIn(t *testing.T, sessions *session.Manager, s session.Session) *http.Cookie {
	t.Helper()
	if s.UserID == "" {
		s.UserID = "u1"
	}
	created, err := sessions.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return &http.Cookie{Name: "genie_session", Value: created.ID}
}

func newRequest(method, target string, body io.Reader, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func form(values url.Values) io.Reader {
	return strings.NewReader(values.Encode())
}

// waitFor polls the dashboard until its body contains want.
func waitFor(t *testing.T, main handlers.Main, cookie *http.Cookie, want string) string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	var body string
	for time.Now().Before(deadline) {
		w := httptest.NewRecorder()
		main.HandleDashboard(w, newRequest(http.MethodGet, "/dashboard", nil, cookie))
		body = w.Body.String()
		if strings.Contains(body, want) {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dashboard never contained %q, last body:\n%s", want, body)
	return ""
}

func TestNewMain(t *testing.T) {
	main, _ := newTestMain(t, &mockAPI{}, nil)

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestCredentials(t *testing.T) {
	got := handlers.Credentials(session.Session{AccessToken: "jwt", ProviderToken: "gh"})
	want := services.Credentials{AccessToken: "jwt", ProviderToken: "gh"}
	if got != want {
		t.Errorf("Credentials() = %+v, want %+v", got, want)
	}
}

func TestHandleRoot(t *testing.T) {
	main, _ := newTestMain(t, &mockAPI{}, nil)

	for _, target := range []string{"/", "/unknown/page"} {
		w := httptest.NewRecorder()
		main.HandleRoot(w, newRequest(http.MethodGet, target, nil, nil))

		if w.Code != http.StatusFound || w.Header().Get("Location") != "/home" {
			t.Errorf("HandleRoot(%s) = %d %q, want redirect to /home", target, w.Code, w.Header().Get("Location"))
		}
	}
}

func TestHandleHome(t *testing.T) {
	api := &mockAPI{pricing: models.Pricing{Name: "Genie Pro", MonthlyPriceLabel: "$9/month"}}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{Name: "Ada Lovelace"})

	tests := []struct {
		name     string
		cookie   *http.Cookie
		wantBody []string
	}{
		{
			name:     "Signed out",
			wantBody: []string{"Genie Pro", "$9/month", "/auth/signin?provider=github", "/auth/signin?provider=google"},
		},
		{
			name:     "Signed in",
			cookie:   cookie,
			wantBody: []string{"Open dashboard", "Ada Lovelace"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			main.HandleHome(w, newRequest(http.MethodGet, "/home", nil, tt.cookie))

			if w.Code != http.StatusOK {
				t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body does not contain %q", want)
				}
			}
		})
	}
}

func TestHandleDashboard(t *testing.T) {
	t.Run("Signed out", func(t *testing.T) {
		main, _ := newTestMain(t, &mockAPI{}, nil)

		w := httptest.NewRecorder()
		main.HandleDashboard(w, newRequest(http.MethodGet, "/dashboard", nil, nil))

		if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/home" {
			t.Errorf("HandleDashboard() = %d %q, want redirect to /home", w.Code, w.Header().Get("Location"))
		}
	})

	t.Run("Newest thread opened", func(t *testing.T) {
		api := &mockAPI{
			threads: []models.Thread{
				{ID: "2024-01-01-a", Title: "Fix login bug"},
				{ID: "2024-02-01-b", Title: "Refactor parser"},
			},
			messages: map[string][]models.Message{
				"2024-02-01-b": {{Role: models.RoleUser, Content: "What does main.go do?"}},
			},
		}
		main, sessions := newTestMain(t, api, nil)
		cookie := signIn(t, sessions, session.Session{})

		w := httptest.NewRecorder()
		main.HandleDashboard(w, newRequest(http.MethodGet, "/dashboard", nil, cookie))

		body := w.Body.String()
		if w.Code != http.StatusOK {
			t.Fatalf("HandleDashboard() status = %v", w.Code)
		}
		for _, want := range []string{"Fix login bug", "Refactor parser", "What does main.go do?", "user-0-2024-02-01-b"} {
			if !strings.Contains(body, want) {
				t.Errorf("HandleDashboard() body does not contain %q", want)
			}
		}
		if strings.Index(body, "Refactor parser") > strings.Index(body, "Fix login bug") {
			t.Error("threads should be listed newest first")
		}
	})

	t.Run("Untitled thread label", func(t *testing.T) {
		api := &mockAPI{threads: []models.Thread{{ID: "スレッド一二三四五六"}}}
		main, sessions := newTestMain(t, api, nil)
		cookie := signIn(t, sessions, session.Session{})

		w := httptest.NewRecorder()
		main.HandleDashboard(w, newRequest(http.MethodGet, "/dashboard", nil, cookie))

		if !strings.Contains(w.Body.String(), "Chat スレッド一二三四</a>") {
			t.Errorf("HandleDashboard() should label the thread by the first eight characters of its id:\n%s", w.Body.String())
		}
	})

	t.Run("Thread created when none exist", func(t *testing.T) {
		api := &mockAPI{}
		main, sessions := newTestMain(t, api, nil)
		cookie := signIn(t, sessions, session.Session{})

		w := httptest.NewRecorder()
		main.HandleDashboard(w, newRequest(http.MethodGet, "/dashboard", nil, cookie))

		if api.createdThreads != 1 {
			t.Errorf("CreateThread called %d times, want 1", api.createdThreads)
		}
		if !strings.Contains(w.Body.String(), "thread-1") {
			t.Error("created thread should be listed")
		}
	})

	t.Run("Load failure shown in banner", func(t *testing.T) {
		main, sessions := newTestMain(t, failingThreadsAPI{mockAPI: &mockAPI{}}, nil)
		cookie := signIn(t, sessions, session.Session{})

		w := httptest.NewRecorder()
		main.HandleDashboard(w, newRequest(http.MethodGet, "/dashboard", nil, cookie))

		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "threads unavailable") {
			t.Errorf("HandleDashboard() = %d, want banner with the error", w.Code)
		}
	})
}

func TestHandleChats(t *testing.T) {
	api := &mockAPI{
		threads: []models.Thread{{ID: "t1"}},
		events: []models.StreamEvent{
			{Event: models.EventToken, Content: "Hi"},
			{Event: models.EventToken, Content: " there"},
			{
				Event:    models.EventEnd,
				ThreadID: "t1",
				Title:    "Greetings",
				Messages: []models.Message{
					{Role: models.RoleUser, Content: "hello"},
					{Role: models.RoleAssistant, Content: "Hi there"},
				},
			},
		},
	}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})

	tests := []struct {
		name       string
		method     string
		message    string
		cookie     *http.Cookie
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			cookie:     cookie,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Signed out",
			method:     http.MethodPost,
			message:    "hello",
			wantStatus: http.StatusSeeOther,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			message:    "   ",
			cookie:     cookie,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(tt.method, "/chats", form(url.Values{"message": {tt.message}}), tt.cookie)
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}

	t.Run("Streamed reply", func(t *testing.T) {
		waitFor(t, main, cookie, `data-thread-id="t1"`)

		w := httptest.NewRecorder()
		main.HandleChats(w, newRequest(http.MethodPost, "/chats", form(url.Values{"message": {"hello"}}), cookie))

		if w.Code != http.StatusOK {
			t.Fatalf("HandleChats() status = %v", w.Code)
		}
		if !strings.Contains(w.Body.String(), "assistant-pending-") || !strings.Contains(w.Body.String(), "hello") {
			t.Errorf("HandleChats() body should hold the user message and the placeholder:\n%s", w.Body.String())
		}

		body := waitFor(t, main, cookie, "assistant-1-t1")
		if !strings.Contains(body, "Hi there") || !strings.Contains(body, "Greetings") {
			t.Errorf("dashboard should show the reply and the thread title")
		}
		if strings.Contains(body, "assistant-pending-") {
			t.Error("placeholder should be gone once the reply ended")
		}

		api.mu.Lock()
		defer api.mu.Unlock()
		if len(api.chatRequests) != 1 {
			t.Fatalf("ChatStream called %d times, want 1", len(api.chatRequests))
		}
		want := models.ChatRequest{Message: "hello", ThreadID: "t1", UserID: "u1"}
		if api.chatRequests[0] != want {
			t.Errorf("chat request = %+v, want %+v", api.chatRequests[0], want)
		}
	})
}

func TestHandleChatsWhileStreaming(t *testing.T) {
	api := &mockAPI{
		threads: []models.Thread{{ID: "t1"}},
		events: []models.StreamEvent{
			{Event: models.EventToken, Content: "partial"},
			{
				Event:    models.EventEnd,
				ThreadID: "t1",
				Messages: []models.Message{
					{Role: models.RoleUser, Content: "hello"},
					{Role: models.RoleAssistant, Content: "partial"},
				},
			},
		},
		release: make(chan struct{}),
	}
	release := sync.OnceFunc(func() { close(api.release) })
	t.Cleanup(release)

	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})
	waitFor(t, main, cookie, `data-thread-id="t1"`)

	w := httptest.NewRecorder()
	main.HandleChats(w, newRequest(http.MethodPost, "/chats", form(url.Values{"message": {"hello"}}), cookie))
	if w.Code != http.StatusOK {
		t.Fatalf("first HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	main.HandleChats(w, newRequest(http.MethodPost, "/chats", form(url.Values{"message": {"again"}}), cookie))
	if w.Code != http.StatusConflict {
		t.Errorf("second HandleChats() status = %v, want %v", w.Code, http.StatusConflict)
	}

	busy := []struct {
		name   string
		handle http.HandlerFunc
		req    *http.Request
	}{
		{
			name:   "New thread",
			handle: main.HandleNewThread,
			req:    newRequest(http.MethodPost, "/threads", nil, cookie),
		},
		{
			name:   "Select thread",
			handle: main.HandleSelectThread,
			req:    newRequest(http.MethodGet, "/threads/select?thread_id=t1", nil, cookie),
		},
	}
	for _, tt := range busy {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handle(w, tt.req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %v, want %v", w.Code, http.StatusOK)
			}
			if !strings.Contains(w.Body.String(), "Please wait for the current reply to finish.") {
				t.Errorf("body should show the busy banner:\n%s", w.Body.String())
			}
		})
	}

	release()
	waitFor(t, main, cookie, "assistant-1-t1")

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.createdThreads != 0 {
		t.Errorf("CreateThread called %d times while busy, want 0", api.createdThreads)
	}
	if len(api.chatRequests) != 1 {
		t.Errorf("ChatStream called %d times, want 1", len(api.chatRequests))
	}
}

func TestHandleChatsStatusError(t *testing.T) {
	api := &mockAPI{
		threads: []models.Thread{{ID: "t1"}},
		chatErr: &services.StatusError{Status: http.StatusInternalServerError},
	}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})

	waitFor(t, main, cookie, `data-thread-id="t1"`)

	w := httptest.NewRecorder()
	main.HandleChats(w, newRequest(http.MethodPost, "/chats", form(url.Values{"message": {"hello"}}), cookie))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v", w.Code)
	}

	body := waitFor(t, main, cookie, "Send</button>")
	want := "Sorry, I hit a server error (500). Please try again or adjust your request."
	// Once in the banner, once as the synthesized assistant message.
	if got := strings.Count(body, want); got != 2 {
		t.Errorf("error text appears %d times, want 2:\n%s", got, body)
	}
	if strings.Contains(body, "assistant-pending-") {
		t.Error("placeholder should be removed")
	}
}

func TestHandleChatsShowProject(t *testing.T) {
	api := &mockAPI{threads: []models.Thread{{ID: "t1"}}}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})

	waitFor(t, main, cookie, `data-thread-id="t1"`)

	w := httptest.NewRecorder()
	main.HandleChats(w, newRequest(http.MethodPost, "/chats", form(url.Values{"message": {"show project p42 code"}}), cookie))

	body := w.Body.String()
	if !strings.Contains(body, "show project p42 code") {
		t.Error("command should be echoed as a user message")
	}
	if !strings.Contains(body, "/projects/p42/tree?thread_id=t1") {
		t.Errorf("code explorer should be opened:\n%s", body)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.chatRequests) != 0 {
		t.Errorf("ChatStream called %d times, want 0", len(api.chatRequests))
	}
}

func TestHandleNewThread(t *testing.T) {
	api := &mockAPI{threads: []models.Thread{{ID: "t1"}}}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})

	waitFor(t, main, cookie, `data-thread-id="t1"`)

	w := httptest.NewRecorder()
	main.HandleNewThread(w, newRequest(http.MethodPost, "/threads", nil, cookie))

	if w.Code != http.StatusOK {
		t.Fatalf("HandleNewThread() status = %v", w.Code)
	}
	if !strings.Contains(w.Body.String(), `data-thread-id="thread-1"`) {
		t.Errorf("new thread should be current:\n%s", w.Body.String())
	}
}

func TestHandleSelectThread(t *testing.T) {
	api := &mockAPI{
		threads: []models.Thread{{ID: "t1"}, {ID: "t2"}},
		messages: map[string][]models.Message{
			"t1": {{Role: models.RoleUser, Content: "first thread"}},
			"t2": {{Role: models.RoleUser, Content: "second thread"}},
		},
	}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})

	waitFor(t, main, cookie, "second thread")

	tests := []struct {
		name       string
		threadID   string
		wantStatus int
		wantBody   string
	}{
		{name: "Listed thread", threadID: "t1", wantStatus: http.StatusOK, wantBody: "first thread"},
		{name: "Unknown thread", threadID: "t9", wantStatus: http.StatusNotFound},
		{name: "Missing thread", threadID: "", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			main.HandleSelectThread(w, newRequest(http.MethodGet, "/threads/select?thread_id="+tt.threadID, nil, cookie))

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleSelectThread() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleSelectThread() body does not contain %q", tt.wantBody)
			}
		})
	}
}

func TestHandleUpload(t *testing.T) {
	api := &mockAPI{threads: []models.Thread{{ID: "t1"}}, upload: models.Upload{ID: "up-7"}}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})

	tests := []struct {
		name     string
		fileName string
		wantBody string
	}{
		{name: "Zip archive", fileName: "project.zip", wantBody: "Upload successful. ID: up-7"},
		{name: "Not a zip", fileName: "project.tar.gz", wantBody: "Please upload a .zip archive."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			part, err := mw.CreateFormFile("file", tt.fileName)
			if err != nil {
				t.Fatal(err)
			}
			_, _ = part.Write([]byte("PK\x03\x04"))
			mw.Close()

			req := httptest.NewRequest(http.MethodPost, "/uploads", &buf)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			req.AddCookie(cookie)
			w := httptest.NewRecorder()

			main.HandleUpload(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("HandleUpload() status = %v", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleUpload() body does not contain %q", tt.wantBody)
			}
		})
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.uploadedFiles) != 1 || api.uploadedFiles[0] != "project.zip" {
		t.Errorf("uploaded files = %v, want only project.zip", api.uploadedFiles)
	}
}

func TestHandleProjectTree(t *testing.T) {
	api := &mockAPI{
		threads: []models.Thread{{ID: "t1"}},
		tree: models.FileTree{
			ProjectID: "p1",
			Files: []models.FileNode{
				{Type: models.FileNodeFolder, Name: "docs", Path: "docs"},
				{Type: models.FileNodeFolder, Name: "src", Path: "src", Children: []models.FileNode{
					{Type: models.FileNodeFile, Name: "main.go", Path: "src/main.go"},
				}},
				{Type: models.FileNodeFile, Name: "README.md", Path: "README.md"},
			},
		},
		files: map[string]string{"src/main.go": "package main\n"},
	}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})

	req := newRequest(http.MethodGet, "/projects/p1/tree?thread_id=t1", nil, cookie)
	req.SetPathValue("id", "p1")
	w := httptest.NewRecorder()

	main.HandleProjectTree(w, req)

	body := w.Body.String()
	for _, want := range []string{"README.md", "main.go", "src/main.go", "package"} {
		if !strings.Contains(body, want) {
			t.Errorf("HandleProjectTree() body does not contain %q", want)
		}
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.fileRequests) != 1 || api.fileRequests[0] != "src/main.go" {
		t.Errorf("file requests = %v, want the first file depth-first", api.fileRequests)
	}
}

func TestHandleProjectFile(t *testing.T) {
	api := &mockAPI{fileErr: errors.New("Status 404")}
	main, sessions := newTestMain(t, api, nil)
	cookie := signIn(t, sessions, session.Session{})

	tests := []struct {
		name     string
		target   string
		wantBody string
	}{
		{name: "Load error", target: "/projects/p1/file?thread_id=t1&path=a.go", wantBody: "// Error: Status 404"},
		{name: "No thread", target: "/projects/p1/file?path=a.go", wantBody: "User or thread missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(http.MethodGet, tt.target, nil, cookie)
			req.SetPathValue("id", "p1")
			w := httptest.NewRecorder()

			main.HandleProjectFile(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("HandleProjectFile() status = %v", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleProjectFile() body does not contain %q:\n%s", tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestHandleCheckout(t *testing.T) {
	tests := []struct {
		name         string
		api          *mockAPI
		wantStatus   int
		wantLocation string
		wantBody     string
	}{
		{
			name:         "Redirect to checkout",
			api:          &mockAPI{checkoutURL: "https://checkout.stripe.com/c/pay/1"},
			wantStatus:   http.StatusSeeOther,
			wantLocation: "https://checkout.stripe.com/c/pay/1",
		},
		{
			name:       "Error with detail",
			api:        &mockAPI{checkoutErr: &services.StatusError{Status: 400, Detail: "Stripe is not configured"}},
			wantStatus: http.StatusOK,
			wantBody:   "Stripe is not configured",
		},
		{
			name:       "Error without detail",
			api:        &mockAPI{checkoutErr: &services.StatusError{Status: 502}},
			wantStatus: http.StatusOK,
			wantBody:   "Unable to start checkout (502)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main, sessions := newTestMain(t, tt.api, nil)
			cookie := signIn(t, sessions, session.Session{})

			w := httptest.NewRecorder()
			main.HandleCheckout(w, newRequest(http.MethodPost, "/billing/checkout", nil, cookie))

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleCheckout() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantLocation != "" && w.Header().Get("Location") != tt.wantLocation {
				t.Errorf("Location = %q, want %q", w.Header().Get("Location"), tt.wantLocation)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleCheckout() body does not contain %q", tt.wantBody)
			}
		})
	}
}

func TestHandleAdmin(t *testing.T) {
	api := &mockAPI{
		users:   []models.AdminUser{{ID: "u2", Email: "grace@example.com", Plan: models.PlanFree, Role: models.UserRoleUser}},
		plans:   []models.PricingPlan{{ID: "premium", Name: "Premium", MonthlyPriceLabel: "$9/month"}},
		metrics: models.Metrics{TotalUsers: 42, TotalThreads: 1234},
	}
	main, sessions := newTestMain(t, api, nil)
	userCookie := signIn(t, sessions, session.Session{UserID: "u2"})
	adminCookie := signIn(t, sessions, session.Session{UserID: "u1", Role: models.UserRoleAdmin})

	t.Run("Not an admin", func(t *testing.T) {
		w := httptest.NewRecorder()
		main.HandleAdmin(w, newRequest(http.MethodGet, "/admin", nil, userCookie))

		if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/home" {
			t.Errorf("HandleAdmin() = %d %q, want redirect to /home", w.Code, w.Header().Get("Location"))
		}
	})

	t.Run("Admin", func(t *testing.T) {
		w := httptest.NewRecorder()
		main.HandleAdmin(w, newRequest(http.MethodGet, "/admin", nil, adminCookie))

		if w.Code != http.StatusOK {
			t.Fatalf("HandleAdmin() status = %v", w.Code)
		}
		for _, want := range []string{"grace@example.com", "$9/month", "42", "1234"} {
			if !strings.Contains(w.Body.String(), want) {
				t.Errorf("HandleAdmin() body does not contain %q", want)
			}
		}
	})

	t.Run("Update plan", func(t *testing.T) {
		req := newRequest(http.MethodPost, "/admin/users/u2/plan", form(url.Values{"plan": {"premium"}}), adminCookie)
		req.SetPathValue("id", "u2")
		w := httptest.NewRecorder()

		main.HandleUpdateUserPlan(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("HandleUpdateUserPlan() status = %v", w.Code)
		}
		api.mu.Lock()
		defer api.mu.Unlock()
		if len(api.planUpdates) != 1 || api.planUpdates[0] != models.PlanPremium {
			t.Errorf("plan updates = %v, want [premium]", api.planUpdates)
		}
	})
}

func TestHandleUpdatePricing(t *testing.T) {
	plan := models.PricingPlan{
		ID:                "premium",
		Name:              "Premium",
		MonthlyPriceLabel: "$9/month",
		Description:       "All features",
		IsActive:          true,
		StripePriceID:     "price_1",
	}

	tests := []struct {
		name      string
		values    url.Values
		wantBody  string
		wantPatch map[string]any
	}{
		{
			name: "No changes",
			values: url.Values{
				"monthly_price_label": {"$9/month"},
				"description":         {"All features"},
				"is_active":           {"on"},
				"stripe_price_id":     {"price_1"},
			},
			wantBody: "No changes to save.",
		},
		{
			name: "Changed fields only",
			values: url.Values{
				"monthly_price_label": {"$9/month"},
				"description":         {"Everything"},
				"stripe_price_id":     {""},
			},
			wantBody: "Pricing updated.",
			wantPatch: map[string]any{
				"description":     "Everything",
				"is_active":       false,
				"stripe_price_id": nil,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPI{plans: []models.PricingPlan{plan}}
			main, sessions := newTestMain(t, api, nil)
			cookie := signIn(t, sessions, session.Session{Role: models.UserRoleAdmin})

			req := newRequest(http.MethodPost, "/admin/pricing/premium", form(tt.values), cookie)
			req.SetPathValue("id", "premium")
			w := httptest.NewRecorder()

			main.HandleUpdatePricing(w, req)

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleUpdatePricing() body does not contain %q", tt.wantBody)
			}

			api.mu.Lock()
			defer api.mu.Unlock()
			if tt.wantPatch == nil {
				if len(api.pricingPatches) != 0 {
					t.Errorf("UpdatePricing called with %v, want no call", api.pricingPatches)
				}
				return
			}
			if len(api.pricingPatches) != 1 || !maps.Equal(api.pricingPatches[0], tt.wantPatch) {
				t.Errorf("patches = %v, want [%v]", api.pricingPatches, tt.wantPatch)
			}
		})
	}
}

func TestHandleCallback(t *testing.T) {
	tests := []struct {
		name         string
		auth         *mockAuth
		query        string
		verifier     bool
		wantLocation string
	}{
		{
			name: "Admin",
			auth: &mockAuth{
				sess:    session.Session{UserID: "u1", AccessToken: "jwt", Provider: "github"},
				profile: services.Profile{Plan: models.PlanPremium, Role: models.UserRoleAdmin},
			},
			query:        "?code=abc",
			verifier:     true,
			wantLocation: "/admin",
		},
		{
			name: "User",
			auth: &mockAuth{
				sess:    session.Session{UserID: "u1", AccessToken: "jwt", Provider: "google"},
				profile: services.Profile{Plan: models.PlanFree, Role: models.UserRoleUser},
			},
			query:        "?code=abc",
			verifier:     true,
			wantLocation: "/dashboard",
		},
		{
			name:         "Exchange failure",
			auth:         &mockAuth{exchangeErr: errors.New("invalid grant")},
			query:        "?code=abc",
			verifier:     true,
			wantLocation: "/home",
		},
		{
			name:         "Missing verifier",
			auth:         &mockAuth{sess: session.Session{UserID: "u1"}},
			query:        "?code=abc",
			wantLocation: "/home",
		},
		{
			name:         "Missing code",
			auth:         &mockAuth{sess: session.Session{UserID: "u1"}},
			verifier:     true,
			wantLocation: "/home",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main, _ := newTestMain(t, &mockAPI{}, tt.auth)

			req := newRequest(http.MethodGet, "/auth/callback"+tt.query, nil, nil)
			if tt.verifier {
				req.AddCookie(&http.Cookie{Name: "genie_pkce", Value: "verifier"})
			}
			w := httptest.NewRecorder()

			main.HandleCallback(w, req)

			if got := w.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("HandleCallback() Location = %q, want %q", got, tt.wantLocation)
			}

			hasSession := false
			for _, c := range w.Result().Cookies() {
				if c.Name == "genie_session" && c.Value != "" {
					hasSession = true
				}
			}
			if wantSession := tt.wantLocation != "/home"; hasSession != wantSession {
				t.Errorf("session cookie set = %v, want %v", hasSession, wantSession)
			}
		})
	}
}

func TestHandleSignIn(t *testing.T) {
	main, _ := newTestMain(t, &mockAPI{}, nil)

	w := httptest.NewRecorder()
	main.HandleSignIn(w, newRequest(http.MethodGet, "/auth/signin?provider=github", nil, nil))

	if w.Code != http.StatusSeeOther || !strings.HasPrefix(w.Header().Get("Location"), "https://auth.example.com/") {
		t.Errorf("HandleSignIn() = %d %q, want redirect to the provider", w.Code, w.Header().Get("Location"))
	}
	var verifier bool
	for _, c := range w.Result().Cookies() {
		if c.Name == "genie_pkce" && c.Value != "" && c.HttpOnly {
			verifier = true
		}
	}
	if !verifier {
		t.Error("HandleSignIn() should store the verifier in an HttpOnly cookie")
	}
}

func TestHandleSignOut(t *testing.T) {
	auth := &mockAuth{}
	main, sessions := newTestMain(t, &mockAPI{threads: []models.Thread{{ID: "t1"}}}, auth)
	cookie := signIn(t, sessions, session.Session{AccessToken: "jwt"})

	w := httptest.NewRecorder()
	main.HandleSignOut(w, newRequest(http.MethodPost, "/auth/signout", nil, cookie))

	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/home" {
		t.Errorf("HandleSignOut() = %d %q, want redirect to /home", w.Code, w.Header().Get("Location"))
	}
	if len(auth.signedOut) != 1 || auth.signedOut[0] != "jwt" {
		t.Errorf("signed out tokens = %v, want [jwt]", auth.signedOut)
	}
	if _, err := sessions.Get(context.Background(), cookie.Value); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("session should be destroyed, Get() error = %v", err)
	}

	w = httptest.NewRecorder()
	main.HandleDashboard(w, newRequest(http.MethodGet, "/dashboard", nil, cookie))
	if w.Code != http.StatusSeeOther {
		t.Errorf("HandleDashboard() after sign out status = %v, want redirect", w.Code)
	}
}

func TestRecover(t *testing.T) {
	main, _ := newTestMain(t, &mockAPI{}, nil)

	h := main.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(http.MethodGet, "/dashboard", nil, nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %v, want %v", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(w.Body.String(), "Something went wrong") {
		t.Errorf("body = %q, want the error page", w.Body.String())
	}
}

// failingThreadsAPI fails to list threads.
type failingThreadsAPI struct {
	*mockAPI
}

func (failingThreadsAPI) Threads(context.Context, string) ([]models.Thread, error) {
	return nil, errors.New("threads unavailable")
}

func (m *mockAPI) CreateThread(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createdThreads++
	return fmt.Sprintf("thread-%d", m.createdThreads), nil
}

func (m *mockAPI) Threads(context.Context, string) ([]models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads, nil
}

func (m *mockAPI) Messages(_ context.Context, _, threadID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.WithIDs(threadID, m.messages[threadID]), nil
}

func (m *mockAPI) ChatStream(ctx context.Context, req models.ChatRequest) iter.Seq2[models.StreamEvent, error] {
	m.mu.Lock()
	m.chatRequests = append(m.chatRequests, req)
	events, chatErr, release := m.events, m.chatErr, m.release
	m.mu.Unlock()

	return func(yield func(models.StreamEvent, error) bool) {
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				yield(models.StreamEvent{}, ctx.Err())
				return
			}
		}
		if chatErr != nil {
			yield(models.StreamEvent{}, chatErr)
			return
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (m *mockAPI) Upload(_ context.Context, fileName string, _ io.Reader) (models.Upload, error) {
	if !services.IsZip(fileName) {
		return models.Upload{}, services.ErrNotZip
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadedFiles = append(m.uploadedFiles, fileName)
	return m.upload, nil
}

func (m *mockAPI) FileTree(context.Context, string, string, string) (models.FileTree, error) {
	return m.tree, nil
}

func (m *mockAPI) FileContent(_ context.Context, _, _, _, filePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileRequests = append(m.fileRequests, filePath)
	if m.fileErr != nil {
		return "", m.fileErr
	}
	return m.files[filePath], nil
}

func (m *mockAPI) CreateCheckoutSession(context.Context, string) (string, error) {
	return m.checkoutURL, m.checkoutErr
}

func (m *mockAPI) Pricing(context.Context) (models.Pricing, error) {
	return m.pricing, nil
}

func (m *mockAPI) AdminUsers(context.Context, string) ([]models.AdminUser, error) {
	return m.users, nil
}

func (m *mockAPI) UpdateUserPlan(_ context.Context, _, userID string, plan models.Plan) (models.AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planUpdates = append(m.planUpdates, plan)
	return models.AdminUser{ID: userID, Plan: plan}, nil
}

func (m *mockAPI) AdminPricing(context.Context, string) ([]models.PricingPlan, error) {
	return m.plans, nil
}

func (m *mockAPI) UpdatePricing(
	_ context.Context,
	_, planID string,
	patch map[string]any,
) (models.PricingPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricingPatches = append(m.pricingPatches, patch)
	return models.PricingPlan{ID: planID}, nil
}

func (m *mockAPI) AdminMetrics(context.Context, string) (models.Metrics, error) {
	return m.metrics, nil
}

func (a *mockAuth) AuthorizeURL(provider, _, verifier string) (string, error) {
	return "https://auth.example.com/authorize?provider=" + provider + "&challenge=" + services.Challenge(verifier), nil
}

func (a *mockAuth) Exchange(context.Context, string, string) (session.Session, error) {
	if a.exchangeErr != nil {
		return session.Session{}, a.exchangeErr
	}
	return a.sess, nil
}

func (a *mockAuth) Profile(context.Context, string, string) services.Profile {
	return a.profile
}

func (a *mockAuth) SignOut(_ context.Context, accessToken string) {
	a.signedOut = append(a.signedOut, accessToken)
}

func (m *mockSessionStore) Session(_ context.Context, id string) (session.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *mockSessionStore) PutSession(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *mockSessionStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *mockSessionStore) Sessions(context.Context) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (m *mockThreadStore) LastThread(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[userID], nil
}

func (m *mockThreadStore) SetLastThread(_ context.Context, userID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[userID] = threadID
	return nil
}
