package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/genie-web/internal/models"
)

// Genie is a thin client for the remote Genie HTTP API. Every call carries the credentials set with As;
// a Genie without credentials can only reach the public endpoints.
type Genie struct {
	baseURL string
	creds   Credentials

	client *http.Client

	logger *slog.Logger
}

// Credentials are the tokens attached to every request made on behalf of a signed in user.
type Credentials struct {
	// AccessToken is sent as a bearer token.
	AccessToken string
	// ProviderToken is the OAuth provider token (GitHub) sent in the X-Github-Token header when present.
	ProviderToken string
}

// StatusError is returned when the API answers with a non-success status. Detail holds the "detail" field
// of the error body when the API provided one.
type StatusError struct {
	Status int
	Detail string
}

// ErrNotZip is returned by Upload when the archive name does not end in .zip. No request is made.
var ErrNotZip = errors.New("please upload a .zip archive")

const errLoggerKey = "err"

// NewGenie creates a Genie client for the API rooted at baseURL. A trailing slash on baseURL is ignored.
func NewGenie(baseURL string, client *http.Client, logger *slog.Logger) Genie {
	if client == nil {
		client = &http.Client{}
	}
	return Genie{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "genie")),
	}
}

// As returns a copy of g that authenticates with creds.
func (g Genie) As(creds Credentials) Genie {
	g.creds = creds
	return g
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// HTTPStatus returns the status code the API answered with.
func (e *StatusError) HTTPStatus() int {
	return e.Status
}

// IsZip reports whether fileName names a zip archive.
func IsZip(fileName string) bool {
	return strings.HasSuffix(strings.ToLower(fileName), ".zip")
}

// CreateThread creates a new empty conversation thread and returns its id.
func (g Genie) CreateThread(ctx context.Context) (string, error) {
	var res struct {
		ThreadID string `json:"thread_id"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "/threads", nil, nil, &res); err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return res.ThreadID, nil
}

// Threads lists the threads of userID.
func (g Genie) Threads(ctx context.Context, userID string) ([]models.Thread, error) {
	var res struct {
		Threads []models.Thread `json:"threads"`
	}
	q := url.Values{"user_id": {userID}}
	if err := g.doJSON(ctx, http.MethodGet, "/threads", q, nil, &res); err != nil {
		return nil, fmt.Errorf("failed to load threads: %w", err)
	}
	return res.Threads, nil
}

// Messages returns the authoritative history of threadID, with ids derived from message positions.
func (g Genie) Messages(ctx context.Context, userID, threadID string) ([]models.Message, error) {
	var res struct {
		ThreadID string           `json:"thread_id"`
		Messages []models.Message `json:"messages"`
	}
	q := url.Values{"user_id": {userID}}
	p := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := g.doJSON(ctx, http.MethodGet, p, q, nil, &res); err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if res.ThreadID == "" {
		res.ThreadID = threadID
	}
	return models.WithIDs(res.ThreadID, res.Messages), nil
}

// ChatStream sends a chat message and returns the events of the streamed reply in arrival order.
//
// A non-success status is reported as a single *StatusError before any of the body is parsed. A failure
// while reading the body ends the sequence with that error. Malformed records are skipped.
func (g Genie) ChatStream(ctx context.Context, req models.ChatRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		body, err := json.Marshal(req)
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		httpReq, err := g.newRequest(ctx, http.MethodPost, "/chat/stream", nil, bytes.NewReader(body))
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(httpReq)
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if !success(resp.StatusCode) {
			yield(models.StreamEvent{}, &StatusError{Status: resp.StatusCode})
			return
		}

		for ev, err := range ReadEvents(resp.Body, g.logger) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

// Upload sends a project archive. Archives whose name does not end in .zip are rejected with ErrNotZip
// before any network call is made.
func (g Genie) Upload(ctx context.Context, fileName string, archive io.Reader) (models.Upload, error) {
	if !IsZip(fileName) {
		return models.Upload{}, ErrNotZip
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, archive); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := g.newRequest(ctx, http.MethodPost, "/uploads", nil, pr)
	if err != nil {
		pr.Close()
		return models.Upload{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res models.Upload
	if err := g.do(req, &res); err != nil {
		return models.Upload{}, fmt.Errorf("upload failed: %w", err)
	}
	return res, nil
}

// FileTree returns the file tree of an uploaded project.
func (g Genie) FileTree(ctx context.Context, userID, threadID, projectID string) (models.FileTree, error) {
	q := url.Values{"user_id": {userID}, "thread_id": {threadID}}
	p := "/projects/" + url.PathEscape(projectID) + "/file-tree"

	var res models.FileTree
	if err := g.doJSON(ctx, http.MethodGet, p, q, nil, &res); err != nil {
		return models.FileTree{}, fmt.Errorf("unable to load project file tree: %w", err)
	}
	return res, nil
}

// FileContent returns the content of one file of an uploaded project.
func (g Genie) FileContent(ctx context.Context, userID, threadID, projectID, filePath string) (string, error) {
	q := url.Values{"user_id": {userID}, "thread_id": {threadID}, "path": {filePath}}
	p := "/projects/" + url.PathEscape(projectID) + "/file-content"

	var res struct {
		Content string `json:"content"`
	}
	if err := g.doJSON(ctx, http.MethodGet, p, q, nil, &res); err != nil {
		return "", fmt.Errorf("unable to load file content: %w", err)
	}
	return res.Content, nil
}

// CreateCheckoutSession starts a premium checkout for userID and returns the URL the user must be sent to.
func (g Genie) CreateCheckoutSession(ctx context.Context, userID string) (string, error) {
	var res struct {
		URL string `json:"url"`
	}
	body := map[string]string{"user_id": userID}
	if err := g.doJSON(ctx, http.MethodPost, "/billing/create-checkout-session", nil, body, &res); err != nil {
		return "", fmt.Errorf("unable to start checkout: %w", err)
	}
	if res.URL == "" {
		return "", errors.New("checkout URL was not returned")
	}
	return res.URL, nil
}

// Pricing returns the public description of the premium offer.
func (g Genie) Pricing(ctx context.Context) (models.Pricing, error) {
	var res models.Pricing
	if err := g.doJSON(ctx, http.MethodGet, "/pricing", nil, nil, &res); err != nil {
		return models.Pricing{}, fmt.Errorf("failed to load pricing: %w", err)
	}
	return res, nil
}

func (g Genie) doJSON(ctx context.Context, method, p string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := g.newRequest(ctx, method, p, q, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return g.do(req, out)
}

func (g Genie) newRequest(ctx context.Context, method, p string, q url.Values, body io.Reader) (*http.Request, error) {
	u := g.baseURL + p
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if g.creds.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.creds.AccessToken)
	}
	if g.creds.ProviderToken != "" {
		req.Header.Set("X-Github-Token", g.creds.ProviderToken)
	}
	return req, nil
}

func (g Genie) do(req *http.Request, out any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		sErr := statusError(resp)
		g.logger.Debug("Request failed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.String(errLoggerKey, sErr.Error()))
		return sErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func statusError(resp *http.Response) *StatusError {
	sErr := &StatusError{Status: resp.StatusCode}

	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return sErr
	}
	switch d := body.Detail.(type) {
	case string:
		sErr.Detail = d
	case nil:
	default:
		if b, err := json.Marshal(d); err == nil {
			sErr.Detail = string(b)
		}
	}
	return sErr
}
