package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/session"
)

// Supabase signs users in through the OAuth providers configured on a Supabase project, using the PKCE
// flow, and reads their plan and role from the user_profiles table.
type Supabase struct {
	baseURL string
	anonKey string

	client *http.Client

	logger *slog.Logger
}

// Profile is the plan and role of a user as recorded in user_profiles.
type Profile struct {
	Plan  models.Plan     `json:"plan"`
	Role  models.UserRole `json:"role"`
	Email string          `json:"email"`
}

// Providers that can be used to sign in.
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// GitHubScopes are requested when signing in with GitHub, so the API can read the user's repositories.
const GitHubScopes = "repo user:email"

var errUnknownProvider = errors.New("unknown sign in provider")

// NewSupabase creates a Supabase client for the project at baseURL, authenticating with its anonymous key.
func NewSupabase(baseURL, anonKey string, client *http.Client, logger *slog.Logger) Supabase {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return Supabase{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		client:  client,
		logger:  logger.With(slog.String("module", "supabase")),
	}
}

// NewVerifier returns a fresh PKCE code verifier.
func NewVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Challenge returns the S256 PKCE challenge of verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizeURL returns the URL the browser is sent to in order to sign in with provider. After signing
// in the provider redirects to redirectTo with a code that Exchange turns into a session.
func (s Supabase) AuthorizeURL(provider, redirectTo, verifier string) (string, error) {
	if provider != ProviderGitHub && provider != ProviderGoogle {
		return "", fmt.Errorf("%w: %q", errUnknownProvider, provider)
	}

	q := url.Values{
		"provider":              {provider},
		"redirect_to":           {redirectTo},
		"code_challenge":        {Challenge(verifier)},
		"code_challenge_method": {"s256"},
	}
	if provider == ProviderGitHub {
		q.Set("scopes", GitHubScopes)
	}
	return s.baseURL + "/auth/v1/authorize?" + q.Encode(), nil
}

// Exchange trades the code returned to the callback for the user's tokens. The returned session has no
// id yet; plan and role are left for Profile.
func (s Supabase) Exchange(ctx context.Context, code, verifier string) (session.Session, error) {
	if code == "" {
		return session.Session{}, errors.New("missing authorization code")
	}

	body, err := json.Marshal(map[string]string{"auth_code": code, "code_verifier": verifier})
	if err != nil {
		return session.Session{}, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, "/auth/v1/token?grant_type=pkce", bytes.NewReader(body))
	if err != nil {
		return session.Session{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res struct {
		AccessToken   string `json:"access_token"`
		ExpiresIn     int    `json:"expires_in"`
		ProviderToken string `json:"provider_token"`
		User          struct {
			ID          string `json:"id"`
			Email       string `json:"email"`
			AppMetadata struct {
				Provider string `json:"provider"`
			} `json:"app_metadata"`
			UserMetadata struct {
				FullName  string `json:"full_name"`
				Name      string `json:"name"`
				AvatarURL string `json:"avatar_url"`
				UserName  string `json:"user_name"`
			} `json:"user_metadata"`
		} `json:"user"`
	}
	if err := s.do(req, &res); err != nil {
		return session.Session{}, fmt.Errorf("failed to exchange code: %w", err)
	}
	if res.AccessToken == "" || res.User.ID == "" {
		return session.Session{}, errors.New("token response has no user")
	}

	name := res.User.UserMetadata.FullName
	if name == "" {
		name = res.User.UserMetadata.Name
	}

	sess := session.Session{
		UserID:        res.User.ID,
		Email:         res.User.Email,
		Name:          name,
		AvatarURL:     res.User.UserMetadata.AvatarURL,
		Provider:      res.User.AppMetadata.Provider,
		AccessToken:   res.AccessToken,
		ProviderToken: res.ProviderToken,
	}
	if sess.Provider == ProviderGitHub {
		sess.GitHubLogin = res.User.UserMetadata.UserName
	}
	if res.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	return sess, nil
}

// Profile loads the plan, role and email of userID. Lookup failures are logged and reported as a free
// plan with the user role, so a broken profile table never blocks signing in.
func (s Supabase) Profile(ctx context.Context, accessToken, userID string) Profile {
	fallback := Profile{Plan: models.PlanFree, Role: models.UserRoleUser}
	if userID == "" {
		return fallback
	}

	q := url.Values{"id": {"eq." + userID}, "select": {"plan,email,role"}}
	req, err := s.newRequest(ctx, http.MethodGet, "/rest/v1/user_profiles?"+q.Encode(), nil)
	if err != nil {
		s.logger.Error("Failed to create profile request", slog.String(errLoggerKey, err.Error()))
		return fallback
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var rows []struct {
		Plan  string `json:"plan"`
		Role  string `json:"role"`
		Email string `json:"email"`
	}
	if err := s.do(req, &rows); err != nil {
		s.logger.Error("Failed to load current user profile",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		return fallback
	}
	if len(rows) == 0 {
		return fallback
	}

	return Profile{
		Plan:  models.NormalizePlan(rows[0].Plan),
		Role:  models.NormalizeRole(strings.ToLower(rows[0].Role)),
		Email: rows[0].Email,
	}
}

// SignOut revokes the access token. Errors are only logged; the local session is destroyed regardless.
func (s Supabase) SignOut(ctx context.Context, accessToken string) {
	req, err := s.newRequest(ctx, http.MethodPost, "/auth/v1/logout", nil)
	if err != nil {
		s.logger.Error("Failed to create sign out request", slog.String(errLoggerKey, err.Error()))
		return
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if err := s.do(req, nil); err != nil {
		s.logger.Warn("Error signing out", slog.String(errLoggerKey, err.Error()))
	}
}

func (s Supabase) newRequest(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+p, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", s.anonKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (s Supabase) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		return supabaseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func supabaseError(resp *http.Response) *StatusError {
	sErr := &StatusError{Status: resp.StatusCode}

	var body struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return sErr
	}
	for _, d := range []string{body.ErrorDescription, body.Msg, body.Message} {
		if d != "" {
			sErr.Detail = d
			break
		}
	}
	return sErr
}
