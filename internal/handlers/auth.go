package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/genie-web/internal/services"
	"github.com/MegaGrindStone/genie-web/internal/session"
)

const (
	sessionCookie  = "genie_session"
	verifierCookie = "genie_pkce"
)

// HandleSignIn starts the OAuth flow with the provider named by the "provider" query parameter. The PKCE
// verifier is kept in a short-lived cookie until the provider redirects back to the callback.
func (m Main) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")

	verifier, err := services.NewVerifier()
	if err != nil {
		m.logger.Error("Failed to create verifier", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Unable to start sign in", http.StatusInternalServerError)
		return
	}

	u, err := m.auth.AuthorizeURL(provider, m.callbackURL, verifier)
	if err != nil {
		m.logger.Warn("OAuth sign-in error",
			slog.String("provider", provider),
			slog.String(errLoggerKey, err.Error()))
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}

	m.setCookie(w, verifierCookie, verifier, 10*time.Minute)
	http.Redirect(w, r, u, http.StatusSeeOther)
}

// HandleCallback completes the OAuth flow: it exchanges the code for tokens, loads the user's plan and role,
// and creates the session. Administrators land on the admin console, everyone else on the dashboard. Any
// failure sends the user back to the landing page.
func (m Main) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	verifier, err := r.Cookie(verifierCookie)
	m.clearCookie(w, verifierCookie)
	if err != nil || code == "" {
		m.logger.Warn("No session found in callback, redirecting home.")
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}

	sess, err := m.auth.Exchange(r.Context(), code, verifier.Value)
	if err != nil {
		m.logger.Error("Auth code exchange error", slog.String(errLoggerKey, err.Error()))
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}

	profile := m.auth.Profile(r.Context(), sess.AccessToken, sess.UserID)
	sess.Plan = profile.Plan
	sess.Role = profile.Role
	if profile.Email != "" {
		sess.Email = profile.Email
	}

	sess, err = m.sessions.Create(r.Context(), sess)
	if err != nil {
		m.logger.Error("Failed to create session", slog.String(errLoggerKey, err.Error()))
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}

	m.setCookie(w, sessionCookie, sess.ID, time.Until(sess.ExpiresAt))

	if sess.IsAdmin() {
		http.Redirect(w, r, "/admin", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// HandleSignOut destroys the current session, together with its chat workspace.
func (m Main) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if sess, ok := m.currentSession(r); ok {
		m.auth.SignOut(r.Context(), sess.AccessToken)
		if err := m.sessions.Destroy(r.Context(), sess.ID); err != nil {
			m.logger.Error("Error signing out", slog.String(errLoggerKey, err.Error()))
		}
	}

	m.clearCookie(w, sessionCookie)
	redirect(w, r, "/home")
}

// currentSession returns the session named by the session cookie of r.
func (m Main) currentSession(r *http.Request) (session.Session, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return session.Session{}, false
	}

	sess, err := m.sessions.Get(r.Context(), c.Value)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			m.logger.Error("Failed to load session", slog.String(errLoggerKey, err.Error()))
		}
		return session.Session{}, false
	}
	return sess, true
}

// requireSession returns the current session, or answers r with a redirect to the landing page.
func (m Main) requireSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, ok := m.currentSession(r)
	if !ok {
		redirect(w, r, "/home")
	}
	return sess, ok
}

// redirect sends the browser to target. Requests issued by htmx get an HX-Redirect header instead, since
// they would otherwise swap the target page into the current one.
func redirect(w http.ResponseWriter, r *http.Request, target string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (m Main) setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m Main) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
