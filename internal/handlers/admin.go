package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/session"
)

type adminPageData struct {
	Account account
	Users   adminUsersData
	Pricing adminPricingData
	Metrics adminMetricsData
}

type adminUsersData struct {
	Users []models.AdminUser
	Error string
}

type adminPricingData struct {
	Plans  []models.PricingPlan
	Error  string
	Notice string
}

type adminMetricsData struct {
	Metrics models.Metrics
	Error   string
}

// HandleAdmin renders the admin console: users, pricing plans and metrics. Anyone but an administrator
// is sent back to the landing page.
func (m Main) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	sess, ok := m.requireAdmin(w, r)
	if !ok {
		return
	}

	m.render(w, http.StatusOK, "admin.html", adminPageData{
		Account: newAccount(sess),
		Users:   m.adminUsers(r, sess),
		Pricing: m.adminPricing(r, sess),
		Metrics: m.adminMetrics(r, sess),
	})
}

// HandleUpdateUserPlan changes the plan of the user named in the path to the "plan" form value, then
// renders the refreshed user list.
func (m Main) HandleUpdateUserPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := m.requireAdmin(w, r)
	if !ok {
		return
	}

	userID := r.PathValue("id")
	plan := models.NormalizePlan(r.FormValue("plan"))

	var updateErr string
	updated, err := m.connect(sess).UpdateUserPlan(r.Context(), sess.UserID, userID, plan)
	if err != nil {
		m.logger.Error("Plan update failed",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		updateErr = fmt.Sprintf("Failed to update plan: %s", err)
	} else if updated.ID == sess.UserID {
		sess.Plan = updated.Plan
		if err := m.sessions.Update(r.Context(), sess); err != nil {
			m.logger.Error("Failed to refresh session", slog.String(errLoggerKey, err.Error()))
		}
	}

	data := m.adminUsers(r, sess)
	if updateErr != "" {
		data.Error = updateErr
	}
	m.render(w, http.StatusOK, "admin_users", data)
}

// HandleUpdatePricing saves the pricing plan named in the path. Only the fields that differ from the
// stored plan are sent; when nothing changed no request is made.
func (m Main) HandleUpdatePricing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := m.requireAdmin(w, r)
	if !ok {
		return
	}

	data := m.adminPricing(r, sess)
	if data.Error != "" {
		m.render(w, http.StatusOK, "admin_pricing", data)
		return
	}

	planID := r.PathValue("id")
	idx := slices.IndexFunc(data.Plans, func(p models.PricingPlan) bool { return p.ID == planID })
	if idx == -1 {
		http.Error(w, "Pricing plan not found", http.StatusNotFound)
		return
	}

	draft := models.PricingDraft{
		MonthlyPriceLabel: r.FormValue("monthly_price_label"),
		Description:       r.FormValue("description"),
		IsActive:          r.FormValue("is_active") != "",
		StripePriceID:     r.FormValue("stripe_price_id"),
	}
	patch := draft.Patch(data.Plans[idx])
	if len(patch) == 0 {
		data.Notice = "No changes to save."
		m.render(w, http.StatusOK, "admin_pricing", data)
		return
	}

	updated, err := m.connect(sess).UpdatePricing(r.Context(), sess.UserID, planID, patch)
	if err != nil {
		m.logger.Error("Pricing update failed",
			slog.String("planID", planID),
			slog.String(errLoggerKey, err.Error()))
		data.Error = fmt.Sprintf("Failed to update pricing: %s", err)
		m.render(w, http.StatusOK, "admin_pricing", data)
		return
	}

	data.Plans[idx] = updated
	data.Notice = "Pricing updated."
	m.render(w, http.StatusOK, "admin_pricing", data)
}

// requireAdmin returns the current session if it belongs to an administrator, or sends the browser to
// the landing page.
func (m Main) requireAdmin(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, ok := m.currentSession(r)
	if !ok || !sess.IsAdmin() {
		redirect(w, r, "/home")
		return session.Session{}, false
	}
	return sess, true
}

func (m Main) adminUsers(r *http.Request, sess session.Session) adminUsersData {
	users, err := m.connect(sess).AdminUsers(r.Context(), sess.UserID)
	if err != nil {
		m.logger.Error("Failed to load users", slog.String(errLoggerKey, err.Error()))
		return adminUsersData{Error: err.Error()}
	}
	return adminUsersData{Users: users}
}

func (m Main) adminPricing(r *http.Request, sess session.Session) adminPricingData {
	plans, err := m.connect(sess).AdminPricing(r.Context(), sess.UserID)
	if err != nil {
		m.logger.Error("Failed to load pricing plans", slog.String(errLoggerKey, err.Error()))
		return adminPricingData{Error: err.Error()}
	}
	return adminPricingData{Plans: plans}
}

func (m Main) adminMetrics(r *http.Request, sess session.Session) adminMetricsData {
	metrics, err := m.connect(sess).AdminMetrics(r.Context(), sess.UserID)
	if err != nil {
		m.logger.Error("Failed to load metrics", slog.String(errLoggerKey, err.Error()))
		return adminMetricsData{Error: err.Error()}
	}
	return adminMetricsData{Metrics: metrics}
}
