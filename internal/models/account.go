package models

import "time"

// Plan is the billing plan of a user.
type Plan string

// UserRole is the authorization role of a user.
type UserRole string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"

	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

// NormalizePlan maps any value other than "premium" to PlanFree.
func NormalizePlan(raw string) Plan {
	if Plan(raw) == PlanPremium {
		return PlanPremium
	}
	return PlanFree
}

// NormalizeRole maps any value other than "admin" to UserRoleUser.
func NormalizeRole(raw string) UserRole {
	if UserRole(raw) == UserRoleAdmin {
		return UserRoleAdmin
	}
	return UserRoleUser
}

// Pricing is the public description of the premium offer shown on the landing page and in the upgrade
// dialog.
type Pricing struct {
	Name              string `json:"name"`
	MonthlyPriceLabel string `json:"monthly_price_label"`
	Description       string `json:"description"`
}

// AdminUser is a user record as listed in the admin console.
type AdminUser struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Plan        Plan       `json:"plan"`
	Role        UserRole   `json:"role"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// PricingPlan is an editable pricing plan as listed in the admin console.
type PricingPlan struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	StripePriceID     string     `json:"stripe_price_id"`
	MonthlyPriceLabel string     `json:"monthly_price_label"`
	Description       string     `json:"description"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// PricingDraft holds the editable fields of a pricing plan as submitted from the admin form.
type PricingDraft struct {
	MonthlyPriceLabel string
	Description       string
	IsActive          bool
	StripePriceID     string
}

// Patch returns the fields of d that differ from plan, keyed by their wire names. An empty map means
// there is nothing to save. A cleared Stripe price id is sent as null.
func (d PricingDraft) Patch(plan PricingPlan) map[string]any {
	patch := make(map[string]any)
	if d.MonthlyPriceLabel != plan.MonthlyPriceLabel {
		patch["monthly_price_label"] = d.MonthlyPriceLabel
	}
	if d.Description != plan.Description {
		patch["description"] = d.Description
	}
	if d.IsActive != plan.IsActive {
		patch["is_active"] = d.IsActive
	}
	if d.StripePriceID != plan.StripePriceID {
		if d.StripePriceID == "" {
			patch["stripe_price_id"] = nil
		} else {
			patch["stripe_price_id"] = d.StripePriceID
		}
	}
	return patch
}

// Metrics are the aggregate counters shown in the admin console.
type Metrics struct {
	TotalUsers   int `json:"total_users"`
	PremiumUsers int `json:"premium_users"`
	FreeUsers    int `json:"free_users"`
	AdminUsers   int `json:"admin_users"`
	TotalThreads int `json:"total_threads"`
}
