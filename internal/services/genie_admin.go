package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/genie-web/internal/models"
)

// The admin endpoints are gated by the admin_user_id query parameter, which must name a user with the
// admin role.

func adminQuery(adminID string) url.Values {
	return url.Values{"admin_user_id": {adminID}}
}

// AdminUsers lists every user.
func (g Genie) AdminUsers(ctx context.Context, adminID string) ([]models.AdminUser, error) {
	var res []models.AdminUser
	if err := g.doJSON(ctx, http.MethodGet, "/admin/users", adminQuery(adminID), nil, &res); err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	return res, nil
}

// UpdateUserPlan changes the plan of userID and returns the updated record.
func (g Genie) UpdateUserPlan(ctx context.Context, adminID, userID string, plan models.Plan) (models.AdminUser, error) {
	p := "/admin/users/" + url.PathEscape(userID) + "/plan"
	body := map[string]models.Plan{"plan": plan}

	var res models.AdminUser
	if err := g.doJSON(ctx, http.MethodPatch, p, adminQuery(adminID), body, &res); err != nil {
		return models.AdminUser{}, fmt.Errorf("failed to update plan: %w", err)
	}
	return res, nil
}

// AdminPricing lists every pricing plan.
func (g Genie) AdminPricing(ctx context.Context, adminID string) ([]models.PricingPlan, error) {
	var res []models.PricingPlan
	if err := g.doJSON(ctx, http.MethodGet, "/admin/pricing", adminQuery(adminID), nil, &res); err != nil {
		return nil, fmt.Errorf("failed to fetch pricing: %w", err)
	}
	return res, nil
}

// UpdatePricing applies patch, as built by models.PricingDraft.Patch, to planID and returns the updated plan.
func (g Genie) UpdatePricing(
	ctx context.Context,
	adminID, planID string,
	patch map[string]any,
) (models.PricingPlan, error) {
	p := "/admin/pricing/" + url.PathEscape(planID)

	var res models.PricingPlan
	if err := g.doJSON(ctx, http.MethodPatch, p, adminQuery(adminID), patch, &res); err != nil {
		return models.PricingPlan{}, fmt.Errorf("failed to update pricing: %w", err)
	}
	return res, nil
}

// AdminMetrics returns the aggregate counters of the platform.
func (g Genie) AdminMetrics(ctx context.Context, adminID string) (models.Metrics, error) {
	var res models.Metrics
	if err := g.doJSON(ctx, http.MethodGet, "/admin/metrics", adminQuery(adminID), nil, &res); err != nil {
		return models.Metrics{}, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	return res, nil
}
