package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/services"
)

type upgradeData struct {
	Pricing models.Pricing
	Plan    models.Plan
	Error   string
}

// HandleCheckout starts a premium checkout for the signed in user and sends the browser to the checkout
// page. Failures are shown in the upgrade dialog.
func (m Main) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}

	u, err := m.connect(sess).CreateCheckoutSession(r.Context(), sess.UserID)
	if err != nil {
		m.logger.Error("Failed to start checkout",
			slog.String("userID", sess.UserID),
			slog.String(errLoggerKey, err.Error()))
		m.render(w, http.StatusOK, "upgrade_modal", upgradeData{
			Pricing: m.pricing(r.Context()),
			Plan:    sess.Plan,
			Error:   checkoutError(err),
		})
		return
	}

	redirect(w, r, u)
}

func checkoutError(err error) string {
	var sErr *services.StatusError
	if errors.As(err, &sErr) {
		if sErr.Detail != "" {
			return sErr.Detail
		}
		return fmt.Sprintf("Unable to start checkout (%d)", sErr.Status)
	}
	return err.Error()
}
