package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/dashboard"
	"github.com/inaiurai/settlement/internal/middleware"
)

type Dashboard interface {
	Summary(ctx context.Context, orgID uuid.UUID, now time.Time) (*dashboard.Summary, error)
}

// GetDashboard serves GET /api/v1/dashboard.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	s, err := h.dashboard.Summary(r.Context(), p.OrganizationID, time.Now().UTC())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, s)
}
