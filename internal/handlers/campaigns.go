package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/campaigns"
	"github.com/inaiurai/settlement/internal/middleware"
	"github.com/inaiurai/settlement/internal/models"
)

// Campaigns is implemented by the campaigns service.
type Campaigns = campaigns.Service

type ratesRequest struct {
	BillRatePct           decimal.Decimal  `json:"bill_rate_pct"`
	PlatformFeePct        decimal.Decimal  `json:"platform_fee_pct"`
	RebatePct             decimal.Decimal  `json:"rebate_pct"`
	BonusAmount           *decimal.Decimal `json:"bonus_amount"`
	SubmissionWindowHours int              `json:"submission_window_hours" validate:"gte=0,lte=8760"`
}

func (r ratesRequest) rates() campaigns.Rates {
	return campaigns.Rates{
		BillRatePct:           r.BillRatePct,
		PlatformFeePct:        r.PlatformFeePct,
		RebatePct:             r.RebatePct,
		BonusAmount:           r.BonusAmount,
		SubmissionWindowHours: r.SubmissionWindowHours,
	}
}

type createCampaignRequest struct {
	Name string `json:"name" validate:"required,max=200"`
	ratesRequest
}

// --- POST /api/v1/campaigns ---

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var req createCampaignRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.campaigns.Create(r.Context(), p.OrganizationID, req.Name, req.rates())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, c)
}

// --- GET /api/v1/campaigns ---

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	list, err := h.campaigns.List(r.Context(), p.OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Campaign{}
	}
	ok(w, http.StatusOK, list)
}

// --- GET /api/v1/campaigns/{id} ---

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.campaigns.Get(r.Context(), p.OrganizationID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, c)
}

// --- PUT /api/v1/campaigns/{id}/rates ---

// UpdateCampaignRates changes the rates for enrollments created from now on.
func (h *Handler) UpdateCampaignRates(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ratesRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.campaigns.UpdateRates(r.Context(), p.OrganizationID, id, req.rates())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, c)
}
