package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/auth"
	"github.com/inaiurai/settlement/internal/bulk"
	"github.com/inaiurai/settlement/internal/enrollments"
	"github.com/inaiurai/settlement/internal/middleware"
	"github.com/inaiurai/settlement/internal/models"
)

// Enrollments is implemented by *enrollments.Service.
type Enrollments interface {
	Create(ctx context.Context, in enrollments.CreateInput) (*models.Enrollment, error)
	OpenSubmission(ctx context.Context, id uuid.UUID, deadline *time.Time) (*models.Enrollment, error)
	Submit(ctx context.Context, id uuid.UUID, shopperID *uuid.UUID, document json.RawMessage) (*models.Enrollment, error)
	Approve(ctx context.Context, id, actorID uuid.UUID) (*models.Enrollment, error)
	Reject(ctx context.Context, in enrollments.RejectInput) (*models.Enrollment, error)
	RequestChanges(ctx context.Context, id, actorID uuid.UUID, changes []string, notes string) (*models.Enrollment, error)
	Withdraw(ctx context.Context, id uuid.UUID, shopperID *uuid.UUID) (*models.Enrollment, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Enrollment, error)
	List(ctx context.Context, orgID uuid.UUID, status *models.EnrollmentStatus) ([]*models.Enrollment, error)
}

type BulkApplier interface {
	Apply(ctx context.Context, req bulk.Request) (*bulk.Result, error)
}

type OverdueMonitor interface {
	Overdue(ctx context.Context, orgID uuid.UUID, now time.Time) ([]*models.Enrollment, error)
	Threshold() time.Duration
}

// --- POST /api/v1/enrollments ---

type createEnrollmentRequest struct {
	CampaignID string          `json:"campaign_id" validate:"required,uuid"`
	ShopperID  string          `json:"shopper_id" validate:"required,uuid"`
	OrderID    string          `json:"order_id" validate:"required,max=128"`
	OrderValue decimal.Decimal `json:"order_value"`
}

func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var req createEnrollmentRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.enrollments.Create(r.Context(), enrollments.CreateInput{
		OrganizationID: p.OrganizationID,
		CampaignID:     uuid.MustParse(req.CampaignID),
		ShopperID:      uuid.MustParse(req.ShopperID),
		OrderID:        req.OrderID,
		OrderValue:     req.OrderValue,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, e)
}

// --- GET /api/v1/enrollments/{id} ---

func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.visibleEnrollment(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, e)
}

// --- GET /api/v1/enrollments?status= ---

func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var status *models.EnrollmentStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := models.EnrollmentStatus(s)
		status = &st
	}
	list, err := h.enrollments.List(r.Context(), p.OrganizationID, status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Enrollment{}
	}
	ok(w, http.StatusOK, list)
}

// --- POST /api/v1/enrollments/{id}/open-submission ---

type openSubmissionRequest struct {
	Deadline *time.Time `json:"deadline"`
}

func (h *Handler) OpenSubmission(w http.ResponseWriter, r *http.Request) {
	var req openSubmissionRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	h.orgTransition(w, r, func(ctx context.Context, id uuid.UUID, _ *auth.Principal) (*models.Enrollment, error) {
		return h.enrollments.OpenSubmission(ctx, id, req.Deadline)
	})
}

// --- POST /api/v1/enrollments/{id}/submit ---

type submitRequest struct {
	Proof json.RawMessage `json:"proof" validate:"required"`
}

func (h *Handler) SubmitEnrollment(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.shopperTransition(w, r, func(ctx context.Context, id uuid.UUID, shopper *uuid.UUID) (*models.Enrollment, error) {
		return h.enrollments.Submit(ctx, id, shopper, req.Proof)
	})
}

// --- POST /api/v1/enrollments/{id}/withdraw ---

func (h *Handler) WithdrawEnrollment(w http.ResponseWriter, r *http.Request) {
	h.shopperTransition(w, r, func(ctx context.Context, id uuid.UUID, shopper *uuid.UUID) (*models.Enrollment, error) {
		return h.enrollments.Withdraw(ctx, id, shopper)
	})
}

// --- POST /api/v1/enrollments/{id}/approve ---

func (h *Handler) ApproveEnrollment(w http.ResponseWriter, r *http.Request) {
	h.orgTransition(w, r, func(ctx context.Context, id uuid.UUID, p *auth.Principal) (*models.Enrollment, error) {
		return h.enrollments.Approve(ctx, id, p.Subject)
	})
}

// --- POST /api/v1/enrollments/{id}/reject ---

type rejectRequest struct {
	Reasons       []string `json:"reasons" validate:"required,min=1,dive,required"`
	Notes         string   `json:"notes" validate:"max=2000"`
	AllowResubmit bool     `json:"allow_resubmit"`
}

func (h *Handler) RejectEnrollment(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.orgTransition(w, r, func(ctx context.Context, id uuid.UUID, p *auth.Principal) (*models.Enrollment, error) {
		return h.enrollments.Reject(ctx, enrollments.RejectInput{
			EnrollmentID:  id,
			ActorID:       p.Subject,
			Reasons:       req.Reasons,
			Notes:         req.Notes,
			AllowResubmit: req.AllowResubmit,
		})
	})
}

// --- POST /api/v1/enrollments/{id}/request-changes ---

type requestChangesRequest struct {
	Changes []string `json:"changes" validate:"required,min=1,dive,required"`
	Notes   string   `json:"notes" validate:"max=2000"`
}

func (h *Handler) RequestChanges(w http.ResponseWriter, r *http.Request) {
	var req requestChangesRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.orgTransition(w, r, func(ctx context.Context, id uuid.UUID, p *auth.Principal) (*models.Enrollment, error) {
		return h.enrollments.RequestChanges(ctx, id, p.Subject, req.Changes, req.Notes)
	})
}

// --- POST /api/v1/enrollments/bulk ---

type bulkRequest struct {
	IDs           []string `json:"ids" validate:"required,min=1,max=500,dive,uuid"`
	Target        string   `json:"target_status" validate:"required,oneof=approved rejected"`
	Reasons       []string `json:"reasons" validate:"dive,required"`
	Notes         string   `json:"notes" validate:"max=2000"`
	AllowResubmit bool     `json:"allow_resubmit"`
}

type bulkResponse struct {
	Success      bool              `json:"success"`
	UpdatedCount int               `json:"updated_count"`
	Failures     []bulk.ItemResult `json:"failures"`
	Results      []bulk.ItemResult `json:"results,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func (h *Handler) BulkUpdate(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ids := make([]uuid.UUID, len(req.IDs))
	for i, s := range req.IDs {
		ids[i] = uuid.MustParse(s)
	}
	res, err := h.bulk.Apply(r.Context(), bulk.Request{
		OrganizationID: p.OrganizationID,
		IDs:            ids,
		Target:         models.EnrollmentStatus(req.Target),
		ActorID:        p.Subject,
		Reasons:        req.Reasons,
		Notes:          req.Notes,
		AllowResubmit:  req.AllowResubmit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := bulkResponse{
		Success:      len(res.Failures) == 0,
		UpdatedCount: res.UpdatedCount,
		Failures:     res.Failures,
		Results:      res.Results,
	}
	if !out.Success {
		out.Error = fmt.Sprintf("%d of %d enrollments could not be updated", len(res.Failures), len(res.Results))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- GET /api/v1/enrollments/overdue ---

func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	list, err := h.overdue.Overdue(r.Context(), p.OrganizationID, time.Now().UTC())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{
		"threshold_hours": h.overdue.Threshold().Hours(),
		"enrollments":     list,
	})
}

// visibleEnrollment loads the path enrollment if the caller may see it: members of the
// owning organization, or the shopper it belongs to.
func (h *Handler) visibleEnrollment(r *http.Request) (*models.Enrollment, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	e, err := h.enrollments.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	p := middleware.PrincipalFromCtx(r.Context())
	switch {
	case p.Member() && e.OrganizationID == p.OrganizationID:
		return e, nil
	case p.Role == auth.RoleShopper && e.ShopperID == p.Subject:
		return e, nil
	}
	return nil, fmt.Errorf("enrollment %s: %w", id, models.ErrNotFound)
}

func (h *Handler) orgTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, *auth.Principal) (*models.Enrollment, error)) {
	e, err := h.visibleEnrollment(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	next, err := fn(r.Context(), e.ID, middleware.PrincipalFromCtx(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, next)
}

// shopperTransition runs fn for a shopper on their own enrollment, or for an organization
// member acting on the shopper's behalf.
func (h *Handler) shopperTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, *uuid.UUID) (*models.Enrollment, error)) {
	e, err := h.visibleEnrollment(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	var shopper *uuid.UUID
	if p.Role == auth.RoleShopper {
		shopper = &p.Subject
	}
	next, err := fn(r.Context(), e.ID, shopper)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, next)
}
