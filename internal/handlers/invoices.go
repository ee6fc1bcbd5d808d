package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/middleware"
	"github.com/inaiurai/settlement/internal/models"
)

// Invoices is implemented by *invoices.Service.
type Invoices interface {
	Aggregate(ctx context.Context, orgID uuid.UUID, start, end time.Time) (*models.Invoice, error)
	List(ctx context.Context, orgID uuid.UUID, from, to *time.Time) ([]*models.Invoice, error)
	Get(ctx context.Context, orgID, id uuid.UUID) (*models.Invoice, error)
	MarkPaid(ctx context.Context, orgID, id uuid.UUID) (*models.Invoice, error)
	MarkOverdue(ctx context.Context, orgID, id uuid.UUID) (*models.Invoice, error)
	Cancel(ctx context.Context, orgID, id uuid.UUID) (*models.Invoice, error)
	RenderPDF(ctx context.Context, orgID, id uuid.UUID) ([]byte, error)
}

// --- GET /api/v1/invoices?period_start=&period_end= ---

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	from, err := queryTime(r, "period_start")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := queryTime(r, "period_end")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.invoices.List(r.Context(), p.OrganizationID, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Invoice{}
	}
	ok(w, http.StatusOK, list)
}

// --- GET /api/v1/invoices/{id} ---

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceOp(w, r, h.invoices.Get)
}

// --- POST /api/v1/invoices/{id}/paid ---

func (h *Handler) MarkInvoicePaid(w http.ResponseWriter, r *http.Request) {
	h.invoiceOp(w, r, h.invoices.MarkPaid)
}

// --- POST /api/v1/invoices/{id}/overdue ---

func (h *Handler) MarkInvoiceOverdue(w http.ResponseWriter, r *http.Request) {
	h.invoiceOp(w, r, h.invoices.MarkOverdue)
}

// --- POST /api/v1/invoices/{id}/cancel ---

func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceOp(w, r, h.invoices.Cancel)
}

// --- GET /api/v1/invoices/{id}/pdf ---

func (h *Handler) InvoicePDF(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := h.invoices.RenderPDF(r.Context(), p.OrganizationID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="invoice-%s.pdf"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// --- POST /api/v1/invoices/aggregate ---

type aggregateRequest struct {
	PeriodStart time.Time `json:"period_start" validate:"required"`
	PeriodEnd   time.Time `json:"period_end" validate:"required,gtfield=PeriodStart"`
}

func (h *Handler) AggregateInvoice(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var req aggregateRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.invoices.Aggregate(r.Context(), p.OrganizationID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// An empty period has no invoice.
	if inv == nil {
		ok(w, http.StatusOK, nil)
		return
	}
	ok(w, http.StatusOK, inv)
}

func (h *Handler) invoiceOp(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, uuid.UUID) (*models.Invoice, error)) {
	p := middleware.PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := fn(r.Context(), p.OrganizationID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, withGSTSplit(inv))
}

// invoiceResponse adds the CGST and SGST halves, which are never stored.
type invoiceResponse struct {
	*models.Invoice
	CGSTAmount decimal.Decimal `json:"cgst_amount"`
	SGSTAmount decimal.Decimal `json:"sgst_amount"`
}

func withGSTSplit(inv *models.Invoice) invoiceResponse {
	cgst, sgst := models.GSTSplit(inv.GSTAmount)
	return invoiceResponse{Invoice: inv, CGSTAmount: cgst, SGSTAmount: sgst}
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if t, err = time.Parse(time.DateOnly, s); err != nil {
			return nil, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", models.ErrValidation, key)
		}
	}
	t = t.UTC()
	return &t, nil
}
