package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/ledger"
	"github.com/inaiurai/settlement/internal/middleware"
	"github.com/inaiurai/settlement/internal/models"
)

// Wallet is implemented by *ledger.Service.
type Wallet interface {
	Balance(ctx context.Context, orgID uuid.UUID) (*models.WalletAccount, error)
	Credit(ctx context.Context, orgID uuid.UUID, amount decimal.Decimal) (*models.WalletAccount, error)
	Withdraw(ctx context.Context, orgID uuid.UUID, amount decimal.Decimal) (*models.WalletAccount, error)
	SetCreditLimit(ctx context.Context, orgID uuid.UUID, limit decimal.Decimal) (*models.WalletAccount, error)
	Entries(ctx context.Context, orgID uuid.UUID, enrollmentID *uuid.UUID) ([]*models.LedgerEntry, error)
	Reconcile(ctx context.Context, orgID uuid.UUID) (*ledger.Reconciliation, error)
}

type balanceResponse struct {
	Available      decimal.Decimal `json:"available"`
	Held           decimal.Decimal `json:"held"`
	CreditLimit    decimal.Decimal `json:"credit_limit"`
	CreditUtilized decimal.Decimal `json:"credit_utilized"`
}

func toBalance(w *models.WalletAccount) balanceResponse {
	return balanceResponse{
		Available:      w.AvailableBalance,
		Held:           w.HeldAmount,
		CreditLimit:    w.CreditLimit,
		CreditUtilized: w.CreditUtilized,
	}
}

// --- GET /api/v1/wallet ---

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	acc, err := h.wallet.Balance(r.Context(), p.OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, toBalance(acc))
}

// --- POST /api/v1/wallet/credits ---

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var req amountRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.wallet.Credit(r.Context(), p.OrganizationID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("wallet credited", "organization_id", p.OrganizationID, "amount", req.Amount, "actor", p.Subject)
	ok(w, http.StatusCreated, toBalance(acc))
}

// --- POST /api/v1/wallet/withdrawals ---

func (h *Handler) WithdrawFunds(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var req amountRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.wallet.Withdraw(r.Context(), p.OrganizationID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("wallet withdrawal", "organization_id", p.OrganizationID, "amount", req.Amount, "actor", p.Subject)
	ok(w, http.StatusCreated, toBalance(acc))
}

// --- PUT /api/v1/wallet/credit-limit ---

func (h *Handler) SetCreditLimit(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var req amountRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.wallet.SetCreditLimit(r.Context(), p.OrganizationID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, toBalance(acc))
}

// --- GET /api/v1/wallet/entries?enrollment_id= ---

func (h *Handler) ListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	var enrollmentID *uuid.UUID
	if s := r.URL.Query().Get("enrollment_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: enrollment_id must be a uuid", models.ErrValidation))
			return
		}
		enrollmentID = &id
	}
	entries, err := h.wallet.Entries(r.Context(), p.OrganizationID, enrollmentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	ok(w, http.StatusOK, entries)
}

// --- GET /api/v1/wallet/reconciliation ---

func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	rec, err := h.wallet.Reconcile(r.Context(), p.OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, rec)
}
