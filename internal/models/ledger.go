package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry types. Amounts are always positive; the type carries the direction.
const (
	EntryCredit        = "credit"
	EntryHoldCreated   = "hold_created"
	EntryHoldCommitted = "hold_committed"
	EntryHoldVoided    = "hold_voided"
	EntryWithdrawal    = "withdrawal"
	EntryRefund        = "refund"
)

// Hold status values.
const (
	HoldOpen      = "open"
	HoldCommitted = "committed"
	HoldVoided    = "voided"
)

// LedgerEntry is append-only: never updated or deleted.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	EnrollmentID   *uuid.UUID      `json:"enrollment_id,omitempty"`
	HoldID         *uuid.UUID      `json:"hold_id,omitempty"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Hold is a reservation against an organization's wallet for one enrollment.
// Its ID is the ID of the hold_created entry that opened it.
type Hold struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	EnrollmentID   uuid.UUID       `json:"enrollment_id"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// WalletAccount is the materialized projection of an organization's ledger.
type WalletAccount struct {
	OrganizationID   uuid.UUID       `json:"organization_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	HeldAmount       decimal.Decimal `json:"held_amount"`
	CreditLimit      decimal.Decimal `json:"credit_limit"`
	CreditUtilized   decimal.Decimal `json:"credit_utilized"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Position is available funds net of credit drawn; negative while running on credit.
func (w *WalletAccount) Position() decimal.Decimal {
	return w.AvailableBalance.Sub(w.CreditUtilized)
}

// SetPosition splits a signed position into AvailableBalance and CreditUtilized so
// AvailableBalance never goes below zero.
func (w *WalletAccount) SetPosition(p decimal.Decimal) {
	if p.IsNegative() {
		w.AvailableBalance = decimal.Zero
		w.CreditUtilized = p.Neg()
		return
	}
	w.AvailableBalance = p
	w.CreditUtilized = decimal.Zero
}
