package ledger

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
)

// Fold rebuilds a wallet from its ledger entries alone, in log order.
func Fold(orgID uuid.UUID, creditLimit decimal.Decimal, entries []*models.LedgerEntry) models.WalletAccount {
	w := models.WalletAccount{OrganizationID: orgID, CreditLimit: creditLimit}
	open := make(map[uuid.UUID]decimal.Decimal)
	for _, e := range entries {
		var holdAmount decimal.Decimal
		if e.HoldID != nil {
			switch e.Type {
			case models.EntryHoldCreated:
				open[*e.HoldID] = e.Amount
			case models.EntryHoldCommitted, models.EntryHoldVoided:
				holdAmount = open[*e.HoldID]
				delete(open, *e.HoldID)
			}
		}
		apply(&w, e, holdAmount)
		if e.CreatedAt.After(w.UpdatedAt) {
			w.UpdatedAt = e.CreatedAt
		}
	}
	return w
}

// apply moves the projection by one entry. holdAmount is the original estimate of the
// hold a commit or void closes.
//
//	credit, refund     position += a
//	withdrawal         position -= a
//	hold_created       position -= a, held += a
//	hold_committed     held -= estimate
//	hold_voided        held -= estimate, position += estimate
func apply(w *models.WalletAccount, e *models.LedgerEntry, holdAmount decimal.Decimal) {
	pos := w.Position()
	switch e.Type {
	case models.EntryCredit, models.EntryRefund:
		pos = pos.Add(e.Amount)
	case models.EntryWithdrawal:
		pos = pos.Sub(e.Amount)
	case models.EntryHoldCreated:
		pos = pos.Sub(e.Amount)
		w.HeldAmount = w.HeldAmount.Add(e.Amount)
	case models.EntryHoldCommitted:
		w.HeldAmount = w.HeldAmount.Sub(holdAmount)
	case models.EntryHoldVoided:
		w.HeldAmount = w.HeldAmount.Sub(holdAmount)
		pos = pos.Add(holdAmount)
	}
	w.SetPosition(pos)
}

// NetCharge is what an enrollment's entries cost the organization in total:
// reserved minus released, plus commit adjustments.
func NetCharge(entries []*models.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case models.EntryHoldCreated, models.EntryWithdrawal:
			total = total.Add(e.Amount)
		case models.EntryHoldVoided, models.EntryRefund:
			total = total.Sub(e.Amount)
		}
	}
	return total
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
