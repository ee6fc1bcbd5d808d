package models

import (
	"github.com/shopspring/decimal"
)

// DefaultGSTRate is the combined CGST+SGST rate applied to the bill amount.
var DefaultGSTRate = decimal.RequireFromString("0.18")

var hundred = decimal.NewFromInt(100)

// RateSnapshot is the campaign billing parameters locked onto an enrollment at creation.
// It is never updated after the enrollment row is written.
type RateSnapshot struct {
	BillRatePct    decimal.Decimal  `json:"bill_rate_pct"`
	PlatformFeePct decimal.Decimal  `json:"platform_fee_pct"`
	RebatePct      decimal.Decimal  `json:"rebate_pct"`
	BonusAmount    *decimal.Decimal `json:"bonus_amount,omitempty"`
}

// Settlement is the cost breakdown of one enrollment. Components keep full precision;
// only TotalCost is rounded to the minor unit.
type Settlement struct {
	BillAmount    decimal.Decimal `json:"bill_amount"`
	GSTAmount     decimal.Decimal `json:"gst_amount"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	ShopperPayout decimal.Decimal `json:"shopper_payout"`
	GSTRate       decimal.Decimal `json:"gst_rate"`
}

// Settle computes the organization's cost for an order under this snapshot.
// totalCost = round_half_up(bill + gst + fee, 2).
func (r RateSnapshot) Settle(orderValue, gstRate decimal.Decimal) Settlement {
	bill := orderValue.Mul(r.BillRatePct).Div(hundred)
	gst := bill.Mul(gstRate)
	fee := orderValue.Mul(r.PlatformFeePct).Div(hundred)
	payout := orderValue.Mul(r.RebatePct).Div(hundred)
	if r.BonusAmount != nil {
		payout = payout.Add(*r.BonusAmount)
	}
	return Settlement{
		BillAmount:    bill,
		GSTAmount:     gst,
		PlatformFee:   fee,
		TotalCost:     RoundMinor(bill.Add(gst).Add(fee)),
		ShopperPayout: RoundMinor(payout),
		GSTRate:       gstRate,
	}
}

// GSTSplit returns the CGST and SGST halves of a combined GST amount for display.
// The halves are rounded to paise and SGST absorbs the odd paisa so they always sum back.
func GSTSplit(gst decimal.Decimal) (cgst, sgst decimal.Decimal) {
	total := RoundMinor(gst)
	cgst = RoundMinor(total.Div(decimal.NewFromInt(2)))
	return cgst, total.Sub(cgst)
}

// RoundMinor rounds to paise, half away from zero (half-up for the positive amounts the engine handles).
func RoundMinor(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Snapshot copies the campaign's current rates.
func (c *Campaign) Snapshot() RateSnapshot {
	s := RateSnapshot{
		BillRatePct:    c.BillRatePct,
		PlatformFeePct: c.PlatformFeePct,
		RebatePct:      c.RebatePct,
	}
	if c.BonusAmount != nil {
		b := *c.BonusAmount
		s.BonusAmount = &b
	}
	return s
}
