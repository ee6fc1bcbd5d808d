package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Campaign struct {
	ID                    uuid.UUID        `json:"id"`
	OrganizationID        uuid.UUID        `json:"organization_id"`
	Name                  string           `json:"name"`
	BillRatePct           decimal.Decimal  `json:"bill_rate_pct"`
	PlatformFeePct        decimal.Decimal  `json:"platform_fee_pct"`
	RebatePct             decimal.Decimal  `json:"rebate_pct"`
	BonusAmount           *decimal.Decimal `json:"bonus_amount,omitempty"`
	SubmissionWindowHours int              `json:"submission_window_hours"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// SubmissionWindow falls back to fallback when the campaign has no window configured.
func (c *Campaign) SubmissionWindow(fallback time.Duration) time.Duration {
	if c.SubmissionWindowHours <= 0 {
		return fallback
	}
	return time.Duration(c.SubmissionWindowHours) * time.Hour
}
