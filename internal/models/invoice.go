package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// InvoiceLineItem aggregates one campaign's settled enrollments in the period.
type InvoiceLineItem struct {
	CampaignID      uuid.UUID       `json:"campaign_id"`
	EnrollmentCount int             `json:"enrollment_count"`
	BillAmount      decimal.Decimal `json:"bill_amount"`
	GSTAmount       decimal.Decimal `json:"gst_amount"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
}

// Invoice is immutable once generated except for the single move out of pending.
type Invoice struct {
	ID              uuid.UUID         `json:"id"`
	OrganizationID  uuid.UUID         `json:"organization_id"`
	PeriodStart     time.Time         `json:"period_start"`
	PeriodEnd       time.Time         `json:"period_end"`
	LineItems       []InvoiceLineItem `json:"line_items"`
	Subtotal        decimal.Decimal   `json:"subtotal"`
	GSTAmount       decimal.Decimal   `json:"gst_amount"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	Status          InvoiceStatus     `json:"status"`
	DueAt           time.Time         `json:"due_at"`
	CreatedAt       time.Time         `json:"created_at"`
	StatusChangedAt *time.Time        `json:"status_changed_at,omitempty"`
}

// SettledEnrollment is the aggregator's view of one committed enrollment.
type SettledEnrollment struct {
	EnrollmentID uuid.UUID
	CampaignID   uuid.UUID
	Settlement   Settlement
	CommittedAt  time.Time
}
