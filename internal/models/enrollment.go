package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	StatusEnrolled           EnrollmentStatus = "enrolled"
	StatusAwaitingSubmission EnrollmentStatus = "awaiting_submission"
	StatusAwaitingReview     EnrollmentStatus = "awaiting_review"
	StatusApproved           EnrollmentStatus = "approved"
	StatusRejected           EnrollmentStatus = "rejected"
	StatusChangesRequested   EnrollmentStatus = "changes_requested"
	StatusWithdrawn          EnrollmentStatus = "withdrawn"
	StatusExpired            EnrollmentStatus = "expired"
)

// Valid reports whether s is a known status.
func (s EnrollmentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Proof is the shopper's last submission together with the verification result.
// Verification pre-populates the review; it never decides it.
type Proof struct {
	Document        json.RawMessage   `json:"document"`
	Confidence      *float64          `json:"confidence,omitempty"`
	ExtractedFields map[string]string `json:"extracted_fields,omitempty"`
}

type Enrollment struct {
	ID                 uuid.UUID        `json:"id"`
	OrganizationID     uuid.UUID        `json:"organization_id"`
	CampaignID         uuid.UUID        `json:"campaign_id"`
	ShopperID          uuid.UUID        `json:"shopper_id"`
	OrderID            string           `json:"order_id"`
	Status             EnrollmentStatus `json:"status"`
	OrderValue         decimal.Decimal  `json:"order_value"`
	RateSnapshot       RateSnapshot     `json:"rate_snapshot"`
	RejectionCount     int              `json:"rejection_count"`
	CanResubmit        bool             `json:"can_resubmit"`
	HoldID             *uuid.UUID       `json:"hold_id,omitempty"`
	Settlement         *Settlement      `json:"settlement,omitempty"`
	Proof              *Proof           `json:"proof,omitempty"`
	RejectionReasons   []string         `json:"rejection_reasons,omitempty"`
	RequestedChanges   []string         `json:"requested_changes,omitempty"`
	ReviewNotes        string           `json:"review_notes,omitempty"`
	ReviewedBy         *uuid.UUID       `json:"reviewed_by,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	SubmittedAt        *time.Time       `json:"submitted_at,omitempty"`
	ApprovedAt         *time.Time       `json:"approved_at,omitempty"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	SubmissionDeadline *time.Time       `json:"submission_deadline,omitempty"`
	// Version increases by one with every committed change.
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (e *Enrollment) Clone() *Enrollment {
	cp := *e
	if e.HoldID != nil {
		h := *e.HoldID
		cp.HoldID = &h
	}
	if e.Settlement != nil {
		s := *e.Settlement
		cp.Settlement = &s
	}
	if e.Proof != nil {
		p := *e.Proof
		p.Document = append(json.RawMessage(nil), e.Proof.Document...)
		if e.Proof.ExtractedFields != nil {
			p.ExtractedFields = make(map[string]string, len(e.Proof.ExtractedFields))
			for k, v := range e.Proof.ExtractedFields {
				p.ExtractedFields[k] = v
			}
		}
		cp.Proof = &p
	}
	if e.RateSnapshot.BonusAmount != nil {
		b := *e.RateSnapshot.BonusAmount
		cp.RateSnapshot.BonusAmount = &b
	}
	cp.RejectionReasons = append([]string(nil), e.RejectionReasons...)
	cp.RequestedChanges = append([]string(nil), e.RequestedChanges...)
	cp.ReviewedBy = cloneUUID(e.ReviewedBy)
	cp.SubmittedAt = cloneTime(e.SubmittedAt)
	cp.ApprovedAt = cloneTime(e.ApprovedAt)
	cp.ExpiresAt = cloneTime(e.ExpiresAt)
	cp.SubmissionDeadline = cloneTime(e.SubmissionDeadline)
	return &cp
}

// TransitionEvent is emitted for every committed status change.
type TransitionEvent struct {
	EnrollmentID   uuid.UUID        `json:"enrollment_id"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	ShopperID      uuid.UUID        `json:"shopper_id"`
	From           EnrollmentStatus `json:"from"`
	To             EnrollmentStatus `json:"to"`
	ActorID        *uuid.UUID       `json:"actor_id,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

// VerificationResult is what proof verification extracted from a submission.
type VerificationResult struct {
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields,omitempty"`
}
