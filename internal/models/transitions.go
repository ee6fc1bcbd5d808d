package models

import "fmt"

// transitions is the single source of truth for legal status edges.
var transitions = map[EnrollmentStatus][]EnrollmentStatus{
	StatusEnrolled:           {StatusAwaitingSubmission, StatusWithdrawn, StatusExpired},
	StatusAwaitingSubmission: {StatusAwaitingReview, StatusWithdrawn, StatusExpired},
	StatusAwaitingReview:     {StatusApproved, StatusRejected, StatusChangesRequested, StatusWithdrawn, StatusExpired},
	StatusChangesRequested:   {StatusAwaitingReview, StatusAwaitingSubmission, StatusWithdrawn, StatusExpired},
	// Only reachable while the enrollment can be resubmitted; see IsTerminal.
	StatusRejected:  {StatusAwaitingSubmission, StatusWithdrawn, StatusExpired},
	StatusApproved:  nil,
	StatusWithdrawn: nil,
	StatusExpired:   nil,
}

// IsTerminal reports whether no further transition is possible.
func (e *Enrollment) IsTerminal() bool {
	switch e.Status {
	case StatusApproved, StatusWithdrawn, StatusExpired:
		return true
	case StatusRejected:
		return !e.CanResubmit
	default:
		return false
	}
}

// CanTransition reports whether the enrollment may move to status to.
func (e *Enrollment) CanTransition(to EnrollmentStatus) bool {
	if e.IsTerminal() {
		return false
	}
	for _, s := range transitions[e.Status] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when the edge is not in the table.
func (e *Enrollment) CheckTransition(to EnrollmentStatus) error {
	if !e.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	return nil
}

// Edges returns the statuses reachable from s, ignoring the resubmission flag.
func Edges(s EnrollmentStatus) []EnrollmentStatus {
	return append([]EnrollmentStatus(nil), transitions[s]...)
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []EnrollmentStatus {
	return []EnrollmentStatus{
		StatusEnrolled, StatusAwaitingSubmission, StatusAwaitingReview, StatusApproved,
		StatusRejected, StatusChangesRequested, StatusWithdrawn, StatusExpired,
	}
}
