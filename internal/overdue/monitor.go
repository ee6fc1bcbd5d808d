// Package overdue reports enrollments that have waited too long for review.
package overdue

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/models"
)

const DefaultThreshold = 48 * time.Hour

// IsOverdue reports whether e is awaiting review and older than threshold at now.
func IsOverdue(e *models.Enrollment, now time.Time, threshold time.Duration) bool {
	return e.Status == models.StatusAwaitingReview && now.Sub(e.CreatedAt) > threshold
}

type Lister interface {
	ListEnrollments(ctx context.Context, orgID uuid.UUID, status *models.EnrollmentStatus) ([]*models.Enrollment, error)
}

type Monitor struct {
	repo      Lister
	threshold time.Duration
}

func NewMonitor(repo Lister, threshold time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{repo: repo, threshold: threshold}
}

func (m *Monitor) Threshold() time.Duration { return m.threshold }

// Overdue returns the organization's overdue enrollments, oldest first.
func (m *Monitor) Overdue(ctx context.Context, orgID uuid.UUID, now time.Time) ([]*models.Enrollment, error) {
	status := models.StatusAwaitingReview
	list, err := m.repo.ListEnrollments(ctx, orgID, &status)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Enrollment, 0, len(list))
	for _, e := range list {
		if IsOverdue(e, now, m.threshold) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
