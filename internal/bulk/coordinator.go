// Package bulk applies one review decision to many enrollments.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inaiurai/settlement/internal/enrollments"
	"github.com/inaiurai/settlement/internal/models"
)

// Enrollments is the slice of the state machine the coordinator drives.
type Enrollments interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Enrollment, error)
	Approve(ctx context.Context, id, actorID uuid.UUID) (*models.Enrollment, error)
	Reject(ctx context.Context, in enrollments.RejectInput) (*models.Enrollment, error)
}

type Request struct {
	OrganizationID uuid.UUID
	IDs            []uuid.UUID
	Target         models.EnrollmentStatus
	ActorID        uuid.UUID
	Reasons        []string
	Notes          string
	AllowResubmit  bool
}

type ItemResult struct {
	ID      uuid.UUID `json:"id"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	Code    string    `json:"code,omitempty"`
}

type Result struct {
	UpdatedCount int          `json:"updated_count"`
	Failures     []ItemResult `json:"failures"`
	Results      []ItemResult `json:"results"`
}

type Coordinator struct {
	enrollments Enrollments
	workers     int
	log         *slog.Logger
}

func NewCoordinator(e Enrollments, workers int, log *slog.Logger) *Coordinator {
	if workers <= 0 {
		workers = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{enrollments: e, workers: workers, log: log}
}

// Apply runs each item in its own transaction. A failed item never rolls back the others.
func (c *Coordinator) Apply(ctx context.Context, req Request) (*Result, error) {
	if req.Target != models.StatusApproved && req.Target != models.StatusRejected {
		return nil, fmt.Errorf("%w: bulk target must be approved or rejected, got %q", models.ErrValidation, req.Target)
	}
	if req.Target == models.StatusRejected && len(req.Reasons) == 0 {
		return nil, fmt.Errorf("%w: rejection requires at least one reason", models.ErrValidation)
	}
	ids := dedupe(req.IDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no enrollment ids", models.ErrValidation)
	}

	results := make([]ItemResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, id := range ids {
		g.Go(func() error {
			err := c.applyOne(gctx, req, id)
			results[i] = ItemResult{ID: id, Success: err == nil}
			if err != nil {
				results[i].Error = err.Error()
				results[i].Code = models.ErrorCode(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := &Result{Results: results, Failures: []ItemResult{}}
	for _, r := range results {
		if r.Success {
			out.UpdatedCount++
		} else {
			out.Failures = append(out.Failures, r)
		}
	}
	c.log.Info("bulk update applied", "organization_id", req.OrganizationID, "target", req.Target,
		"requested", len(ids), "updated", out.UpdatedCount, "failed", len(out.Failures))
	return out, nil
}

func (c *Coordinator) applyOne(ctx context.Context, req Request, id uuid.UUID) error {
	e, err := c.enrollments.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.OrganizationID != req.OrganizationID {
		return fmt.Errorf("enrollment %s: %w", id, models.ErrNotFound)
	}
	switch req.Target {
	case models.StatusApproved:
		_, err = c.enrollments.Approve(ctx, id, req.ActorID)
	case models.StatusRejected:
		_, err = c.enrollments.Reject(ctx, enrollments.RejectInput{
			EnrollmentID:  id,
			ActorID:       req.ActorID,
			Reasons:       req.Reasons,
			Notes:         req.Notes,
			AllowResubmit: req.AllowResubmit,
		})
	default:
		err = errors.New("unreachable bulk target")
	}
	return err
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
