package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/settlement/internal/models"
)

type EnrollmentRepo struct {
	pool *pgxpool.Pool
}

func NewEnrollmentRepo(pool *pgxpool.Pool) *EnrollmentRepo {
	return &EnrollmentRepo{pool: pool}
}

const enrollmentColumns = `id, organization_id, campaign_id, shopper_id, order_id, status, order_value, rate_snapshot,
	rejection_count, can_resubmit, hold_id, settlement, proof, rejection_reasons, requested_changes, review_notes,
	reviewed_by, created_at, submitted_at, approved_at, expires_at, submission_deadline, version, updated_at`

func (r *EnrollmentRepo) InsertEnrollment(ctx context.Context, tx pgx.Tx, e *models.Enrollment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`, e.ID, e.OrganizationID, e.CampaignID, e.ShopperID, e.OrderID, e.Status, e.OrderValue, e.RateSnapshot,
		e.RejectionCount, e.CanResubmit, e.HoldID, e.Settlement, e.Proof, textArray(e.RejectionReasons), textArray(e.RequestedChanges), e.ReviewNotes,
		e.ReviewedBy, e.CreatedAt, e.SubmittedAt, e.ApprovedAt, e.ExpiresAt, e.SubmissionDeadline, e.Version, e.UpdatedAt)
	return err
}

// GetEnrollmentForUpdate locks the row so concurrent transitions on the same enrollment serialize.
func (r *EnrollmentRepo) GetEnrollmentForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Enrollment, error) {
	return scanEnrollment(tx.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1 FOR UPDATE`, id))
}

// UpdateEnrollment is a compare-and-swap on status: the write only lands if the row is still in from.
func (r *EnrollmentRepo) UpdateEnrollment(ctx context.Context, tx pgx.Tx, e *models.Enrollment, from models.EnrollmentStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE enrollments SET status = $3, rejection_count = $4, can_resubmit = $5, hold_id = $6, settlement = $7,
			proof = $8, rejection_reasons = $9, requested_changes = $10, review_notes = $11, reviewed_by = $12,
			submitted_at = $13, approved_at = $14, expires_at = $15, submission_deadline = $16, version = $17, updated_at = $18
		WHERE id = $1 AND status = $2
	`, e.ID, from, e.Status, e.RejectionCount, e.CanResubmit, e.HoldID, e.Settlement,
		e.Proof, textArray(e.RejectionReasons), textArray(e.RequestedChanges), e.ReviewNotes, e.ReviewedBy,
		e.SubmittedAt, e.ApprovedAt, e.ExpiresAt, e.SubmissionDeadline, e.Version, e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: enrollment %s is no longer %s", models.ErrInvalidTransition, e.ID, from)
	}
	return nil
}

func (r *EnrollmentRepo) GetEnrollment(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	return scanEnrollment(r.pool.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id))
}

// ListEnrollments returns the organization's enrollments, newest first.
func (r *EnrollmentRepo) ListEnrollments(ctx context.Context, orgID uuid.UUID, status *models.EnrollmentStatus) ([]*models.Enrollment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE organization_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
	`, orgID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (r *EnrollmentRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM enrollments
		WHERE expires_at < $1
		  AND (status IN ('enrolled', 'awaiting_submission', 'awaiting_review', 'changes_requested')
		       OR (status = 'rejected' AND can_resubmit))
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEnrollment(row pgx.Row) (*models.Enrollment, error) {
	var e models.Enrollment
	err := row.Scan(&e.ID, &e.OrganizationID, &e.CampaignID, &e.ShopperID, &e.OrderID, &e.Status, &e.OrderValue, &e.RateSnapshot,
		&e.RejectionCount, &e.CanResubmit, &e.HoldID, &e.Settlement, &e.Proof, &e.RejectionReasons, &e.RequestedChanges, &e.ReviewNotes,
		&e.ReviewedBy, &e.CreatedAt, &e.SubmittedAt, &e.ApprovedAt, &e.ExpiresAt, &e.SubmissionDeadline, &e.Version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// textArray keeps text[] columns NOT NULL.
func textArray(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
