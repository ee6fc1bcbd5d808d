package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/settlement/internal/models"
)

const (
	uniqueViolation    = "23505"
	exclusionViolation = "23P01"
)

type InvoiceRepo struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepo(pool *pgxpool.Pool) *InvoiceRepo {
	return &InvoiceRepo{pool: pool}
}

const invoiceColumns = `id, organization_id, period_start, period_end, line_items, subtotal, gst_amount, total_amount, status, due_at, created_at, status_changed_at`

// ListSettled returns the organization's enrollments whose hold was committed in [start, end).
func (r *InvoiceRepo) ListSettled(ctx context.Context, orgID uuid.UUID, start, end time.Time) ([]models.SettledEnrollment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.campaign_id, e.settlement, le.created_at
		FROM ledger_entries le
		JOIN enrollments e ON e.id = le.enrollment_id
		WHERE le.organization_id = $1 AND le.entry_type = 'hold_committed'
		  AND le.created_at >= $2 AND le.created_at < $3
		  AND e.settlement IS NOT NULL
		ORDER BY le.seq ASC
	`, orgID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SettledEnrollment
	for rows.Next() {
		var s models.SettledEnrollment
		if err := rows.Scan(&s.EnrollmentID, &s.CampaignID, &s.Settlement, &s.CommittedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// ListSettledOrganizations returns every organization with at least one commit in [start, end).
func (r *InvoiceRepo) ListSettledOrganizations(ctx context.Context, start, end time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT organization_id FROM ledger_entries
		WHERE entry_type = 'hold_committed' AND created_at >= $1 AND created_at < $2
	`, start, end)
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

// InsertInvoice returns ErrInvoiceExists when the period overlaps one already invoiced
// for the organization.
func (r *InvoiceRepo) InsertInvoice(ctx context.Context, inv *models.Invoice) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, inv.ID, inv.OrganizationID, inv.PeriodStart, inv.PeriodEnd, inv.LineItems, inv.Subtotal, inv.GSTAmount, inv.TotalAmount,
		inv.Status, inv.DueAt, inv.CreatedAt, inv.StatusChangedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == uniqueViolation || pgErr.Code == exclusionViolation) {
		return fmt.Errorf("%w: %s", models.ErrInvoiceExists, pgErr.ConstraintName)
	}
	return err
}

func (r *InvoiceRepo) GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
}

// ListInvoices returns invoices whose period overlaps [from, to). Nil bounds are open.
func (r *InvoiceRepo) ListInvoices(ctx context.Context, orgID uuid.UUID, from, to *time.Time) ([]*models.Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE organization_id = $1
		  AND ($2::timestamptz IS NULL OR period_end > $2)
		  AND ($3::timestamptz IS NULL OR period_start < $3)
		ORDER BY period_start DESC
	`, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, inv)
	}
	return list, rows.Err()
}

// UpdateInvoiceStatus moves an invoice from one status to another, failing with
// ErrInvalidTransition when it is no longer in from.
func (r *InvoiceRepo) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, from, to models.InvoiceStatus, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = $3, status_changed_at = $4 WHERE id = $1 AND status = $2
	`, id, from, to, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %s is not %s", models.ErrInvalidTransition, id, from)
	}
	return nil
}

func (r *InvoiceRepo) ListPendingDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM invoices WHERE status = 'pending' AND due_at < $1`, now)
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

func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	var inv models.Invoice
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.PeriodStart, &inv.PeriodEnd, &inv.LineItems, &inv.Subtotal, &inv.GSTAmount,
		&inv.TotalAmount, &inv.Status, &inv.DueAt, &inv.CreatedAt, &inv.StatusChangedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
