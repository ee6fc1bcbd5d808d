package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/settlement/internal/models"
)

// PGRepository stores the ledger in Postgres. ledger_entries is insert-only.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// GetWalletForUpdate locks the organization's wallet row, creating an empty one first if needed.
func (r *PGRepository) GetWalletForUpdate(ctx context.Context, tx pgx.Tx, orgID uuid.UUID) (*models.WalletAccount, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallet_accounts (organization_id) VALUES ($1)
		ON CONFLICT (organization_id) DO NOTHING
	`, orgID); err != nil {
		return nil, err
	}
	return scanWallet(tx.QueryRow(ctx, `
		SELECT organization_id, available_balance, held_amount, credit_limit, credit_utilized, updated_at
		FROM wallet_accounts WHERE organization_id = $1 FOR UPDATE
	`, orgID))
}

func (r *PGRepository) SaveWallet(ctx context.Context, tx pgx.Tx, w *models.WalletAccount) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallet_accounts
		SET available_balance = $2, held_amount = $3, credit_limit = $4, credit_utilized = $5, updated_at = $6
		WHERE organization_id = $1
	`, w.OrganizationID, w.AvailableBalance, w.HeldAmount, w.CreditLimit, w.CreditUtilized, w.UpdatedAt)
	return err
}

func (r *PGRepository) AppendEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, organization_id, enrollment_id, hold_id, entry_type, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.OrganizationID, e.EnrollmentID, e.HoldID, e.Type, e.Amount, e.CreatedAt)
	return err
}

func (r *PGRepository) InsertHold(ctx context.Context, tx pgx.Tx, h *models.Hold) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO holds (id, organization_id, enrollment_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, h.ID, h.OrganizationID, h.EnrollmentID, h.Amount, h.Status, h.CreatedAt)
	return err
}

func (r *PGRepository) GetHoldForUpdate(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) (*models.Hold, error) {
	return scanHold(tx.QueryRow(ctx, `
		SELECT id, organization_id, enrollment_id, amount, status, created_at, closed_at
		FROM holds WHERE id = $1 FOR UPDATE
	`, holdID))
}

func (r *PGRepository) OpenHoldByEnrollment(ctx context.Context, tx pgx.Tx, enrollmentID uuid.UUID) (*models.Hold, error) {
	return scanHold(tx.QueryRow(ctx, `
		SELECT id, organization_id, enrollment_id, amount, status, created_at, closed_at
		FROM holds WHERE enrollment_id = $1 AND status = 'open' FOR UPDATE
	`, enrollmentID))
}

func (r *PGRepository) CloseHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID, status string, closedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE holds SET status = $2, closed_at = $3 WHERE id = $1 AND status = 'open'
	`, holdID, status, closedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInsufficientHold
	}
	return nil
}

func (r *PGRepository) GetWallet(ctx context.Context, orgID uuid.UUID) (*models.WalletAccount, error) {
	return scanWallet(r.pool.QueryRow(ctx, `
		SELECT organization_id, available_balance, held_amount, credit_limit, credit_utilized, updated_at
		FROM wallet_accounts WHERE organization_id = $1
	`, orgID))
}

// ListEntries returns entries in append order.
func (r *PGRepository) ListEntries(ctx context.Context, orgID uuid.UUID, enrollmentID *uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, enrollment_id, hold_id, entry_type, amount, created_at
		FROM ledger_entries
		WHERE organization_id = $1 AND ($2::uuid IS NULL OR enrollment_id = $2)
		ORDER BY seq ASC
	`, orgID, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.EnrollmentID, &e.HoldID, &e.Type, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func scanWallet(row pgx.Row) (*models.WalletAccount, error) {
	var w models.WalletAccount
	err := row.Scan(&w.OrganizationID, &w.AvailableBalance, &w.HeldAmount, &w.CreditLimit, &w.CreditUtilized, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanHold(row pgx.Row) (*models.Hold, error) {
	var h models.Hold
	err := row.Scan(&h.ID, &h.OrganizationID, &h.EnrollmentID, &h.Amount, &h.Status, &h.CreatedAt, &h.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}
