package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/settlement/internal/models"
)

type CampaignRepo struct {
	pool *pgxpool.Pool
}

func NewCampaignRepo(pool *pgxpool.Pool) *CampaignRepo {
	return &CampaignRepo{pool: pool}
}

const campaignColumns = `id, organization_id, name, bill_rate_pct, platform_fee_pct, rebate_pct, bonus_amount, submission_window_hours, created_at, updated_at`

func (r *CampaignRepo) InsertCampaign(ctx context.Context, c *models.Campaign) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.OrganizationID, c.Name, c.BillRatePct, c.PlatformFeePct, c.RebatePct, c.BonusAmount, c.SubmissionWindowHours, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCampaign reads inside tx when one is given, so enrollment creation sees the same rates it snapshots.
func (r *CampaignRepo) GetCampaign(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Campaign, error) {
	const q = `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	if tx != nil {
		return scanCampaign(tx.QueryRow(ctx, q, id))
	}
	return scanCampaign(r.pool.QueryRow(ctx, q, id))
}

// UpdateCampaign changes rates for future enrollments only. Existing enrollments carry their own snapshot.
func (r *CampaignRepo) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET name = $2, bill_rate_pct = $3, platform_fee_pct = $4, rebate_pct = $5, bonus_amount = $6,
			submission_window_hours = $7, updated_at = $8
		WHERE id = $1
	`, c.ID, c.Name, c.BillRatePct, c.PlatformFeePct, c.RebatePct, c.BonusAmount, c.SubmissionWindowHours, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) ListCampaigns(ctx context.Context, orgID uuid.UUID) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.BillRatePct, &c.PlatformFeePct, &c.RebatePct, &c.BonusAmount, &c.SubmissionWindowHours, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
