package campaigns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
)

type Repository interface {
	InsertCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Campaign, error)
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	ListCampaigns(ctx context.Context, orgID uuid.UUID) ([]*models.Campaign, error)
}

type Service interface {
	Create(ctx context.Context, orgID uuid.UUID, name string, rates Rates) (*models.Campaign, error)
	UpdateRates(ctx context.Context, orgID, id uuid.UUID, rates Rates) (*models.Campaign, error)
	Get(ctx context.Context, orgID, id uuid.UUID) (*models.Campaign, error)
	List(ctx context.Context, orgID uuid.UUID) ([]*models.Campaign, error)
}

// Rates are the campaign terms snapshotted into each new enrollment.
type Rates struct {
	BillRatePct           decimal.Decimal
	PlatformFeePct        decimal.Decimal
	RebatePct             decimal.Decimal
	BonusAmount           *decimal.Decimal
	SubmissionWindowHours int
}

var hundred = decimal.NewFromInt(100)

func (r Rates) validate() error {
	for name, pct := range map[string]decimal.Decimal{
		"bill_rate_pct":    r.BillRatePct,
		"platform_fee_pct": r.PlatformFeePct,
		"rebate_pct":       r.RebatePct,
	} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return fmt.Errorf("%w: %s must be between 0 and 100", models.ErrValidation, name)
		}
	}
	if r.BillRatePct.IsZero() && r.PlatformFeePct.IsZero() {
		return fmt.Errorf("%w: a campaign must charge a bill rate or a platform fee", models.ErrValidation)
	}
	if r.BonusAmount != nil && r.BonusAmount.IsNegative() {
		return fmt.Errorf("%w: bonus_amount must not be negative", models.ErrValidation)
	}
	if r.SubmissionWindowHours < 0 {
		return fmt.Errorf("%w: submission_window_hours must not be negative", models.ErrValidation)
	}
	return nil
}

type service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *service {
	return &service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

var _ Service = (*service)(nil)

func (s *service) Create(ctx context.Context, orgID uuid.UUID, name string, rates Rates) (*models.Campaign, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrValidation)
	}
	if err := rates.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	c := &models.Campaign{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Name:           name,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	applyRates(c, rates)
	if err := s.repo.InsertCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateRates only affects enrollments created afterwards.
func (s *service) UpdateRates(ctx context.Context, orgID, id uuid.UUID, rates Rates) (*models.Campaign, error) {
	if err := rates.validate(); err != nil {
		return nil, err
	}
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	applyRates(c, rates)
	c.UpdatedAt = s.now()
	if err := s.repo.UpdateCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *service) Get(ctx context.Context, orgID, id uuid.UUID) (*models.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if c.OrganizationID != orgID {
		return nil, models.ErrNotFound
	}
	return c, nil
}

func (s *service) List(ctx context.Context, orgID uuid.UUID) ([]*models.Campaign, error) {
	return s.repo.ListCampaigns(ctx, orgID)
}

func applyRates(c *models.Campaign, r Rates) {
	c.BillRatePct = r.BillRatePct
	c.PlatformFeePct = r.PlatformFeePct
	c.RebatePct = r.RebatePct
	c.BonusAmount = r.BonusAmount
	c.SubmissionWindowHours = r.SubmissionWindowHours
}
