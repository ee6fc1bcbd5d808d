package dashboard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/inaiurai/settlement/internal/models"
)

type Wallet interface {
	Balance(ctx context.Context, orgID uuid.UUID) (*models.WalletAccount, error)
}

type Enrollments interface {
	List(ctx context.Context, orgID uuid.UUID, status *models.EnrollmentStatus) ([]*models.Enrollment, error)
}

type Invoices interface {
	List(ctx context.Context, orgID uuid.UUID, from, to *time.Time) ([]*models.Invoice, error)
}

type Overdue interface {
	Overdue(ctx context.Context, orgID uuid.UUID, now time.Time) ([]*models.Enrollment, error)
}

// Summary is the organization overview shown on the merchant home page.
type Summary struct {
	OrganizationID   uuid.UUID                       `json:"organization_id"`
	Wallet           *models.WalletAccount           `json:"wallet"`
	Enrollments      map[models.EnrollmentStatus]int `json:"enrollments"`
	OverdueReviews   int                             `json:"overdue_reviews"`
	Invoices         map[models.InvoiceStatus]int    `json:"invoices"`
	OutstandingTotal decimal.Decimal                 `json:"outstanding_total"`
	GeneratedAt      time.Time                       `json:"generated_at"`
}

type Service struct {
	wallet      Wallet
	enrollments Enrollments
	invoices    Invoices
	overdue     Overdue
}

func NewService(w Wallet, e Enrollments, inv Invoices, o Overdue) *Service {
	return &Service{wallet: w, enrollments: e, invoices: inv, overdue: o}
}

// Summary reads the four sources concurrently. Outstanding covers pending and overdue invoices.
func (s *Service) Summary(ctx context.Context, orgID uuid.UUID, now time.Time) (*Summary, error) {
	out := &Summary{
		OrganizationID: orgID,
		Enrollments:    make(map[models.EnrollmentStatus]int),
		Invoices:       make(map[models.InvoiceStatus]int),
		GeneratedAt:    now,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := s.wallet.Balance(ctx, orgID)
		out.Wallet = w
		return err
	})
	g.Go(func() error {
		list, err := s.enrollments.List(ctx, orgID, nil)
		for _, e := range list {
			out.Enrollments[e.Status]++
		}
		return err
	})
	g.Go(func() error {
		list, err := s.overdue.Overdue(ctx, orgID, now)
		out.OverdueReviews = len(list)
		return err
	})
	g.Go(func() error {
		list, err := s.invoices.List(ctx, orgID, nil, nil)
		for _, inv := range list {
			out.Invoices[inv.Status]++
			if inv.Status == models.InvoicePending || inv.Status == models.InvoiceOverdue {
				out.OutstandingTotal = out.OutstandingTotal.Add(inv.TotalAmount)
			}
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
