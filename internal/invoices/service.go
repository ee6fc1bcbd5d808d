package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inaiurai/settlement/internal/models"
)

type Repository interface {
	ListSettled(ctx context.Context, orgID uuid.UUID, start, end time.Time) ([]models.SettledEnrollment, error)
	ListSettledOrganizations(ctx context.Context, start, end time.Time) ([]uuid.UUID, error)
	// InsertInvoice fails with ErrInvoiceExists when the period overlaps an invoiced one.
	InsertInvoice(ctx context.Context, inv *models.Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	ListInvoices(ctx context.Context, orgID uuid.UUID, from, to *time.Time) ([]*models.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, from, to models.InvoiceStatus, at time.Time) error
	ListPendingDue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Locker serializes aggregation runs for the same organization across processes.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Renderer turns a finalized invoice into a document.
type Renderer interface {
	Render(ctx context.Context, inv *models.Invoice) ([]byte, error)
}

type Config struct {
	PaymentTerms time.Duration
	LockTTL      time.Duration
}

type Service struct {
	repo     Repository
	locker   Locker
	renderer Renderer
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService returns an invoice Service. locker and renderer may be nil.
func NewService(repo Repository, locker Locker, renderer Renderer, cfg Config, log *slog.Logger) *Service {
	if cfg.PaymentTerms <= 0 {
		cfg.PaymentTerms = 7 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		renderer: renderer,
		cfg:      cfg,
		log:      log,
		tracer:   otel.Tracer("github.com/inaiurai/settlement/internal/invoices"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Aggregate rolls the organization's commits in [start, end) into one invoice. If the
// period is already invoiced the existing invoice is returned and nothing is written.
// A period that overlaps a different invoiced period is rejected with ErrInvalidTransition
// so no commit is billed twice. A period without commits yields (nil, nil).
func (s *Service) Aggregate(ctx context.Context, orgID uuid.UUID, start, end time.Time) (*models.Invoice, error) {
	start, end = start.UTC(), end.UTC()
	ctx, span := s.tracer.Start(ctx, "invoices.aggregate", trace.WithAttributes(
		attribute.String("organization.id", orgID.String()),
		attribute.String("period.start", start.Format(time.RFC3339)),
		attribute.String("period.end", end.Format(time.RFC3339)),
	))
	defer span.End()

	if !start.Before(end) {
		return nil, fmt.Errorf("%w: period_start must be before period_end", models.ErrValidation)
	}
	if end.After(s.now()) {
		return nil, fmt.Errorf("%w: period ending %s is not closed yet", models.ErrValidation, end.Format(time.RFC3339))
	}

	if s.locker != nil {
		key := "invoice-aggregate:" + orgID.String()
		release, err := s.locker.Obtain(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("lock %s: %w", key, err))
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release aggregation lock failed", "key", key, "error", err)
			}
		}()
	}

	existing, err := s.invoiced(ctx, orgID, start, end)
	if err != nil || existing != nil {
		return existing, s.fail(span, err)
	}

	settled, err := s.repo.ListSettled(ctx, orgID, start, end)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("list settled enrollments: %w", err))
	}
	if len(settled) == 0 {
		return nil, nil
	}

	now := s.now()
	inv := Build(orgID, start, end, settled)
	inv.ID = uuid.New()
	inv.Status = models.InvoicePending
	inv.CreatedAt = now
	inv.DueAt = now.Add(s.cfg.PaymentTerms)

	if err := s.repo.InsertInvoice(ctx, inv); err != nil {
		if errors.Is(err, models.ErrInvoiceExists) {
			// Lost a race with a run that held no lock.
			existing, ferr := s.invoiced(ctx, orgID, start, end)
			if ferr == nil && existing == nil {
				ferr = fmt.Errorf("insert invoice: %w", err)
			}
			return existing, s.fail(span, ferr)
		}
		return nil, s.fail(span, fmt.Errorf("insert invoice: %w", err))
	}
	s.log.Info("invoice generated", "invoice_id", inv.ID, "organization_id", orgID,
		"period_start", start, "period_end", end, "line_items", len(inv.LineItems), "total", inv.TotalAmount)
	return inv, nil
}

// invoiced returns the invoice for exactly [start, end), nil when no invoice touches the
// period, or ErrInvalidTransition when another invoice covers part of it.
func (s *Service) invoiced(ctx context.Context, orgID uuid.UUID, start, end time.Time) (*models.Invoice, error) {
	overlapping, err := s.repo.ListInvoices(ctx, orgID, &start, &end)
	if err != nil {
		return nil, fmt.Errorf("list overlapping invoices: %w", err)
	}
	for _, inv := range overlapping {
		if inv.PeriodStart.Equal(start) && inv.PeriodEnd.Equal(end) {
			return inv, nil
		}
	}
	if len(overlapping) > 0 {
		inv := overlapping[0]
		return nil, fmt.Errorf("%w: period overlaps invoice %s (%s to %s)", models.ErrInvalidTransition,
			inv.ID, inv.PeriodStart.Format(time.RFC3339), inv.PeriodEnd.Format(time.RFC3339))
	}
	return nil, nil
}

// Build groups settled enrollments by campaign. Subtotal and GST are rounded once over the
// whole period; totals are sums of already-rounded per-enrollment costs so they match the ledger.
func Build(orgID uuid.UUID, start, end time.Time, settled []models.SettledEnrollment) *models.Invoice {
	type acc struct {
		count                 int
		bill, gst, fee, total decimal.Decimal
	}
	byCampaign := make(map[uuid.UUID]*acc)
	var bill, gst, total decimal.Decimal
	for _, se := range settled {
		a, ok := byCampaign[se.CampaignID]
		if !ok {
			a = &acc{}
			byCampaign[se.CampaignID] = a
		}
		st := se.Settlement
		a.count++
		a.bill = a.bill.Add(st.BillAmount)
		a.gst = a.gst.Add(st.GSTAmount)
		a.fee = a.fee.Add(st.PlatformFee)
		a.total = a.total.Add(st.TotalCost)
		bill = bill.Add(st.BillAmount)
		gst = gst.Add(st.GSTAmount)
		total = total.Add(st.TotalCost)
	}

	items := make([]models.InvoiceLineItem, 0, len(byCampaign))
	for id, a := range byCampaign {
		items = append(items, models.InvoiceLineItem{
			CampaignID:      id,
			EnrollmentCount: a.count,
			BillAmount:      models.RoundMinor(a.bill),
			GSTAmount:       models.RoundMinor(a.gst),
			PlatformFee:     models.RoundMinor(a.fee),
			TotalAmount:     a.total,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CampaignID.String() < items[j].CampaignID.String() })

	return &models.Invoice{
		OrganizationID: orgID,
		PeriodStart:    start,
		PeriodEnd:      end,
		LineItems:      items,
		Subtotal:       models.RoundMinor(bill),
		GSTAmount:      models.RoundMinor(gst),
		TotalAmount:    total,
	}
}

// LastClosedWeek returns the most recent Monday-to-Monday UTC week that ended at or before now.
func LastClosedWeek(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(midnight.Weekday()) + 6) % 7
	end := midnight.AddDate(0, 0, -offset)
	return end.AddDate(0, 0, -7), end
}

// AggregateClosedWeek invoices every organization with commits in the last closed week.
// It returns the number of invoices generated or found.
func (s *Service) AggregateClosedWeek(ctx context.Context, now time.Time) (int, error) {
	start, end := LastClosedWeek(now)
	orgs, err := s.repo.ListSettledOrganizations(ctx, start, end)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, org := range orgs {
		inv, err := s.Aggregate(ctx, org, start, end)
		if errors.Is(err, models.ErrInvalidTransition) {
			// Already billed by an on-demand invoice covering part of the week.
			s.log.Warn("weekly aggregation skipped", "organization_id", org, "error", err)
			continue
		}
		if err != nil {
			s.log.Error("weekly aggregation failed", "organization_id", org, "error", err)
			errs = append(errs, fmt.Errorf("organization %s: %w", org, err))
			continue
		}
		if inv != nil {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (*models.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.OrganizationID != orgID {
		return nil, models.ErrNotFound
	}
	return inv, nil
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID, from, to *time.Time) ([]*models.Invoice, error) {
	if from != nil && to != nil && !from.Before(*to) {
		return nil, fmt.Errorf("%w: period_start must be before period_end", models.ErrValidation)
	}
	return s.repo.ListInvoices(ctx, orgID, from, to)
}

func (s *Service) MarkPaid(ctx context.Context, orgID, id uuid.UUID) (*models.Invoice, error) {
	return s.leavePending(ctx, orgID, id, models.InvoicePaid)
}

func (s *Service) MarkOverdue(ctx context.Context, orgID, id uuid.UUID) (*models.Invoice, error) {
	return s.leavePending(ctx, orgID, id, models.InvoiceOverdue)
}

func (s *Service) Cancel(ctx context.Context, orgID, id uuid.UUID) (*models.Invoice, error) {
	return s.leavePending(ctx, orgID, id, models.InvoiceCancelled)
}

// SweepOverdue marks every pending invoice past its due date as overdue.
func (s *Service) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.ListPendingDue(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		err := s.repo.UpdateInvoiceStatus(ctx, id, models.InvoicePending, models.InvoiceOverdue, now)
		if errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			s.log.Error("mark invoice overdue failed", "invoice_id", id, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// RenderPDF sends the invoice to the renderer.
func (s *Service) RenderPDF(ctx context.Context, orgID, id uuid.UUID) ([]byte, error) {
	if s.renderer == nil {
		return nil, errors.New("invoice renderer is not configured")
	}
	inv, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return s.renderer.Render(ctx, inv)
}

// leavePending is the only status change an invoice allows.
func (s *Service) leavePending(ctx context.Context, orgID, id uuid.UUID, to models.InvoiceStatus) (*models.Invoice, error) {
	inv, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != models.InvoicePending {
		return nil, fmt.Errorf("%w: invoice %s is %s", models.ErrInvalidTransition, id, inv.Status)
	}
	now := s.now()
	if err := s.repo.UpdateInvoiceStatus(ctx, id, models.InvoicePending, to, now); err != nil {
		return nil, err
	}
	inv.Status = to
	inv.StatusChangedAt = &now
	s.log.Info("invoice status changed", "invoice_id", id, "status", to)
	return inv, nil
}

func (s *Service) fail(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, models.ErrorCode(err))
	return err
}
