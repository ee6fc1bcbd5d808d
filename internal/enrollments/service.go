package enrollments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inaiurai/settlement/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the enrollment storage contract.
type Repository interface {
	InsertEnrollment(ctx context.Context, tx pgx.Tx, e *models.Enrollment) error
	// GetEnrollmentForUpdate locks the row until the tx ends.
	GetEnrollmentForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Enrollment, error)
	// UpdateEnrollment writes e only if the stored status still equals from;
	// otherwise it returns ErrInvalidTransition.
	UpdateEnrollment(ctx context.Context, tx pgx.Tx, e *models.Enrollment, from models.EnrollmentStatus) error
	GetEnrollment(ctx context.Context, id uuid.UUID) (*models.Enrollment, error)
	ListEnrollments(ctx context.Context, orgID uuid.UUID, status *models.EnrollmentStatus) ([]*models.Enrollment, error)
	// ListExpirable returns non-terminal enrollments whose expires_at is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// CampaignLookup resolves the campaign an enrollment is created against.
type CampaignLookup interface {
	GetCampaign(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Campaign, error)
}

// Ledger is the subset of the wallet ledger the state machine posts to.
type Ledger interface {
	CreateHold(ctx context.Context, tx pgx.Tx, orgID, enrollmentID uuid.UUID, estimate decimal.Decimal) (*models.Hold, error)
	CommitHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID, finalAmount decimal.Decimal) error
	VoidHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) (decimal.Decimal, error)
	OpenHoldForEnrollment(ctx context.Context, tx pgx.Tx, enrollmentID uuid.UUID) (*models.Hold, error)
	Invalidate(ctx context.Context, orgID uuid.UUID)
}

// Notifier records a transition inside the tx so it is dispatched only if the tx commits.
type Notifier interface {
	NotifyTx(ctx context.Context, tx pgx.Tx, ev models.TransitionEvent) error
}

// Verifier scores a proof document. Its result pre-populates review and never decides it.
type Verifier interface {
	Verify(ctx context.Context, e *models.Enrollment, document json.RawMessage) (*models.VerificationResult, error)
}

// ProofValidator checks the shape of a proof document.
type ProofValidator interface {
	ValidateProof(document json.RawMessage) error
}

type Config struct {
	GSTRate decimal.Decimal
	// MaxRejections bounds the resubmission loop across reject and requestChanges.
	MaxRejections           int
	DefaultSubmissionWindow time.Duration
	ResubmissionWindow      time.Duration
	OperationTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.GSTRate.IsZero() {
		c.GSTRate = models.DefaultGSTRate
	}
	if c.MaxRejections <= 0 {
		c.MaxRejections = 3
	}
	if c.DefaultSubmissionWindow <= 0 {
		c.DefaultSubmissionWindow = 14 * 24 * time.Hour
	}
	if c.ResubmissionWindow <= 0 {
		c.ResubmissionWindow = 72 * time.Hour
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
}

type Deps struct {
	DB        TxBeginner
	Repo      Repository
	Campaigns CampaignLookup
	Ledger    Ledger
	Notifier  Notifier
	Verifier  Verifier
	Proofs    ProofValidator
	Logger    *slog.Logger
}

// Service is the enrollment state machine. Every operation is one transaction covering
// the status compare-and-swap, the ledger postings and the notification outbox row.
type Service struct {
	db        TxBeginner
	repo      Repository
	campaigns CampaignLookup
	ledger    Ledger
	notifier  Notifier
	verifier  Verifier
	proofs    ProofValidator
	cfg       Config
	log       *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	cfg.applyDefaults()
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		db:        d.DB,
		repo:      d.Repo,
		campaigns: d.Campaigns,
		ledger:    d.Ledger,
		notifier:  d.Notifier,
		verifier:  d.Verifier,
		proofs:    d.Proofs,
		cfg:       cfg,
		log:       d.Logger,
		tracer:    otel.Tracer("github.com/inaiurai/settlement/internal/enrollments"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

type CreateInput struct {
	OrganizationID uuid.UUID
	CampaignID     uuid.UUID
	ShopperID      uuid.UUID
	OrderID        string
	OrderValue     decimal.Decimal
}

// Create snapshots the campaign's rates and reserves the estimated cost. The enrollment
// row and its hold are written in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Enrollment, error) {
	ctx, span := s.tracer.Start(ctx, "enrollments.create", trace.WithAttributes(
		attribute.String("organization.id", in.OrganizationID.String()),
		attribute.String("campaign.id", in.CampaignID.String()),
	))
	defer span.End()

	in.OrderID = strings.TrimSpace(in.OrderID)
	if in.OrderID == "" {
		return nil, s.fail(span, fmt.Errorf("%w: order_id is required", models.ErrValidation))
	}
	if !in.OrderValue.IsPositive() {
		return nil, s.fail(span, fmt.Errorf("%w: order_value must be positive", models.ErrValidation))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, s.fail(span, err)
	}
	defer tx.Rollback(ctx)

	campaign, err := s.campaigns.GetCampaign(ctx, tx, in.CampaignID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("campaign %s: %w", in.CampaignID, err))
	}
	if campaign.OrganizationID != in.OrganizationID {
		return nil, s.fail(span, fmt.Errorf("campaign %s: %w", in.CampaignID, models.ErrNotFound))
	}

	now := s.now()
	e := &models.Enrollment{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		CampaignID:     in.CampaignID,
		ShopperID:      in.ShopperID,
		OrderID:        in.OrderID,
		Status:         models.StatusEnrolled,
		OrderValue:     in.OrderValue,
		RateSnapshot:   campaign.Snapshot(),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	expires := now.Add(campaign.SubmissionWindow(s.cfg.DefaultSubmissionWindow))
	e.ExpiresAt = &expires

	estimate := e.RateSnapshot.Settle(e.OrderValue, s.cfg.GSTRate).TotalCost
	hold, err := s.ledger.CreateHold(ctx, tx, e.OrganizationID, e.ID, estimate)
	if err != nil {
		return nil, s.fail(span, err)
	}
	e.HoldID = &hold.ID

	if err := s.repo.InsertEnrollment(ctx, tx, e); err != nil {
		return nil, s.fail(span, fmt.Errorf("insert enrollment: %w", err))
	}
	if err := s.notifier.NotifyTx(ctx, tx, models.TransitionEvent{
		EnrollmentID:   e.ID,
		OrganizationID: e.OrganizationID,
		ShopperID:      e.ShopperID,
		To:             e.Status,
		OccurredAt:     now,
	}); err != nil {
		return nil, s.fail(span, fmt.Errorf("enqueue notification: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, s.fail(span, err)
	}
	s.ledger.Invalidate(ctx, e.OrganizationID)
	s.log.Info("enrollment created", "enrollment_id", e.ID, "organization_id", e.OrganizationID, "hold", estimate)
	return e, nil
}

// OpenSubmission moves an enrollment to awaiting_submission and sets its deadline.
// Reopening a resubmittable rejection reserves a fresh hold since the old one was voided.
func (s *Service) OpenSubmission(ctx context.Context, id uuid.UUID, deadline *time.Time) (*models.Enrollment, error) {
	return s.transition(ctx, "open_submission", id, models.StatusAwaitingSubmission, nil,
		func(ctx context.Context, tx pgx.Tx, e *models.Enrollment, now time.Time) error {
			if deadline != nil && !deadline.After(now) {
				return fmt.Errorf("%w: submission deadline must be in the future", models.ErrValidation)
			}
			d := deadline
			if d == nil {
				campaign, err := s.campaigns.GetCampaign(ctx, tx, e.CampaignID)
				if err != nil {
					return fmt.Errorf("campaign %s: %w", e.CampaignID, err)
				}
				v := now.Add(campaign.SubmissionWindow(s.cfg.DefaultSubmissionWindow))
				d = &v
			}
			if e.Status == models.StatusRejected {
				estimate := e.RateSnapshot.Settle(e.OrderValue, s.cfg.GSTRate).TotalCost
				hold, err := s.ledger.CreateHold(ctx, tx, e.OrganizationID, e.ID, estimate)
				if err != nil {
					return err
				}
				e.HoldID = &hold.ID
				e.CanResubmit = false
			}
			e.SubmissionDeadline = d
			e.ExpiresAt = d
			return nil
		})
}

// Submit records the shopper's proof and moves the enrollment to awaiting_review.
// shopperID, when set, must own the enrollment.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, shopperID *uuid.UUID, document json.RawMessage) (*models.Enrollment, error) {
	if s.proofs != nil {
		if err := s.proofs.ValidateProof(document); err != nil {
			return nil, err
		}
	}
	current, err := s.repo.GetEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(current, shopperID); err != nil {
		return nil, err
	}
	if err := current.CheckTransition(models.StatusAwaitingReview); err != nil {
		return nil, err
	}

	// Verification runs before the tx so no row lock is held across the remote call.
	var result *models.VerificationResult
	if s.verifier != nil {
		result, err = s.verifier.Verify(ctx, current, document)
		if err != nil {
			return nil, fmt.Errorf("verify proof: %w", err)
		}
	}

	return s.transition(ctx, "submit", id, models.StatusAwaitingReview, shopperID,
		func(_ context.Context, _ pgx.Tx, e *models.Enrollment, now time.Time) error {
			if e.SubmissionDeadline != nil && now.After(*e.SubmissionDeadline) {
				return fmt.Errorf("%w: submission deadline passed at %s", models.ErrInvalidTransition, e.SubmissionDeadline.Format(time.RFC3339))
			}
			proof := &models.Proof{Document: append(json.RawMessage(nil), document...)}
			if result != nil {
				c := result.Confidence
				proof.Confidence = &c
				proof.ExtractedFields = result.Fields
			}
			e.Proof = proof
			e.SubmittedAt = &now
			e.RequestedChanges = nil
			return nil
		})
}

// Approve settles the enrollment: the open hold is committed for the total cost computed
// from the embedded rate snapshot.
func (s *Service) Approve(ctx context.Context, id, actorID uuid.UUID) (*models.Enrollment, error) {
	return s.transition(ctx, "approve", id, models.StatusApproved, &actorID,
		func(ctx context.Context, tx pgx.Tx, e *models.Enrollment, now time.Time) error {
			hold, err := s.ledger.OpenHoldForEnrollment(ctx, tx, e.ID)
			if err != nil {
				return err
			}
			settlement := e.RateSnapshot.Settle(e.OrderValue, s.cfg.GSTRate)
			if err := s.ledger.CommitHold(ctx, tx, hold.ID, settlement.TotalCost); err != nil {
				return err
			}
			e.Settlement = &settlement
			e.ApprovedAt = &now
			e.ReviewedBy = &actorID
			return nil
		})
}

type RejectInput struct {
	EnrollmentID  uuid.UUID
	ActorID       uuid.UUID
	Reasons       []string
	Notes         string
	AllowResubmit bool
}

// Reject voids the hold and records the reasons. At least one reason is required.
func (s *Service) Reject(ctx context.Context, in RejectInput) (*models.Enrollment, error) {
	reasons := cleanList(in.Reasons)
	if len(reasons) == 0 {
		return nil, fmt.Errorf("%w: at least one rejection reason is required", models.ErrValidation)
	}
	return s.transition(ctx, "reject", in.EnrollmentID, models.StatusRejected, &in.ActorID,
		func(ctx context.Context, tx pgx.Tx, e *models.Enrollment, _ time.Time) error {
			hold, err := s.ledger.OpenHoldForEnrollment(ctx, tx, e.ID)
			if err != nil {
				return err
			}
			if _, err := s.ledger.VoidHold(ctx, tx, hold.ID); err != nil {
				return err
			}
			e.RejectionCount++
			e.CanResubmit = in.AllowResubmit && e.RejectionCount < s.cfg.MaxRejections
			e.RejectionReasons = reasons
			e.ReviewNotes = strings.TrimSpace(in.Notes)
			e.ReviewedBy = &in.ActorID
			return nil
		})
}

// RequestChanges sends the enrollment back to the shopper. The hold stays open.
func (s *Service) RequestChanges(ctx context.Context, id, actorID uuid.UUID, changes []string, notes string) (*models.Enrollment, error) {
	changes = cleanList(changes)
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: at least one requested change is required", models.ErrValidation)
	}
	return s.transition(ctx, "request_changes", id, models.StatusChangesRequested, &actorID,
		func(_ context.Context, _ pgx.Tx, e *models.Enrollment, now time.Time) error {
			if e.RejectionCount >= s.cfg.MaxRejections {
				return fmt.Errorf("%w: resubmission limit of %d reached", models.ErrInvalidTransition, s.cfg.MaxRejections)
			}
			e.RejectionCount++
			e.RequestedChanges = changes
			e.ReviewNotes = strings.TrimSpace(notes)
			e.ReviewedBy = &actorID
			deadline := now.Add(s.cfg.ResubmissionWindow)
			e.SubmissionDeadline = &deadline
			e.ExpiresAt = &deadline
			return nil
		})
}

// Withdraw is shopper-initiated and terminal. shopperID, when set, must own the enrollment.
func (s *Service) Withdraw(ctx context.Context, id uuid.UUID, shopperID *uuid.UUID) (*models.Enrollment, error) {
	return s.transition(ctx, "withdraw", id, models.StatusWithdrawn, shopperID,
		func(ctx context.Context, tx pgx.Tx, e *models.Enrollment, _ time.Time) error {
			if err := checkOwner(e, shopperID); err != nil {
				return err
			}
			return s.voidOpenHold(ctx, tx, e)
		})
}

// Expire closes an enrollment whose deadline passed.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	return s.transition(ctx, "expire", id, models.StatusExpired, nil,
		func(ctx context.Context, tx pgx.Tx, e *models.Enrollment, now time.Time) error {
			if e.ExpiresAt != nil && now.Before(*e.ExpiresAt) {
				return fmt.Errorf("%w: enrollment expires at %s", models.ErrInvalidTransition, e.ExpiresAt.Format(time.RFC3339))
			}
			return s.voidOpenHold(ctx, tx, e)
		})
}

const sweepBatch = 500

// SweepExpired expires every enrollment whose deadline passed before now and returns how many moved.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.ListExpirable(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if _, err := s.Expire(ctx, id); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				continue
			}
			s.log.Error("expire enrollment failed", "enrollment_id", id, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	return s.repo.GetEnrollment(ctx, id)
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID, status *models.EnrollmentStatus) ([]*models.Enrollment, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, *status)
	}
	return s.repo.ListEnrollments(ctx, orgID, status)
}

type mutateFunc func(ctx context.Context, tx pgx.Tx, e *models.Enrollment, now time.Time) error

// transition locks the enrollment, checks the edge against the transition table, applies
// mutate and commits the new status with everything mutate posted.
func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, to models.EnrollmentStatus, actor *uuid.UUID, mutate mutateFunc) (*models.Enrollment, error) {
	ctx, span := s.tracer.Start(ctx, "enrollments."+op, trace.WithAttributes(
		attribute.String("enrollment.id", id.String()),
		attribute.String("enrollment.to", string(to)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, s.fail(span, err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetEnrollmentForUpdate(ctx, tx, id)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if err := current.CheckTransition(to); err != nil {
		return nil, s.fail(span, err)
	}

	now := s.now()
	next := current.Clone()
	if mutate != nil {
		if err := mutate(ctx, tx, next, now); err != nil {
			if errors.Is(err, models.ErrInsufficientHold) {
				s.log.Error("settlement invariant violated: enrollment has no open hold",
					"enrollment_id", id, "operation", op, "status", current.Status, "error", err)
			}
			return nil, s.fail(span, err)
		}
	}
	next.Status = to
	next.Version++
	next.UpdatedAt = now

	if err := s.repo.UpdateEnrollment(ctx, tx, next, current.Status); err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.notifier.NotifyTx(ctx, tx, models.TransitionEvent{
		EnrollmentID:   next.ID,
		OrganizationID: next.OrganizationID,
		ShopperID:      next.ShopperID,
		From:           current.Status,
		To:             to,
		ActorID:        actor,
		OccurredAt:     now,
	}); err != nil {
		return nil, s.fail(span, fmt.Errorf("enqueue notification: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, s.fail(span, err)
	}
	s.ledger.Invalidate(ctx, next.OrganizationID)
	s.log.Info("enrollment transitioned", "enrollment_id", id, "from", current.Status, "to", to)
	return next, nil
}

// voidOpenHold releases the enrollment's hold if it still has one. A resubmittable
// rejection has none since reject already voided it.
func (s *Service) voidOpenHold(ctx context.Context, tx pgx.Tx, e *models.Enrollment) error {
	hold, err := s.ledger.OpenHoldForEnrollment(ctx, tx, e.ID)
	if errors.Is(err, models.ErrInsufficientHold) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.ledger.VoidHold(ctx, tx, hold.ID)
	return err
}

// fail records err on the span and maps deadline expiry to ErrTimeout.
func (s *Service) fail(span trace.Span, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, models.ErrTimeout) {
		err = fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, models.ErrorCode(err))
	return err
}

func checkOwner(e *models.Enrollment, shopperID *uuid.UUID) error {
	if shopperID != nil && e.ShopperID != *shopperID {
		return fmt.Errorf("%w: enrollment %s belongs to another shopper", models.ErrForbidden, e.ID)
	}
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
