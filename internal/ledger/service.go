package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the storage contract of the wallet ledger. Methods taking a tx
// run inside the caller's transaction.
type Repository interface {
	GetWalletForUpdate(ctx context.Context, tx pgx.Tx, orgID uuid.UUID) (*models.WalletAccount, error)
	SaveWallet(ctx context.Context, tx pgx.Tx, w *models.WalletAccount) error
	AppendEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	InsertHold(ctx context.Context, tx pgx.Tx, h *models.Hold) error
	GetHoldForUpdate(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) (*models.Hold, error)
	OpenHoldByEnrollment(ctx context.Context, tx pgx.Tx, enrollmentID uuid.UUID) (*models.Hold, error)
	CloseHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID, status string, closedAt time.Time) error

	GetWallet(ctx context.Context, orgID uuid.UUID) (*models.WalletAccount, error)
	ListEntries(ctx context.Context, orgID uuid.UUID, enrollmentID *uuid.UUID) ([]*models.LedgerEntry, error)
}

// BalanceCache caches the wallet projection. Implementations must tolerate misses.
// GetBalance returns the organization's cache generation alongside a miss; SetBalance
// stores w only while that generation is current, so a fill that read the database
// before a concurrent InvalidateBalance cannot resurrect the old projection.
type BalanceCache interface {
	GetBalance(ctx context.Context, orgID uuid.UUID) (w *models.WalletAccount, gen int64, ok bool, err error)
	SetBalance(ctx context.Context, w *models.WalletAccount, gen int64) error
	InvalidateBalance(ctx context.Context, orgID uuid.UUID) error
}

// Service posts ledger entries and keeps the wallet projection in step with them.
type Service struct {
	db    TxBeginner
	repo  Repository
	cache BalanceCache
	log   *slog.Logger
	now   func() time.Time
}

// NewService returns a ledger Service. cache may be nil.
func NewService(db TxBeginner, repo Repository, cache BalanceCache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, repo: repo, cache: cache, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateHold reserves estimate against the organization's wallet. Runs in the caller's tx.
// Fails with ErrInsufficientFunds when the reservation would breach the credit limit.
func (s *Service) CreateHold(ctx context.Context, tx pgx.Tx, orgID, enrollmentID uuid.UUID, estimate decimal.Decimal) (*models.Hold, error) {
	if err := validAmount(estimate); err != nil {
		return nil, err
	}
	w, err := s.repo.GetWalletForUpdate(ctx, tx, orgID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if w.Position().Sub(estimate).LessThan(w.CreditLimit.Neg()) {
		return nil, fmt.Errorf("%w: hold %s exceeds available %s + credit %s",
			models.ErrInsufficientFunds, estimate, w.AvailableBalance, w.CreditLimit.Sub(w.CreditUtilized))
	}
	now := s.now()
	hold := &models.Hold{
		ID:             uuid.New(),
		OrganizationID: orgID,
		EnrollmentID:   enrollmentID,
		Amount:         estimate,
		Status:         models.HoldOpen,
		CreatedAt:      now,
	}
	if err := s.repo.InsertHold(ctx, tx, hold); err != nil {
		return nil, fmt.Errorf("insert hold: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:             hold.ID,
		OrganizationID: orgID,
		EnrollmentID:   &enrollmentID,
		HoldID:         &hold.ID,
		Type:           models.EntryHoldCreated,
		Amount:         estimate,
		CreatedAt:      now,
	}
	if err := s.post(ctx, tx, w, entry, estimate); err != nil {
		return nil, err
	}
	return hold, nil
}

// CommitHold converts an open hold into a permanent charge of finalAmount. A difference
// from the estimate is reconciled by a companion withdrawal or refund entry.
func (s *Service) CommitHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID, finalAmount decimal.Decimal) error {
	if err := validAmount(finalAmount); err != nil {
		return err
	}
	hold, err := s.lockOpenHold(ctx, tx, holdID)
	if err != nil {
		return err
	}
	w, err := s.repo.GetWalletForUpdate(ctx, tx, hold.OrganizationID)
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	now := s.now()
	commit := &models.LedgerEntry{
		ID:             uuid.New(),
		OrganizationID: hold.OrganizationID,
		EnrollmentID:   &hold.EnrollmentID,
		HoldID:         &hold.ID,
		Type:           models.EntryHoldCommitted,
		Amount:         finalAmount,
		CreatedAt:      now,
	}
	if err := s.post(ctx, tx, w, commit, hold.Amount); err != nil {
		return err
	}
	if diff := finalAmount.Sub(hold.Amount); !diff.IsZero() {
		adj := &models.LedgerEntry{
			ID:             uuid.New(),
			OrganizationID: hold.OrganizationID,
			EnrollmentID:   &hold.EnrollmentID,
			HoldID:         &hold.ID,
			Type:           models.EntryWithdrawal,
			Amount:         diff,
			CreatedAt:      now,
		}
		if diff.IsNegative() {
			adj.Type = models.EntryRefund
			adj.Amount = diff.Neg()
		}
		if err := s.post(ctx, tx, w, adj, hold.Amount); err != nil {
			return err
		}
	}
	return s.repo.CloseHold(ctx, tx, hold.ID, models.HoldCommitted, now)
}

// VoidHold releases the full original estimate back to the wallet and returns it.
func (s *Service) VoidHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) (decimal.Decimal, error) {
	hold, err := s.lockOpenHold(ctx, tx, holdID)
	if err != nil {
		return decimal.Zero, err
	}
	w, err := s.repo.GetWalletForUpdate(ctx, tx, hold.OrganizationID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock wallet: %w", err)
	}
	now := s.now()
	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		OrganizationID: hold.OrganizationID,
		EnrollmentID:   &hold.EnrollmentID,
		HoldID:         &hold.ID,
		Type:           models.EntryHoldVoided,
		Amount:         hold.Amount,
		CreatedAt:      now,
	}
	if err := s.post(ctx, tx, w, entry, hold.Amount); err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.CloseHold(ctx, tx, hold.ID, models.HoldVoided, now); err != nil {
		return decimal.Zero, err
	}
	return hold.Amount, nil
}

// OpenHoldForEnrollment returns the enrollment's open hold or ErrInsufficientHold.
func (s *Service) OpenHoldForEnrollment(ctx context.Context, tx pgx.Tx, enrollmentID uuid.UUID) (*models.Hold, error) {
	hold, err := s.repo.OpenHoldByEnrollment(ctx, tx, enrollmentID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: no open hold for enrollment %s", models.ErrInsufficientHold, enrollmentID)
		}
		return nil, err
	}
	return hold, nil
}

// Credit tops up the organization's wallet.
func (s *Service) Credit(ctx context.Context, orgID uuid.UUID, amount decimal.Decimal) (*models.WalletAccount, error) {
	return s.standalone(ctx, orgID, models.EntryCredit, amount)
}

// Withdraw moves funds out of the wallet. Only available funds can be withdrawn, never credit.
func (s *Service) Withdraw(ctx context.Context, orgID uuid.UUID, amount decimal.Decimal) (*models.WalletAccount, error) {
	return s.standalone(ctx, orgID, models.EntryWithdrawal, amount)
}

// SetCreditLimit changes the organization's credit limit. Lowering it below the
// credit already drawn is rejected.
func (s *Service) SetCreditLimit(ctx context.Context, orgID uuid.UUID, limit decimal.Decimal) (*models.WalletAccount, error) {
	if limit.IsNegative() {
		return nil, fmt.Errorf("%w: credit limit must not be negative", models.ErrValidation)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := s.repo.GetWalletForUpdate(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	if limit.LessThan(w.CreditUtilized) {
		return nil, fmt.Errorf("%w: limit %s below utilized credit %s", models.ErrValidation, limit, w.CreditUtilized)
	}
	w.CreditLimit = limit
	w.UpdatedAt = s.now()
	if err := s.repo.SaveWallet(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, orgID)
	return w, nil
}

// Balance returns the wallet projection, served from cache when possible.
func (s *Service) Balance(ctx context.Context, orgID uuid.UUID) (*models.WalletAccount, error) {
	var gen int64
	fill := s.cache != nil
	if s.cache != nil {
		w, g, ok, err := s.cache.GetBalance(ctx, orgID)
		switch {
		case err != nil:
			s.log.Warn("balance cache read failed", "organization_id", orgID, "error", err)
			fill = false
		case ok:
			return w, nil
		}
		gen = g
	}
	w, err := s.repo.GetWallet(ctx, orgID)
	if err != nil {
		if isNotFound(err) {
			return &models.WalletAccount{OrganizationID: orgID}, nil
		}
		return nil, err
	}
	if fill {
		if err := s.cache.SetBalance(ctx, w, gen); err != nil {
			s.log.Warn("balance cache write failed", "organization_id", orgID, "error", err)
		}
	}
	return w, nil
}

// Invalidate drops the cached projection and advances its generation. Call after
// committing a tx that posted entries.
func (s *Service) Invalidate(ctx context.Context, orgID uuid.UUID) {
	if s.cache == nil {
		return
	}
	// Runs after commit, so it must outlive the request context.
	if err := s.cache.InvalidateBalance(context.WithoutCancel(ctx), orgID); err != nil {
		s.log.Warn("balance cache invalidate failed", "organization_id", orgID, "error", err)
	}
}

// Entries lists the organization's ledger, optionally narrowed to one enrollment.
func (s *Service) Entries(ctx context.Context, orgID uuid.UUID, enrollmentID *uuid.UUID) ([]*models.LedgerEntry, error) {
	return s.repo.ListEntries(ctx, orgID, enrollmentID)
}

// Reconciliation compares the stored projection with a fold of the log.
type Reconciliation struct {
	Stored   models.WalletAccount `json:"stored"`
	Folded   models.WalletAccount `json:"folded"`
	Balanced bool                 `json:"balanced"`
}

// Reconcile rebuilds the wallet from the ledger alone and compares it with the projection.
func (s *Service) Reconcile(ctx context.Context, orgID uuid.UUID) (*Reconciliation, error) {
	stored, err := s.repo.GetWallet(ctx, orgID)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		stored = &models.WalletAccount{OrganizationID: orgID}
	}
	entries, err := s.repo.ListEntries(ctx, orgID, nil)
	if err != nil {
		return nil, err
	}
	folded := Fold(orgID, stored.CreditLimit, entries)
	rec := &Reconciliation{
		Stored: *stored,
		Folded: folded,
		Balanced: stored.AvailableBalance.Equal(folded.AvailableBalance) &&
			stored.HeldAmount.Equal(folded.HeldAmount) &&
			stored.CreditUtilized.Equal(folded.CreditUtilized),
	}
	if !rec.Balanced {
		s.log.Error("wallet projection drifted from ledger",
			"organization_id", orgID,
			"stored_available", stored.AvailableBalance, "folded_available", folded.AvailableBalance,
			"stored_held", stored.HeldAmount, "folded_held", folded.HeldAmount)
	}
	return rec, nil
}

func (s *Service) standalone(ctx context.Context, orgID uuid.UUID, typ string, amount decimal.Decimal) (*models.WalletAccount, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := s.repo.GetWalletForUpdate(ctx, tx, orgID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if typ == models.EntryWithdrawal && w.AvailableBalance.LessThan(amount) {
		return nil, fmt.Errorf("%w: withdrawal %s exceeds available %s", models.ErrInsufficientFunds, amount, w.AvailableBalance)
	}
	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Type:           typ,
		Amount:         amount,
		CreatedAt:      s.now(),
	}
	if err := s.post(ctx, tx, w, entry, decimal.Zero); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, orgID)
	return w, nil
}

// post appends entry and saves the projection updated by the same rule Fold uses.
func (s *Service) post(ctx context.Context, tx pgx.Tx, w *models.WalletAccount, entry *models.LedgerEntry, holdAmount decimal.Decimal) error {
	if err := s.repo.AppendEntry(ctx, tx, entry); err != nil {
		return fmt.Errorf("append %s entry: %w", entry.Type, err)
	}
	apply(w, entry, holdAmount)
	w.UpdatedAt = entry.CreatedAt
	if err := s.repo.SaveWallet(ctx, tx, w); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	return nil
}

func (s *Service) lockOpenHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) (*models.Hold, error) {
	hold, err := s.repo.GetHoldForUpdate(ctx, tx, holdID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: hold %s not found", models.ErrInsufficientHold, holdID)
		}
		return nil, err
	}
	if hold.Status != models.HoldOpen {
		return nil, fmt.Errorf("%w: hold %s is %s", models.ErrInsufficientHold, holdID, hold.Status)
	}
	return hold, nil
}

func validAmount(a decimal.Decimal) error {
	if !a.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if !a.Equal(models.RoundMinor(a)) {
		return fmt.Errorf("%w: amount %s has more than two decimal places", models.ErrValidation, a)
	}
	return nil
}
