// Package memstore is an in-process implementation of every repository the engine uses.
// A transaction holds the store-wide writer slot and works on a private copy of the
// state, which replaces the committed state on Commit and is discarded on Rollback.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/settlement/internal/models"
)

var errNotMemTx = errors.New("memstore: transaction was not started by this store")

type state struct {
	wallets     map[uuid.UUID]*models.WalletAccount
	entries     []*models.LedgerEntry
	holds       map[uuid.UUID]*models.Hold
	campaigns   map[uuid.UUID]*models.Campaign
	enrollments map[uuid.UUID]*models.Enrollment
	invoices    map[uuid.UUID]*models.Invoice
}

func newState() *state {
	return &state{
		wallets:     make(map[uuid.UUID]*models.WalletAccount),
		holds:       make(map[uuid.UUID]*models.Hold),
		campaigns:   make(map[uuid.UUID]*models.Campaign),
		enrollments: make(map[uuid.UUID]*models.Enrollment),
		invoices:    make(map[uuid.UUID]*models.Invoice),
	}
}

// clone copies every mutable record. Ledger entries are append-only so they are shared.
func (s *state) clone() *state {
	cp := newState()
	for k, w := range s.wallets {
		v := *w
		cp.wallets[k] = &v
	}
	cp.entries = append(make([]*models.LedgerEntry, 0, len(s.entries)+4), s.entries...)
	for k, h := range s.holds {
		v := *h
		cp.holds[k] = &v
	}
	for k, c := range s.campaigns {
		cp.campaigns[k] = cloneCampaign(c)
	}
	for k, e := range s.enrollments {
		cp.enrollments[k] = e.Clone()
	}
	for k, inv := range s.invoices {
		cp.invoices[k] = cloneInvoice(inv)
	}
	return cp
}

type Store struct {
	writer chan struct{}

	mu        sync.RWMutex
	committed *state
}

func New() *Store {
	return &Store{writer: make(chan struct{}, 1), committed: newState()}
}

// Tx is the store's pgx.Tx. Only Commit and Rollback are implemented; the embedded
// interface is nil so SQL methods panic if called.
type Tx struct {
	pgx.Tx
	store *Store
	work  *state
	done  bool
	hooks []func()
}

// AfterCommit registers fn to run once the transaction has committed. Hooks are
// dropped on rollback or a failed commit.
func (t *Tx) AfterCommit(fn func()) { t.hooks = append(t.hooks, fn) }

// Begin waits for the writer slot, honouring ctx.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.RLock()
	work := s.committed.clone()
	s.mu.RUnlock()
	return &Tx{store: s, work: work}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	hooks := t.hooks
	t.hooks = nil
	if err := ctx.Err(); err != nil {
		<-t.store.writer
		return err
	}
	t.store.mu.Lock()
	t.store.committed = t.work
	t.store.mu.Unlock()
	<-t.store.writer
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.hooks = nil
	<-t.store.writer
	return nil
}

func (s *Store) work(tx pgx.Tx) (*state, error) {
	t, ok := tx.(*Tx)
	if !ok || t.store != s {
		return nil, errNotMemTx
	}
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return t.work, nil
}

// view runs fn against the committed state.
func (s *Store) view(fn func(st *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.committed)
}

// update runs fn in its own transaction, for repository methods that don't take one.
func (s *Store) update(ctx context.Context, fn func(st *state) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	st, err := s.work(tx)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ledger

func (s *Store) GetWalletForUpdate(_ context.Context, tx pgx.Tx, orgID uuid.UUID) (*models.WalletAccount, error) {
	st, err := s.work(tx)
	if err != nil {
		return nil, err
	}
	w, ok := st.wallets[orgID]
	if !ok {
		w = &models.WalletAccount{OrganizationID: orgID}
		st.wallets[orgID] = w
	}
	v := *w
	return &v, nil
}

func (s *Store) SaveWallet(_ context.Context, tx pgx.Tx, w *models.WalletAccount) error {
	st, err := s.work(tx)
	if err != nil {
		return err
	}
	if w.AvailableBalance.IsNegative() || w.HeldAmount.IsNegative() || w.CreditUtilized.IsNegative() {
		return fmt.Errorf("memstore: wallet %s violates non-negative balances", w.OrganizationID)
	}
	v := *w
	st.wallets[w.OrganizationID] = &v
	return nil
}

func (s *Store) AppendEntry(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	st, err := s.work(tx)
	if err != nil {
		return err
	}
	v := *e
	st.entries = append(st.entries, &v)
	return nil
}

func (s *Store) InsertHold(_ context.Context, tx pgx.Tx, h *models.Hold) error {
	st, err := s.work(tx)
	if err != nil {
		return err
	}
	for _, other := range st.holds {
		if other.EnrollmentID == h.EnrollmentID && other.Status == models.HoldOpen {
			return fmt.Errorf("memstore: enrollment %s already has open hold %s", h.EnrollmentID, other.ID)
		}
	}
	v := *h
	st.holds[h.ID] = &v
	return nil
}

func (s *Store) GetHoldForUpdate(_ context.Context, tx pgx.Tx, holdID uuid.UUID) (*models.Hold, error) {
	st, err := s.work(tx)
	if err != nil {
		return nil, err
	}
	h, ok := st.holds[holdID]
	if !ok {
		return nil, models.ErrNotFound
	}
	v := *h
	return &v, nil
}

func (s *Store) OpenHoldByEnrollment(_ context.Context, tx pgx.Tx, enrollmentID uuid.UUID) (*models.Hold, error) {
	st, err := s.work(tx)
	if err != nil {
		return nil, err
	}
	for _, h := range st.holds {
		if h.EnrollmentID == enrollmentID && h.Status == models.HoldOpen {
			v := *h
			return &v, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) CloseHold(_ context.Context, tx pgx.Tx, holdID uuid.UUID, status string, closedAt time.Time) error {
	st, err := s.work(tx)
	if err != nil {
		return err
	}
	h, ok := st.holds[holdID]
	if !ok || h.Status != models.HoldOpen {
		return models.ErrInsufficientHold
	}
	h.Status = status
	h.ClosedAt = &closedAt
	return nil
}

func (s *Store) GetWallet(_ context.Context, orgID uuid.UUID) (*models.WalletAccount, error) {
	var out *models.WalletAccount
	err := s.view(func(st *state) error {
		w, ok := st.wallets[orgID]
		if !ok {
			return models.ErrNotFound
		}
		v := *w
		out = &v
		return nil
	})
	return out, err
}

func (s *Store) ListEntries(_ context.Context, orgID uuid.UUID, enrollmentID *uuid.UUID) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	err := s.view(func(st *state) error {
		for _, e := range st.entries {
			if e.OrganizationID != orgID {
				continue
			}
			if enrollmentID != nil && (e.EnrollmentID == nil || *e.EnrollmentID != *enrollmentID) {
				continue
			}
			v := *e
			out = append(out, &v)
		}
		return nil
	})
	return out, err
}

// Campaigns

func (s *Store) InsertCampaign(ctx context.Context, c *models.Campaign) error {
	return s.update(ctx, func(st *state) error {
		if _, ok := st.campaigns[c.ID]; ok {
			return fmt.Errorf("memstore: campaign %s already exists", c.ID)
		}
		st.campaigns[c.ID] = cloneCampaign(c)
		return nil
	})
}

func (s *Store) GetCampaign(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Campaign, error) {
	find := func(st *state) (*models.Campaign, error) {
		c, ok := st.campaigns[id]
		if !ok {
			return nil, models.ErrNotFound
		}
		return cloneCampaign(c), nil
	}
	if tx != nil {
		st, err := s.work(tx)
		if err != nil {
			return nil, err
		}
		return find(st)
	}
	var out *models.Campaign
	err := s.view(func(st *state) (err error) {
		out, err = find(st)
		return err
	})
	return out, err
}

func (s *Store) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	return s.update(ctx, func(st *state) error {
		if _, ok := st.campaigns[c.ID]; !ok {
			return models.ErrNotFound
		}
		st.campaigns[c.ID] = cloneCampaign(c)
		return nil
	})
}

func (s *Store) ListCampaigns(_ context.Context, orgID uuid.UUID) ([]*models.Campaign, error) {
	var out []*models.Campaign
	err := s.view(func(st *state) error {
		for _, c := range st.campaigns {
			if c.OrganizationID == orgID {
				out = append(out, cloneCampaign(c))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

// Enrollments

func (s *Store) InsertEnrollment(_ context.Context, tx pgx.Tx, e *models.Enrollment) error {
	st, err := s.work(tx)
	if err != nil {
		return err
	}
	if _, ok := st.enrollments[e.ID]; ok {
		return fmt.Errorf("memstore: enrollment %s already exists", e.ID)
	}
	st.enrollments[e.ID] = e.Clone()
	return nil
}

func (s *Store) GetEnrollmentForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Enrollment, error) {
	st, err := s.work(tx)
	if err != nil {
		return nil, err
	}
	e, ok := st.enrollments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) UpdateEnrollment(_ context.Context, tx pgx.Tx, e *models.Enrollment, from models.EnrollmentStatus) error {
	st, err := s.work(tx)
	if err != nil {
		return err
	}
	cur, ok := st.enrollments[e.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: enrollment %s is no longer %s", models.ErrInvalidTransition, e.ID, from)
	}
	st.enrollments[e.ID] = e.Clone()
	return nil
}

func (s *Store) GetEnrollment(_ context.Context, id uuid.UUID) (*models.Enrollment, error) {
	var out *models.Enrollment
	err := s.view(func(st *state) error {
		e, ok := st.enrollments[id]
		if !ok {
			return models.ErrNotFound
		}
		out = e.Clone()
		return nil
	})
	return out, err
}

func (s *Store) ListEnrollments(_ context.Context, orgID uuid.UUID, status *models.EnrollmentStatus) ([]*models.Enrollment, error) {
	var out []*models.Enrollment
	err := s.view(func(st *state) error {
		for _, e := range st.enrollments {
			if e.OrganizationID != orgID || (status != nil && e.Status != *status) {
				continue
			}
			out = append(out, e.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (s *Store) ListExpirable(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var due []*models.Enrollment
	err := s.view(func(st *state) error {
		for _, e := range st.enrollments {
			if e.ExpiresAt != nil && e.ExpiresAt.Before(now) && !e.IsTerminal() {
				due = append(due, e)
			}
		}
		return nil
	})
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	ids := make([]uuid.UUID, 0, len(due))
	for _, e := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, e.ID)
	}
	return ids, err
}

// Invoices

func (s *Store) ListSettled(_ context.Context, orgID uuid.UUID, start, end time.Time) ([]models.SettledEnrollment, error) {
	var out []models.SettledEnrollment
	err := s.view(func(st *state) error {
		for _, le := range st.entries {
			if le.OrganizationID != orgID || le.Type != models.EntryHoldCommitted || le.EnrollmentID == nil {
				continue
			}
			if le.CreatedAt.Before(start) || !le.CreatedAt.Before(end) {
				continue
			}
			e, ok := st.enrollments[*le.EnrollmentID]
			if !ok || e.Settlement == nil {
				continue
			}
			out = append(out, models.SettledEnrollment{
				EnrollmentID: e.ID,
				CampaignID:   e.CampaignID,
				Settlement:   *e.Settlement,
				CommittedAt:  le.CreatedAt,
			})
		}
		return nil
	})
	return out, err
}

func (s *Store) ListSettledOrganizations(_ context.Context, start, end time.Time) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	err := s.view(func(st *state) error {
		for _, le := range st.entries {
			if le.Type != models.EntryHoldCommitted || le.CreatedAt.Before(start) || !le.CreatedAt.Before(end) {
				continue
			}
			if !seen[le.OrganizationID] {
				seen[le.OrganizationID] = true
				out = append(out, le.OrganizationID)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) InsertInvoice(ctx context.Context, inv *models.Invoice) error {
	return s.update(ctx, func(st *state) error {
		for _, other := range st.invoices {
			if other.OrganizationID == inv.OrganizationID && other.PeriodStart.Before(inv.PeriodEnd) && other.PeriodEnd.After(inv.PeriodStart) {
				return fmt.Errorf("%w: invoice %s", models.ErrInvoiceExists, other.ID)
			}
		}
		st.invoices[inv.ID] = cloneInvoice(inv)
		return nil
	})
}

func (s *Store) GetInvoice(_ context.Context, id uuid.UUID) (*models.Invoice, error) {
	var out *models.Invoice
	err := s.view(func(st *state) error {
		inv, ok := st.invoices[id]
		if !ok {
			return models.ErrNotFound
		}
		out = cloneInvoice(inv)
		return nil
	})
	return out, err
}

func (s *Store) ListInvoices(_ context.Context, orgID uuid.UUID, from, to *time.Time) ([]*models.Invoice, error) {
	var out []*models.Invoice
	err := s.view(func(st *state) error {
		for _, inv := range st.invoices {
			if inv.OrganizationID != orgID {
				continue
			}
			if from != nil && !inv.PeriodEnd.After(*from) {
				continue
			}
			if to != nil && !inv.PeriodStart.Before(*to) {
				continue
			}
			out = append(out, cloneInvoice(inv))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	return out, err
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, from, to models.InvoiceStatus, at time.Time) error {
	return s.update(ctx, func(st *state) error {
		inv, ok := st.invoices[id]
		if !ok {
			return models.ErrNotFound
		}
		if inv.Status != from {
			return fmt.Errorf("%w: invoice %s is not %s", models.ErrInvalidTransition, id, from)
		}
		inv.Status = to
		inv.StatusChangedAt = &at
		return nil
	})
}

func (s *Store) ListPendingDue(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := s.view(func(st *state) error {
		for _, inv := range st.invoices {
			if inv.Status == models.InvoicePending && inv.DueAt.Before(now) {
				out = append(out, inv.ID)
			}
		}
		return nil
	})
	return out, err
}

func cloneCampaign(c *models.Campaign) *models.Campaign {
	v := *c
	if c.BonusAmount != nil {
		b := *c.BonusAmount
		v.BonusAmount = &b
	}
	return &v
}

func cloneInvoice(inv *models.Invoice) *models.Invoice {
	v := *inv
	v.LineItems = append([]models.InvoiceLineItem(nil), inv.LineItems...)
	if inv.StatusChangedAt != nil {
		t := *inv.StatusChangedAt
		v.StatusChangedAt = &t
	}
	return &v
}
