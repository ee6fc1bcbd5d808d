package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
)

func TestRollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	org := uuid.New()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := s.GetWalletForUpdate(ctx, tx, org)
	w.AvailableBalance = decimal.NewFromInt(10)
	if err := s.SaveWallet(ctx, tx, w); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetWallet(ctx, org); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("rolled back wallet should not exist, got %v", err)
	}
}

func TestCommitPublishesWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	org := uuid.New()

	tx, _ := s.Begin(ctx)
	w, _ := s.GetWalletForUpdate(ctx, tx, org)
	w.AvailableBalance = decimal.NewFromInt(10)
	if err := s.SaveWallet(ctx, tx, w); err != nil {
		t.Fatal(err)
	}

	// Uncommitted writes are invisible to readers.
	if _, err := s.GetWallet(ctx, org); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("uncommitted wallet visible: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetWallet(ctx, org)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AvailableBalance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("available = %s, want 10", got.AvailableBalance)
	}
	if err := tx.Rollback(ctx); !errors.Is(err, pgx.ErrTxClosed) {
		t.Fatalf("rollback after commit should report ErrTxClosed, got %v", err)
	}
}

func TestBeginHonoursContext(t *testing.T) {
	s := New()
	tx, _ := s.Begin(context.Background())
	defer tx.Rollback(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Begin(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second writer should wait for the first, got %v", err)
	}
}

func TestUpdateEnrollmentCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := &models.Enrollment{ID: uuid.New(), Status: models.StatusAwaitingReview}

	tx, _ := s.Begin(ctx)
	if err := s.InsertEnrollment(ctx, tx, e); err != nil {
		t.Fatal(err)
	}
	next := e.Clone()
	next.Status = models.StatusApproved
	if err := s.UpdateEnrollment(ctx, tx, next, models.StatusAwaitingReview); err != nil {
		t.Fatal(err)
	}
	again := e.Clone()
	again.Status = models.StatusRejected
	if err := s.UpdateEnrollment(ctx, tx, again, models.StatusAwaitingReview); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("stale compare-and-swap should fail, got %v", err)
	}
	_ = tx.Commit(ctx)
}

func TestInvoicePeriodIsUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	org := uuid.New()
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	inv := &models.Invoice{ID: uuid.New(), OrganizationID: org, PeriodStart: start, PeriodEnd: start.AddDate(0, 0, 7), Status: models.InvoicePending}
	if err := s.InsertInvoice(ctx, inv); err != nil {
		t.Fatal(err)
	}
	dup := *inv
	dup.ID = uuid.New()
	if err := s.InsertInvoice(ctx, &dup); !errors.Is(err, models.ErrInvoiceExists) {
		t.Fatalf("expected ErrInvoiceExists, got %v", err)
	}

	overlap := *inv
	overlap.ID = uuid.New()
	overlap.PeriodStart, overlap.PeriodEnd = start.Add(time.Hour), start.Add(25*time.Hour)
	if err := s.InsertInvoice(ctx, &overlap); !errors.Is(err, models.ErrInvoiceExists) {
		t.Fatalf("overlapping period: expected ErrInvoiceExists, got %v", err)
	}

	next := *inv
	next.ID = uuid.New()
	next.PeriodStart, next.PeriodEnd = inv.PeriodEnd, inv.PeriodEnd.AddDate(0, 0, 7)
	if err := s.InsertInvoice(ctx, &next); err != nil {
		t.Fatalf("adjacent period: %v", err)
	}
}

func TestForeignTxRejected(t *testing.T) {
	a, b := New(), New()
	ctx := context.Background()
	tx, _ := a.Begin(ctx)
	defer tx.Rollback(ctx)
	if _, err := b.GetWalletForUpdate(ctx, tx, uuid.New()); err == nil {
		t.Fatal("store accepted a transaction it did not start")
	}
}
