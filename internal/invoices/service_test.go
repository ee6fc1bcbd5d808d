package invoices

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/store/memstore"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Monday 2 March 2026 to Monday 9 March 2026.
var (
	weekStart = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	weekEnd   = weekStart.AddDate(0, 0, 7)
)

type fixture struct {
	store *memstore.Store
	svc   *Service
	org   uuid.UUID
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		org:   uuid.New(),
		now:   weekEnd.Add(2 * time.Hour),
	}
	f.svc = NewService(f.store, NewLocalLocker(), nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

// settle stores an approved enrollment and its hold_committed entry as the ledger would.
func (f *fixture) settle(t *testing.T, org, campaign uuid.UUID, at time.Time, st models.Settlement) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)

	e := &models.Enrollment{
		ID:             uuid.New(),
		OrganizationID: org,
		CampaignID:     campaign,
		ShopperID:      uuid.New(),
		OrderID:        "ORD-" + uuid.NewString()[:8],
		Status:         models.StatusApproved,
		Settlement:     &st,
		CreatedAt:      at,
		ApprovedAt:     &at,
		Version:        4,
		UpdatedAt:      at,
	}
	if err := f.store.InsertEnrollment(ctx, tx, e); err != nil {
		t.Fatal(err)
	}
	if err := f.store.AppendEntry(ctx, tx, &models.LedgerEntry{
		ID:             uuid.New(),
		OrganizationID: org,
		EnrollmentID:   &e.ID,
		Type:           models.EntryHoldCommitted,
		Amount:         st.TotalCost,
		CreatedAt:      at,
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func settlement(bill, gst, fee, total string) models.Settlement {
	return models.Settlement{BillAmount: dec(bill), GSTAmount: dec(gst), PlatformFee: dec(fee), TotalCost: dec(total)}
}

func TestAggregateGroupsByCampaign(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	f.settle(t, f.org, a, weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))
	f.settle(t, f.org, a, weekStart.Add(48*time.Hour), settlement("500", "90", "100", "690"))
	f.settle(t, f.org, b, weekEnd.Add(-time.Second), settlement("10.005", "1.8009", "2.001", "13.81"))
	// Outside the period or another organization.
	f.settle(t, f.org, a, weekEnd, settlement("1", "1", "1", "3"))
	f.settle(t, f.org, a, weekStart.Add(-time.Second), settlement("1", "1", "1", "3"))
	f.settle(t, uuid.New(), a, weekStart.Add(time.Hour), settlement("1", "1", "1", "3"))

	inv, err := f.svc.Aggregate(context.Background(), f.org, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if inv == nil {
		t.Fatal("expected an invoice")
	}
	if len(inv.LineItems) != 2 {
		t.Fatalf("line items = %d, want 2", len(inv.LineItems))
	}
	byCampaign := map[uuid.UUID]models.InvoiceLineItem{}
	for _, li := range inv.LineItems {
		byCampaign[li.CampaignID] = li
	}
	if li := byCampaign[a]; li.EnrollmentCount != 2 || !li.TotalAmount.Equal(dec("2070")) {
		t.Fatalf("campaign a line = %+v", li)
	}
	if !inv.TotalAmount.Equal(dec("2083.81")) {
		t.Fatalf("total = %s, want 2083.81", inv.TotalAmount)
	}
	// Rounded once over the period: 1510.005 -> 1510.01, 271.8009 -> 271.80.
	if !inv.Subtotal.Equal(dec("1510.01")) || !inv.GSTAmount.Equal(dec("271.8")) {
		t.Fatalf("subtotal %s gst %s", inv.Subtotal, inv.GSTAmount)
	}
	if inv.Status != models.InvoicePending || !inv.DueAt.Equal(f.now.Add(7*24*time.Hour)) {
		t.Fatalf("status %s due %s", inv.Status, inv.DueAt)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.settle(t, f.org, uuid.New(), weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))
	ctx := context.Background()

	first, err := f.svc.Aggregate(ctx, f.org, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}
	// A late commit must not change an invoice that already exists.
	f.settle(t, f.org, uuid.New(), weekStart.Add(2*time.Hour), settlement("1", "0.18", "0.2", "1.38"))

	second, err := f.svc.Aggregate(ctx, f.org, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || !second.TotalAmount.Equal(first.TotalAmount) {
		t.Fatalf("second run returned %s/%s, want %s/%s", second.ID, second.TotalAmount, first.ID, first.TotalAmount)
	}
	all, _ := f.svc.List(ctx, f.org, nil, nil)
	if len(all) != 1 {
		t.Fatalf("invoices = %d, want 1", len(all))
	}
}

func TestConcurrentAggregationWritesOnce(t *testing.T) {
	f := newFixture(t)
	f.settle(t, f.org, uuid.New(), weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))

	const runs = 8
	ids := make([]uuid.UUID, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := f.svc.Aggregate(context.Background(), f.org, weekStart, weekEnd)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = inv.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("runs produced different invoices: %v", ids)
		}
	}
}

func TestAggregateRejectsOverlappingPeriod(t *testing.T) {
	f := newFixture(t)
	f.settle(t, f.org, uuid.New(), weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))
	ctx := context.Background()

	week, err := f.svc.Aggregate(ctx, f.org, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}
	for _, period := range [][2]time.Time{
		{weekStart, weekStart.Add(24 * time.Hour)},
		{weekStart.Add(-24 * time.Hour), weekStart.Add(time.Hour + time.Minute)},
		{weekStart.Add(-7 * 24 * time.Hour), weekEnd},
	} {
		inv, err := f.svc.Aggregate(ctx, f.org, period[0], period[1])
		if !errors.Is(err, models.ErrInvalidTransition) || inv != nil {
			t.Fatalf("period %s..%s: got %v, %v; want ErrInvalidTransition", period[0], period[1], inv, err)
		}
	}
	all, _ := f.svc.List(ctx, f.org, nil, nil)
	if len(all) != 1 || all[0].ID != week.ID {
		t.Fatalf("invoices = %d, want only %s", len(all), week.ID)
	}

	// Adjacent periods share no instant and stay billable.
	f.settle(t, f.org, uuid.New(), weekEnd.Add(time.Minute), settlement("10", "1.8", "2", "13.8"))
	f.now = weekEnd.Add(24*time.Hour + time.Hour)
	next, err := f.svc.Aggregate(ctx, f.org, weekEnd, weekEnd.Add(24*time.Hour))
	if err != nil || next == nil {
		t.Fatalf("adjacent period: %v, %v", next, err)
	}
	if !next.TotalAmount.Equal(dec("13.8")) {
		t.Fatalf("adjacent total = %s, want 13.8", next.TotalAmount)
	}
}

func TestAggregateEmptyPeriod(t *testing.T) {
	f := newFixture(t)
	inv, err := f.svc.Aggregate(context.Background(), f.org, weekStart, weekEnd)
	if err != nil || inv != nil {
		t.Fatalf("got %v, %v; want nil, nil", inv, err)
	}
}

func TestAggregateValidatesPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Aggregate(ctx, f.org, weekEnd, weekStart); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("reversed period: %v", err)
	}
	if _, err := f.svc.Aggregate(ctx, f.org, weekEnd, weekEnd.AddDate(0, 0, 7)); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("open period: %v", err)
	}
}

func TestLastClosedWeek(t *testing.T) {
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), weekStart},
		{time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC), weekStart},
		{time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC), weekStart},
		{time.Date(2026, 3, 16, 0, 0, 1, 0, time.UTC), weekEnd},
	}
	for _, tc := range cases {
		start, end := LastClosedWeek(tc.now)
		if !start.Equal(tc.want) || !end.Equal(tc.want.AddDate(0, 0, 7)) {
			t.Errorf("LastClosedWeek(%s) = %s..%s, want start %s", tc.now, start, end, tc.want)
		}
	}
}

func TestAggregateClosedWeek(t *testing.T) {
	f := newFixture(t)
	other := uuid.New()
	f.settle(t, f.org, uuid.New(), weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))
	f.settle(t, other, uuid.New(), weekStart.Add(time.Hour), settlement("500", "90", "100", "690"))

	n, err := f.svc.AggregateClosedWeek(context.Background(), f.now)
	if err != nil || n != 2 {
		t.Fatalf("AggregateClosedWeek = %d, %v", n, err)
	}
}

func TestAggregateClosedWeekSkipsPartiallyBilledOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settle(t, f.org, uuid.New(), weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))
	if _, err := f.svc.Aggregate(ctx, f.org, weekStart, weekStart.Add(24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, err := f.svc.AggregateClosedWeek(ctx, f.now)
	if err != nil || n != 0 {
		t.Fatalf("AggregateClosedWeek = %d, %v; want 0, nil", n, err)
	}
	all, _ := f.svc.List(ctx, f.org, nil, nil)
	if len(all) != 1 {
		t.Fatalf("invoices = %d, want 1", len(all))
	}
}

func TestStatusLeavesPendingOnce(t *testing.T) {
	f := newFixture(t)
	f.settle(t, f.org, uuid.New(), weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))
	ctx := context.Background()
	inv, err := f.svc.Aggregate(ctx, f.org, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.MarkPaid(ctx, uuid.New(), inv.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("other organization: %v", err)
	}
	paid, err := f.svc.MarkPaid(ctx, f.org, inv.ID)
	if err != nil || paid.Status != models.InvoicePaid {
		t.Fatalf("MarkPaid = %v, %v", paid, err)
	}
	if _, err := f.svc.Cancel(ctx, f.org, inv.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("cancel after paid: %v", err)
	}
}

func TestSweepOverdue(t *testing.T) {
	f := newFixture(t)
	f.settle(t, f.org, uuid.New(), weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))
	ctx := context.Background()
	inv, err := f.svc.Aggregate(ctx, f.org, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}

	if n, _ := f.svc.SweepOverdue(ctx, inv.DueAt); n != 0 {
		t.Fatalf("swept %d at due time", n)
	}
	if n, _ := f.svc.SweepOverdue(ctx, inv.DueAt.Add(time.Minute)); n != 1 {
		t.Fatalf("swept %d after due time, want 1", n)
	}
	got, _ := f.svc.Get(ctx, f.org, inv.ID)
	if got.Status != models.InvoiceOverdue {
		t.Fatalf("status = %s", got.Status)
	}
}

type fakeFetcher struct {
	path, accept string
}

func (f *fakeFetcher) Post(_ context.Context, path, accept string, _ any) ([]byte, error) {
	f.path, f.accept = path, accept
	return []byte("%PDF-1.7"), nil
}

func TestRenderPDF(t *testing.T) {
	f := newFixture(t)
	fetch := &fakeFetcher{}
	f.svc.renderer = NewPDFRenderer(fetch)
	f.settle(t, f.org, uuid.New(), weekStart.Add(time.Hour), settlement("1000", "180", "200", "1380"))
	ctx := context.Background()
	inv, err := f.svc.Aggregate(ctx, f.org, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := f.svc.RenderPDF(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(doc) != "%PDF-1.7" || fetch.accept != "application/pdf" {
		t.Fatalf("doc %q accept %q", doc, fetch.accept)
	}
}

func TestLocalLockerForgetsReleasedKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		release, err := l.Obtain(ctx, "invoice-aggregate:"+uuid.NewString(), time.Second)
		if err != nil {
			t.Fatal(err)
		}
		_ = release(ctx)
	}

	release, err := l.Obtain(ctx, "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Obtain(waitCtx, "k", time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Obtain = %v, want DeadlineExceeded while held", err)
	}
	_ = release(ctx)
	_ = release(ctx)

	l.mu.Lock()
	n := len(l.locks)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("locker still tracks %d keys after every release", n)
	}
}
