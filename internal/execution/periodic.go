package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// InvoiceAggregator is implemented by *invoices.Service.
type InvoiceAggregator interface {
	AggregateClosedWeek(ctx context.Context, now time.Time) (int, error)
	SweepOverdue(ctx context.Context, now time.Time) (int, error)
}

// ExpirySweeper is implemented by *enrollments.Service.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type WeeklyInvoiceArgs struct{}

func (WeeklyInvoiceArgs) Kind() string { return "weekly_invoice_aggregation" }

type WeeklyInvoiceWorker struct {
	river.WorkerDefaults[WeeklyInvoiceArgs]
	invoices InvoiceAggregator
	log      *slog.Logger
	now      func() time.Time
}

func NewWeeklyInvoiceWorker(inv InvoiceAggregator, log *slog.Logger) *WeeklyInvoiceWorker {
	return &WeeklyInvoiceWorker{invoices: inv, log: logger(log), now: time.Now}
}

func (w *WeeklyInvoiceWorker) Work(ctx context.Context, _ *river.Job[WeeklyInvoiceArgs]) error {
	n, err := w.invoices.AggregateClosedWeek(ctx, w.now().UTC())
	w.log.Info("weekly invoice aggregation finished", "invoices", n, "error", err)
	return err
}

type ExpirySweepArgs struct{}

func (ExpirySweepArgs) Kind() string { return "enrollment_expiry_sweep" }

type ExpirySweepWorker struct {
	river.WorkerDefaults[ExpirySweepArgs]
	enrollments ExpirySweeper
	log         *slog.Logger
	now         func() time.Time
}

func NewExpirySweepWorker(e ExpirySweeper, log *slog.Logger) *ExpirySweepWorker {
	return &ExpirySweepWorker{enrollments: e, log: logger(log), now: time.Now}
}

func (w *ExpirySweepWorker) Work(ctx context.Context, _ *river.Job[ExpirySweepArgs]) error {
	n, err := w.enrollments.SweepExpired(ctx, w.now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("expired enrollments", "count", n)
	}
	return nil
}

type InvoiceOverdueArgs struct{}

func (InvoiceOverdueArgs) Kind() string { return "invoice_overdue_sweep" }

type InvoiceOverdueWorker struct {
	river.WorkerDefaults[InvoiceOverdueArgs]
	invoices InvoiceAggregator
	log      *slog.Logger
	now      func() time.Time
}

func NewInvoiceOverdueWorker(inv InvoiceAggregator, log *slog.Logger) *InvoiceOverdueWorker {
	return &InvoiceOverdueWorker{invoices: inv, log: logger(log), now: time.Now}
}

func (w *InvoiceOverdueWorker) Work(ctx context.Context, _ *river.Job[InvoiceOverdueArgs]) error {
	n, err := w.invoices.SweepOverdue(ctx, w.now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("invoices marked overdue", "count", n)
	}
	return nil
}

// WeeklySchedule fires once a week at Monday 00:00 UTC plus Offset.
type WeeklySchedule struct {
	Offset time.Duration
}

func (s WeeklySchedule) Next(t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	monday := midnight.AddDate(0, 0, -((int(midnight.Weekday()) + 6) % 7))
	next := monday.Add(s.Offset)
	for !next.After(t) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

type Schedules struct {
	WeeklyInvoiceOffset time.Duration
	ExpirySweep         time.Duration
	InvoiceOverdueSweep time.Duration
}

// PeriodicJobs returns the background schedule for the settlement engine.
func PeriodicJobs(s Schedules) []*river.PeriodicJob {
	if s.ExpirySweep <= 0 {
		s.ExpirySweep = 15 * time.Minute
	}
	if s.InvoiceOverdueSweep <= 0 {
		s.InvoiceOverdueSweep = time.Hour
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			WeeklySchedule{Offset: s.WeeklyInvoiceOffset},
			func() (river.JobArgs, *river.InsertOpts) {
				return WeeklyInvoiceArgs{}, &river.InsertOpts{MaxAttempts: 5}
			},
			nil,
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(s.ExpirySweep),
			func() (river.JobArgs, *river.InsertOpts) { return ExpirySweepArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(s.InvoiceOverdueSweep),
			func() (river.JobArgs, *river.InsertOpts) { return InvoiceOverdueArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// Register adds every settlement worker to workers.
func Register(workers *river.Workers, n *NotifyTransitionWorker, w *WeeklyInvoiceWorker, e *ExpirySweepWorker, o *InvoiceOverdueWorker) {
	river.AddWorker(workers, n)
	river.AddWorker(workers, w)
	river.AddWorker(workers, e)
	river.AddWorker(workers, o)
}
