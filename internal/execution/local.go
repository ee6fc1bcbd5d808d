package execution

import (
	"context"
	"log/slog"
	"time"
)

// RunLocal drives the periodic sweeps in-process for the memory storage driver, which has
// no River client. It returns when ctx is cancelled.
func RunLocal(ctx context.Context, s Schedules, inv InvoiceAggregator, exp ExpirySweeper, log *slog.Logger) {
	log = logger(log)
	if s.ExpirySweep <= 0 {
		s.ExpirySweep = 15 * time.Minute
	}
	weekly := WeeklySchedule{Offset: s.WeeklyInvoiceOffset}
	nextWeekly := weekly.Next(time.Now())
	tick := time.NewTicker(s.ExpirySweep)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			now = now.UTC()
			if n, err := exp.SweepExpired(ctx, now); err != nil {
				log.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				log.Info("expired enrollments", "count", n)
			}
			if _, err := inv.SweepOverdue(ctx, now); err != nil {
				log.Error("invoice overdue sweep failed", "error", err)
			}
			if !now.Before(nextWeekly) {
				if _, err := inv.AggregateClosedWeek(ctx, now); err != nil {
					log.Error("weekly invoice aggregation failed", "error", err)
				}
				nextWeekly = weekly.Next(now)
			}
		}
	}
}
