package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/notify"
)

type NotifyTransitionArgs struct {
	Event models.TransitionEvent `json:"event"`
}

func (NotifyTransitionArgs) Kind() string { return "notify_transition" }

// NotifyTransitionWorker hands committed transitions to the dispatcher. River retries on error.
type NotifyTransitionWorker struct {
	river.WorkerDefaults[NotifyTransitionArgs]
	publisher notify.Publisher
}

func NewNotifyTransitionWorker(p notify.Publisher) *NotifyTransitionWorker {
	return &NotifyTransitionWorker{publisher: p}
}

func (w *NotifyTransitionWorker) Work(ctx context.Context, job *river.Job[NotifyTransitionArgs]) error {
	if err := w.publisher.Publish(ctx, job.Args.Event); err != nil {
		return fmt.Errorf("publish transition %s -> %s: %w", job.Args.Event.EnrollmentID, job.Args.Event.To, err)
	}
	return nil
}

func (w *NotifyTransitionWorker) Timeout(*river.Job[NotifyTransitionArgs]) time.Duration {
	return 30 * time.Second
}

// InsertTxFunc enqueues a job inside the caller's transaction.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error

// Outbox writes the notification job in the same transaction as the transition, so an
// event exists exactly when the transition committed.
type Outbox struct {
	insert InsertTxFunc
}

func NewOutbox(insert InsertTxFunc) *Outbox {
	return &Outbox{insert: insert}
}

func (o *Outbox) NotifyTx(ctx context.Context, tx pgx.Tx, ev models.TransitionEvent) error {
	return o.insert(ctx, tx, NotifyTransitionArgs{Event: ev})
}

// RiverInsert adapts a River client to InsertTxFunc. The client is read on every insert,
// so it may be assigned after the outbox is built.
func RiverInsert(client **river.Client[pgx.Tx]) InsertTxFunc {
	return func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		if *client == nil {
			return errors.New("river client is not started")
		}
		_, err := (*client).InsertTx(ctx, tx, args, nil)
		return err
	}
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
