package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/models"
	"github.com/inaiurai/settlement/internal/store/memstore"
)

func TestMessageKeyedByEnrollment(t *testing.T) {
	ev := models.TransitionEvent{
		EnrollmentID:   uuid.New(),
		OrganizationID: uuid.New(),
		From:           models.StatusAwaitingReview,
		To:             models.StatusApproved,
		OccurredAt:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	msg, err := Message(ev)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != ev.EnrollmentID.String() {
		t.Fatalf("key = %s", msg.Key)
	}
	var got models.TransitionEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.To != models.StatusApproved || got.EnrollmentID != ev.EnrollmentID {
		t.Fatalf("payload = %+v", got)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "enrollment.approved" {
		t.Fatalf("headers = %+v", msg.Headers)
	}
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "enrollment-transitions"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, models.TransitionEvent) error {
	p.calls++
	return errors.New("broker down")
}

func TestInlineNeverAbortsTransition(t *testing.T) {
	p := &failingPublisher{}
	if err := (Inline{Publisher: p}).NotifyTx(context.Background(), nil, models.TransitionEvent{}); err != nil {
		t.Fatalf("NotifyTx = %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d", p.calls)
	}
}

type recordingPublisher struct{ events []models.TransitionEvent }

func (p *recordingPublisher) Publish(_ context.Context, ev models.TransitionEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func TestInlinePublishesOnlyAfterCommit(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	p := &recordingPublisher{}
	n := Inline{Publisher: p}

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ev := models.TransitionEvent{EnrollmentID: uuid.New(), To: models.StatusApproved}
	if err := n.NotifyTx(ctx, tx, ev); err != nil {
		t.Fatal(err)
	}
	if len(p.events) != 0 {
		t.Fatalf("published %d events before commit", len(p.events))
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(p.events) != 1 || p.events[0].EnrollmentID != ev.EnrollmentID {
		t.Fatalf("events after commit = %+v", p.events)
	}

	tx, err = store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.NotifyTx(ctx, tx, models.TransitionEvent{EnrollmentID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	_ = tx.Rollback(ctx)
	if len(p.events) != 1 {
		t.Fatalf("rolled back transition was published: %+v", p.events)
	}
}

func TestInlineSkipsPublishWhenCommitFails(t *testing.T) {
	store := memstore.New()
	p := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := (Inline{Publisher: p}).NotifyTx(ctx, tx, models.TransitionEvent{EnrollmentID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := tx.Commit(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Commit = %v, want context.Canceled", err)
	}
	if len(p.events) != 0 {
		t.Fatalf("published %d events for a failed commit", len(p.events))
	}
}
