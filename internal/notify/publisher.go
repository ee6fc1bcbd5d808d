// Package notify delivers enrollment transition events to the notification dispatcher.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"

	"github.com/inaiurai/settlement/internal/models"
)

// Publisher sends one committed transition downstream.
type Publisher interface {
	Publish(ctx context.Context, ev models.TransitionEvent) error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher keys messages by enrollment so one enrollment's events stay ordered.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev models.TransitionEvent) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message encodes ev as a Kafka message keyed by enrollment id.
func Message(ev models.TransitionEvent) (kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode transition event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.EnrollmentID.String()),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("enrollment." + string(ev.To))},
		},
	}, nil
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev models.TransitionEvent) error {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("enrollment transition", "enrollment_id", ev.EnrollmentID, "organization_id", ev.OrganizationID,
		"from", ev.From, "to", ev.To, "occurred_at", ev.OccurredAt)
	return nil
}

// Inline publishes without an outbox. It serves the memory storage driver: when the
// transaction supports AfterCommit the event is sent only once the transition has
// committed, so a rolled back transition is never announced. A publish failure is
// logged and does not affect the transition.
type Inline struct {
	Publisher Publisher
	Logger    *slog.Logger
}

type afterCommitter interface {
	AfterCommit(fn func())
}

func (n Inline) NotifyTx(ctx context.Context, tx pgx.Tx, ev models.TransitionEvent) error {
	if ac, ok := tx.(afterCommitter); ok {
		ctx = context.WithoutCancel(ctx)
		ac.AfterCommit(func() { n.publish(ctx, ev) })
		return nil
	}
	n.publish(ctx, ev)
	return nil
}

func (n Inline) publish(ctx context.Context, ev models.TransitionEvent) {
	if err := n.Publisher.Publish(ctx, ev); err != nil {
		log := n.Logger
		if log == nil {
			log = slog.Default()
		}
		log.Warn("publish transition failed", "enrollment_id", ev.EnrollmentID, "to", ev.To, "error", err)
	}
}
