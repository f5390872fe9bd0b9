// Package events publishes settlement and withdrawal status changes to the
// audit stream and to in-process subscribers such as the websocket hub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TopicSettlements = "veilx.settlements"
	TopicWithdrawals = "veilx.withdrawals"
	TopicOrders      = "veilx.orders"
)

// Event is the envelope written to every destination.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Key  string    `json:"key"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

func NewEvent(typ, key string, data any) Event {
	return Event{ID: uuid.NewString(), Type: typ, Key: key, Time: time.Now().UTC(), Data: data}
}

type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Close() error
}

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }
func (Nop) Close() error                                 { return nil }

// KafkaPublisher writes events keyed by Event.Key, so all updates of one
// settlement land on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewKafkaPublisher(brokers []string, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              100,
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            3,
			AllowAutoTopicCreation: true,
		},
		log: log,
	}, nil
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(ev.Key),
		Value: data,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.log.Warnw("kafka_publish_failed", "topic", topic, "type", ev.Type, "key", ev.Key, "err", err)
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error { return k.writer.Close() }

// Fanout publishes to every destination and fails only if all of them
// failed.
type Fanout struct {
	publishers []Publisher
}

func NewFanout(publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers}
}

func (f *Fanout) Publish(ctx context.Context, topic string, ev Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, topic, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(f.publishers) > 0 && len(errs) == len(f.publishers) {
		return fmt.Errorf("all publishers failed: %w", errors.Join(errs...))
	}
	return nil
}

func (f *Fanout) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
