// Package trigger emits the re-run signal raised when the guard confirms a significant index move.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"gpu-price-oracle/internal/index"
)

// Event is the message body sent on a confirmed re-run.
type Event struct {
	RunID         string    `json:"run_id,omitempty"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
	PreviousAt    time.Time `json:"previous_at"`
	FullPrice     float64   `json:"full_price"`
	PreviousPrice float64   `json:"previous_price"`
	Change        float64   `json:"change"`
}

// NewEvent builds the event for a confirmed index against the previous entry.
func NewEvent(runID string, confirmed, previous index.ComputedIndex) Event {
	ev := Event{
		RunID:         runID,
		ConfirmedAt:   confirmed.ComputedAt.UTC(),
		PreviousAt:    previous.ComputedAt.UTC(),
		FullPrice:     confirmed.FullPrice,
		PreviousPrice: previous.FullPrice,
	}
	if previous.FullPrice > 0 {
		ev.Change = math.Abs(confirmed.FullPrice-previous.FullPrice) / previous.FullPrice
	}
	return ev
}

// Encode renders the message key and value.
func (e Event) Encode() (key, value []byte, err error) {
	value, err = json.Marshal(e)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal trigger event: %w", err)
	}
	return []byte(e.ConfirmedAt.Format(time.RFC3339)), value, nil
}

// Trigger delivers re-run events.
type Trigger interface {
	Fire(ctx context.Context, event Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Fire(context.Context, Event) error { return nil }
func (Nop) Close() error                     { return nil }

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes events to a topic.
type Kafka struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// KafkaOptions configure the Kafka trigger.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewKafka creates a Kafka trigger. No connection is made until the first Fire.
func NewKafka(opts KafkaOptions, logger zerolog.Logger) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("trigger.kafka.brokers is required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("trigger.kafka.topic is required")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: opts.WriteTimeout,
	}
	return newKafka(w, opts.Topic, logger), nil
}

func newKafka(w messageWriter, topic string, logger zerolog.Logger) *Kafka {
	return &Kafka{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "trigger_kafka").Logger(),
	}
}

// Fire writes one message.
func (k *Kafka) Fire(ctx context.Context, event Event) error {
	key, value, err := event.Encode()
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()}); err != nil {
		return fmt.Errorf("write trigger to %s: %w", k.topic, err)
	}
	k.logger.Info().
		Str("run_id", event.RunID).
		Float64("full_price", event.FullPrice).
		Float64("change", event.Change).
		Msg("re-run trigger sent")
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }

var (
	_ Trigger = Nop{}
	_ Trigger = (*Kafka)(nil)
)
