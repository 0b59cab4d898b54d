// Package events publishes reservation lifecycle events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/ledger"
)

// DefaultTopic receives every reservation event.
const DefaultTopic = "reservation-events"

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka publisher.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `default:"reservation-events" yaml:"topic"`
	WriteTimeout time.Duration `default:"2s" yaml:"write_timeout"`
	// TripAfter consecutive failures opens the breaker for OpenFor.
	TripAfter uint32        `default:"5" yaml:"trip_after"`
	OpenFor   time.Duration `default:"30s" yaml:"open_for"`
}

// NewWriter returns a Kafka writer keyed by resource ID, so events of one
// ledger stay ordered within a partition.
func NewWriter(cfg Config) *kafka.Writer {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Publisher implements ledger.Publisher. Writes go through a circuit
// breaker so a dead broker costs one fast failure per event instead of a
// timeout.
type Publisher struct {
	w       Writer
	cb      *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	lg      *zap.Logger
}

var _ ledger.Publisher = (*Publisher)(nil)

// NewPublisher wraps w.
func NewPublisher(w Writer, cfg Config, lg *zap.Logger) *Publisher {
	tripAfter := cfg.TripAfter
	if tripAfter == 0 {
		tripAfter = 5
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "kafka-publisher",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= tripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	return &Publisher{w: w, cb: cb, timeout: timeout, lg: lg}
}

// Publish writes ev. Returns gobreaker.ErrOpenState while the breaker is open.
func (p *Publisher) Publish(ctx context.Context, ev ledger.Event) error {
	msg := kafka.Message{
		Key:   []byte(ev.Reservation.ResourceID),
		Value: Encode(ev),
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}
	_, err := p.cb.Execute(func() (struct{}, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return struct{}{}, p.w.WriteMessages(wctx, msg)
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", ev.Type)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// Encode renders ev as JSON.
func Encode(ev ledger.Event) []byte {
	r := ev.Reservation
	l := ev.Ledger

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(string(ev.Type))
	e.FieldStart("at")
	e.Str(ev.At.UTC().Format(time.RFC3339Nano))

	e.FieldStart("reservation")
	e.ObjStart()
	e.FieldStart("id")
	e.Str(r.ID)
	e.FieldStart("resource_id")
	e.Str(r.ResourceID)
	e.FieldStart("kind")
	e.Str(string(r.Kind))
	e.FieldStart("order_id")
	e.Str(r.OwnerOrderID)
	if r.OwnerUserID != "" {
		e.FieldStart("user_id")
		e.Str(r.OwnerUserID)
	}
	e.FieldStart("quantity")
	e.Int(r.Quantity)
	e.FieldStart("state")
	e.Str(string(r.State))
	if r.ReleaseReason != "" {
		e.FieldStart("release_reason")
		e.Str(string(r.ReleaseReason))
	}
	e.FieldStart("expires_at")
	if r.Permanent() {
		e.Null()
	} else {
		e.Str(r.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	e.ObjEnd()

	e.FieldStart("ledger")
	e.ObjStart()
	e.FieldStart("total_capacity")
	e.Int(l.TotalCapacity)
	e.FieldStart("consumed")
	e.Int(l.Consumed)
	e.FieldStart("held")
	e.Int(l.Held)
	e.FieldStart("available")
	e.Int(l.Available())
	e.FieldStart("version")
	e.Int64(l.Version)
	e.ObjEnd()

	e.ObjEnd()
	return e.Bytes()
}
