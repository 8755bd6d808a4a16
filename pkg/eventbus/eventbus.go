package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

// Subjects for dispatch events.
const (
	SubjectOrderCreated   = "orders.created"
	SubjectOrderCancelled = "orders.cancelled"

	SubjectAssignmentOffered  = "assignments.offered"
	SubjectAssignmentAccepted = "assignments.accepted"
	SubjectAssignmentRejected = "assignments.rejected"
	SubjectAssignmentExpired  = "assignments.expired"

	SubjectMatchingCycleCompleted = "matching.cycle.completed"
	SubjectDraftSelected          = "matching.draft.selected"

	SubjectDeliveryLegCompleted = "deliveries.leg.completed"

	SubjectDriverLocationUpdated = "drivers.location.updated"
	SubjectDriverStatusChanged   = "drivers.status.changed"
)

const defaultStreamName = "DISPATCH"

// streamSubjects are the wildcard prefixes the stream captures; every
// Subject* constant above must fall under one of them.
var streamSubjects = []string{"orders.>", "assignments.>", "matching.>", "deliveries.>", "drivers.>"}

// Event is the envelope every event travels in. Data stays raw so
// consumers decode only the payloads they care about.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps a payload in an envelope with a fresh ID and UTC
// timestamp. The ID doubles as the JetStream dedupe key.
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// HandlerFunc processes a received event. Return nil to ack, an error
// to have the message redelivered.
type HandlerFunc func(ctx context.Context, event *Event) error

// Config holds NATS connection settings.
type Config struct {
	URL        string
	Name       string // client connection name
	StreamName string
}

// DefaultConfig returns settings for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:        nats.DefaultURL,
		Name:       "dispatch",
		StreamName: defaultStreamName,
	}
}

func (c Config) streamName() string {
	if c.StreamName == "" {
		return defaultStreamName
	}
	return c.StreamName
}

// Bus publishes and consumes dispatch events over NATS JetStream.
type Bus struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config
	subs []jetstream.ConsumeContext
}

// New connects to NATS and ensures the event stream exists. The
// connection reconnects forever; events published while disconnected
// fail fast rather than queue client-side.
func New(cfg Config) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.streamName(),
		Subjects:  streamSubjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.InterestPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	logger.Info("NATS event bus connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.streamName()),
	)

	return &Bus{conn: nc, js: js, cfg: cfg}, nil
}

// Publish sends an event to a subject with at-least-once guarantees.
// The event ID dedupes redeliveries on the broker side.
func (b *Bus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	logger.Debug("event published",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
	)
	return nil
}

// Subscribe attaches a durable consumer to a subject (wildcards are
// fine) and feeds matching events to the handler. consumerName must be
// unique per subscribing service, since it names the durable.
func (b *Bus) Subscribe(ctx context.Context, subject, consumerName string, handler HandlerFunc) error {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.streamName(), jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(b.dispatch(ctx, handler))
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	b.subs = append(b.subs, cc)
	logger.Info("subscribed to events",
		zap.String("subject", subject),
		zap.String("consumer", consumerName),
	)
	return nil
}

// dispatch adapts a HandlerFunc to the JetStream callback, translating
// its outcome to ack, nak, or term.
func (b *Bus) dispatch(ctx context.Context, handler HandlerFunc) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Warn("failed to unmarshal event", zap.Error(err))
			// Malformed payloads will never parse; redelivery only burns
			// the MaxDeliver budget.
			msg.Term()
			return
		}

		if err := handler(ctx, &event); err != nil {
			logger.Warn("event handler error, will retry",
				zap.String("event_id", event.ID),
				zap.String("type", event.Type),
				zap.Error(err),
			)
			msg.Nak()
			return
		}

		msg.Ack()
	}
}

// Close stops all consumers and drains the connection so in-flight
// acks land before shutdown.
func (b *Bus) Close() {
	for _, sub := range b.subs {
		sub.Stop()
	}
	if b.conn != nil {
		b.conn.Drain()
	}
	logger.Info("NATS event bus closed")
}

// Connected reports whether the NATS connection is currently up.
func (b *Bus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
