// Package publisher pushes event envelopes to Kafka with the platform's
// full header set, so consumers and tracing systems never deserialize a
// payload just to route it.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/outbox"
	"github.com/mannapay/eventcore/events/registry"
	"github.com/mannapay/eventcore/libs/kafkax"
	otelx "github.com/mannapay/eventcore/libs/otel"
)

var (
	publishedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_events_published_total",
		Help: "Events published to the broker.",
	})
	failedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_events_publish_failed_total",
		Help: "Event publications that returned an error.",
	})
	publishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mannapay_events_publish_seconds",
		Help:    "Publish round-trip latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// Writer is satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	writer Writer
	logger *slog.Logger
	source string
}

type Config struct {
	Brokers string
	Source  string // producing service name
}

func New(logger *slog.Logger, cfg Config) *Publisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(kafkax.SplitBrokers(cfg.Brokers)...),
		Balancer: &kafka.Hash{},
	}
	return NewWithWriter(writer, logger, cfg.Source)
}

func NewWithWriter(writer Writer, logger *slog.Logger, source string) *Publisher {
	return &Publisher{writer: writer, logger: logger, source: source}
}

func (p *Publisher) Close() error {
	if w, ok := p.writer.(*kafka.Writer); ok {
		return w.Close()
	}
	return nil
}

// Publish stamps defaults, wraps the event in an envelope and sends it to
// the event's derived topic.
func (p *Publisher) Publish(ctx context.Context, event core.DomainEvent) (*core.Envelope, error) {
	return p.PublishToTopic(ctx, event, "")
}

// PublishToTopic sends to an explicit topic; empty means the derived one.
func (p *Publisher) PublishToTopic(ctx context.Context, event core.DomainEvent, topic string) (*core.Envelope, error) {
	c := event.Core()
	c.InitializeDefaults()
	if c.Source == "" {
		c.Source = p.source
	}

	traceID, spanID := otelx.SpanIDs(ctx)
	env := core.WrapWithTracing(event, traceID, spanID)
	if topic != "" {
		env.Topic = topic
	}
	if err := p.PublishEnvelope(ctx, env); err != nil {
		return env, err
	}
	return env, nil
}

// PublishCorrelated threads the child into the parent's event chain before
// publishing: correlation id from the parent (or the parent's own id) and
// causation id set to the parent's id.
func (p *Publisher) PublishCorrelated(ctx context.Context, event core.DomainEvent, parent core.DomainEvent) (*core.Envelope, error) {
	event.Core().InheritCorrelation(parent.Core())
	return p.Publish(ctx, event)
}

// PublishWithCorrelation publishes under an explicit correlation id.
func (p *Publisher) PublishWithCorrelation(ctx context.Context, event core.DomainEvent, correlationID string) (*core.Envelope, error) {
	event.Core().CorrelationID = correlationID
	return p.Publish(ctx, event)
}

// PublishEnvelope sends one envelope and marks it published on success.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *core.Envelope) error {
	if err := env.Event.Core().Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", env.EventType(), err)
	}

	value, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", env.EventType(), err)
	}

	msg := kafka.Message{
		Topic:   env.Topic,
		Key:     []byte(env.PartitionKey),
		Value:   value,
		Headers: envelopeHeaders(env),
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)

	start := time.Now()
	err = p.writer.WriteMessages(ctx, msg)
	publishLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		failedCounter.Inc()
		p.logger.Error("event publish failed",
			"topic", env.Topic, "event_type", env.EventType(), "event_id", env.Event.Core().EventID, "err", err)
		return err
	}

	env.MarkPublished()
	publishedCounter.Inc()
	p.logger.Info("event published",
		"topic", env.Topic, "event_type", env.EventType(), "event_id", env.Event.Core().EventID,
		"correlation_id", env.CorrelationID())
	return nil
}

// PublishStaged drains one outbox row: the payload is decoded through the
// registry so the envelope carries the concrete event, and the row's stored
// routing wins over re-derivation.
func (p *Publisher) PublishStaged(ctx context.Context, row *outbox.Event) error {
	event, err := registry.Decode(row.EventType, row.Payload)
	if err != nil {
		return fmt.Errorf("outbox row %s: %w", row.ID, err)
	}

	env := core.Wrap(event)
	env.Topic = row.Topic
	if row.PartitionKey != "" {
		env.PartitionKey = row.PartitionKey
	}
	env.RetryCount = row.RetryCount
	env.MaxRetries = row.MaxRetries
	return p.PublishEnvelope(ctx, env)
}

func envelopeHeaders(env *core.Envelope) []kafka.Header {
	c := env.Event.Core()
	headers := make([]kafka.Header, 0, 16)
	headers = kafkax.SetHeader(headers, kafkax.HeaderEventID, c.EventID)
	headers = kafkax.SetHeader(headers, kafkax.HeaderEventType, c.EventType)
	headers = kafkax.SetHeader(headers, kafkax.HeaderAggregateType, c.AggregateType)
	headers = kafkax.SetHeader(headers, kafkax.HeaderAggregateID, c.AggregateID)
	headers = kafkax.SetHeader(headers, kafkax.HeaderTimestamp, c.WireTimestamp())
	headers = kafkax.SetHeader(headers, kafkax.HeaderSchemaVersion, strconv.Itoa(c.SchemaVersion))
	headers = kafkax.SetHeader(headers, kafkax.HeaderCorrelationID, c.CorrelationID)
	headers = kafkax.SetHeader(headers, kafkax.HeaderCausationID, c.CausationID)
	headers = kafkax.SetHeader(headers, kafkax.HeaderTraceID, env.TraceID)
	headers = kafkax.SetHeader(headers, kafkax.HeaderSpanID, env.SpanID)
	headers = kafkax.SetHeader(headers, kafkax.HeaderIdempotencyKey, env.IdempotencyKey)
	headers = kafkax.SetHeader(headers, kafkax.HeaderContentType, env.ContentType)
	headers = kafkax.SetHeader(headers, kafkax.HeaderSource, c.Source)
	for k, v := range env.Headers {
		headers = kafkax.SetHeader(headers, k, v)
	}
	return headers
}
