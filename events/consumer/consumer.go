package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mannapay/eventcore/libs/kafkax"
)

// Consumer reads one topic as part of a consumer group and pushes every
// delivery through the idempotent processor. Offsets are committed only
// after a delivery is settled (handled, duplicate, or dead-lettered), so a
// crash redelivers unsettled messages.
// dlqWriter is the writer surface settle needs; split out so dead-letter
// behavior is testable without a broker.
type dlqWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     *kafka.Reader
	dlq        dlqWriter
	processor  *Processor
	handler    Handler
	logger     *slog.Logger
	maxRetries int
}

type Config struct {
	Brokers    string
	GroupID    string
	Topic      string
	MaxRetries int // in-place redelivery attempts before dead-lettering, default 3
}

func New(logger *slog.Logger, processor *Processor, cfg Config, handler Handler) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	dlq := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
	}
	return &Consumer{
		reader:     reader,
		dlq:        dlq,
		processor:  processor,
		handler:    handler,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()
	defer c.dlq.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			time.Sleep(time.Second)
			continue
		}

		if err := c.settle(ctx, msg); err != nil {
			// Unsettled (shutdown mid dead-letter). The offset stays
			// uncommitted so the delivery repeats.
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", "err", err)
		}
	}
}

// settle drives one delivery to a terminal outcome. Retryable failures are
// redelivered in place with backoff, preserving per-partition order; once
// the budget is spent the message moves to the DLQ. A non-nil return means
// the delivery landed nowhere and its offset must not be committed.
func (c *Consumer) settle(ctx context.Context, msg kafka.Message) error {
	msgCtx := kafkax.ExtractTraceContext(ctx, msg)

	for attempt := 0; ; attempt++ {
		spanCtx, span := otel.Tracer("kafka").Start(msgCtx, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
				attribute.Int("messaging.delivery_attempt", attempt+1),
			),
		)

		err := c.processor.ProcessIdempotently(spanCtx, msg, c.handler)
		if err == nil {
			span.End()
			return nil
		}
		span.RecordError(err)
		span.End()

		if !IsRetryable(err) {
			return c.deadLetter(msgCtx, msg, err.Error())
		}
		if attempt+1 >= c.maxRetries {
			return c.deadLetter(msgCtx, msg, "retry budget exhausted: "+err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redeliveryBackoff(attempt + 1)):
		}
	}
}

// deadLetter keeps writing until the DLQ accepts the event. Acknowledging a
// delivery that landed nowhere would lose it for good, so failures block the
// partition until the broker recovers or the context ends.
func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, reason string) error {
	meta := kafkax.ExtractEventMeta(msg)
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = kafkax.SetHeader(headers, "dlqReason", reason)
	headers = kafkax.SetHeader(headers, "originalTopic", msg.Topic)

	out := kafka.Message{
		Topic:   msg.Topic + ".dlq",
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: kafkax.InjectTraceHeaders(ctx, headers),
	}
	for attempt := 1; ; attempt++ {
		err := c.dlq.WriteMessages(ctx, out)
		if err == nil {
			c.logger.Warn("event dead-lettered",
				"topic", out.Topic, "event_id", meta.EventID, "event_type", meta.EventType, "reason", reason)
			return nil
		}
		c.logger.Error("dead-letter publish failed",
			"topic", out.Topic, "event_id", meta.EventID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redeliveryBackoff(attempt)):
		}
	}
}

func redeliveryBackoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
