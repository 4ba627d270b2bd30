package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/mannapay/eventcore/events/registry"
	"github.com/mannapay/eventcore/libs/kafkax"
)

var (
	processedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_events_processed_total",
		Help: "Events handled successfully.",
	})
	duplicateCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_events_duplicate_total",
		Help: "Deliveries suppressed by the dedup store.",
	})
	processingFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_events_processing_failed_total",
		Help: "Handler invocations that returned an error.",
	})
	processingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mannapay_events_processing_seconds",
		Help:    "Handler latency including dedup round trips.",
		Buckets: prometheus.DefBuckets,
	})
)

// Processor gates handler invocations behind the dedup store so at-least-
// once delivery is observed as effectively-once by business logic.
type Processor struct {
	store  DedupStore
	logger *slog.Logger
	ttl    time.Duration
}

func NewProcessor(store DedupStore, logger *slog.Logger, ttl time.Duration) *Processor {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Processor{store: store, logger: logger, ttl: ttl}
}

// ProcessIdempotently runs one delivery through the dedup gate.
//
// A nil return means the delivery may be acknowledged: the handler
// succeeded, or the event was a duplicate. A returned error is classified by
// IsRetryable; retryable errors must lead to redelivery, non-retryable ones
// to acknowledge-and-dead-letter.
func (p *Processor) ProcessIdempotently(ctx context.Context, msg kafka.Message, handler Handler) error {
	meta := kafkax.ExtractEventMeta(msg)
	start := time.Now()

	processed, err := p.store.IsProcessed(ctx, meta.IdempotencyKey)
	if err != nil {
		return Retryable(fmt.Errorf("dedup lookup: %w", err))
	}
	if processed {
		duplicateCounter.Inc()
		p.logger.Info("duplicate event skipped",
			"event_id", meta.EventID, "event_type", meta.EventType, "idempotency_key", meta.IdempotencyKey)
		return nil
	}

	event, err := registry.Decode(meta.EventType, msg.Value)
	if err != nil {
		processingFailedCounter.Inc()
		return &HandlerError{Retryable: false, EventID: meta.EventID, EventType: meta.EventType, Err: err}
	}

	if err := handler(ctx, event); err != nil {
		processingFailedCounter.Inc()
		p.logger.Error("event processing failed",
			"event_type", meta.EventType, "event_id", meta.EventID,
			"correlation_id", meta.CorrelationID, "retryable", IsRetryable(err), "err", err)
		return err
	}

	if err := p.store.MarkProcessed(ctx, meta.IdempotencyKey, meta.EventType, meta.EventID, p.ttl); err != nil {
		// The handler already ran; a redelivery now reprocesses the event,
		// which handlers are required to tolerate.
		return Retryable(fmt.Errorf("dedup record: %w", err))
	}

	processedCounter.Inc()
	processingLatency.Observe(time.Since(start).Seconds())
	p.logger.Info("event processed",
		"event_type", meta.EventType, "event_id", meta.EventID, "correlation_id", meta.CorrelationID)
	return nil
}
