package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mannapay/eventcore/events/core"
	otelx "github.com/mannapay/eventcore/libs/otel"
)

var (
	savedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_outbox_events_saved_total",
		Help: "Events saved to the outbox.",
	})
	publishedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_outbox_events_published_total",
		Help: "Events published from the outbox.",
	})
	failedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_outbox_events_failed_total",
		Help: "Events that exhausted their publish retries.",
	})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mannapay_outbox_events_pending",
		Help: "PENDING rows in the outbox.",
	})
	failedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mannapay_outbox_events_failed",
		Help: "Terminally FAILED rows awaiting operator action.",
	})
)

// Publisher drains one staged row to the broker.
type Publisher interface {
	PublishStaged(ctx context.Context, evt *Event) error
}

// Store is the subset of Repository the poller needs; split out so the poll
// logic is testable without postgres.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, evt *Event) error
	FetchDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, evt *Event) error
	RecordFailure(ctx context.Context, tx pgx.Tx, evt *Event) error
	ResetForRetry(ctx context.Context, id uuid.UUID) error
	CountByStatus(ctx context.Context, status Status) (int64, error)
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxBeginner opens the transaction a poll batch runs in. Satisfied by
// *db.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool      TxBeginner
	store     Store
	publisher Publisher
	logger    *slog.Logger

	source     string
	pollEvery  time.Duration
	batchSize  int
	maxRetries int
	retention  time.Duration
	cleanEvery time.Duration
}

type Config struct {
	Source     string        // producing service name, stamped on events
	PollEvery  time.Duration // default 1s
	BatchSize  int           // default 100
	MaxRetries int           // default 5
	Retention  time.Duration // default 7 days
	CleanEvery time.Duration // default 1h
}

func NewService(pool TxBeginner, store Store, publisher Publisher, logger *slog.Logger, cfg Config) *Service {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.CleanEvery <= 0 {
		cfg.CleanEvery = time.Hour
	}
	return &Service{
		pool:       pool,
		store:      store,
		publisher:  publisher,
		logger:     logger,
		source:     cfg.Source,
		pollEvery:  cfg.PollEvery,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		retention:  cfg.Retention,
		cleanEvery: cfg.CleanEvery,
	}
}

// SaveEvent stages a domain event inside the caller's transaction. The
// business mutation and the intent-to-publish commit together or not at all.
func (s *Service) SaveEvent(ctx context.Context, tx pgx.Tx, event core.DomainEvent) (uuid.UUID, error) {
	c := event.Core()
	c.InitializeDefaults()
	if c.Source == "" {
		c.Source = s.source
	}
	if err := c.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("outbox save %s: %w", c.EventType, err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return uuid.Nil, fmt.Errorf("serialize %s: %w", c.EventType, err)
	}

	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	row := &Event{
		ID:            uuid.New(),
		AggregateType: c.AggregateType,
		AggregateID:   c.AggregateID,
		EventType:     c.EventType,
		Topic:         core.TopicOf(event),
		PartitionKey:  core.KeyOf(event),
		Payload:       payload,
		CorrelationID: c.CorrelationID,
		CausationID:   c.CausationID,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
		Status:        StatusPending,
		MaxRetries:    s.maxRetries,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, tx, row); err != nil {
		return uuid.Nil, err
	}
	savedCounter.Inc()
	s.logger.Debug("event staged in outbox", "outbox_id", row.ID, "event_type", c.EventType, "aggregate_id", c.AggregateID)
	return row.ID, nil
}

// SaveEvents stages a batch in the same transaction.
func (s *Service) SaveEvents(ctx context.Context, tx pgx.Tx, events []core.DomainEvent) error {
	for _, event := range events {
		if _, err := s.SaveEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}

// Run polls for due PENDING rows until the context ends. Safe to run in
// multiple instances concurrently.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ProcessPendingEvents(ctx); err != nil {
				s.logger.Error("outbox poll failed", "err", err)
			}
		}
	}
}

// ProcessPendingEvents drains one batch. Rows are claimed with a skip-locked
// read and every outcome is written through the same transaction: the claim
// holds row locks until commit, so recording an outcome on another
// connection would block on our own locks. An error aborts the batch; the
// rollback releases the claims and a later cycle republishes the rows.
func (s *Service) ProcessPendingEvents(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch, err := s.store.FetchDue(ctx, tx, time.Now().UTC(), s.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return tx.Commit(ctx)
	}

	for i := range batch {
		evt := &batch[i]
		pubCtx := otelx.ContextWithTraceContext(ctx, evt.Traceparent, evt.Tracestate)
		if err := s.publisher.PublishStaged(pubCtx, evt); err != nil {
			if err := s.handlePublishFailure(ctx, tx, evt, err); err != nil {
				return err
			}
			continue
		}
		evt.MarkPublished()
		if err := s.store.MarkPublished(ctx, tx, evt); err != nil {
			return fmt.Errorf("mark published %s: %w", evt.ID, err)
		}
		publishedCounter.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.updateGauges(ctx)
	return nil
}

// Publish failures are never retried inside the poll loop; backoff defers
// them to a later cycle.
func (s *Service) handlePublishFailure(ctx context.Context, tx pgx.Tx, evt *Event, cause error) error {
	evt.RecordFailure(cause.Error())
	if err := s.store.RecordFailure(ctx, tx, evt); err != nil {
		return fmt.Errorf("record failure %s: %w", evt.ID, err)
	}
	if evt.Status == StatusFailed {
		failedCounter.Inc()
		s.logger.Error("outbox event permanently failed",
			"outbox_id", evt.ID, "event_type", evt.EventType, "retries", evt.RetryCount, "err", cause)
		return nil
	}
	s.logger.Warn("outbox publish failed, will retry",
		"outbox_id", evt.ID, "event_type", evt.EventType, "attempt", evt.RetryCount, "err", cause)
	return nil
}

// RunCleanup purges old PUBLISHED rows on an interval.
func (s *Service) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cleanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.retention)
			deleted, err := s.store.DeletePublishedBefore(ctx, cutoff)
			if err != nil {
				s.logger.Error("outbox cleanup failed", "err", err)
				continue
			}
			if deleted > 0 {
				s.logger.Info("outbox cleanup", "deleted", deleted)
			}
		}
	}
}

// RetryFailedEvent resets a terminally FAILED row to PENDING for manual
// recovery.
func (s *Service) RetryFailedEvent(ctx context.Context, id uuid.UUID) error {
	if err := s.store.ResetForRetry(ctx, id); err != nil {
		return err
	}
	s.logger.Info("failed outbox event reset for retry", "outbox_id", id)
	return nil
}

func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.store.CountByStatus(ctx, StatusPending)
}

func (s *Service) FailedCount(ctx context.Context) (int64, error) {
	return s.store.CountByStatus(ctx, StatusFailed)
}

func (s *Service) updateGauges(ctx context.Context) {
	if pending, err := s.store.CountByStatus(ctx, StatusPending); err == nil {
		pendingGauge.Set(float64(pending))
	}
	if failed, err := s.store.CountByStatus(ctx, StatusFailed); err == nil {
		failedGauge.Set(float64(failed))
	}
}
