package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/registry"
	"github.com/mannapay/eventcore/libs/kafkax"
)

type refundRequested struct {
	core.Event
	RefundID string `json:"refundId"`
}

func init() {
	registry.Register("RefundRequested", registry.JSON[refundRequested]("RefundRequested"))
}

type memoryDedupStore struct {
	processed map[string]string
	lookupErr error
	markErr   error
}

func newMemoryDedupStore() *memoryDedupStore {
	return &memoryDedupStore{processed: make(map[string]string)}
}

func (s *memoryDedupStore) IsProcessed(ctx context.Context, idempotencyKey string) (bool, error) {
	if s.lookupErr != nil {
		return false, s.lookupErr
	}
	_, ok := s.processed[idempotencyKey]
	return ok, nil
}

func (s *memoryDedupStore) MarkProcessed(ctx context.Context, idempotencyKey, eventType, eventID string, ttl time.Duration) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.processed[idempotencyKey] = eventType + "|" + eventID
	return nil
}

func testProcessor(store DedupStore) *Processor {
	return NewProcessor(store, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Hour)
}

func refundMessage(t *testing.T, eventID string) kafka.Message {
	t.Helper()
	event := &refundRequested{RefundID: "r-1"}
	event.EventID = eventID
	event.EventType = "RefundRequested"
	event.AggregateID = "r-1"
	value, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var headers []kafka.Header
	headers = kafkax.SetHeader(headers, kafkax.HeaderEventID, eventID)
	headers = kafkax.SetHeader(headers, kafkax.HeaderEventType, "RefundRequested")
	headers = kafkax.SetHeader(headers, kafkax.HeaderIdempotencyKey, eventID)
	return kafka.Message{Topic: "mannapay.payment.events", Key: []byte("r-1"), Value: value, Headers: headers}
}

func TestProcessIdempotently_HandlerRunsOncePerKey(t *testing.T) {
	store := newMemoryDedupStore()
	proc := testProcessor(store)
	msg := refundMessage(t, "evt-1")

	calls := 0
	handler := func(ctx context.Context, event core.DomainEvent) error {
		calls++
		refund, ok := event.(*refundRequested)
		if !ok {
			t.Fatalf("expected *refundRequested, got %T", event)
		}
		if refund.RefundID != "r-1" {
			t.Fatalf("unexpected payload: %+v", refund)
		}
		return nil
	}

	if err := proc.ProcessIdempotently(context.Background(), msg, handler); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := proc.ProcessIdempotently(context.Background(), msg, handler); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
}

func TestProcessIdempotently_HandlerErrorNotRecorded(t *testing.T) {
	store := newMemoryDedupStore()
	proc := testProcessor(store)
	msg := refundMessage(t, "evt-2")

	boom := errors.New("downstream unavailable")
	err := proc.ProcessIdempotently(context.Background(), msg, func(ctx context.Context, event core.DomainEvent) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if len(store.processed) != 0 {
		t.Fatal("failed delivery must not be marked processed")
	}
	if !IsRetryable(err) {
		t.Fatal("unclassified errors default to retryable")
	}
}

func TestProcessIdempotently_DedupLookupErrorIsRetryable(t *testing.T) {
	store := newMemoryDedupStore()
	store.lookupErr = errors.New("redis: connection refused")
	proc := testProcessor(store)

	calls := 0
	err := proc.ProcessIdempotently(context.Background(), refundMessage(t, "evt-3"), func(ctx context.Context, event core.DomainEvent) error {
		calls++
		return nil
	})
	if err == nil || !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if calls != 0 {
		t.Fatal("handler must not run when the dedup gate is unreachable")
	}
}

func TestProcessIdempotently_MarkFailureIsRetryable(t *testing.T) {
	store := newMemoryDedupStore()
	store.markErr = errors.New("redis: connection refused")
	proc := testProcessor(store)

	err := proc.ProcessIdempotently(context.Background(), refundMessage(t, "evt-4"), func(ctx context.Context, event core.DomainEvent) error {
		return nil
	})
	if err == nil || !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestProcessIdempotently_UndecodableIsNonRetryable(t *testing.T) {
	store := newMemoryDedupStore()
	proc := testProcessor(store)

	msg := refundMessage(t, "evt-5")
	msg.Value = []byte("{broken")

	err := proc.ProcessIdempotently(context.Background(), msg, func(ctx context.Context, event core.DomainEvent) error {
		t.Fatal("handler must not run for an undecodable event")
		return nil
	})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if IsRetryable(err) {
		t.Fatal("a malformed payload never becomes valid; redelivery is pointless")
	}
}

func TestIsRetryable_Classification(t *testing.T) {
	if !IsRetryable(Retryable(errors.New("x"))) {
		t.Fatal("expected retryable")
	}
	if IsRetryable(NonRetryable(errors.New("x"))) {
		t.Fatal("expected non-retryable")
	}
	wrapped := errors.Join(errors.New("outer"), NonRetryable(errors.New("inner")))
	if IsRetryable(wrapped) {
		t.Fatal("expected classification through wrapped errors")
	}
}

func TestRedeliveryBackoff_Capped(t *testing.T) {
	if got := redeliveryBackoff(1); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
	if got := redeliveryBackoff(3); got != 4*time.Second {
		t.Fatalf("expected 4s, got %s", got)
	}
	if got := redeliveryBackoff(10); got != 30*time.Second {
		t.Fatalf("expected 30s cap, got %s", got)
	}
}
