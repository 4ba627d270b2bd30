package outbox

import (
	"testing"
	"time"
)

func TestRecordFailure_BackoffThenTerminalFailure(t *testing.T) {
	evt := &Event{Status: StatusPending, MaxRetries: 3}

	evt.RecordFailure("broker down")
	if evt.Status != StatusPending {
		t.Fatalf("expected PENDING after attempt 1, got %s", evt.Status)
	}
	if evt.NextRetryAt == nil {
		t.Fatal("expected next retry to be scheduled")
	}
	wait := time.Until(*evt.NextRetryAt)
	if wait < time.Second || wait > 3*time.Second {
		t.Fatalf("expected ~2s backoff after attempt 1, got %s", wait)
	}

	evt.RecordFailure("broker down")
	if evt.Status != StatusPending {
		t.Fatalf("expected PENDING after attempt 2, got %s", evt.Status)
	}
	wait = time.Until(*evt.NextRetryAt)
	if wait < 3*time.Second || wait > 5*time.Second {
		t.Fatalf("expected ~4s backoff after attempt 2, got %s", wait)
	}

	evt.RecordFailure("broker down")
	if evt.Status != StatusFailed {
		t.Fatalf("expected FAILED after exhausting retries, got %s", evt.Status)
	}
	if evt.NextRetryAt != nil {
		t.Fatal("expected no retry schedule on a FAILED row")
	}
	if evt.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", evt.RetryCount)
	}
	if evt.LastError != "broker down" {
		t.Fatalf("expected last error recorded, got %q", evt.LastError)
	}
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{11, 2048 * time.Second},
		{12, time.Hour},
		{30, time.Hour},
	}
	for _, c := range cases {
		if got := Backoff(c.retries); got != c.want {
			t.Fatalf("Backoff(%d): expected %s, got %s", c.retries, c.want, got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	evt := &Event{Status: StatusPending, MaxRetries: 3}
	if !evt.ShouldRetry() {
		t.Fatal("expected fresh PENDING row to be retryable")
	}

	future := time.Now().Add(time.Minute)
	evt.NextRetryAt = &future
	if evt.ShouldRetry() {
		t.Fatal("expected row inside backoff window not to be retryable")
	}

	past := time.Now().Add(-time.Minute)
	evt.NextRetryAt = &past
	if !evt.ShouldRetry() {
		t.Fatal("expected row past backoff window to be retryable")
	}

	evt.RetryCount = 3
	if evt.ShouldRetry() {
		t.Fatal("expected exhausted row not to be retryable")
	}

	evt.RetryCount = 0
	evt.Status = StatusPublished
	if evt.ShouldRetry() {
		t.Fatal("expected PUBLISHED row not to be retryable")
	}
}

func TestMarkPublished(t *testing.T) {
	evt := &Event{Status: StatusPending}
	evt.MarkPublished()
	if evt.Status != StatusPublished {
		t.Fatalf("expected PUBLISHED, got %s", evt.Status)
	}
	if evt.ProcessedAt == nil {
		t.Fatal("expected processed timestamp")
	}
}
