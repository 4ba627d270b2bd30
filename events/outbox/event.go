package outbox

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

const (
	// DefaultMaxRetries bounds publish attempts before a row goes
	// terminally FAILED.
	DefaultMaxRetries = 5
	// maxBackoff caps the exponential schedule; 2^n seconds grows without
	// bound otherwise.
	maxBackoff = time.Hour
)

// Event is one durable outbox row: an intent-to-publish staged in the same
// transaction as the business state change.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
	CorrelationID string
	CausationID   string
	Traceparent   string
	Tracestate    string
	Status        Status
	RetryCount    int
	MaxRetries    int
	LastError     string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	NextRetryAt   *time.Time
}

func (e *Event) MarkPublished() {
	now := time.Now().UTC()
	e.Status = StatusPublished
	e.ProcessedAt = &now
}

// RecordFailure increments the retry count and either schedules the next
// attempt with exponential backoff or marks the row terminally FAILED.
func (e *Event) RecordFailure(errMsg string) {
	e.RetryCount++
	e.LastError = errMsg

	if e.RetryCount >= e.MaxRetries {
		e.Status = StatusFailed
		e.NextRetryAt = nil
		return
	}
	next := time.Now().UTC().Add(Backoff(e.RetryCount))
	e.NextRetryAt = &next
}

// ShouldRetry holds for PENDING rows with budget left whose backoff window
// has elapsed.
func (e *Event) ShouldRetry() bool {
	if e.Status != StatusPending || e.RetryCount >= e.MaxRetries {
		return false
	}
	return e.NextRetryAt == nil || time.Now().After(*e.NextRetryAt)
}

// Backoff is the retry delay after n failed attempts: 2^n seconds, capped.
func Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		return 0
	}
	if retryCount > 12 {
		return maxBackoff
	}
	d := time.Duration(math.Pow(2, float64(retryCount))) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
