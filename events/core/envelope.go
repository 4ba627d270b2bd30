package core

import (
	"time"

	"github.com/google/uuid"
)

const defaultMaxRetries = 3

// Envelope wraps one domain event with transport metadata: routing, delivery
// bookkeeping and tracing. The business payload stays untouched.
type Envelope struct {
	EnvelopeID     string            `json:"envelopeId"`
	Event          DomainEvent       `json:"payload"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Topic          string            `json:"topic"`
	PartitionKey   string            `json:"partitionKey"`
	CreatedAt      time.Time         `json:"createdAt"`
	PublishedAt    *time.Time        `json:"publishedAt,omitempty"`
	RetryCount     int               `json:"retryCount"`
	MaxRetries     int               `json:"maxRetries"`
	TraceID        string            `json:"traceId,omitempty"`
	SpanID         string            `json:"spanId,omitempty"`
	OriginalTopic  string            `json:"originalTopic,omitempty"`
	DLQReason      string            `json:"dlqReason,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	Priority       int               `json:"priority"`
	ContentType    string            `json:"contentType"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Wrap builds an envelope with defaults: the idempotency key is the event
// id, topic and partition key come from the event.
func Wrap(event DomainEvent) *Envelope {
	c := event.Core()
	return &Envelope{
		EnvelopeID:     uuid.NewString(),
		Event:          event,
		IdempotencyKey: c.EventID,
		Topic:          TopicOf(event),
		PartitionKey:   KeyOf(event),
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     defaultMaxRetries,
		ContentType:    "application/json",
		Headers:        make(map[string]string),
	}
}

// WrapTopic wraps with an explicit topic override.
func WrapTopic(event DomainEvent, topic string) *Envelope {
	env := Wrap(event)
	if topic != "" {
		env.Topic = topic
	}
	return env
}

// WrapWithTracing wraps and attaches trace identifiers.
func WrapWithTracing(event DomainEvent, traceID, spanID string) *Envelope {
	env := Wrap(event)
	env.TraceID = traceID
	env.SpanID = spanID
	return env
}

func (e *Envelope) MarkPublished() {
	now := time.Now().UTC()
	e.PublishedAt = &now
}

func (e *Envelope) RecordRetry(errMsg string) {
	e.RetryCount++
	e.LastError = errMsg
}

// ShouldMoveToDLQ holds once the retry budget is spent.
func (e *Envelope) ShouldMoveToDLQ() bool {
	return e.RetryCount >= e.MaxRetries
}

// MarkAsDLQ reroutes the envelope to the dead-letter topic, keeping the
// original topic for triage.
func (e *Envelope) MarkAsDLQ(reason string) {
	e.OriginalTopic = e.Topic
	e.Topic = e.DLQTopic()
	e.DLQReason = reason
}

func (e *Envelope) DLQTopic() string { return e.Topic + ".dlq" }

func (e *Envelope) AddHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

func (e *Envelope) IsRetry() bool { return e.RetryCount > 0 }

func (e *Envelope) IsDLQ() bool { return e.DLQReason != "" }

func (e *Envelope) CorrelationID() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.Core().CorrelationID
}

func (e *Envelope) EventType() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.Core().EventType
}
