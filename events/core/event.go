package core

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Namespace prefixes every topic and dedup key owned by the platform.
const Namespace = "mannapay"

// TimestampLayout is the wire format for event timestamps: UTC with
// millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Event carries the fields shared by every domain event. Concrete event
// types embed it and add their own payload fields.
type Event struct {
	EventID        string            `json:"eventId"`
	EventType      string            `json:"eventType"`
	SchemaVersion  int               `json:"schemaVersion"`
	Timestamp      time.Time         `json:"timestamp"`
	AggregateID    string            `json:"aggregateId"`
	AggregateType  string            `json:"aggregateType"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	CausationID    string            `json:"causationId,omitempty"`
	Source         string            `json:"source,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	TenantID       string            `json:"tenantId,omitempty"`
	SequenceNumber int64             `json:"sequenceNumber"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DomainEvent is implemented by every concrete event type through the
// embedded Event.
type DomainEvent interface {
	Core() *Event
}

func (e *Event) Core() *Event { return e }

// InitializeDefaults fills event id, timestamp, schema version and the
// metadata map if they are still zero. Safe to call more than once.
func (e *Event) InitializeDefaults() {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
}

// TopicName derives the broker topic: <namespace>.<domain>.events, where the
// domain is the lower-cased aggregate type.
func (e *Event) TopicName() string {
	domain := "domain"
	if e.AggregateType != "" {
		domain = strings.ToLower(e.AggregateType)
	}
	return Namespace + "." + domain + ".events"
}

// PartitionKey orders events of one aggregate on a single partition. Falls
// back to the event id so an event without an aggregate is still routable.
func (e *Event) PartitionKey() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.EventID
}

func (e *Event) AddMetadata(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

func (e *Event) IsCorrelated() bool { return e.CorrelationID != "" }

func (e *Event) HasCausation() bool { return e.CausationID != "" }

// InheritCorrelation threads this event into the parent's chain: the
// correlation id is the parent's (or the parent's own event id when the
// parent starts the chain) and the causation id is the parent's event id.
func (e *Event) InheritCorrelation(parent *Event) {
	if parent == nil {
		return
	}
	if parent.CorrelationID != "" {
		e.CorrelationID = parent.CorrelationID
	} else {
		e.CorrelationID = parent.EventID
	}
	e.CausationID = parent.EventID
}

// Validate reports whether the event may leave the process.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return errors.New("event id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.AggregateID == "" {
		return errors.New("aggregate id is required")
	}
	return nil
}

// WireTimestamp formats the timestamp for message headers.
func (e *Event) WireTimestamp() string {
	return e.Timestamp.UTC().Format(TimestampLayout)
}

// TopicOf resolves the topic through the concrete event type, so families
// that shadow TopicName (payment, transfer, user, saga) win over the default
// derivation.
func TopicOf(event DomainEvent) string {
	if tn, ok := event.(interface{ TopicName() string }); ok {
		return tn.TopicName()
	}
	return event.Core().TopicName()
}

// KeyOf resolves the partition key through the concrete event type.
func KeyOf(event DomainEvent) string {
	if pk, ok := event.(interface{ PartitionKey() string }); ok {
		return pk.PartitionKey()
	}
	return event.Core().PartitionKey()
}
