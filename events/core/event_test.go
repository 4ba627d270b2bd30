package core

import (
	"testing"
	"time"
)

func TestTopicName_DerivedFromAggregateType(t *testing.T) {
	e := &Event{AggregateType: "Payment"}
	if got := e.TopicName(); got != "mannapay.payment.events" {
		t.Fatalf("expected mannapay.payment.events, got %s", got)
	}
	empty := &Event{}
	if got := empty.TopicName(); got != "mannapay.domain.events" {
		t.Fatalf("expected mannapay.domain.events, got %s", got)
	}
}

func TestPartitionKey_FallsBackToEventID(t *testing.T) {
	e := &Event{EventID: "evt-1", AggregateID: "agg-1"}
	if got := e.PartitionKey(); got != "agg-1" {
		t.Fatalf("expected agg-1, got %s", got)
	}
	e.AggregateID = ""
	if got := e.PartitionKey(); got != "evt-1" {
		t.Fatalf("expected evt-1, got %s", got)
	}
}

func TestInitializeDefaults_Idempotent(t *testing.T) {
	e := &Event{}
	e.InitializeDefaults()
	if e.EventID == "" {
		t.Fatal("expected event id to be generated")
	}
	if e.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if e.SchemaVersion != 1 {
		t.Fatalf("expected schema version 1, got %d", e.SchemaVersion)
	}

	id, ts := e.EventID, e.Timestamp
	e.InitializeDefaults()
	if e.EventID != id || !e.Timestamp.Equal(ts) {
		t.Fatal("expected second initialization to be a no-op")
	}
}

func TestInheritCorrelation(t *testing.T) {
	parent := &Event{EventID: "parent-1"}
	child := &Event{EventID: "child-1"}
	child.InheritCorrelation(parent)
	if child.CorrelationID != "parent-1" {
		t.Fatalf("expected chain root parent-1, got %s", child.CorrelationID)
	}
	if child.CausationID != "parent-1" {
		t.Fatalf("expected causation parent-1, got %s", child.CausationID)
	}

	parent.CorrelationID = "corr-0"
	grandchild := &Event{EventID: "child-2"}
	grandchild.InheritCorrelation(parent)
	if grandchild.CorrelationID != "corr-0" {
		t.Fatalf("expected inherited correlation corr-0, got %s", grandchild.CorrelationID)
	}
	if grandchild.CausationID != "parent-1" {
		t.Fatalf("expected causation parent-1, got %s", grandchild.CausationID)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	e := &Event{}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for missing event id")
	}
	e.EventID = "evt-1"
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for missing timestamp")
	}
	e.Timestamp = time.Now()
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for missing aggregate id")
	}
	e.AggregateID = "agg-1"
	if err := e.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
}

func TestWireTimestamp_MillisecondUTC(t *testing.T) {
	e := &Event{Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.FixedZone("CET", 3600))}
	if got := e.WireTimestamp(); got != "2026-03-14T08:26:53.589Z" {
		t.Fatalf("expected 2026-03-14T08:26:53.589Z, got %s", got)
	}
}

type routedEvent struct {
	Event
	key string
}

func (r *routedEvent) TopicName() string    { return "mannapay.custom.events" }
func (r *routedEvent) PartitionKey() string { return r.key }

func TestTopicOf_PrefersConcreteRouting(t *testing.T) {
	e := &routedEvent{key: "k-1"}
	e.AggregateType = "Other"
	e.AggregateID = "agg-1"
	if got := TopicOf(e); got != "mannapay.custom.events" {
		t.Fatalf("expected shadowed topic, got %s", got)
	}
	if got := KeyOf(e); got != "k-1" {
		t.Fatalf("expected shadowed key, got %s", got)
	}

	plain := &Event{AggregateType: "Payment", AggregateID: "agg-2"}
	if got := TopicOf(plain); got != "mannapay.payment.events" {
		t.Fatalf("expected derived topic, got %s", got)
	}
}
