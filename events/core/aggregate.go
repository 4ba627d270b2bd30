package core

import "fmt"

// Aggregate is implemented by entities that derive their state from an
// ordered event log.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	// Apply mutates in-memory state for one event. It must succeed for every
	// well-formed historical event; an error during replay is fatal for the
	// reconstruction.
	Apply(event DomainEvent) error
}

// Root tracks the version and uncommitted events of an aggregate. Embed it
// in the concrete aggregate struct. A Root is owned by one command-handling
// transaction and is not safe for concurrent use.
type Root struct {
	version     int64
	uncommitted []DomainEvent
}

func (r *Root) Version() int64 { return r.version }

// Register stamps the event with the aggregate's identity and the next
// sequence number, applies it, and appends it to the uncommitted list. It
// never publishes.
func (r *Root) Register(agg Aggregate, event DomainEvent) error {
	c := event.Core()
	c.AggregateID = agg.AggregateID()
	c.AggregateType = agg.AggregateType()
	c.SequenceNumber = r.version + 1

	if err := agg.Apply(event); err != nil {
		return fmt.Errorf("apply %s: %w", c.EventType, err)
	}
	r.version++
	r.uncommitted = append(r.uncommitted, event)
	return nil
}

// Replay rebuilds state from historical events. The version afterwards is
// the sequence number of the last event, so replaying a registered history
// reproduces the state of incremental application exactly.
func (r *Root) Replay(agg Aggregate, history []DomainEvent) error {
	for _, event := range history {
		c := event.Core()
		if err := agg.Apply(event); err != nil {
			return fmt.Errorf("replay %s seq %d: %w", c.EventType, c.SequenceNumber, err)
		}
		r.version = c.SequenceNumber
	}
	return nil
}

// LoadFromSnapshot seeds the version from a snapshot and replays the delta.
func (r *Root) LoadFromSnapshot(agg Aggregate, snapshotVersion int64, events []DomainEvent) error {
	r.version = snapshotVersion
	return r.Replay(agg, events)
}

func (r *Root) UncommittedEvents() []DomainEvent {
	out := make([]DomainEvent, len(r.uncommitted))
	copy(out, r.uncommitted)
	return out
}

func (r *Root) ClearUncommittedEvents() { r.uncommitted = nil }

func (r *Root) HasUncommittedEvents() bool { return len(r.uncommitted) > 0 }

// ShouldSnapshot is an advisory policy hook: true on every 100th version.
func (r *Root) ShouldSnapshot() bool {
	return r.version > 0 && r.version%100 == 0
}
