// Package registry maps event type tags to decoders. The event families are
// a closed set: each family package registers its decoders at init time, and
// unknown tags fall back to a raw event so relays can still route them.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mannapay/eventcore/events/core"
)

// Decoder turns a serialized payload into a concrete domain event.
type Decoder func(data []byte) (core.DomainEvent, error)

var (
	mu       sync.RWMutex
	decoders = make(map[string]Decoder)
)

// Register binds an event type tag to its decoder. Registering the same tag
// twice panics: that is a wiring bug, not a runtime condition.
func Register(eventType string, dec Decoder) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := decoders[eventType]; dup {
		panic(fmt.Sprintf("registry: duplicate decoder for %q", eventType))
	}
	decoders[eventType] = dec
}

// JSON builds a Decoder that unmarshals into T.
func JSON[T any, PT interface {
	*T
	core.DomainEvent
}](eventType string) Decoder {
	return func(data []byte) (core.DomainEvent, error) {
		event := PT(new(T))
		if err := json.Unmarshal(data, event); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		return event, nil
	}
}

// Decode resolves the decoder for the tag. An unknown tag yields a *Raw
// event carrying the untouched payload.
func Decode(eventType string, data []byte) (core.DomainEvent, error) {
	mu.RLock()
	dec, ok := decoders[eventType]
	mu.RUnlock()
	if ok {
		return dec(data)
	}

	raw := &Raw{Payload: append([]byte(nil), data...)}
	if err := json.Unmarshal(data, &raw.Event); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	if raw.Event.EventType == "" {
		raw.Event.EventType = eventType
	}
	return raw, nil
}

// Known reports whether a decoder is registered for the tag.
func Known(eventType string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := decoders[eventType]
	return ok
}

// Raw is the fallback for event types this build does not know.
type Raw struct {
	core.Event
	Payload json.RawMessage `json:"-"`
}
