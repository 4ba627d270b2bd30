package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/mannapay/eventcore/events/core"
)

// Handler is the business callback invoked once per logical event.
//
// The dedup record is written after the handler returns, so a crash between
// the two can replay the event: handlers must tolerate being invoked more
// than once for the same event within the dedup window.
type Handler func(ctx context.Context, event core.DomainEvent) error

// HandlerError classifies a processing failure. Retryable errors propagate
// so the transport redelivers; non-retryable ones are acknowledged and
// routed to the dead-letter topic.
type HandlerError struct {
	Retryable bool
	EventID   string
	EventType string
	Err       error
}

func (e *HandlerError) Error() string {
	kind := "non-retryable"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s handler error (event %s %s): %v", kind, e.EventType, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func Retryable(err error) *HandlerError {
	return &HandlerError{Retryable: true, Err: err}
}

func NonRetryable(err error) *HandlerError {
	return &HandlerError{Retryable: false, Err: err}
}

// IsRetryable reports whether an error should be redelivered. Errors without
// an explicit classification default to retryable, matching the transport's
// at-least-once bias.
func IsRetryable(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Retryable
	}
	return true
}
