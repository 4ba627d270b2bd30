package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// Canonical header names carried on every event message. Consumers and
// tracing systems read these without deserializing the payload.
const (
	HeaderEventID        = "eventId"
	HeaderEventType      = "eventType"
	HeaderAggregateType  = "aggregateType"
	HeaderAggregateID    = "aggregateId"
	HeaderTimestamp      = "timestamp"
	HeaderSchemaVersion  = "schemaVersion"
	HeaderCorrelationID  = "correlationId"
	HeaderCausationID    = "causationId"
	HeaderTraceID        = "traceId"
	HeaderSpanID         = "spanId"
	HeaderIdempotencyKey = "idempotencyKey"
	HeaderContentType    = "content-type"
	HeaderSource         = "source"
)

// EventMeta is the canonical metadata extracted from message headers.
type EventMeta struct {
	EventID        string
	EventType      string
	AggregateType  string
	AggregateID    string
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	Source         string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:        HeaderValue(msg.Headers, HeaderEventID),
		EventType:      HeaderValue(msg.Headers, HeaderEventType),
		AggregateType:  HeaderValue(msg.Headers, HeaderAggregateType),
		AggregateID:    HeaderValue(msg.Headers, HeaderAggregateID),
		CorrelationID:  HeaderValue(msg.Headers, HeaderCorrelationID),
		CausationID:    HeaderValue(msg.Headers, HeaderCausationID),
		IdempotencyKey: HeaderValue(msg.Headers, HeaderIdempotencyKey),
		Source:         HeaderValue(msg.Headers, HeaderSource),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	if meta.IdempotencyKey == "" {
		meta.IdempotencyKey = meta.EventID
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SetHeader(headers []kafka.Header, key, value string) []kafka.Header {
	if value == "" {
		return headers
	}
	for i := range headers {
		if headers[i].Key == key {
			headers[i].Value = []byte(value)
			return headers
		}
	}
	return append(headers, kafka.Header{Key: key, Value: []byte(value)})
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
