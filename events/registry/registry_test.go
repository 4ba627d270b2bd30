package registry

import (
	"encoding/json"
	"testing"

	"github.com/mannapay/eventcore/events/core"
)

type orderPlaced struct {
	core.Event
	OrderID string `json:"orderId"`
	Total   int64  `json:"total"`
}

func init() {
	Register("OrderPlaced", JSON[orderPlaced]("OrderPlaced"))
}

func TestDecode_RegisteredType(t *testing.T) {
	payload, _ := json.Marshal(&orderPlaced{OrderID: "o-1", Total: 4200})

	event, err := Decode("OrderPlaced", payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	placed, ok := event.(*orderPlaced)
	if !ok {
		t.Fatalf("expected *orderPlaced, got %T", event)
	}
	if placed.OrderID != "o-1" || placed.Total != 4200 {
		t.Fatalf("unexpected payload: %+v", placed)
	}
}

func TestDecode_UnknownTypeFallsBackToRaw(t *testing.T) {
	payload := []byte(`{"eventId":"evt-1","aggregateId":"agg-1","customField":true}`)

	event, err := Decode("SomethingNew", payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := event.(*Raw)
	if !ok {
		t.Fatalf("expected *Raw, got %T", event)
	}
	if raw.EventID != "evt-1" {
		t.Fatalf("expected envelope fields decoded, got %q", raw.EventID)
	}
	if raw.EventType != "SomethingNew" {
		t.Fatalf("expected tag carried on raw event, got %q", raw.EventType)
	}
	if string(raw.Payload) != string(payload) {
		t.Fatal("expected payload preserved byte for byte")
	}
}

func TestDecode_MalformedPayload(t *testing.T) {
	if _, err := Decode("OrderPlaced", []byte("{broken")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Decode("NeverRegistered", []byte("{broken")); err == nil {
		t.Fatal("expected decode error on raw fallback")
	}
}

func TestKnown(t *testing.T) {
	if !Known("OrderPlaced") {
		t.Fatal("expected OrderPlaced to be registered")
	}
	if Known("NeverRegistered") {
		t.Fatal("did not expect NeverRegistered")
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("OrderPlaced", JSON[orderPlaced]("OrderPlaced"))
}
