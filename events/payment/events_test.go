package payment

import (
	"encoding/json"
	"testing"

	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/registry"
)

func TestRouting_FamilyTopicAndPayerKey(t *testing.T) {
	evt := &Initiated{}
	evt.PaymentID = "pay-1"
	evt.PayerUserID = "user-7"
	evt.AggregateType = "SomethingElse"

	if got := core.TopicOf(evt); got != "mannapay.payment.events" {
		t.Fatalf("expected family topic, got %s", got)
	}
	if got := core.KeyOf(evt); got != "user-7" {
		t.Fatalf("expected payer partition key, got %s", got)
	}

	evt.PayerUserID = ""
	if got := core.KeyOf(evt); got != "pay-1" {
		t.Fatalf("expected payment id fallback, got %s", got)
	}
}

func TestDecode_RoundTripThroughRegistry(t *testing.T) {
	evt := &WalletDebited{DebitAmount: 2500, BalanceBefore: 10000, BalanceAfter: 7500}
	evt.PaymentID = "pay-1"
	evt.EventType = TypeWalletDebited
	evt.AggregateID = "wallet-1"
	evt.InitializeDefaults()
	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := registry.Decode(TypeWalletDebited, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	debited, ok := decoded.(*WalletDebited)
	if !ok {
		t.Fatalf("expected *WalletDebited, got %T", decoded)
	}
	if debited.DebitAmount != 2500 || debited.BalanceAfter != 7500 {
		t.Fatalf("unexpected payload: %+v", debited)
	}
	if debited.EventID != evt.EventID {
		t.Fatalf("expected event id preserved, got %s", debited.EventID)
	}
}
