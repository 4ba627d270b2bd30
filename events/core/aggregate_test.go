package core

import (
	"fmt"
	"testing"
)

type walletCredited struct {
	Event
	Amount int64
}

type walletDebited struct {
	Event
	Amount int64
}

type walletAccount struct {
	Root
	id      string
	balance int64
}

func (w *walletAccount) AggregateID() string   { return w.id }
func (w *walletAccount) AggregateType() string { return "Wallet" }

func (w *walletAccount) Apply(event DomainEvent) error {
	switch e := event.(type) {
	case *walletCredited:
		w.balance += e.Amount
		return nil
	case *walletDebited:
		if e.Amount > w.balance {
			return fmt.Errorf("insufficient balance: have %d, need %d", w.balance, e.Amount)
		}
		w.balance -= e.Amount
		return nil
	default:
		return fmt.Errorf("unknown event %T", event)
	}
}

func TestRegister_StampsIdentityAndSequence(t *testing.T) {
	w := &walletAccount{id: "w-1"}

	events := []DomainEvent{
		&walletCredited{Amount: 100},
		&walletCredited{Amount: 50},
		&walletDebited{Amount: 30},
	}
	for _, e := range events {
		if err := w.Register(w, e); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	if w.Version() != 3 {
		t.Fatalf("expected version 3, got %d", w.Version())
	}
	if w.balance != 120 {
		t.Fatalf("expected balance 120, got %d", w.balance)
	}

	uncommitted := w.UncommittedEvents()
	if len(uncommitted) != 3 {
		t.Fatalf("expected 3 uncommitted events, got %d", len(uncommitted))
	}
	for i, e := range uncommitted {
		c := e.Core()
		if c.SequenceNumber != int64(i+1) {
			t.Fatalf("event %d: expected sequence %d, got %d", i, i+1, c.SequenceNumber)
		}
		if c.AggregateID != "w-1" || c.AggregateType != "Wallet" {
			t.Fatalf("event %d: identity not stamped: %q %q", i, c.AggregateID, c.AggregateType)
		}
	}
}

func TestRegister_ApplyErrorLeavesStateUnchanged(t *testing.T) {
	w := &walletAccount{id: "w-1"}
	if err := w.Register(w, &walletCredited{Amount: 10}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := w.Register(w, &walletDebited{Amount: 999}); err == nil {
		t.Fatal("expected overdraft to be rejected")
	}
	if w.Version() != 1 {
		t.Fatalf("expected version to stay 1, got %d", w.Version())
	}
	if len(w.UncommittedEvents()) != 1 {
		t.Fatalf("expected rejected event not to be recorded, got %d events", len(w.UncommittedEvents()))
	}
	if w.balance != 10 {
		t.Fatalf("expected balance 10, got %d", w.balance)
	}
}

func TestReplay_ReproducesRegisteredState(t *testing.T) {
	source := &walletAccount{id: "w-1"}
	for _, e := range []DomainEvent{
		&walletCredited{Amount: 100},
		&walletDebited{Amount: 25},
		&walletCredited{Amount: 5},
	} {
		if err := source.Register(source, e); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	history := source.UncommittedEvents()

	rebuilt := &walletAccount{id: "w-1"}
	if err := rebuilt.Replay(rebuilt, history); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rebuilt.balance != source.balance {
		t.Fatalf("expected balance %d, got %d", source.balance, rebuilt.balance)
	}
	if rebuilt.Version() != source.Version() {
		t.Fatalf("expected version %d, got %d", source.Version(), rebuilt.Version())
	}
	if rebuilt.HasUncommittedEvents() {
		t.Fatal("replayed history must not count as uncommitted")
	}
}

func TestLoadFromSnapshot_SeedsVersionAndReplaysDelta(t *testing.T) {
	w := &walletAccount{id: "w-1", balance: 500}

	delta := &walletDebited{Amount: 100}
	delta.SequenceNumber = 43
	if err := w.LoadFromSnapshot(w, 42, []DomainEvent{delta}); err != nil {
		t.Fatalf("load from snapshot: %v", err)
	}
	if w.Version() != 43 {
		t.Fatalf("expected version 43, got %d", w.Version())
	}
	if w.balance != 400 {
		t.Fatalf("expected balance 400, got %d", w.balance)
	}
}

func TestShouldSnapshot_Every100thVersion(t *testing.T) {
	w := &walletAccount{id: "w-1"}

	at99 := &walletCredited{Amount: 1}
	at99.SequenceNumber = 99
	if err := w.Replay(w, []DomainEvent{at99}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if w.ShouldSnapshot() {
		t.Fatal("expected no snapshot at version 99")
	}

	at100 := &walletCredited{Amount: 1}
	at100.SequenceNumber = 100
	if err := w.Replay(w, []DomainEvent{at100}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !w.ShouldSnapshot() {
		t.Fatal("expected snapshot at version 100")
	}
}
