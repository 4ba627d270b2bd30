package saga

import (
	"testing"

	"github.com/mannapay/eventcore/events/core"
)

func TestNewCommand_RoutingAndChain(t *testing.T) {
	inst := threeStepInstance()
	step := &inst.Steps[0]

	cmd := NewCommand(inst, step, step.Command, false)
	if cmd.EventType != TypeCommand {
		t.Fatalf("expected %s, got %s", TypeCommand, cmd.EventType)
	}
	if cmd.SagaID != inst.ID.String() || cmd.StepID != step.StepID {
		t.Fatalf("expected saga/step identity, got %s %s", cmd.SagaID, cmd.StepID)
	}
	if cmd.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation carried, got %s", cmd.CorrelationID)
	}
	if cmd.EventID == "" {
		t.Fatal("expected defaults initialized")
	}
	if cmd.Compensation {
		t.Fatal("expected execution command")
	}

	if got := core.TopicOf(cmd); got != "mannapay.saga.commands.payment-service" {
		t.Fatalf("expected per-service command topic, got %s", got)
	}
	if got := core.KeyOf(cmd); got != inst.ID.String() {
		t.Fatalf("expected saga partition key, got %s", got)
	}
}

func TestNewCommand_Compensation(t *testing.T) {
	inst := threeStepInstance()
	step := &inst.Steps[0]

	cmd := NewCommand(inst, step, step.CompensationCommand, true)
	if !cmd.Compensation {
		t.Fatal("expected compensation command")
	}
	if cmd.CommandName != "payment.reverse" {
		t.Fatalf("expected payment.reverse, got %s", cmd.CommandName)
	}
	if cmd.ReplyTopic != "mannapay.saga.replies" {
		t.Fatalf("expected shared reply topic, got %s", cmd.ReplyTopic)
	}
}

func TestReplies_RoutedBySaga(t *testing.T) {
	success := SuccessReply("saga-1", "step-1", "payment-service", map[string]any{"paymentIntentId": "pi_1"})
	if success.EventType != TypeReply {
		t.Fatalf("expected %s, got %s", TypeReply, success.EventType)
	}
	if !success.Success() {
		t.Fatal("expected success outcome")
	}
	if success.AggregateID != "saga-1" {
		t.Fatalf("expected saga aggregate id, got %s", success.AggregateID)
	}
	if got := core.TopicOf(success); got != ReplyTopic {
		t.Fatalf("expected reply topic, got %s", got)
	}
	if got := core.KeyOf(success); got != "saga-1" {
		t.Fatalf("expected saga partition key, got %s", got)
	}

	failure := FailureReply("saga-1", "step-1", "payment-service", "card_declined", "card was declined", false)
	if failure.Success() {
		t.Fatal("expected failure outcome")
	}
	if failure.Retryable {
		t.Fatal("expected non-retryable failure")
	}
	if failure.ErrorCode != "card_declined" {
		t.Fatalf("expected error code carried, got %s", failure.ErrorCode)
	}
}
