package participant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stripe/stripe-go/v79"

	"github.com/mannapay/eventcore/events/publisher"
	"github.com/mannapay/eventcore/events/saga"
)

type capturingWriter struct {
	messages []kafka.Message
}

func (w *capturingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func testHandler() (*Handler, *capturingWriter) {
	writer := &capturingWriter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := publisher.NewWithWriter(writer, logger, ServiceName)
	return New(pub, nil, logger, "sk_test_x"), writer
}

func commandFor(name string, payload map[string]any) *saga.Command {
	inst := saga.NewInstance("MoneyTransfer", "corr-1", []saga.Step{
		{Name: "reserve-funds", ServiceName: ServiceName, Command: CommandAuthorize, CompensationCommand: CommandReverse, Input: payload},
	}, nil)
	cmd := saga.NewCommand(inst, &inst.Steps[0], name, name == CommandReverse)
	return cmd
}

func TestHandle_UnknownCommandRepliesFailure(t *testing.T) {
	h, writer := testHandler()

	cmd := commandFor("payment.capture", map[string]any{"transferId": "tr-1"})
	if err := h.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if msg.Topic != saga.ReplyTopic {
		t.Fatalf("expected reply topic, got %s", msg.Topic)
	}
	var reply saga.Reply
	if err := json.Unmarshal(msg.Value, &reply); err != nil {
		t.Fatalf("reply not json: %v", err)
	}
	if reply.Outcome != saga.OutcomeFailure || reply.Retryable {
		t.Fatalf("expected terminal failure, got %+v", reply)
	}
	if reply.SagaID != cmd.SagaID || reply.StepID != cmd.StepID {
		t.Fatal("expected reply correlated to the command's saga and step")
	}
	if reply.CorrelationID != cmd.CorrelationID {
		t.Fatalf("expected correlation carried, got %s", reply.CorrelationID)
	}
}

func TestHandle_InvalidAuthorizePayload(t *testing.T) {
	h, writer := testHandler()

	cmd := commandFor(CommandAuthorize, map[string]any{"transferId": "tr-1"})
	if err := h.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var reply saga.Reply
	if err := json.Unmarshal(writer.messages[0].Value, &reply); err != nil {
		t.Fatalf("reply not json: %v", err)
	}
	if reply.Outcome != saga.OutcomeFailure || reply.ErrorCode != "invalid_payload" {
		t.Fatalf("expected invalid_payload failure, got %+v", reply)
	}
}

func TestHandle_CommandForOtherServiceDropped(t *testing.T) {
	h, writer := testHandler()

	cmd := commandFor(CommandAuthorize, map[string]any{"transferId": "tr-1"})
	cmd.TargetService = "wallet-service"
	if err := h.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(writer.messages) != 0 {
		t.Fatal("expected no reply for another service's command")
	}
}

func TestClassifyStripeError(t *testing.T) {
	retryable, _, _ := classifyStripeError(errors.New("dial tcp: timeout"))
	if !retryable {
		t.Fatal("expected transport errors to be retryable")
	}

	cardErr := &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, Msg: "declined"}
	retryable, code, _ := classifyStripeError(cardErr)
	if retryable {
		t.Fatal("expected card errors to be terminal")
	}
	if code != string(stripe.ErrorCodeCardDeclined) {
		t.Fatalf("expected declined code, got %s", code)
	}

	apiErr := &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "server error"}
	if retryable, _, _ := classifyStripeError(apiErr); !retryable {
		t.Fatal("expected api errors to be retryable")
	}
}

func TestInt64Field_ToleratesJSONNumbers(t *testing.T) {
	m := map[string]any{"a": float64(42), "b": int64(7), "c": "nope"}
	if got := int64Field(m, "a"); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := int64Field(m, "b"); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := int64Field(m, "c"); got != 0 {
		t.Fatalf("expected 0 for non-numeric, got %d", got)
	}
	if got := int64Field(m, "missing"); got != 0 {
		t.Fatalf("expected 0 for missing, got %d", got)
	}
}
