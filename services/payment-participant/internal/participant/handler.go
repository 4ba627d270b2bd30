// Package participant executes payment saga steps against Stripe and
// reports the outcome back to the orchestrator.
package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"

	"github.com/mannapay/eventcore/events/consumer"
	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/publisher"
	"github.com/mannapay/eventcore/events/saga"
)

const (
	ServiceName = "payment-service"

	CommandAuthorize = "payment.authorize"
	CommandReverse   = "payment.reverse"

	// Authorizations are remembered long enough to outlive any saga that
	// might still compensate them.
	authorizationTTL = 14 * 24 * time.Hour
)

const authKeyPrefix = core.Namespace + ":payments:authorizations:"

type Handler struct {
	pub       *publisher.Publisher
	rdb       *redis.Client
	logger    *slog.Logger
	stripeKey string
}

func New(pub *publisher.Publisher, rdb *redis.Client, logger *slog.Logger, stripeKey string) *Handler {
	return &Handler{pub: pub, rdb: rdb, logger: logger, stripeKey: strings.TrimSpace(stripeKey)}
}

// Handle executes one saga command. Business rejections become FAILURE
// replies and settle the delivery; infrastructure errors are returned as
// retryable so the message is redelivered.
func (h *Handler) Handle(ctx context.Context, event core.DomainEvent) error {
	cmd, ok := event.(*saga.Command)
	if !ok {
		return consumer.NonRetryable(fmt.Errorf("unexpected event %T on command topic", event))
	}
	if cmd.TargetService != ServiceName {
		h.logger.Warn("command for another service dropped", "target", cmd.TargetService, "command", cmd.CommandName)
		return nil
	}

	switch cmd.CommandName {
	case CommandAuthorize:
		return h.authorize(ctx, cmd)
	case CommandReverse:
		return h.reverse(ctx, cmd)
	default:
		return h.reply(ctx, cmd, saga.FailureReply(cmd.SagaID, cmd.StepID, ServiceName,
			"unknown_command", "unknown command "+cmd.CommandName, false))
	}
}

func (h *Handler) authorize(ctx context.Context, cmd *saga.Command) error {
	transferID := stringField(cmd.Payload, "transferId")
	amount := int64Field(cmd.Payload, "amount")
	currency := stringField(cmd.Payload, "currency")
	if transferID == "" || amount <= 0 || currency == "" {
		return h.reply(ctx, cmd, saga.FailureReply(cmd.SagaID, cmd.StepID, ServiceName,
			"invalid_payload", "transferId, amount and currency are required", false))
	}

	// A redelivered authorize must not charge twice.
	if existing, err := h.rdb.Get(ctx, authKeyPrefix+transferID).Result(); err == nil {
		reply := saga.SuccessReply(cmd.SagaID, cmd.StepID, ServiceName, map[string]any{
			"paymentIntentId": existing,
		})
		return h.reply(ctx, cmd, reply)
	} else if !errors.Is(err, redis.Nil) {
		return consumer.Retryable(fmt.Errorf("authorization lookup: %w", err))
	}

	stripe.Key = h.stripeKey
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(false),
	}
	params.AddMetadata("transferId", transferID)
	params.AddMetadata("sagaId", cmd.SagaID)

	intent, err := paymentintent.New(params)
	if err != nil {
		if retryable, code, msg := classifyStripeError(err); !retryable {
			h.logger.Warn("payment authorization rejected", "transfer_id", transferID, "code", code, "err", msg)
			return h.reply(ctx, cmd, saga.FailureReply(cmd.SagaID, cmd.StepID, ServiceName, code, msg, false))
		}
		return consumer.Retryable(fmt.Errorf("stripe authorize: %w", err))
	}

	if err := h.rdb.Set(ctx, authKeyPrefix+transferID, intent.ID, authorizationTTL).Err(); err != nil {
		// The intent exists but the record did not stick; redelivery will
		// find no record and create a second intent, which reconciliation
		// flags via the transferId metadata.
		h.logger.Error("authorization record failed", "transfer_id", transferID, "payment_intent", intent.ID, "err", err)
		return consumer.Retryable(fmt.Errorf("record authorization: %w", err))
	}

	h.logger.Info("payment authorized", "transfer_id", transferID, "payment_intent", intent.ID, "amount", amount, "currency", currency)
	reply := saga.SuccessReply(cmd.SagaID, cmd.StepID, ServiceName, map[string]any{
		"paymentIntentId": intent.ID,
	})
	return h.reply(ctx, cmd, reply)
}

func (h *Handler) reverse(ctx context.Context, cmd *saga.Command) error {
	transferID := stringField(cmd.Payload, "transferId")
	if transferID == "" {
		return h.reply(ctx, cmd, saga.FailureReply(cmd.SagaID, cmd.StepID, ServiceName,
			"invalid_payload", "transferId is required", false))
	}

	intentID, err := h.rdb.Get(ctx, authKeyPrefix+transferID).Result()
	if errors.Is(err, redis.Nil) {
		// Nothing was authorized, so there is nothing to undo.
		h.logger.Info("no authorization to reverse", "transfer_id", transferID)
		return h.reply(ctx, cmd, saga.SuccessReply(cmd.SagaID, cmd.StepID, ServiceName, nil))
	}
	if err != nil {
		return consumer.Retryable(fmt.Errorf("authorization lookup: %w", err))
	}

	stripe.Key = h.stripeKey
	if _, err := paymentintent.Cancel(intentID, nil); err != nil {
		var stripeErr *stripe.Error
		// Already canceled counts as reversed.
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			h.logger.Info("payment intent already settled", "transfer_id", transferID, "payment_intent", intentID)
		} else if retryable, code, msg := classifyStripeError(err); !retryable {
			h.logger.Error("payment reversal rejected", "transfer_id", transferID, "code", code, "err", msg)
			return h.reply(ctx, cmd, saga.FailureReply(cmd.SagaID, cmd.StepID, ServiceName, code, msg, false))
		} else {
			return consumer.Retryable(fmt.Errorf("stripe cancel: %w", err))
		}
	}

	if err := h.rdb.Del(ctx, authKeyPrefix+transferID).Err(); err != nil {
		h.logger.Error("authorization cleanup failed", "transfer_id", transferID, "err", err)
	}

	h.logger.Info("payment reversed", "transfer_id", transferID, "payment_intent", intentID)
	return h.reply(ctx, cmd, saga.SuccessReply(cmd.SagaID, cmd.StepID, ServiceName, nil))
}

// reply publishes the outcome threaded into the command's event chain. A
// failed publish is retryable: the command is redelivered and the dedup on
// the orchestrator side absorbs the extra reply.
func (h *Handler) reply(ctx context.Context, cmd *saga.Command, reply *saga.Reply) error {
	if _, err := h.pub.PublishCorrelated(ctx, reply, cmd); err != nil {
		return consumer.Retryable(fmt.Errorf("publish reply: %w", err))
	}
	return nil
}

// classifyStripeError splits Stripe failures into retryable transport
// problems and terminal business rejections.
func classifyStripeError(err error) (retryable bool, code, msg string) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return true, "stripe_error", err.Error()
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return false, string(stripeErr.Code), stripeErr.Msg
	default:
		return true, string(stripeErr.Code), stripeErr.Msg
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// int64Field tolerates the float64 that JSON decoding produces.
func int64Field(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}
