// Package sagas defines the saga blueprints the orchestrator knows how to
// run.
package sagas

import (
	"github.com/mannapay/eventcore/events/saga"
	"github.com/mannapay/eventcore/events/transfer"
)

const TransferSagaType = "MoneyTransfer"

// TransferSteps builds the money-transfer saga from an initiated transfer:
// reserve the sender's funds, credit the recipient, then notify both
// parties. Notification has no compensation; an undelivered notice is not
// worth unwinding money movement over.
func TransferSteps(evt *transfer.Initiated) []saga.Step {
	return []saga.Step{
		{
			Name:                "reserve-funds",
			ServiceName:         "payment-service",
			Command:             "payment.authorize",
			CompensationCommand: "payment.reverse",
			MaxRetries:          3,
			Input: map[string]any{
				"transferId": evt.TransferID,
				"senderId":   evt.SenderID,
				"amount":     evt.SourceAmount,
				"currency":   evt.SourceCurrency,
				"feeAmount":  evt.FeeAmount,
			},
		},
		{
			Name:                "credit-recipient",
			ServiceName:         "wallet-service",
			Command:             "wallet.credit",
			CompensationCommand: "wallet.debit",
			MaxRetries:          3,
			Input: map[string]any{
				"transferId":  evt.TransferID,
				"recipientId": evt.RecipientID,
				"amount":      evt.DestinationAmount,
				"currency":    evt.DestinationCurrency,
			},
		},
		{
			Name:        "notify-parties",
			ServiceName: "notification-service",
			Command:     "notification.send",
			MaxRetries:  3,
			Input: map[string]any{
				"transferId":     evt.TransferID,
				"senderId":       evt.SenderID,
				"recipientId":    evt.RecipientID,
				"trackingNumber": evt.TrackingNumber,
			},
		},
	}
}
