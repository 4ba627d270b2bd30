// Package transfer holds the cross-border transfer event family.
package transfer

import (
	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/registry"
)

const Topic = core.Namespace + ".transfer.events"

const (
	TypeInitiated = "TransferInitiated"
	TypeCompleted = "TransferCompleted"
	TypeFailed    = "TransferFailed"
)

type Base struct {
	core.Event
	TransferID          string `json:"transferId"`
	SenderID            string `json:"senderId,omitempty"`
	RecipientID         string `json:"recipientId,omitempty"`
	TrackingNumber      string `json:"trackingNumber,omitempty"`
	SourceCurrency      string `json:"sourceCurrency,omitempty"`
	DestinationCurrency string `json:"destinationCurrency,omitempty"`
	Status              string `json:"status,omitempty"`
}

func (b *Base) TopicName() string { return Topic }

func (b *Base) PartitionKey() string {
	if b.TransferID != "" {
		return b.TransferID
	}
	return b.Event.PartitionKey()
}

type Initiated struct {
	Base
	SourceAmount      int64  `json:"sourceAmount"`
	DestinationAmount int64  `json:"destinationAmount"`
	FeeAmount         int64  `json:"feeAmount"`
	ExchangeRate      string `json:"exchangeRate,omitempty"`
	Purpose           string `json:"purpose,omitempty"`
	RecipientCountry  string `json:"recipientCountry,omitempty"`
}

type Completed struct {
	Base
	FinalAmount        int64  `json:"finalAmount"`
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
	ProcessingTimeMs   int64  `json:"processingTimeMs,omitempty"`
}

type Failed struct {
	Base
	FailureReason  string `json:"failureReason"`
	FailureStage   string `json:"failureStage,omitempty"`
	Retryable      bool   `json:"retryable"`
	RefundRequired bool   `json:"refundRequired,omitempty"`
	AmountToRefund int64  `json:"amountToRefund,omitempty"`
}

func init() {
	registry.Register(TypeInitiated, registry.JSON[Initiated](TypeInitiated))
	registry.Register(TypeCompleted, registry.JSON[Completed](TypeCompleted))
	registry.Register(TypeFailed, registry.JSON[Failed](TypeFailed))
}
