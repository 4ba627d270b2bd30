// Package payment holds the payment event family. Amounts are minor units
// of the stated currency.
package payment

import (
	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/registry"
)

const Topic = core.Namespace + ".payment.events"

const (
	TypeInitiated      = "PaymentInitiated"
	TypeCompleted      = "PaymentCompleted"
	TypeFailed         = "PaymentFailed"
	TypeWalletDebited  = "WalletDebited"
	TypeWalletCredited = "WalletCredited"
)

// Base carries the fields shared by all payment events.
type Base struct {
	core.Event
	PaymentID     string `json:"paymentId"`
	WalletID      string `json:"walletId,omitempty"`
	PayerUserID   string `json:"payerUserId,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
	PaymentStatus string `json:"paymentStatus,omitempty"`
}

func (b *Base) TopicName() string { return Topic }

// PartitionKey keys payment events by the paying principal so all of one
// user's payments stay ordered.
func (b *Base) PartitionKey() string {
	if b.PayerUserID != "" {
		return b.PayerUserID
	}
	if b.PaymentID != "" {
		return b.PaymentID
	}
	return b.Event.PartitionKey()
}

type Initiated struct {
	Base
	TransferID       string `json:"transferId,omitempty"`
	GatewaySessionID string `json:"gatewaySessionId,omitempty"`
	Requires3DS      bool   `json:"requires3ds,omitempty"`
}

type Completed struct {
	Base
	ProcessingFee       int64  `json:"processingFee"`
	NetAmount           int64  `json:"netAmount"`
	GatewayConfirmation string `json:"gatewayConfirmation,omitempty"`
}

type Failed struct {
	Base
	FailureReason string `json:"failureReason"`
	FailureCode   string `json:"failureCode,omitempty"`
	Retryable     bool   `json:"retryable"`
	AttemptNumber int    `json:"attemptNumber,omitempty"`
}

type WalletDebited struct {
	Base
	DebitAmount   int64  `json:"debitAmount"`
	BalanceBefore int64  `json:"balanceBefore"`
	BalanceAfter  int64  `json:"balanceAfter"`
	ReferenceID   string `json:"referenceId,omitempty"`
	ReferenceType string `json:"referenceType,omitempty"`
}

type WalletCredited struct {
	Base
	CreditAmount  int64  `json:"creditAmount"`
	BalanceBefore int64  `json:"balanceBefore"`
	BalanceAfter  int64  `json:"balanceAfter"`
	ReferenceID   string `json:"referenceId,omitempty"`
	ReferenceType string `json:"referenceType,omitempty"`
}

func init() {
	registry.Register(TypeInitiated, registry.JSON[Initiated](TypeInitiated))
	registry.Register(TypeCompleted, registry.JSON[Completed](TypeCompleted))
	registry.Register(TypeFailed, registry.JSON[Failed](TypeFailed))
	registry.Register(TypeWalletDebited, registry.JSON[WalletDebited](TypeWalletDebited))
	registry.Register(TypeWalletCredited, registry.JSON[WalletCredited](TypeWalletCredited))
}
