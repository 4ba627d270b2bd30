// Package user holds the user event family.
package user

import (
	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/registry"
)

const Topic = core.Namespace + ".user.events"

const (
	TypeRegistered       = "UserRegistered"
	TypeKYCStatusChanged = "UserKYCStatusChanged"
)

type Base struct {
	core.Event
	PrincipalID string `json:"principalId"`
	Email       string `json:"email,omitempty"`
}

func (b *Base) TopicName() string { return Topic }

// PartitionKey keys user events by principal id so everything about one user
// stays in order.
func (b *Base) PartitionKey() string {
	if b.PrincipalID != "" {
		return b.PrincipalID
	}
	return b.Event.PartitionKey()
}

type Registered struct {
	Base
	FirstName                 string   `json:"firstName,omitempty"`
	LastName                  string   `json:"lastName,omitempty"`
	Phone                     string   `json:"phone,omitempty"`
	Roles                     []string `json:"roles,omitempty"`
	EmailVerificationRequired bool     `json:"emailVerificationRequired,omitempty"`
}

type KYCStatusChanged struct {
	Base
	PreviousKYCLevel string `json:"previousKycLevel,omitempty"`
	NewKYCLevel      string `json:"newKycLevel"`
	ChangeReason     string `json:"changeReason,omitempty"`
	ChangedBy        string `json:"changedBy,omitempty"`
}

func init() {
	registry.Register(TypeRegistered, registry.JSON[Registered](TypeRegistered))
	registry.Register(TypeKYCStatusChanged, registry.JSON[KYCStatusChanged](TypeKYCStatusChanged))
}
