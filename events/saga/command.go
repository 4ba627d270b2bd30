package saga

import (
	"strings"

	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/registry"
)

const (
	TypeCommand = "SagaCommand"
	TypeReply   = "SagaReply"

	// CommandTopicPrefix routes commands per participant:
	// mannapay.saga.commands.<targetService>.
	CommandTopicPrefix = core.Namespace + ".saga.commands."
	ReplyTopic         = core.Namespace + ".saga.replies"
)

// Command instructs a participant service to execute (or compensate) one
// saga step.
type Command struct {
	core.Event
	SagaID        string         `json:"sagaId"`
	SagaType      string         `json:"sagaType"`
	StepID        string         `json:"stepId"`
	CommandName   string         `json:"commandName"`
	TargetService string         `json:"targetService"`
	Payload       map[string]any `json:"payload,omitempty"`
	Compensation  bool           `json:"compensation"`
	ReplyTopic    string         `json:"replyTopic,omitempty"`
}

func (c *Command) TopicName() string {
	return CommandTopicPrefix + strings.ToLower(c.TargetService)
}

// PartitionKey keys commands by saga so one saga's commands stay ordered.
func (c *Command) PartitionKey() string {
	if c.SagaID != "" {
		return c.SagaID
	}
	return c.Event.PartitionKey()
}

// NewCommand builds a command for one step execution round trip.
func NewCommand(inst *Instance, step *Step, commandName string, compensation bool) *Command {
	cmd := &Command{
		SagaID:        inst.ID.String(),
		SagaType:      inst.SagaType,
		StepID:        step.StepID,
		CommandName:   commandName,
		TargetService: step.ServiceName,
		Payload:       step.Input,
		Compensation:  compensation,
		ReplyTopic:    ReplyTopic,
	}
	cmd.EventType = TypeCommand
	cmd.AggregateID = inst.ID.String()
	cmd.AggregateType = "Saga"
	cmd.CorrelationID = inst.CorrelationID
	cmd.InitializeDefaults()
	return cmd
}

func init() {
	registry.Register(TypeCommand, registry.JSON[Command](TypeCommand))
	registry.Register(TypeReply, registry.JSON[Reply](TypeReply))
}
