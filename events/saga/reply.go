package saga

import (
	"github.com/mannapay/eventcore/events/core"
)

// Outcome of one step execution at a participant.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeTimeout Outcome = "TIMEOUT"
)

// Reply is a participant's answer to a Command, correlated by sagaId+stepId.
type Reply struct {
	core.Event
	SagaID       string         `json:"sagaId"`
	StepID       string         `json:"stepId"`
	ServiceName  string         `json:"serviceName"`
	Outcome      Outcome        `json:"outcome"`
	ResultData   map[string]any `json:"resultData,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Retryable    bool           `json:"retryable"`
}

func (r *Reply) TopicName() string { return ReplyTopic }

func (r *Reply) PartitionKey() string {
	if r.SagaID != "" {
		return r.SagaID
	}
	return r.Event.PartitionKey()
}

func (r *Reply) Success() bool { return r.Outcome == OutcomeSuccess }

func (r *Reply) AddData(key string, value any) {
	if r.ResultData == nil {
		r.ResultData = make(map[string]any)
	}
	r.ResultData[key] = value
}

func SuccessReply(sagaID, stepID, serviceName string, data map[string]any) *Reply {
	r := &Reply{
		SagaID:      sagaID,
		StepID:      stepID,
		ServiceName: serviceName,
		Outcome:     OutcomeSuccess,
		ResultData:  data,
	}
	r.stampDefaults()
	return r
}

func FailureReply(sagaID, stepID, serviceName, errorCode, errorMessage string, retryable bool) *Reply {
	r := &Reply{
		SagaID:       sagaID,
		StepID:       stepID,
		ServiceName:  serviceName,
		Outcome:      OutcomeFailure,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		Retryable:    retryable,
	}
	r.stampDefaults()
	return r
}

func (r *Reply) stampDefaults() {
	r.EventType = TypeReply
	r.AggregateID = r.SagaID
	r.AggregateType = "Saga"
	r.InitializeDefaults()
}
