package saga

import (
	"time"

	"github.com/google/uuid"
)

// Instance is the persisted state machine of one distributed transaction.
// Instances are never deleted; terminal sagas are retained for audit.
type Instance struct {
	ID               uuid.UUID      `json:"id"`
	SagaType         string         `json:"sagaType"`
	CorrelationID    string         `json:"correlationId"`
	State            State          `json:"state"`
	CurrentStep      int            `json:"currentStep"`
	Steps            []Step         `json:"steps"`
	InputData        map[string]any `json:"inputData,omitempty"`
	OutputData       map[string]any `json:"outputData,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	FailedStep       *int           `json:"failedStep,omitempty"`
	InitiatorService string         `json:"initiatorService,omitempty"`
	UserID           string         `json:"userId,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Version          int64          `json:"version"`
}

func NewInstance(sagaType, correlationID string, steps []Step, input map[string]any) *Instance {
	now := time.Now().UTC()
	for i := range steps {
		if steps[i].StepID == "" {
			steps[i].StepID = uuid.NewString()
		}
		steps[i].Order = i
		if steps[i].State == "" {
			steps[i].State = StepPending
		}
	}
	return &Instance{
		ID:            uuid.New(),
		SagaType:      sagaType,
		CorrelationID: correlationID,
		State:         StateCreated,
		Steps:         steps,
		InputData:     input,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (i *Instance) Start() {
	now := time.Now().UTC()
	i.State = StateRunning
	i.StartedAt = &now
}

func (i *Instance) Complete() {
	now := time.Now().UTC()
	i.State = StateCompleted
	i.CompletedAt = &now
}

func (i *Instance) Fail(errMsg string, failedStep int) {
	now := time.Now().UTC()
	i.State = StateFailed
	i.ErrorMessage = errMsg
	i.FailedStep = &failedStep
	i.CompletedAt = &now
}

func (i *Instance) StartCompensation() {
	i.State = StateCompensating
}

func (i *Instance) CompleteCompensation() {
	now := time.Now().UTC()
	i.State = StateCompensated
	i.CompletedAt = &now
}

func (i *Instance) Suspend(reason string) {
	i.State = StateSuspended
	i.ErrorMessage = reason
}

// CurrentStepInfo returns the step at the cursor, or nil when the cursor is
// out of range.
func (i *Instance) CurrentStepInfo() *Step {
	if i.CurrentStep >= 0 && i.CurrentStep < len(i.Steps) {
		return &i.Steps[i.CurrentStep]
	}
	return nil
}

// NextStep advances the cursor and reports whether more steps remain. At the
// last step it returns false and the caller completes the saga.
func (i *Instance) NextStep() bool {
	if i.CurrentStep < len(i.Steps)-1 {
		i.CurrentStep++
		return true
	}
	return false
}

func (i *Instance) IsTerminal() bool { return i.State.Terminal() }

func (i *Instance) AddOutput(key string, value any) {
	if i.OutputData == nil {
		i.OutputData = make(map[string]any)
	}
	i.OutputData[key] = value
}

// CompletedSteps returns the steps that reached COMPLETED, in original step
// order. Compensation walks this list in reverse.
func (i *Instance) CompletedSteps() []*Step {
	var out []*Step
	for idx := range i.Steps {
		if i.Steps[idx].State == StepCompleted {
			out = append(out, &i.Steps[idx])
		}
	}
	return out
}

// StepByID locates a step by its id; replies are matched this way.
func (i *Instance) StepByID(stepID string) *Step {
	for idx := range i.Steps {
		if i.Steps[idx].StepID == stepID {
			return &i.Steps[idx]
		}
	}
	return nil
}

func (i *Instance) Duration() time.Duration {
	if i.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if i.CompletedAt != nil {
		end = *i.CompletedAt
	}
	return end.Sub(*i.StartedAt)
}
