package saga

import "time"

type StepState string

const (
	StepPending      StepState = "PENDING"
	StepRunning      StepState = "RUNNING"
	StepCompleted    StepState = "COMPLETED"
	StepFailed       StepState = "FAILED"
	StepCompensating StepState = "COMPENSATING"
	StepCompensated  StepState = "COMPENSATED"
	StepSkipped      StepState = "SKIPPED"
)

// Step is one remote unit of work in a saga, executed by a participant
// service via a command/reply round trip.
type Step struct {
	StepID              string         `json:"stepId"`
	Name                string         `json:"name"`
	Order               int            `json:"order"`
	State               StepState      `json:"state"`
	ServiceName         string         `json:"serviceName"`
	Command             string         `json:"command"`
	CompensationCommand string         `json:"compensationCommand,omitempty"`
	Input               map[string]any `json:"input,omitempty"`
	Output              map[string]any `json:"output,omitempty"`
	ErrorMessage        string         `json:"errorMessage,omitempty"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
	RetryCount          int            `json:"retryCount"`
	MaxRetries          int            `json:"maxRetries"`
	Compensated         bool           `json:"compensated"`
	CompensatedAt       *time.Time     `json:"compensatedAt,omitempty"`
}

func (s *Step) Start() {
	now := time.Now().UTC()
	s.State = StepRunning
	s.StartedAt = &now
}

func (s *Step) Complete(output map[string]any) {
	now := time.Now().UTC()
	s.State = StepCompleted
	s.Output = output
	s.CompletedAt = &now
}

func (s *Step) Fail(errMsg string) {
	now := time.Now().UTC()
	s.State = StepFailed
	s.ErrorMessage = errMsg
	s.CompletedAt = &now
}

func (s *Step) StartCompensation() {
	s.State = StepCompensating
}

// MarkCompensated is valid only for a step that previously reached
// COMPLETED; the orchestrator enforces that by building its compensation
// worklist from CompletedSteps.
func (s *Step) MarkCompensated() {
	now := time.Now().UTC()
	s.Compensated = true
	s.CompensatedAt = &now
	s.State = StepCompensated
}

func (s *Step) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

func (s *Step) IncrementRetry() {
	s.RetryCount++
	s.State = StepPending
}
