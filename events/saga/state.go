package saga

// State is the lifecycle of a saga instance.
type State string

const (
	StateCreated      State = "CREATED"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
	StateFailed       State = "FAILED"
	StateSuspended    State = "SUSPENDED"
)

// Terminal holds only for COMPLETED, COMPENSATED and FAILED. SUSPENDED is
// parked for operator action, not finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateFailed
}
