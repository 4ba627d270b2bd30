package saga

import "testing"

func threeStepInstance() *Instance {
	return NewInstance("MoneyTransfer", "corr-1", []Step{
		{Name: "reserve-funds", ServiceName: "payment-service", Command: "payment.authorize", CompensationCommand: "payment.reverse", MaxRetries: 3},
		{Name: "credit-recipient", ServiceName: "wallet-service", Command: "wallet.credit", CompensationCommand: "wallet.debit", MaxRetries: 3},
		{Name: "notify-parties", ServiceName: "notification-service", Command: "notification.send", MaxRetries: 3},
	}, map[string]any{"transferId": "tr-1"})
}

func TestNewInstance_AssignsStepIdentity(t *testing.T) {
	inst := threeStepInstance()

	if inst.State != StateCreated {
		t.Fatalf("expected CREATED, got %s", inst.State)
	}
	if inst.CurrentStep != 0 {
		t.Fatalf("expected cursor at 0, got %d", inst.CurrentStep)
	}
	seen := make(map[string]bool)
	for i, step := range inst.Steps {
		if step.StepID == "" {
			t.Fatalf("step %d: expected generated id", i)
		}
		if seen[step.StepID] {
			t.Fatalf("step %d: duplicate id %s", i, step.StepID)
		}
		seen[step.StepID] = true
		if step.Order != i {
			t.Fatalf("step %d: expected order %d, got %d", i, i, step.Order)
		}
		if step.State != StepPending {
			t.Fatalf("step %d: expected PENDING, got %s", i, step.State)
		}
	}
}

func TestNextStep_StopsAtLastStep(t *testing.T) {
	inst := threeStepInstance()
	inst.Start()

	if !inst.NextStep() {
		t.Fatal("expected advance to step 1")
	}
	if !inst.NextStep() {
		t.Fatal("expected advance to step 2")
	}
	if inst.NextStep() {
		t.Fatal("expected no advance past the last step")
	}
	if inst.CurrentStep != 2 {
		t.Fatalf("expected cursor to stay at 2, got %d", inst.CurrentStep)
	}
}

func TestCompletedSteps_InOrder(t *testing.T) {
	inst := threeStepInstance()
	inst.Steps[0].Complete(nil)
	inst.Steps[2].Complete(nil)
	inst.Steps[1].Fail("declined")

	completed := inst.CompletedSteps()
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed steps, got %d", len(completed))
	}
	if completed[0].Name != "reserve-funds" || completed[1].Name != "notify-parties" {
		t.Fatalf("expected original order, got %s then %s", completed[0].Name, completed[1].Name)
	}
}

func TestStepByID(t *testing.T) {
	inst := threeStepInstance()
	step := inst.StepByID(inst.Steps[1].StepID)
	if step == nil || step.Name != "credit-recipient" {
		t.Fatalf("expected credit-recipient, got %+v", step)
	}
	if inst.StepByID("no-such-step") != nil {
		t.Fatal("expected nil for unknown step id")
	}
}

func TestLifecycle_FailureRecordsStep(t *testing.T) {
	inst := threeStepInstance()
	inst.Start()
	if inst.State != StateRunning || inst.StartedAt == nil {
		t.Fatalf("expected RUNNING with start time, got %s", inst.State)
	}

	inst.Fail("card declined", 1)
	if inst.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", inst.State)
	}
	if inst.FailedStep == nil || *inst.FailedStep != 1 {
		t.Fatalf("expected failed step 1, got %v", inst.FailedStep)
	}
	if !inst.IsTerminal() {
		t.Fatal("expected FAILED to be terminal")
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateCompleted, StateCompensated, StateFailed} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StateCreated, StateRunning, StateCompensating, StateSuspended} {
		if s.Terminal() {
			t.Fatalf("expected %s not to be terminal", s)
		}
	}
}

func TestStep_RetryBudget(t *testing.T) {
	step := &Step{MaxRetries: 2}
	step.Start()
	if !step.CanRetry() {
		t.Fatal("expected budget at 0 retries")
	}
	step.IncrementRetry()
	if step.State != StepPending {
		t.Fatalf("expected retry to reset state to PENDING, got %s", step.State)
	}
	step.IncrementRetry()
	if step.CanRetry() {
		t.Fatal("expected budget spent after 2 retries")
	}
}

func TestCompensationWalk_ModelLevel(t *testing.T) {
	inst := threeStepInstance()
	inst.Start()

	// Steps 0 and 1 completed, step 2 failed.
	inst.Steps[0].Complete(map[string]any{"paymentIntentId": "pi_1"})
	inst.CurrentStep = 2
	inst.Steps[1].Complete(nil)
	inst.Steps[2].Fail("notification rejected")

	inst.StartCompensation()
	if inst.State != StateCompensating {
		t.Fatalf("expected COMPENSATING, got %s", inst.State)
	}

	completed := inst.CompletedSteps()
	// Reverse order: credit-recipient is undone before reserve-funds.
	last := completed[len(completed)-1]
	if last.Name != "credit-recipient" {
		t.Fatalf("expected credit-recipient compensated first, got %s", last.Name)
	}
	last.StartCompensation()
	last.MarkCompensated()
	if !last.Compensated || last.State != StepCompensated {
		t.Fatalf("expected compensated step, got %+v", last)
	}

	completed = inst.CompletedSteps()
	if len(completed) != 1 || completed[0].Name != "reserve-funds" {
		t.Fatalf("expected reserve-funds left, got %v", completed)
	}
	completed[0].StartCompensation()
	completed[0].MarkCompensated()

	if len(inst.CompletedSteps()) != 0 {
		t.Fatal("expected no completed steps left")
	}
	inst.CompleteCompensation()
	if inst.State != StateCompensated || inst.CompletedAt == nil {
		t.Fatalf("expected COMPENSATED, got %s", inst.State)
	}
}
