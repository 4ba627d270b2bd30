package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mannapay/eventcore/events/core"
)

var (
	startedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_sagas_started_total",
		Help: "Sagas started.",
	})
	completedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_sagas_completed_total",
		Help: "Sagas that ran every step to completion.",
	})
	compensatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_sagas_compensated_total",
		Help: "Sagas fully rolled back after a step failure.",
	})
	sagaFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_sagas_failed_total",
		Help: "Sagas that failed with no completed steps to revert.",
	})
	suspendedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_sagas_suspended_total",
		Help: "Sagas parked for operator intervention.",
	})
	stepRetryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_saga_steps_retried_total",
		Help: "Step executions redispatched after a retryable failure.",
	})
	stepTimeoutCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mannapay_saga_step_timeouts_total",
		Help: "Steps timed out by the sweeper.",
	})
	sagaDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mannapay_saga_duration_seconds",
		Help:    "Wall time from saga start to a terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)

// CommandStager stages a saga command so it commits atomically with the saga
// row update. Satisfied by *outbox.Service.
type CommandStager interface {
	SaveEvent(ctx context.Context, tx pgx.Tx, event core.DomainEvent) (uuid.UUID, error)
}

// Pool is the database access the orchestrator needs: reads for lookups,
// transactions for state changes. Satisfied by *db.Pool.
type Pool interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InstanceStore is the repository surface the orchestrator drives; split out
// so the transition rules are testable without postgres. Satisfied by
// *Repository.
type InstanceStore interface {
	Insert(ctx context.Context, q DB, inst *Instance) error
	Update(ctx context.Context, q DB, inst *Instance) error
	FindByID(ctx context.Context, q DB, id uuid.UUID) (*Instance, error)
	FindStuck(ctx context.Context, q DB, cutoff time.Time, limit int) ([]Instance, error)
}

// Orchestrator advances saga instances in response to participant replies.
// It is purely reactive between replies; progress and commands live in
// postgres, so a crashed orchestrator resumes where it left off.
type Orchestrator struct {
	pool   Pool
	repo   InstanceStore
	stager CommandStager
	logger *slog.Logger

	stepTimeout time.Duration
	sweepEvery  time.Duration
	sweepBatch  int
}

type OrchestratorConfig struct {
	StepTimeout time.Duration // default 5m
	SweepEvery  time.Duration // default 30s
	SweepBatch  int           // default 50
}

func NewOrchestrator(pool Pool, repo InstanceStore, stager CommandStager, logger *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 30 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	return &Orchestrator{
		pool:        pool,
		repo:        repo,
		stager:      stager,
		logger:      logger,
		stepTimeout: cfg.StepTimeout,
		sweepEvery:  cfg.SweepEvery,
		sweepBatch:  cfg.SweepBatch,
	}
}

// Start creates a saga and dispatches its first step. The instance row and
// the staged command commit in one transaction.
func (o *Orchestrator) Start(ctx context.Context, sagaType, correlationID string, steps []Step, input map[string]any) (*Instance, error) {
	if len(steps) == 0 {
		return nil, errors.New("saga needs at least one step")
	}

	inst := NewInstance(sagaType, correlationID, steps, input)
	inst.Start()
	first := inst.CurrentStepInfo()
	first.Start()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := o.repo.Insert(ctx, tx, inst); err != nil {
		return nil, err
	}
	if err := o.dispatch(ctx, tx, inst, first, first.Command, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	startedCounter.Inc()
	o.logger.Info("saga started",
		"saga_id", inst.ID, "saga_type", sagaType, "correlation_id", correlationID, "steps", len(steps))
	return inst, nil
}

// HandleReply applies one participant reply. Replies for terminal sagas,
// unknown steps, or steps other than the current one are acknowledged and
// dropped; the dedup layer in front of this already filtered exact
// redeliveries, this filters logically stale ones.
func (o *Orchestrator) HandleReply(ctx context.Context, reply *Reply) error {
	sagaID, err := uuid.Parse(reply.SagaID)
	if err != nil {
		o.logger.Warn("reply with malformed saga id dropped", "saga_id", reply.SagaID)
		return nil
	}

	inst, err := o.repo.FindByID(ctx, o.pool, sagaID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.logger.Warn("reply for unknown saga dropped", "saga_id", sagaID)
			return nil
		}
		return err
	}
	if inst.IsTerminal() {
		o.logger.Debug("reply for terminal saga dropped", "saga_id", sagaID, "state", inst.State)
		return nil
	}
	step := inst.StepByID(reply.StepID)
	if step == nil {
		o.logger.Warn("reply for unknown step dropped", "saga_id", sagaID, "step_id", reply.StepID)
		return nil
	}

	switch inst.State {
	case StateRunning:
		return o.handleExecutionReply(ctx, inst, step, reply)
	case StateCompensating:
		return o.handleCompensationReply(ctx, inst, step, reply)
	default:
		o.logger.Debug("reply dropped in state", "saga_id", sagaID, "state", inst.State)
		return nil
	}
}

func (o *Orchestrator) handleExecutionReply(ctx context.Context, inst *Instance, step *Step, reply *Reply) error {
	cur := inst.CurrentStepInfo()
	if cur == nil || cur.StepID != step.StepID {
		o.logger.Debug("stale execution reply dropped",
			"saga_id", inst.ID, "step_id", step.StepID, "current_step", inst.CurrentStep)
		return nil
	}

	switch reply.Outcome {
	case OutcomeSuccess:
		cur.Complete(reply.ResultData)
		for k, v := range reply.ResultData {
			inst.AddOutput(k, v)
		}
		if inst.NextStep() {
			next := inst.CurrentStepInfo()
			next.Start()
			if err := o.persist(ctx, inst, next, next.Command, false); err != nil {
				return err
			}
			o.logger.Info("saga step completed",
				"saga_id", inst.ID, "step", cur.Name, "next_step", next.Name)
			return nil
		}
		inst.Complete()
		if err := o.persist(ctx, inst, nil, "", false); err != nil {
			return err
		}
		completedCounter.Inc()
		sagaDuration.Observe(inst.Duration().Seconds())
		o.logger.Info("saga completed", "saga_id", inst.ID, "saga_type", inst.SagaType, "duration", inst.Duration())
		return nil

	case OutcomeFailure, OutcomeTimeout:
		// Timeouts are retried like transient failures: the participant may
		// have finished and the reply got lost.
		retryable := reply.Retryable || reply.Outcome == OutcomeTimeout
		if retryable && cur.CanRetry() {
			cur.IncrementRetry()
			cur.Start()
			if err := o.persist(ctx, inst, cur, cur.Command, false); err != nil {
				return err
			}
			stepRetryCounter.Inc()
			o.logger.Warn("saga step redispatched",
				"saga_id", inst.ID, "step", cur.Name, "attempt", cur.RetryCount, "outcome", reply.Outcome, "err", reply.ErrorMessage)
			return nil
		}
		cur.Fail(reply.ErrorMessage)
		return o.beginCompensation(ctx, inst, inst.CurrentStep, reply.ErrorMessage)

	default:
		o.logger.Warn("reply with unknown outcome dropped", "saga_id", inst.ID, "outcome", reply.Outcome)
		return nil
	}
}

// beginCompensation reverts completed steps in reverse order, one command at
// a time. Steps without a compensation command are skipped. With nothing to
// revert the saga fails directly.
func (o *Orchestrator) beginCompensation(ctx context.Context, inst *Instance, failedStep int, errMsg string) error {
	completed := inst.CompletedSteps()
	if len(completed) == 0 {
		inst.Fail(errMsg, failedStep)
		if err := o.persist(ctx, inst, nil, "", false); err != nil {
			return err
		}
		sagaFailedCounter.Inc()
		sagaDuration.Observe(inst.Duration().Seconds())
		o.logger.Error("saga failed, nothing to compensate",
			"saga_id", inst.ID, "failed_step", failedStep, "err", errMsg)
		return nil
	}

	inst.StartCompensation()
	inst.ErrorMessage = errMsg
	inst.FailedStep = &failedStep
	o.logger.Warn("saga compensating",
		"saga_id", inst.ID, "failed_step", failedStep, "completed_steps", len(completed), "err", errMsg)
	return o.advanceCompensation(ctx, inst)
}

// advanceCompensation dispatches the next pending compensation, or closes
// the saga out when every completed step has been handled.
func (o *Orchestrator) advanceCompensation(ctx context.Context, inst *Instance) error {
	completed := inst.CompletedSteps()
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.CompensationCommand == "" {
			step.State = StepSkipped
			o.logger.Debug("step has no compensation, skipped", "saga_id", inst.ID, "step", step.Name)
			continue
		}
		step.StartCompensation()
		if err := o.persist(ctx, inst, step, step.CompensationCommand, true); err != nil {
			return err
		}
		o.logger.Info("compensation dispatched", "saga_id", inst.ID, "step", step.Name)
		return nil
	}

	inst.CompleteCompensation()
	if err := o.persist(ctx, inst, nil, "", false); err != nil {
		return err
	}
	compensatedCounter.Inc()
	sagaDuration.Observe(inst.Duration().Seconds())
	o.logger.Info("saga compensated", "saga_id", inst.ID, "saga_type", inst.SagaType)
	return nil
}

func (o *Orchestrator) handleCompensationReply(ctx context.Context, inst *Instance, step *Step, reply *Reply) error {
	if step.State != StepCompensating {
		o.logger.Debug("stale compensation reply dropped",
			"saga_id", inst.ID, "step_id", step.StepID, "step_state", step.State)
		return nil
	}

	switch reply.Outcome {
	case OutcomeSuccess:
		step.MarkCompensated()
		return o.advanceCompensation(ctx, inst)

	case OutcomeFailure, OutcomeTimeout:
		retryable := reply.Retryable || reply.Outcome == OutcomeTimeout
		if retryable && step.CanRetry() {
			step.IncrementRetry()
			step.State = StepCompensating
			if err := o.persist(ctx, inst, step, step.CompensationCommand, true); err != nil {
				return err
			}
			stepRetryCounter.Inc()
			o.logger.Warn("compensation redispatched",
				"saga_id", inst.ID, "step", step.Name, "attempt", step.RetryCount, "err", reply.ErrorMessage)
			return nil
		}
		// A failed compensation means state diverged from the plan; a human
		// has to reconcile before anything else touches this saga.
		inst.Suspend(fmt.Sprintf("compensation of step %q failed: %s", step.Name, reply.ErrorMessage))
		if err := o.persist(ctx, inst, nil, "", false); err != nil {
			return err
		}
		suspendedCounter.Inc()
		o.logger.Error("saga suspended, compensation failed",
			"saga_id", inst.ID, "step", step.Name, "err", reply.ErrorMessage)
		return nil

	default:
		o.logger.Warn("reply with unknown outcome dropped", "saga_id", inst.ID, "outcome", reply.Outcome)
		return nil
	}
}

// Resume re-dispatches the current activity of a SUSPENDED saga after an
// operator fixed the underlying problem. A saga suspended mid-compensation
// goes back to COMPENSATING; one suspended mid-execution goes back to
// RUNNING with its current step restarted.
func (o *Orchestrator) Resume(ctx context.Context, sagaID uuid.UUID) error {
	inst, err := o.repo.FindByID(ctx, o.pool, sagaID)
	if err != nil {
		return err
	}
	if inst.State != StateSuspended {
		return fmt.Errorf("saga %s is %s, only SUSPENDED sagas can be resumed", sagaID, inst.State)
	}

	for idx := range inst.Steps {
		step := &inst.Steps[idx]
		if step.State == StepCompensating {
			inst.State = StateCompensating
			inst.ErrorMessage = ""
			step.RetryCount = 0
			if err := o.persist(ctx, inst, step, step.CompensationCommand, true); err != nil {
				return err
			}
			o.logger.Info("saga resumed", "saga_id", sagaID, "state", inst.State, "step", step.Name)
			return nil
		}
	}

	if cur := inst.CurrentStepInfo(); cur != nil && (cur.State == StepRunning || cur.State == StepPending) {
		inst.State = StateRunning
		inst.ErrorMessage = ""
		cur.RetryCount = 0
		cur.Start()
		if err := o.persist(ctx, inst, cur, cur.Command, false); err != nil {
			return err
		}
		o.logger.Info("saga resumed", "saga_id", sagaID, "state", inst.State, "step", cur.Name)
		return nil
	}
	return fmt.Errorf("saga %s has no step to resume", sagaID)
}

// SweepTimeouts synthesizes TIMEOUT replies for RUNNING sagas whose current
// step has been in flight longer than the step timeout.
func (o *Orchestrator) SweepTimeouts(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-o.stepTimeout)
	stuck, err := o.repo.FindStuck(ctx, o.pool, cutoff, o.sweepBatch)
	if err != nil {
		return err
	}

	for i := range stuck {
		inst := &stuck[i]
		cur := inst.CurrentStepInfo()
		if cur == nil || cur.StartedAt == nil || cur.StartedAt.After(cutoff) {
			continue
		}
		stepTimeoutCounter.Inc()
		o.logger.Warn("saga step timed out",
			"saga_id", inst.ID, "step", cur.Name, "started_at", cur.StartedAt)

		reply := &Reply{
			SagaID:       inst.ID.String(),
			StepID:       cur.StepID,
			ServiceName:  cur.ServiceName,
			Outcome:      OutcomeTimeout,
			ErrorMessage: fmt.Sprintf("no reply within %s", o.stepTimeout),
			Retryable:    true,
		}
		reply.stampDefaults()
		if err := o.HandleReply(ctx, reply); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				// A real reply landed first; it wins.
				continue
			}
			o.logger.Error("timeout handling failed", "saga_id", inst.ID, "err", err)
		}
	}
	return nil
}

// RunSweeper runs the timeout sweep until the context ends.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.SweepTimeouts(ctx); err != nil {
				o.logger.Error("timeout sweep failed", "err", err)
			}
		}
	}
}

// persist commits the instance update and, when step is non-nil, the next
// command in one transaction.
func (o *Orchestrator) persist(ctx context.Context, inst *Instance, step *Step, commandName string, compensation bool) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := o.repo.Update(ctx, tx, inst); err != nil {
		return err
	}
	if step != nil {
		if err := o.dispatch(ctx, tx, inst, step, commandName, compensation); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (o *Orchestrator) dispatch(ctx context.Context, tx pgx.Tx, inst *Instance, step *Step, commandName string, compensation bool) error {
	cmd := NewCommand(inst, step, commandName, compensation)
	if _, err := o.stager.SaveEvent(ctx, tx, cmd); err != nil {
		return fmt.Errorf("stage saga command %s: %w", commandName, err)
	}
	return nil
}
