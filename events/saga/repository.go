package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("saga instance not found")

// ErrConcurrentUpdate means another writer advanced the instance since it
// was loaded; reload and retry.
var ErrConcurrentUpdate = errors.New("saga instance was updated concurrently")

// DB is satisfied by both *db.Pool and pgx.Tx, so saga updates can join the
// transaction that stages outbox commands.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

const instanceColumns = `id, saga_type, correlation_id, state, current_step, steps,
	input_data, output_data, error_message, failed_step, initiator_service, user_id,
	created_at, started_at, completed_at, updated_at, version`

func (r *Repository) Insert(ctx context.Context, q DB, inst *Instance) error {
	steps, input, output, err := marshalJSONColumns(inst)
	if err != nil {
		return err
	}
	inst.Version = 1
	_, err = q.Exec(ctx, `
		INSERT INTO saga_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, inst.ID, inst.SagaType, inst.CorrelationID, inst.State, inst.CurrentStep, steps,
		input, output, inst.ErrorMessage, inst.FailedStep, inst.InitiatorService, inst.UserID,
		inst.CreatedAt, inst.StartedAt, inst.CompletedAt, inst.UpdatedAt, inst.Version)
	return err
}

// Update persists the instance guarded by the optimistic-lock version. The
// reply consumer and the timeout sweeper may race on the same saga; the
// loser gets ErrConcurrentUpdate.
func (r *Repository) Update(ctx context.Context, q DB, inst *Instance) error {
	steps, input, output, err := marshalJSONColumns(inst)
	if err != nil {
		return err
	}
	inst.UpdatedAt = time.Now().UTC()
	tag, err := q.Exec(ctx, `
		UPDATE saga_instances
		SET state = $2, current_step = $3, steps = $4, input_data = $5, output_data = $6,
		    error_message = $7, failed_step = $8, started_at = $9, completed_at = $10,
		    updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $12
	`, inst.ID, inst.State, inst.CurrentStep, steps, input, output,
		inst.ErrorMessage, inst.FailedStep, inst.StartedAt, inst.CompletedAt,
		inst.UpdatedAt, inst.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	inst.Version++
	return nil
}

func (r *Repository) FindByID(ctx context.Context, q DB, id uuid.UUID) (*Instance, error) {
	rows, err := q.Query(ctx, `
		SELECT `+instanceColumns+` FROM saga_instances WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances, err := scanInstances(rows)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, ErrNotFound
	}
	return &instances[0], nil
}

func (r *Repository) FindByCorrelationID(ctx context.Context, q DB, correlationID string) (*Instance, error) {
	rows, err := q.Query(ctx, `
		SELECT `+instanceColumns+` FROM saga_instances WHERE correlation_id = $1
	`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances, err := scanInstances(rows)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, ErrNotFound
	}
	return &instances[0], nil
}

func (r *Repository) FindByState(ctx context.Context, q DB, state State, limit int) ([]Instance, error) {
	rows, err := q.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instances
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// FindStuck returns RUNNING sagas that have not moved since the cutoff;
// stuck detection is a query, not a timer.
func (r *Repository) FindStuck(ctx context.Context, q DB, cutoff time.Time, limit int) ([]Instance, error) {
	rows, err := q.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instances
		WHERE state = 'RUNNING' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (r *Repository) FindNeedingCompensation(ctx context.Context, q DB, limit int) ([]Instance, error) {
	rows, err := q.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instances
		WHERE state = 'COMPENSATING'
		ORDER BY updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (r *Repository) CountByState(ctx context.Context, q DB, state State) (int64, error) {
	var n int64
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM saga_instances WHERE state = $1
	`, state).Scan(&n)
	return n, err
}

func marshalJSONColumns(inst *Instance) (steps, input, output []byte, err error) {
	if steps, err = json.Marshal(inst.Steps); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	if input, err = json.Marshal(inst.InputData); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal input: %w", err)
	}
	if output, err = json.Marshal(inst.OutputData); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal output: %w", err)
	}
	return steps, input, output, nil
}

func scanInstances(rows pgx.Rows) ([]Instance, error) {
	var instances []Instance
	for rows.Next() {
		var inst Instance
		var steps, input, output []byte
		if err := rows.Scan(&inst.ID, &inst.SagaType, &inst.CorrelationID, &inst.State, &inst.CurrentStep, &steps,
			&input, &output, &inst.ErrorMessage, &inst.FailedStep, &inst.InitiatorService, &inst.UserID,
			&inst.CreatedAt, &inst.StartedAt, &inst.CompletedAt, &inst.UpdatedAt, &inst.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(steps, &inst.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &inst.InputData); err != nil {
				return nil, fmt.Errorf("unmarshal input: %w", err)
			}
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &inst.OutputData); err != nil {
				return nil, fmt.Errorf("unmarshal output: %w", err)
			}
		}
		instances = append(instances, inst)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return instances, nil
}
