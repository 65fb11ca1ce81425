package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// Enqueue implements store.Store.
func (s *Store) Enqueue(ctx context.Context, exec *models.Execution) error {
	shardResults, err := marshalJSON(exec.ShardResults)
	if err != nil {
		return fmt.Errorf("pgstore: marshal shard_results: %w", err)
	}
	metadata, err := marshalJSON(exec.Metadata)
	if err != nil {
		return fmt.Errorf("pgstore: marshal metadata: %w", err)
	}
	if exec.TotalShards <= 0 {
		exec.TotalShards = 1
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO executions (
			id, test_suite, environment, branch, commit, requested_by, priority,
			estimated_duration_ms, requested_runner_type, requested_runner_id,
			status, total_shards, shard_results, metadata, webhook_url
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'queued', $11, $12, $13, $14
		)
		RETURNING created_at`,
		exec.ID, exec.TestSuite, exec.Environment, exec.Branch, exec.Commit, exec.RequestedBy, exec.Priority,
		exec.EstimatedDurationMs, exec.RequestedRunnerType, exec.RequestedRunnerID,
		exec.TotalShards, shardResults, metadata, exec.WebhookURL,
	)
	if err := row.Scan(&exec.CreatedAt); err != nil {
		return mapErr(err)
	}
	exec.Status = models.ExecutionQueued
	return nil
}

// Cancel implements store.Store.
func (s *Store) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	var exec *models.Execution
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		e, err := scanExecution(tx.QueryRow(ctx, execSelectSQL+" WHERE id = $1 FOR UPDATE", executionID))
		if err != nil {
			return err
		}
		if e.Status.IsTerminal() {
			return store.ErrConflict
		}
		now := time.Now()
		if _, err := tx.Exec(ctx, `UPDATE executions SET status = 'cancelled', completed_at = $2 WHERE id = $1`, executionID, now); err != nil {
			return mapErr(err)
		}
		if err := releaseAllocationTx(ctx, tx, executionID, now); err != nil {
			return err
		}
		e.Status = models.ExecutionCancelled
		e.CompletedAt = &now
		exec = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ClaimCandidates implements store.Store.
func (s *Store) ClaimCandidates(ctx context.Context, limit int, filter store.CandidateFilter) ([]*models.Execution, error) {
	q := strings.Builder{}
	q.WriteString(execSelectSQL + " WHERE status = 'queued'")
	args := []any{}
	argN := 1
	if filter.RequestedRunnerType != "" {
		argN++
		q.WriteString(fmt.Sprintf(" AND (requested_runner_type = '' OR requested_runner_type = $%d)", argN))
		args = append(args, filter.RequestedRunnerType)
	}
	if filter.RequestedRunnerID != nil {
		argN++
		q.WriteString(fmt.Sprintf(" AND (requested_runner_id IS NULL OR requested_runner_id = $%d)", argN))
		args = append(args, *filter.RequestedRunnerID)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC")
	if limit > 0 {
		argN++
		q.WriteString(fmt.Sprintf(" LIMIT $%d", argN))
		args = append(args, limit)
	}
	q.WriteString(" FOR UPDATE SKIP LOCKED")

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

// Assign implements store.Store.
func (s *Store) Assign(ctx context.Context, executionID string, runnerID int64, cpu, mem float64) (*models.ResourceAllocation, error) {
	var alloc *models.ResourceAllocation
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, executionID).Scan(&status); err != nil {
			return mapErr(err)
		}
		if status != string(models.ExecutionQueued) {
			return store.ErrPreconditionFailed
		}

		var maxJobs int
		var inflight int
		var runnerStatus, runnerHealth string
		err := tx.QueryRow(ctx, `
			SELECT r.max_concurrent_jobs, r.status, r.health,
			       (SELECT count(*) FROM resource_allocations a WHERE a.runner_id = r.id AND a.state = 'allocated')
			FROM runners r WHERE r.id = $1 FOR UPDATE`, runnerID).Scan(&maxJobs, &runnerStatus, &runnerHealth, &inflight)
		if err != nil {
			return mapErr(err)
		}
		// Re-check health/status here, not just in the Registry's candidate
		// snapshot: a concurrent prober can mark the runner unhealthy between
		// that snapshot and this transaction.
		if runnerStatus != string(models.RunnerActive) || runnerHealth == string(models.HealthUnhealthy) {
			return store.ErrPreconditionFailed
		}
		if inflight >= maxJobs {
			return store.ErrPreconditionFailed
		}

		now := time.Now()
		if _, err := tx.Exec(ctx, `
			UPDATE executions SET status = 'assigned', assigned_runner_id = $2, assigned_at = $3 WHERE id = $1`,
			executionID, runnerID, now); err != nil {
			return mapErr(err)
		}

		id := fmt.Sprintf("alloc_%d_%s", runnerID, executionID)
		row := tx.QueryRow(ctx, `
			INSERT INTO resource_allocations (id, execution_id, runner_id, cpu_allocated, mem_allocated, state, allocated_at)
			VALUES ($1, $2, $3, $4, $5, 'allocated', $6)
			RETURNING id, execution_id, runner_id, cpu_allocated, mem_allocated, state, allocated_at, released_at`,
			id, executionID, runnerID, cpu, mem, now)
		a := &models.ResourceAllocation{}
		var st string
		if err := row.Scan(&a.ID, &a.ExecutionID, &a.RunnerID, &a.CPUAllocated, &a.MemAllocated, &st, &a.AllocatedAt, &a.ReleasedAt); err != nil {
			return mapErr(err)
		}
		a.State = models.AllocationState(st)
		alloc = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// MarkStarted implements store.Store.
func (s *Store) MarkStarted(ctx context.Context, executionID string, at time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, executionID).Scan(&status); err != nil {
			return mapErr(err)
		}
		if status == string(models.ExecutionRunning) {
			return nil
		}
		if status != string(models.ExecutionAssigned) {
			return store.ErrConflict
		}
		_, err := tx.Exec(ctx, `UPDATE executions SET status = 'running', started_at = $2 WHERE id = $1`, executionID, at)
		return mapErr(err)
	})
}

// RecordShard implements store.Store.
func (s *Store) RecordShard(ctx context.Context, executionID string, shardIndex int, result models.ShardResult) (bool, error) {
	var allComplete bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		var totalShards int
		var rawShards []byte
		if err := tx.QueryRow(ctx, `SELECT status, total_shards, shard_results FROM executions WHERE id = $1 FOR UPDATE`, executionID).
			Scan(&status, &totalShards, &rawShards); err != nil {
			return mapErr(err)
		}
		if shardIndex < 1 || shardIndex > totalShards {
			return store.ErrOutOfRange
		}
		if models.ExecutionStatus(status).IsTerminal() {
			return store.ErrConflict
		}

		shards := map[int]models.ShardResult{}
		if err := unmarshalJSON(rawShards, &shards); err != nil {
			return fmt.Errorf("pgstore: unmarshal shard_results: %w", err)
		}
		shards[shardIndex] = result

		updated, err := marshalJSON(shards)
		if err != nil {
			return fmt.Errorf("pgstore: marshal shard_results: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE executions SET shard_results = $2 WHERE id = $1`, executionID, updated); err != nil {
			return mapErr(err)
		}

		allComplete = len(shards) >= totalShards
		for i := 1; i <= totalShards; i++ {
			if _, ok := shards[i]; !ok {
				allComplete = false
				break
			}
		}
		return nil
	})
	return allComplete, err
}

// Finalize implements store.Store.
func (s *Store) Finalize(ctx context.Context, executionID string, status models.ExecutionStatus, aggregated *models.AggregatedResults) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var cur string
		if err := tx.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, executionID).Scan(&cur); err != nil {
			return mapErr(err)
		}
		if models.ExecutionStatus(cur).IsTerminal() {
			if cur == string(status) {
				return nil
			}
			return store.ErrConflict
		}

		raw, err := marshalJSON(aggregated)
		if err != nil {
			return fmt.Errorf("pgstore: marshal aggregated_results: %w", err)
		}
		now := time.Now()
		if _, err := tx.Exec(ctx, `
			UPDATE executions SET status = $2, completed_at = $3, aggregated_results = $4 WHERE id = $1`,
			executionID, string(status), now, raw); err != nil {
			return mapErr(err)
		}
		return releaseAllocationTx(ctx, tx, executionID, now)
	})
}

// GetExecution implements store.Store.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, execSelectSQL+" WHERE id = $1", id))
	if err != nil {
		return nil, mapErr(err)
	}
	return e, nil
}

// ListExecutions implements store.Store.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*models.Execution, error) {
	q := strings.Builder{}
	q.WriteString(execSelectSQL + " WHERE true")
	var args []any
	argN := 0
	if len(filter.Status) > 0 {
		argN++
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q.WriteString(fmt.Sprintf(" AND status = ANY($%d)", argN))
		args = append(args, statuses)
	}
	if filter.TestSuite != "" {
		argN++
		q.WriteString(fmt.Sprintf(" AND test_suite = $%d", argN))
		args = append(args, filter.TestSuite)
	}
	if filter.Environment != "" {
		argN++
		q.WriteString(fmt.Sprintf(" AND environment = $%d", argN))
		args = append(args, filter.Environment)
	}
	if filter.RunnerID != nil {
		argN++
		q.WriteString(fmt.Sprintf(" AND assigned_runner_id = $%d", argN))
		args = append(args, *filter.RunnerID)
	}
	q.WriteString(" ORDER BY created_at ASC")
	if filter.Limit > 0 {
		argN++
		q.WriteString(fmt.Sprintf(" LIMIT $%d", argN))
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argN++
		q.WriteString(fmt.Sprintf(" OFFSET $%d", argN))
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

// SweepTimedOut implements store.Store.
func (s *Store) SweepTimedOut(ctx context.Context, deadline time.Time) ([]*models.Execution, error) {
	var out []*models.Execution
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, execSelectSQL+` WHERE status = 'running' AND started_at IS NOT NULL AND started_at <= $1 FOR UPDATE`, deadline)
		if err != nil {
			return mapErr(err)
		}
		var ids []string
		for rows.Next() {
			e, err := scanExecutionRows(rows)
			if err != nil {
				rows.Close()
				return mapErr(err)
			}
			ids = append(ids, e.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return mapErr(err)
		}

		now := time.Now()
		for _, id := range ids {
			aggregated := &models.AggregatedResults{Status: models.ExecutionError, Reason: "timeout"}
			raw, err := marshalJSON(aggregated)
			if err != nil {
				return fmt.Errorf("pgstore: marshal aggregated_results: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE executions SET status = 'error', completed_at = $2, aggregated_results = $3 WHERE id = $1`,
				id, now, raw); err != nil {
				return mapErr(err)
			}
			if err := releaseAllocationTx(ctx, tx, id, now); err != nil {
				return err
			}
			e, err := scanExecution(tx.QueryRow(ctx, execSelectSQL+" WHERE id = $1", id))
			if err != nil {
				return mapErr(err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// releaseAllocationTx releases the live allocation for executionID, if any.
// Runner capacity is derived live from resource_allocations (see Assign), so
// releasing here is the only bookkeeping a terminal transition needs.
func releaseAllocationTx(ctx context.Context, tx pgx.Tx, executionID string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE resource_allocations SET state = 'released', released_at = $2
		WHERE execution_id = $1 AND state = 'allocated'`, executionID, at)
	return mapErr(err)
}

const execSelectSQL = `
	SELECT id, test_suite, environment, branch, commit, requested_by, priority,
	       estimated_duration_ms, requested_runner_type, requested_runner_id,
	       status, assigned_runner_id, total_shards, shard_results, aggregated_results,
	       created_at, assigned_at, started_at, completed_at, webhook_url, metadata
	FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	return scanExecutionRows(row)
}

func scanExecutionRows(row rowScanner) (*models.Execution, error) {
	e := &models.Execution{}
	var (
		rawShards     []byte
		rawAggregated []byte
		rawMetadata   []byte
		status        string
	)
	err := row.Scan(
		&e.ID, &e.TestSuite, &e.Environment, &e.Branch, &e.Commit, &e.RequestedBy, &e.Priority,
		&e.EstimatedDurationMs, &e.RequestedRunnerType, &e.RequestedRunnerID,
		&status, &e.AssignedRunnerID, &e.TotalShards, &rawShards, &rawAggregated,
		&e.CreatedAt, &e.AssignedAt, &e.StartedAt, &e.CompletedAt, &e.WebhookURL, &rawMetadata,
	)
	if err != nil {
		return nil, err
	}
	e.Status = models.ExecutionStatus(status)

	e.ShardResults = map[int]models.ShardResult{}
	if err := unmarshalJSON(rawShards, &e.ShardResults); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal shard_results: %w", err)
	}
	if len(rawAggregated) > 0 {
		agg := &models.AggregatedResults{}
		if err := unmarshalJSON(rawAggregated, agg); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal aggregated_results: %w", err)
		}
		e.AggregatedResults = agg
	}
	e.Metadata = map[string]any{}
	if err := unmarshalJSON(rawMetadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal metadata: %w", err)
	}
	return e, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}
