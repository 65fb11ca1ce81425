package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

const runnerSelectSQL = `
	SELECT id, name, type, endpoint_url, health_check_url, webhook_url, capabilities,
	       max_concurrent_jobs, priority, status, health, last_health_check_at, metadata,
	       (SELECT count(*) FROM resource_allocations a WHERE a.runner_id = runners.id AND a.state = 'allocated')
	FROM runners`

func scanRunner(row rowScanner) (*models.Runner, error) {
	r := &models.Runner{}
	var (
		rawCaps     []byte
		rawMetadata []byte
		status      string
		health      string
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Type, &r.EndpointURL, &r.HealthCheckURL, &r.WebhookURL, &rawCaps,
		&r.MaxConcurrentJobs, &r.Priority, &status, &health, &r.LastHealthCheckAt, &rawMetadata,
		&r.Inflight,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.RunnerStatus(status)
	r.Health = models.RunnerHealth(health)
	r.Capabilities = map[string]bool{}
	if err := unmarshalJSON(rawCaps, &r.Capabilities); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal capabilities: %w", err)
	}
	r.Metadata = map[string]any{}
	if err := unmarshalJSON(rawMetadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal runner metadata: %w", err)
	}
	return r, nil
}

// RegisterRunner implements store.Store.
func (s *Store) RegisterRunner(ctx context.Context, runner *models.Runner) (int64, error) {
	if runner.Status == "" {
		runner.Status = models.RunnerActive
	}
	if runner.Health == "" {
		runner.Health = models.HealthUnknown
	}
	if runner.MaxConcurrentJobs <= 0 {
		runner.MaxConcurrentJobs = 1
	}
	caps, err := marshalJSON(runner.Capabilities)
	if err != nil {
		return 0, fmt.Errorf("pgstore: marshal capabilities: %w", err)
	}
	metadata, err := marshalJSON(runner.Metadata)
	if err != nil {
		return 0, fmt.Errorf("pgstore: marshal runner metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO runners (name, type, endpoint_url, health_check_url, webhook_url, capabilities, max_concurrent_jobs, priority, status, health, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		runner.Name, runner.Type, runner.EndpointURL, runner.HealthCheckURL, runner.WebhookURL, caps,
		runner.MaxConcurrentJobs, runner.Priority, string(runner.Status), string(runner.Health), metadata)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, mapErr(err)
	}
	runner.ID = id
	return id, nil
}

// UpdateRunner implements store.Store.
func (s *Store) UpdateRunner(ctx context.Context, id int64, patch store.RunnerPatch) (*models.Runner, error) {
	sets := []string{}
	args := []any{}
	argN := 1

	add := func(col string, val any) {
		argN++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argN))
		args = append(args, val)
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.EndpointURL != nil {
		add("endpoint_url", *patch.EndpointURL)
	}
	if patch.HealthCheckURL != nil {
		add("health_check_url", *patch.HealthCheckURL)
	}
	if patch.WebhookURL != nil {
		add("webhook_url", *patch.WebhookURL)
	}
	if patch.Capabilities != nil {
		raw, err := marshalJSON(patch.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("pgstore: marshal capabilities: %w", err)
		}
		add("capabilities", raw)
	}
	if patch.MaxConcurrentJobs != nil {
		add("max_concurrent_jobs", *patch.MaxConcurrentJobs)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.Metadata != nil {
		raw, err := marshalJSON(patch.Metadata)
		if err != nil {
			return nil, fmt.Errorf("pgstore: marshal runner metadata: %w", err)
		}
		add("metadata", raw)
	}

	if len(sets) == 0 {
		return s.GetRunner(ctx, id)
	}

	args = append([]any{id}, args...)
	q := fmt.Sprintf(`UPDATE runners SET %s WHERE id = $1`, strings.Join(sets, ", "))
	if ct, err := s.pool.Exec(ctx, q, args...); err != nil {
		return nil, mapErr(err)
	} else if ct.RowsAffected() == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetRunner(ctx, id)
}

// SetRunnerStatus implements store.Store.
func (s *Store) SetRunnerStatus(ctx context.Context, id int64, status models.RunnerStatus) error {
	ct, err := s.pool.Exec(ctx, `UPDATE runners SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetRunnerHealth implements store.Store.
func (s *Store) SetRunnerHealth(ctx context.Context, id int64, health models.RunnerHealth, sample models.RunnerHealthSample) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var cur string
		if err := tx.QueryRow(ctx, `SELECT health FROM runners WHERE id = $1 FOR UPDATE`, id).Scan(&cur); err != nil {
			return mapErr(err)
		}
		changed = cur != string(health)

		if _, err := tx.Exec(ctx, `UPDATE runners SET health = $2, last_health_check_at = $3 WHERE id = $1`,
			id, string(health), sample.CheckedAt); err != nil {
			return mapErr(err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO runner_health_samples (runner_id, checked_at, health, latency_ms, error)
			VALUES ($1, $2, $3, $4, $5)`,
			id, sample.CheckedAt, string(sample.Health), sample.LatencyMs, sample.Error)
		return mapErr(err)
	})
	return changed, err
}

// GetRunner implements store.Store.
func (s *Store) GetRunner(ctx context.Context, id int64) (*models.Runner, error) {
	r, err := scanRunner(s.pool.QueryRow(ctx, runnerSelectSQL+" WHERE runners.id = $1", id))
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

// ListRunners implements store.Store.
func (s *Store) ListRunners(ctx context.Context, filter store.RunnerFilter) ([]*models.Runner, error) {
	q := strings.Builder{}
	q.WriteString(runnerSelectSQL + " WHERE true")
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
	if filter.Type != "" {
		argN++
		q.WriteString(fmt.Sprintf(" AND type = $%d", argN))
		args = append(args, filter.Type)
	}
	q.WriteString(" ORDER BY id ASC")

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

// QueueStatus implements store.Store.
func (s *Store) QueueStatus(ctx context.Context) (store.QueueStatusSnapshot, error) {
	var snap store.QueueStatusSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM executions WHERE status = 'queued'),
			(SELECT count(*) FROM executions WHERE status = 'assigned'),
			(SELECT count(*) FROM executions WHERE status = 'running'),
			(SELECT count(*) FROM runners WHERE status = 'active'),
			(SELECT count(*) FROM runners),
			(SELECT coalesce(sum(max_concurrent_jobs), 0) FROM runners WHERE status = 'active')
	`).Scan(&snap.Queued, &snap.Assigned, &snap.Running, &snap.ActiveRunners, &snap.TotalRunners, &snap.TotalCapacity)
	if err != nil {
		return snap, mapErr(err)
	}
	if snap.TotalCapacity > 0 {
		snap.UtilizationRate = float64(snap.Assigned+snap.Running) / float64(snap.TotalCapacity)
	}
	return snap, nil
}
