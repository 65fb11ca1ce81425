// Package store defines the durable-persistence contract for the
// orchestrator (spec.md §4.1) and provides two implementations: pgstore
// (production, backed by Postgres via pgx) and memstore (in-memory, for
// fast unit tests of the Scheduler, Rule Engine, Registry, and Webhook
// Ingest).
package store

import (
	"context"
	"time"

	"github.com/codeready-toolchain/teo/pkg/models"
)

// CandidateFilter narrows ClaimCandidates to executions matching an
// optional requested runner type/id.
type CandidateFilter struct {
	RequestedRunnerType string
	RequestedRunnerID   *int64
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status      []models.ExecutionStatus
	TestSuite   string
	Environment string
	RunnerID    *int64
	Limit       int
	Offset      int
}

// RunnerFilter narrows ListRunners.
type RunnerFilter struct {
	Status []models.RunnerStatus
	Type   string
}

// RunnerPatch describes a partial update to a Runner (PATCH /runners/{id}).
type RunnerPatch struct {
	Name              *string
	EndpointURL       *string
	HealthCheckURL    *string
	WebhookURL        *string
	Capabilities      map[string]bool
	MaxConcurrentJobs *int
	Priority          *int
	Metadata          map[string]any
}

// QueueStatusSnapshot backs GET /queue/status.
type QueueStatusSnapshot struct {
	Queued          int
	Assigned        int
	Running         int
	ActiveRunners   int
	TotalRunners    int
	TotalCapacity   int
	UtilizationRate float64
}

// Store is the durable-persistence contract. Every write operation fails
// with one of ErrNotFound, ErrPreconditionFailed, ErrConflict,
// ErrOutOfRange, or ErrTransient (spec.md §4.1). Implementations must provide
// serializable-equivalent semantics for each operation.
type Store interface {
	// Execution lifecycle.

	// Enqueue inserts a new Execution with status=queued. The caller must
	// have already populated ID, CreatedAt, and all client-supplied fields.
	Enqueue(ctx context.Context, exec *models.Execution) error

	// Cancel CASes an Execution from any pre-terminal state to cancelled
	// and releases any live allocation in the same transaction. Returns
	// ErrConflict if the execution is already terminal, ErrNotFound if it
	// does not exist.
	Cancel(ctx context.Context, executionID string) (*models.Execution, error)

	// ClaimCandidates returns up to limit queued executions ordered by
	// (priority DESC, created_at ASC), optionally filtered.
	ClaimCandidates(ctx context.Context, limit int, filter CandidateFilter) ([]*models.Execution, error)

	// Assign atomically CASes an execution queued→assigned, inserts a
	// ResourceAllocation, and accounts for the runner's capacity. Fails
	// with ErrPreconditionFailed if invariant P1 would be violated (the
	// runner has no spare capacity) or if the execution is no longer
	// queued (a racing writer got there first).
	Assign(ctx context.Context, executionID string, runnerID int64, cpu, mem float64) (*models.ResourceAllocation, error)

	// MarkStarted CASes assigned→running and sets started_at. Idempotent:
	// a repeat call on an already-running execution is a no-op success.
	MarkStarted(ctx context.Context, executionID string, at time.Time) error

	// RecordShard idempotently upserts shard_results[shardIndex]. Returns
	// ErrOutOfRange if shardIndex is outside [1, total_shards], and
	// ErrConflict if the execution is already terminal. allComplete
	// reports whether every shard index now has a recorded result.
	RecordShard(ctx context.Context, executionID string, shardIndex int, result models.ShardResult) (allComplete bool, err error)

	// Finalize moves an execution from any non-terminal status to the
	// given terminal status, stores aggregated, and releases the live
	// allocation in the same transaction. A repeat whose status equals the
	// already-recorded terminal status is a no-op success; aggregated is
	// not compared. A different terminal status returns ErrConflict.
	Finalize(ctx context.Context, executionID string, status models.ExecutionStatus, aggregated *models.AggregatedResults) error

	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)

	// SweepTimedOut finalizes, as status=error/reason=timeout, every
	// running execution whose started_at is at or before deadline. Shard
	// results recorded after started_at do not postpone the timeout.
	// Returns the executions it finalized so the caller can emit events.
	SweepTimedOut(ctx context.Context, deadline time.Time) ([]*models.Execution, error)

	// Runner registry.

	RegisterRunner(ctx context.Context, runner *models.Runner) (int64, error)
	UpdateRunner(ctx context.Context, id int64, patch RunnerPatch) (*models.Runner, error)
	SetRunnerStatus(ctx context.Context, id int64, status models.RunnerStatus) error

	// SetRunnerHealth records a health sample and updates the runner's
	// cached health if it changed. changed reports whether the health
	// value flipped (used to decide whether to emit RunnerHealthChanged).
	SetRunnerHealth(ctx context.Context, id int64, health models.RunnerHealth, sample models.RunnerHealthSample) (changed bool, err error)

	GetRunner(ctx context.Context, id int64) (*models.Runner, error)
	ListRunners(ctx context.Context, filter RunnerFilter) ([]*models.Runner, error)

	// Load-balancing rules.

	UpsertRule(ctx context.Context, rule *models.LoadBalancingRule) error
	ListRules(ctx context.Context, activeOnly bool) ([]*models.LoadBalancingRule, error)

	// AdvanceRoundRobinCursor atomically reads the current cursor for
	// ruleID, computes the candidate index to use this round
	// (cursor mod numCandidates), advances the stored cursor, and returns
	// the index to use. Persisted so restarts don't reset fairness.
	AdvanceRoundRobinCursor(ctx context.Context, ruleID string, numCandidates int) (index int, err error)

	// RewindRoundRobinCursor reverts one AdvanceRoundRobinCursor call for
	// ruleID. Used when the execution that consumed the advanced index
	// never committed (its Assign lost the capacity/health race), so the
	// next successful selection doesn't skip a candidate.
	RewindRoundRobinCursor(ctx context.Context, ruleID string, numCandidates int) error

	QueueStatus(ctx context.Context) (QueueStatusSnapshot, error)
}
