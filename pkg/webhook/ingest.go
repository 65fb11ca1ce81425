package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/metrics"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// Ingest applies runner webhooks under the §4.7 state machine. Each
// Apply call makes one or more Store calls, each its own transaction.
// Idempotency for repeated (execution_id, type, shard_index) deliveries
// comes from the underlying Store ops (MarkStarted, RecordShard and
// Finalize accept repeats while the execution is live, per spec.md §4.1)
// plus one check here: once the execution is terminal, a report for a
// shard that is already recorded is accepted as a no-op. Ingest keeps no
// separate dedup ledger.
type Ingest struct {
	store   store.Store
	bus     *events.Bus
	clock   clock.Clock
	metrics *metrics.Metrics
}

// New creates an Ingest.
func New(st store.Store, bus *events.Bus, c clock.Clock) *Ingest {
	return &Ingest{store: st, bus: bus, clock: c}
}

// SetMetrics wires a Metrics instance for the webhook-outcome counter
// and the executions-completed counter. Optional: nil leaves recording
// calls a no-op.
func (in *Ingest) SetMetrics(m *metrics.Metrics) {
	in.metrics = m
}

// Apply applies one webhook payload. A nil return means it was durably
// committed (possibly a no-op repeat); non-nil is an *Error the caller
// maps to an HTTP status.
func (in *Ingest) Apply(ctx context.Context, p Payload) error {
	if p.ExecutionID == "" {
		return in.reject(p.Type, &Error{Kind: ErrMalformed, Err: errors.New("execution_id is required")})
	}

	var err error
	switch p.Type {
	case TypeRunning:
		err = in.applyRunning(ctx, p)
	case TypeShardComplete:
		err = in.applyShardComplete(ctx, p)
	case TypeFinal:
		err = in.applyFinal(ctx, p)
	default:
		err = &Error{Kind: ErrMalformed, Err: fmt.Errorf("unknown webhook type %q", p.Type)}
	}
	if err != nil {
		return in.reject(p.Type, err)
	}
	if in.metrics != nil {
		in.metrics.WebhookOutcomes.WithLabelValues(string(p.Type), "accepted").Inc()
	}
	return nil
}

func (in *Ingest) reject(t Type, err error) error {
	if in.metrics != nil {
		var werr *Error
		outcome := "rejected"
		if errors.As(err, &werr) {
			outcome = string(werr.Kind)
		}
		in.metrics.WebhookOutcomes.WithLabelValues(string(t), outcome).Inc()
	}
	return err
}

func (in *Ingest) applyRunning(ctx context.Context, p Payload) error {
	exec, err := in.store.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		return mapGetErr(err)
	}
	if exec.Status.IsTerminal() {
		slog.Warn("webhook: stale running event", "execution_id", p.ExecutionID, "status", exec.Status)
		return &Error{Kind: ErrStale, Err: fmt.Errorf("execution %s already terminal", p.ExecutionID)}
	}

	at := in.clock.Now()
	if p.StartedAt != nil {
		at = *p.StartedAt
	}
	if err := in.store.MarkStarted(ctx, p.ExecutionID, at); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &Error{Kind: ErrStale, Err: err}
		}
		return mapGetErr(err)
	}

	in.bus.Publish(events.Event{
		Type:        events.TypeExecutionStarted,
		ExecutionID: p.ExecutionID,
		PublishedAt: in.clock.Now(),
	})
	return nil
}

func (in *Ingest) applyShardComplete(ctx context.Context, p Payload) error {
	if p.ShardID == nil {
		return &Error{Kind: ErrMalformed, Err: errors.New("shard_id is required for shard-complete")}
	}
	return in.recordAndMaybeFinalize(ctx, p.ExecutionID, *p.ShardID, p)
}

// applyFinal accepts either a single-shard aggregate payload (defaults to
// shard index 1 when ShardID is unset) or an explicit shard index, per
// spec.md §4.7's "both forms accepted" rule.
func (in *Ingest) applyFinal(ctx context.Context, p Payload) error {
	shardID := 1
	if p.ShardID != nil {
		shardID = *p.ShardID
	}
	return in.recordAndMaybeFinalize(ctx, p.ExecutionID, shardID, p)
}

func (in *Ingest) recordAndMaybeFinalize(ctx context.Context, executionID string, shardID int, p Payload) error {
	result := toShardResult(p)

	allComplete, err := in.store.RecordShard(ctx, executionID, shardID, result)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOutOfRange):
			return &Error{Kind: ErrMalformed, Err: err}
		case errors.Is(err, store.ErrNotFound):
			return &Error{Kind: ErrMalformed, Err: err}
		case errors.Is(err, store.ErrConflict):
			// The execution is already terminal. A report for a shard that
			// was recorded before that is a duplicate delivery, not a late one.
			if exec, gerr := in.store.GetExecution(ctx, executionID); gerr == nil {
				if _, seen := exec.ShardResults[shardID]; seen {
					return nil
				}
			}
			return &Error{Kind: ErrStale, Err: err}
		default:
			return &Error{Kind: ErrTransient, Err: err}
		}
	}

	in.bus.Publish(events.Event{
		Type:        events.TypeShardCompleted,
		ExecutionID: executionID,
		PublishedAt: in.clock.Now(),
		Payload: map[string]any{
			"shard_index": shardID,
			"status":      string(result.Status),
			"passed":      result.Passed,
			"failed":      result.Failed,
		},
	})

	if !allComplete {
		return nil
	}
	return in.finalize(ctx, executionID)
}

func (in *Ingest) finalize(ctx context.Context, executionID string) error {
	exec, err := in.store.GetExecution(ctx, executionID)
	if err != nil {
		return mapGetErr(err)
	}
	if exec.Status.IsTerminal() {
		// Already finalized (e.g. raced with a client cancel): nothing to do.
		return nil
	}

	aggregated := aggregate(exec)
	if err := in.store.Finalize(ctx, executionID, aggregated.Status, aggregated); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Info("webhook: finalize raced with a concurrent terminal transition", "execution_id", executionID)
			return nil
		}
		return mapGetErr(err)
	}

	if in.metrics != nil {
		in.metrics.ExecutionsCompleted.WithLabelValues(string(aggregated.Status)).Inc()
	}

	in.bus.Publish(events.Event{
		Type:        events.TypeExecutionCompleted,
		ExecutionID: executionID,
		RunnerID:    exec.AssignedRunnerID,
		PublishedAt: in.clock.Now(),
		Payload: map[string]any{
			"status": string(aggregated.Status),
			"passed": aggregated.Passed,
			"failed": aggregated.Failed,
			"reason": aggregated.Reason,
		},
	})
	return nil
}

// aggregate implements spec.md §4.7's aggregation rule.
func aggregate(exec *models.Execution) *models.AggregatedResults {
	agg := &models.AggregatedResults{}
	allReported := true
	anyErrored := false
	allPassed := true

	for i := 1; i <= exec.TotalShards; i++ {
		r, ok := exec.ShardResults[i]
		if !ok {
			allReported = false
			continue
		}
		agg.Total += r.Total
		agg.Passed += r.Passed
		agg.Failed += r.Failed
		agg.Skipped += r.Skipped
		agg.FailedTests = append(agg.FailedTests, r.FailedTests...)
		if r.Status == models.ShardError || r.Status == models.ShardCancelled {
			anyErrored = true
		}
		if r.Status != models.ShardPassed {
			allPassed = false
		}
	}

	switch {
	case !allReported || anyErrored:
		agg.Status = models.ExecutionError
		agg.Reason = "missing_or_errored_shard"
	case agg.Failed > 0:
		agg.Status = models.ExecutionFailed
	case allPassed:
		agg.Status = models.ExecutionCompleted
	default:
		agg.Status = models.ExecutionFailed
	}
	return agg
}

func toShardResult(p Payload) models.ShardResult {
	status := models.ShardPassed
	if p.Status != nil {
		status = models.ShardStatus(*p.Status)
	}
	r := models.ShardResult{Status: status, Artifacts: p.Artifacts, FailedTests: p.FailedTests}
	if p.Results != nil {
		r.Total = p.Results.Total
		r.Passed = p.Results.Passed
		r.Failed = p.Results.Failed
		r.Skipped = p.Results.Skipped
	}
	return r
}

func mapGetErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: ErrMalformed, Err: err}
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrPreconditionFailed):
		return &Error{Kind: ErrStale, Err: err}
	default:
		return &Error{Kind: ErrTransient, Err: err}
	}
}
