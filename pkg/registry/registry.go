// Package registry maintains the orchestrator's in-memory view of
// registered runners: cached capacity/health state resynced from the
// Store, queried hot-path by the Rule Engine on every scheduler tick.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// Registry is an in-memory, mutex-guarded view of every known runner.
// It is never the source of truth — store.Store is — but holding the
// view in memory lets CandidatesFor run without a database round trip
// on every scheduling tick (spec.md §4.3).
type Registry struct {
	store store.Store

	mu      sync.RWMutex
	runners map[int64]*models.Runner
}

// New creates an empty Registry backed by st. Call Resync before serving
// traffic so the in-memory view reflects persisted runners.
func New(st store.Store) *Registry {
	return &Registry{store: st, runners: make(map[int64]*models.Runner)}
}

// Resync reloads every runner from the Store, replacing the in-memory
// view wholesale. Called once at startup and may be re-run to recover
// from a suspected drift between the cache and the Store.
func (r *Registry) Resync(ctx context.Context) error {
	runners, err := r.store.ListRunners(ctx, store.RunnerFilter{})
	if err != nil {
		return fmt.Errorf("registry: resync: %w", err)
	}

	snapshot := make(map[int64]*models.Runner, len(runners))
	for _, rn := range runners {
		snapshot[rn.ID] = rn
	}

	r.mu.Lock()
	r.runners = snapshot
	r.mu.Unlock()

	slog.Info("registry: resynced from store", "runner_count", len(snapshot))
	return nil
}

// Register persists a new runner via the Store and adds it to the
// in-memory view.
func (r *Registry) Register(ctx context.Context, runner *models.Runner) (*models.Runner, error) {
	id, err := r.store.RegisterRunner(ctx, runner)
	if err != nil {
		return nil, fmt.Errorf("registry: register: %w", err)
	}
	runner.ID = id

	r.mu.Lock()
	r.runners[id] = runner
	r.mu.Unlock()
	return runner, nil
}

// Update applies patch via the Store, then refreshes the in-memory copy.
func (r *Registry) Update(ctx context.Context, id int64, patch store.RunnerPatch) (*models.Runner, error) {
	updated, err := r.store.UpdateRunner(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("registry: update %d: %w", id, err)
	}
	r.mu.Lock()
	r.runners[id] = updated
	r.mu.Unlock()
	return updated, nil
}

// SetStatus persists an operator-driven status transition (active,
// paused, decommissioned) and updates the cached view.
func (r *Registry) SetStatus(ctx context.Context, id int64, status models.RunnerStatus) error {
	if err := r.store.SetRunnerStatus(ctx, id, status); err != nil {
		return fmt.Errorf("registry: set status %d: %w", id, err)
	}
	r.mu.Lock()
	if rn, ok := r.runners[id]; ok {
		rn.Status = status
	}
	r.mu.Unlock()
	return nil
}

// SetHealth persists a Health Prober sample and updates the cached
// health. Returns whether the health value changed, so callers can
// decide whether to emit RunnerHealthChanged.
func (r *Registry) SetHealth(ctx context.Context, id int64, health models.RunnerHealth, sample models.RunnerHealthSample) (bool, error) {
	changed, err := r.store.SetRunnerHealth(ctx, id, health, sample)
	if err != nil {
		return false, fmt.Errorf("registry: set health %d: %w", id, err)
	}
	r.mu.Lock()
	if rn, ok := r.runners[id]; ok {
		rn.Health = health
		checkedAt := sample.CheckedAt
		rn.LastHealthCheckAt = &checkedAt
	}
	r.mu.Unlock()
	return changed, nil
}

// SetInflight overwrites the cached inflight counter for a runner,
// called by the Scheduler immediately after a successful Assign and by
// the Driver Gateway after a failed start, so CandidatesFor reflects
// capacity without waiting for the next Resync.
func (r *Registry) SetInflight(id int64, inflight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.runners[id]; ok {
		rn.Inflight = inflight
	}
}

// SetResourceUsage overwrites the cached CPU/memory allocation totals for
// a runner, called by the Scheduler after a successful Assign so the
// resource-based rule kind sees up-to-date load without a Store round
// trip on every evaluation.
func (r *Registry) SetResourceUsage(id int64, cpu, mem float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.runners[id]; ok {
		rn.CPUAllocated = cpu
		rn.MemAllocated = mem
	}
}

// Get returns a copy of one runner's cached state.
func (r *Registry) Get(id int64) (models.Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[id]
	if !ok {
		return models.Runner{}, false
	}
	return *rn, true
}

// All returns copies of every cached runner, in no particular order.
func (r *Registry) All() []models.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Runner, 0, len(r.runners))
	for _, rn := range r.runners {
		out = append(out, *rn)
	}
	return out
}

// CandidatesFor returns every registered runner that IsCandidate(), has
// type requestedType when that is non-empty, and has ID *requestedID when
// requestedID is non-nil (spec.md §4.3).
func (r *Registry) CandidatesFor(requestedType string, requestedID *int64) []models.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Runner, 0, len(r.runners))
	for _, rn := range r.runners {
		if !rn.IsCandidate() {
			continue
		}
		if requestedID != nil && rn.ID != *requestedID {
			continue
		}
		if requestedType != "" && rn.Type != requestedType {
			continue
		}
		out = append(out, *rn)
	}
	return out
}
