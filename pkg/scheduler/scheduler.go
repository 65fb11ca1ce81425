// Package scheduler drives the test-execution queue: it claims queued
// executions, selects a runner via the Rule Engine, commits the
// assignment, and hands the execution off to the Driver Gateway
// (spec.md §4.5).
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/metrics"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/registry"
	"github.com/codeready-toolchain/teo/pkg/rules"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// Driver is the subset of the Driver Gateway the Scheduler hands
// assigned executions off to. Handoff is asynchronous: Start must not
// block the tick loop on the external runner's acceptance.
type Driver interface {
	Start(ctx context.Context, exec *models.Execution, runner models.Runner)
}

// Lease is a single-writer coordination primitive (spec.md §5): only
// the holder may run the tick loop's assignment phase. Acquire returns
// false if the lease is currently held elsewhere; Renew keeps a held
// lease alive.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context)
}

// Config tunes the Scheduler's tick behavior.
type Config struct {
	TickPeriod     time.Duration // T_sched, default 5s
	ClaimBatchSize int           // K, default 64
	AssignRetries  int           // N_assign, default 3
	DebounceWindow time.Duration // coalesces edge-triggered extra ticks
}

func (c Config) withDefaults() Config {
	if c.TickPeriod <= 0 {
		c.TickPeriod = 5 * time.Second
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 64
	}
	if c.AssignRetries <= 0 {
		c.AssignRetries = 3
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 200 * time.Millisecond
	}
	return c
}

// Scheduler is the sole writer of execution assignments while it holds
// lease.
type Scheduler struct {
	store    store.Store
	registry *registry.Registry
	engine   *rules.Engine
	driver   Driver
	bus      *events.Bus
	lease    Lease
	cfg      Config
	metrics  *metrics.Metrics

	kick chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. lease may be nil, in which case this process
// always behaves as if it holds the lease (suitable for single-instance
// deployments or tests).
func New(st store.Store, reg *registry.Registry, engine *rules.Engine, driver Driver, bus *events.Bus, lease Lease, cfg Config) *Scheduler {
	return &Scheduler{
		store:    st,
		registry: reg,
		engine:   engine,
		driver:   driver,
		bus:      bus,
		lease:    lease,
		cfg:      cfg.withDefaults(),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// SetMetrics wires a Metrics instance for assignment-outcome counters
// and the queue-depth gauge. Optional: a nil *Scheduler.metrics (the
// zero value) leaves every recording call a no-op.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Scheduler) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.AssignmentOutcomes.WithLabelValues(outcome).Inc()
	}
}

// Start runs the tick loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the tick loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Kick requests an immediate extra tick (spec.md §4.5 edge-triggered
// ticks on ExecutionQueued/ExecutionCompleted/RunnerHealthChanged).
// Non-blocking: a tick already pending absorbs this request.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()

	var debounce *time.Timer
	for {
		select {
		case <-s.stopCh:
			s.releaseLease(context.Background())
			return
		case <-ctx.Done():
			s.releaseLease(context.Background())
			return
		case <-ticker.C:
			s.tickIfLeader(ctx)
		case <-s.kick:
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(s.cfg.DebounceWindow, func() { s.tickIfLeader(ctx) })
		}
	}
}

func (s *Scheduler) releaseLease(ctx context.Context) {
	if s.lease != nil {
		s.lease.Release(ctx)
	}
}

func (s *Scheduler) tickIfLeader(ctx context.Context) {
	if s.lease != nil {
		held, err := s.lease.Acquire(ctx)
		if err != nil {
			slog.Warn("scheduler: lease acquire failed", "error", err)
			return
		}
		if !held {
			return
		}
		if err := s.lease.Renew(ctx); err != nil {
			slog.Warn("scheduler: lease renew failed", "error", err)
			return
		}
	}
	s.Tick(ctx)
}

// Tick runs exactly one scheduling pass: claim up to ClaimBatchSize
// queued executions, select a runner for each via the Rule Engine, and
// commit the assignment. Exported so tests can drive it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	items, err := s.store.ClaimCandidates(ctx, s.cfg.ClaimBatchSize, store.CandidateFilter{})
	if err != nil {
		slog.Error("scheduler: claim candidates failed", "error", err)
		return
	}

	if s.metrics != nil {
		if snapshot, err := s.store.QueueStatus(ctx); err == nil {
			s.metrics.QueueDepth.Set(float64(snapshot.Queued))
		}
	}

	for _, item := range items {
		s.processItem(ctx, item)
	}
}

func (s *Scheduler) processItem(ctx context.Context, item *models.Execution) {
	for attempt := 0; attempt <= s.cfg.AssignRetries; attempt++ {
		candidates := s.registry.CandidatesFor(item.RequestedRunnerType, item.RequestedRunnerID)
		if len(candidates) == 0 {
			s.recordOutcome("no_candidates")
			return
		}

		selection, err := s.engine.Select(ctx, item, candidates)
		if errors.Is(err, rules.ErrNoSuitable) {
			s.recordOutcome("no_suitable_rule")
			return
		}
		if err != nil {
			slog.Error("scheduler: rule selection failed", "execution_id", item.ID, "error", err)
			s.recordOutcome("selection_error")
			return
		}

		cpu, mem := estimateResourceCost(item)
		alloc, err := s.store.Assign(ctx, item.ID, selection.Runner.ID, cpu, mem)
		if errors.Is(err, store.ErrPreconditionFailed) {
			// Lost the race: candidate capacity or status changed under us.
			// If the selection came from the round-robin rule, undo its
			// cursor advance before retrying with a fresh view, so the
			// losing attempt doesn't permanently skew fairness.
			if rewindErr := s.engine.RewindCursor(ctx, selection); rewindErr != nil {
				slog.Error("scheduler: rewind round-robin cursor failed", "execution_id", item.ID, "rule_id", selection.RuleID, "error", rewindErr)
			}
			continue
		}
		if err != nil {
			slog.Error("scheduler: assign failed", "execution_id", item.ID, "runner_id", selection.Runner.ID, "error", err)
			s.recordOutcome("assign_error")
			return
		}

		s.registry.SetInflight(selection.Runner.ID, selection.Runner.Inflight+1)
		s.registry.SetResourceUsage(selection.Runner.ID, selection.Runner.CPUAllocated+cpu, selection.Runner.MemAllocated+mem)

		s.bus.Publish(events.Event{
			Type:        events.TypeExecutionAssigned,
			ExecutionID: item.ID,
			RunnerID:    &selection.Runner.ID,
			Payload: map[string]any{
				"runner_id": selection.Runner.ID,
				"rule_id":   selection.RuleID,
			},
			PublishedAt: time.Now(),
		})

		runner := selection.Runner
		runner.Inflight++
		item.Status = models.ExecutionAssigned
		item.AssignedRunnerID = &selection.Runner.ID
		_ = alloc
		s.recordOutcome("assigned")
		s.driver.Start(ctx, item, runner)
		return
	}
	slog.Warn("scheduler: exhausted assignment retries", "execution_id", item.ID, "retries", s.cfg.AssignRetries)
	s.recordOutcome("exhausted_retries")
}

// estimateResourceCost derives a nominal CPU/memory reservation for an
// execution. Runners do not currently report per-shard resource specs,
// so this is a flat per-execution estimate the resource-based rule kind
// uses as a relative ordering signal rather than a hard capacity unit.
func estimateResourceCost(item *models.Execution) (cpu, mem float64) {
	shards := float64(item.TotalShards)
	if shards <= 0 {
		shards = 1
	}
	return shards, shards * 256
}
