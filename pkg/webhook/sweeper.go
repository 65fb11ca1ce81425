package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// SweeperConfig controls the completion-timeout sweep.
type SweeperConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration
	// MaxRunning is T_exec_max (spec.md §4.7): an execution still
	// "running" after this long without finalizing is timed out.
	MaxRunning time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxRunning <= 0 {
		c.MaxRunning = 30 * time.Minute
	}
	return c
}

// Sweeper periodically finalizes executions that have run past
// T_exec_max without a terminal webhook, per spec.md §4.7. Every
// instance runs this independently; Store.SweepTimedOut is a
// conditional update so racing sweepers never double-finalize.
type Sweeper struct {
	store store.Store
	bus   *events.Bus
	clock clock.Clock
	cfg   SweeperConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper.
func NewSweeper(st store.Store, bus *events.Bus, c clock.Clock, cfg SweeperConfig) *Sweeper {
	return &Sweeper{store: st, bus: bus, clock: c, cfg: cfg.withDefaults(), stopCh: make(chan struct{})}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	deadline := s.clock.Now().Add(-s.cfg.MaxRunning)
	finalized, err := s.store.SweepTimedOut(ctx, deadline)
	if err != nil {
		slog.Error("webhook: completion-timeout sweep failed", "error", err)
		return
	}
	if len(finalized) == 0 {
		return
	}

	slog.Warn("webhook: timed out executions with no terminal webhook", "count", len(finalized))
	for _, exec := range finalized {
		s.bus.Publish(events.Event{
			Type:        events.TypeExecutionCompleted,
			ExecutionID: exec.ID,
			RunnerID:    exec.AssignedRunnerID,
			PublishedAt: s.clock.Now(),
			Payload: map[string]any{
				"status": string(exec.Status),
				"reason": "timeout",
			},
		})
	}
}
