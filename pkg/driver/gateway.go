package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/registry"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// GatewayConfig tunes the Driver Gateway's retry budget.
type GatewayConfig struct {
	Retries     int           // B_start, default 5
	BackoffBase time.Duration // default 200ms
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.Retries <= 0 {
		c.Retries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	return c
}

// Gateway resolves a RunnerDriver by runner.Type and wraps every Start
// call in a circuit breaker (one per runner type, so a misbehaving
// adapter doesn't starve the others) plus a bounded exponential backoff
// retry. Implements scheduler.Driver.
type Gateway struct {
	store    store.Store
	registry *registry.Registry
	bus      *events.Bus
	cfg      GatewayConfig

	drivers map[string]RunnerDriver

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewGateway creates a Gateway dispatching to the given adapters, keyed
// by each adapter's Type().
func NewGateway(st store.Store, reg *registry.Registry, bus *events.Bus, cfg GatewayConfig, adapters ...RunnerDriver) *Gateway {
	drivers := make(map[string]RunnerDriver, len(adapters))
	for _, a := range adapters {
		drivers[a.Type()] = a
	}
	return &Gateway{
		store:    st,
		registry: reg,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		drivers:  drivers,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (g *Gateway) breakerFor(runnerType string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[runnerType]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        runnerType,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("driver: circuit breaker state change", "runner_type", name, "from", from, "to", to)
		},
	})
	g.breakers[runnerType] = cb
	return cb
}

// Start implements scheduler.Driver: dispatch is asynchronous so the
// tick loop is never blocked on an external runner's acceptance.
func (g *Gateway) Start(ctx context.Context, exec *models.Execution, runner models.Runner) {
	go g.start(context.WithoutCancel(ctx), exec, runner)
}

func (g *Gateway) start(ctx context.Context, exec *models.Execution, runner models.Runner) {
	req := StartRequest{
		ExecutionID: exec.ID,
		Runner:      runner,
		ShardCount:  exec.TotalShards,
		WebhookURL:  exec.WebhookURL,
		Suite:       exec.TestSuite,
		Environment: exec.Environment,
		Metadata:    exec.Metadata,
	}

	d, ok := g.drivers[runner.Type]
	if !ok {
		g.fail(ctx, exec, runner, &Error{Kind: ErrBadRequest, Err: errors.New("no driver registered for runner type " + runner.Type)})
		return
	}

	cb := g.breakerFor(runner.Type)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.BackoffBase
	b.MaxElapsedTime = 60 * time.Second
	policy := backoff.WithMaxRetries(b, uint64(g.cfg.Retries))

	err := backoff.Retry(func() error {
		_, execErr := cb.Execute(func() (any, error) {
			return nil, d.Start(ctx, req)
		})
		if execErr == nil {
			return nil
		}
		var derr *Error
		if errors.As(execErr, &derr) && derr.Retryable() {
			return execErr
		}
		if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
			return &Error{Kind: ErrUnavailable, Err: execErr}
		}
		return backoff.Permanent(execErr)
	}, policy)

	if err != nil {
		var derr *Error
		if !errors.As(err, &derr) {
			derr = &Error{Kind: ErrTransient, Err: err}
		}
		g.fail(ctx, exec, runner, derr)
	}
}

// Cancel is best-effort and ignores adapter lookup failures; a runner
// type with no registered adapter simply has nothing to cancel.
func (g *Gateway) Cancel(ctx context.Context, executionID string, runner models.Runner) {
	if d, ok := g.drivers[runner.Type]; ok {
		d.Cancel(ctx, executionID, runner)
	}
}

// fail finalizes exec as an External-Permanent/Timeout-equivalent error
// and releases the runner's reserved capacity, per spec.md §4.5.
func (g *Gateway) fail(ctx context.Context, exec *models.Execution, runner models.Runner, derr *Error) {
	slog.Error("driver: start failed permanently", "execution_id", exec.ID, "runner_id", runner.ID, "reason", derr.Reason())

	aggregated := &models.AggregatedResults{Status: models.ExecutionError, Reason: derr.Reason()}
	if err := g.store.Finalize(ctx, exec.ID, models.ExecutionError, aggregated); err != nil {
		slog.Error("driver: finalize after failed start", "execution_id", exec.ID, "error", err)
	}

	if cached, ok := g.registry.Get(runner.ID); ok {
		next := cached.Inflight - 1
		if next < 0 {
			next = 0
		}
		g.registry.SetInflight(runner.ID, next)
	}

	g.bus.Publish(events.Event{
		Type:        events.TypeExecutionCompleted,
		ExecutionID: exec.ID,
		RunnerID:    &runner.ID,
		Payload: map[string]any{
			"status": string(models.ExecutionError),
			"reason": derr.Reason(),
		},
		PublishedAt: time.Now(),
	})
}
