// Package health implements the Health Prober (spec.md §4.8): a
// periodic, bounded-concurrency round of GET probes against every
// active runner's health_check_url, feeding outcomes back into the
// Registry.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/metrics"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/registry"
)

// Config controls probe cadence, timeout, and concurrency.
type Config struct {
	// Interval is T_health: how often a probe round runs.
	Interval time.Duration
	// ProbeTimeout is T_probe: the per-runner HTTP timeout.
	ProbeTimeout time.Duration
	// Concurrency bounds how many probes run in parallel per round.
	Concurrency int64
	// FlapDamper requires two consecutive matching samples before a
	// health transition is applied to the Registry, per spec.md §4.8.
	// Default is off (single-sample).
	FlapDamper bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	return c
}

// Prober runs periodic health-check rounds over the Registry's active
// runners and records the outcomes.
type Prober struct {
	registry *registry.Registry
	bus      *events.Bus
	clock    clock.Clock
	client   *http.Client
	cfg      Config
	sem      *semaphore.Weighted
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[int64]pendingSample

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type pendingSample struct {
	health models.RunnerHealth
	count  int
}

// New creates a Prober.
func New(reg *registry.Registry, bus *events.Bus, c clock.Clock, cfg Config) *Prober {
	cfg = cfg.withDefaults()
	return &Prober{
		registry: reg,
		bus:      bus,
		clock:    c,
		client:   &http.Client{},
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		pending:  make(map[int64]pendingSample),
		stopCh:   make(chan struct{}),
	}
}

// SetMetrics wires a Metrics instance for the probe-latency histogram.
// Optional: nil leaves the observation a no-op.
func (p *Prober) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Start runs the probe loop until ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runRound(ctx)
		}
	}
}

// runRound fans a probe out to every active runner, bounded by
// cfg.Concurrency, and waits for the round to finish.
func (p *Prober) runRound(ctx context.Context) {
	var wg sync.WaitGroup
	for _, runner := range p.registry.All() {
		if runner.Status != models.RunnerActive || runner.HealthCheckURL == "" {
			continue
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(r models.Runner) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.probeOne(ctx, r)
		}(runner)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, runner models.Runner) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := p.clock.Now()
	health, probeErr := p.check(ctx, runner.HealthCheckURL)
	latency := p.clock.Now().Sub(start)
	if p.metrics != nil {
		p.metrics.ProbeLatencySeconds.Observe(latency.Seconds())
	}

	sample := models.RunnerHealthSample{
		RunnerID:  runner.ID,
		CheckedAt: p.clock.Now(),
		Health:    health,
		LatencyMs: latency.Milliseconds(),
	}
	if probeErr != nil {
		sample.Error = probeErr.Error()
	}

	applied, ok := p.confirm(runner.ID, health)
	if !ok {
		// Not yet confirmed: don't apply the transition, but still persist
		// this round's raw sample against the runner's current health so
		// it shows up in history.
		if _, err := p.registry.SetHealth(ctx, runner.ID, runner.Health, sample); err != nil {
			slog.Error("health: failed to record sample", "runner_id", runner.ID, "error", err)
		}
		return
	}
	sample.Health = applied

	changed, err := p.registry.SetHealth(ctx, runner.ID, applied, sample)
	if err != nil {
		slog.Error("health: failed to record sample", "runner_id", runner.ID, "error", err)
		return
	}
	if !changed {
		return
	}

	slog.Info("health: runner health changed", "runner_id", runner.ID, "health", applied)
	p.bus.Publish(events.Event{
		Type:        events.TypeRunnerHealthChanged,
		RunnerID:    &runner.ID,
		PublishedAt: p.clock.Now(),
		Payload: map[string]any{
			"health":     string(applied),
			"was_health": string(runner.Health),
		},
	})
}

// confirm applies the flap damper, if configured: a health value is only
// reported once it has been observed on two consecutive rounds. Without
// the damper every sample is reported immediately.
func (p *Prober) confirm(runnerID int64, health models.RunnerHealth) (models.RunnerHealth, bool) {
	if !p.cfg.FlapDamper {
		return health, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.pending[runnerID]
	if cur.health == health {
		cur.count++
	} else {
		cur = pendingSample{health: health, count: 1}
	}
	p.pending[runnerID] = cur

	return health, cur.count >= 2
}

// check performs the GET probe and classifies the outcome. A non-2xx
// response or any transport error is treated as unhealthy.
func (p *Prober) check(ctx context.Context, url string) (models.RunnerHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.HealthUnhealthy, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return models.HealthUnhealthy, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.HealthUnhealthy, nil
	}
	return models.HealthHealthy, nil
}
