package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/registry"
	"github.com/codeready-toolchain/teo/pkg/rules"
	"github.com/codeready-toolchain/teo/pkg/store/memstore"
)

type fakeDriver struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeDriver) Start(_ context.Context, exec *models.Execution, _ models.Runner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, exec.ID)
}

func (f *fakeDriver) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *memstore.Store, *registry.Registry, *fakeDriver) {
	t.Helper()
	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	reg := registry.New(st)
	engine := rules.New(st, st)
	driver := &fakeDriver{}
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	sched := New(st, reg, engine, driver, bus, nil, Config{})
	return sched, st, reg, driver
}

func mustRegisterRunner(t *testing.T, ctx context.Context, reg *registry.Registry, priority, capacity int) *models.Runner {
	t.Helper()
	runner := &models.Runner{
		Name:              "runner",
		Type:              "docker",
		Status:            models.RunnerActive,
		Health:            models.HealthHealthy,
		Priority:          priority,
		MaxConcurrentJobs: capacity,
	}
	got, err := reg.Register(ctx, runner)
	require.NoError(t, err)
	return got
}

func TestSchedulerTickAssignsQueuedExecution(t *testing.T) {
	ctx := context.Background()
	sched, st, reg, driver := newTestScheduler(t)

	runner := mustRegisterRunner(t, ctx, reg, 50, 2)
	exec := &models.Execution{ID: "exec-1", TestSuite: "smoke", TotalShards: 1, Status: models.ExecutionQueued}
	require.NoError(t, st.Enqueue(ctx, exec))

	sched.Tick(ctx)

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionAssigned, got.Status)
	require.NotNil(t, got.AssignedRunnerID)
	assert.Equal(t, runner.ID, *got.AssignedRunnerID)
	assert.Equal(t, []string{"exec-1"}, driver.startedIDs())

	cached, ok := reg.Get(runner.ID)
	require.True(t, ok)
	assert.Equal(t, 1, cached.Inflight)
}

func TestSchedulerTickSkipsWhenNoCandidates(t *testing.T) {
	ctx := context.Background()
	sched, st, _, driver := newTestScheduler(t)

	exec := &models.Execution{ID: "exec-1", TestSuite: "smoke", TotalShards: 1, Status: models.ExecutionQueued}
	require.NoError(t, st.Enqueue(ctx, exec))

	sched.Tick(ctx)

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionQueued, got.Status)
	assert.Empty(t, driver.startedIDs())
}

func TestSchedulerTickRespectsRunnerCapacity(t *testing.T) {
	ctx := context.Background()
	sched, st, reg, driver := newTestScheduler(t)

	mustRegisterRunner(t, ctx, reg, 50, 1)

	for i, id := range []string{"exec-1", "exec-2"} {
		exec := &models.Execution{ID: id, TestSuite: "smoke", TotalShards: 1, Priority: 10 - i, Status: models.ExecutionQueued}
		require.NoError(t, st.Enqueue(ctx, exec))
	}

	sched.Tick(ctx)

	assert.Len(t, driver.startedIDs(), 1)
}

func TestSchedulerRetryRewindsRoundRobinCursorOnFailedAssign(t *testing.T) {
	ctx := context.Background()
	sched, st, reg, driver := newTestScheduler(t)
	sched.cfg.AssignRetries = 2

	require.NoError(t, st.UpsertRule(ctx, &models.LoadBalancingRule{
		ID: "rule_rr", Active: true, Priority: 10, Kind: models.RuleKindRoundRobin,
	}))

	runner1 := mustRegisterRunner(t, ctx, reg, 50, 1)
	mustRegisterRunner(t, ctx, reg, 50, 2)

	// Occupy runner-1's one slot at the Store level without telling the
	// Registry, mimicking the race the health/capacity precondition check
	// guards against: the Registry's cached snapshot still thinks runner-1
	// has room, so every attempt's Select keeps choosing it (it sorts
	// first by ID), but the Store's Assign keeps rejecting it.
	occupant := &models.Execution{ID: "occupant", TestSuite: "smoke", TotalShards: 1, Status: models.ExecutionQueued}
	require.NoError(t, st.Enqueue(ctx, occupant))
	_, err := st.Assign(ctx, occupant.ID, runner1.ID, 1, 256)
	require.NoError(t, err)

	exec := &models.Execution{ID: "exec-1", TestSuite: "smoke", TotalShards: 1, Status: models.ExecutionQueued}
	require.NoError(t, st.Enqueue(ctx, exec))

	sched.Tick(ctx)

	// Every attempt picked runner-1 and lost the capacity race; without
	// the rewind fix each of those attempts would still have durably
	// advanced the cursor, even though none of them ever committed.
	assert.Empty(t, driver.startedIDs())
	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionQueued, got.Status)

	rulesList, err := st.ListRules(ctx, false)
	require.NoError(t, err)
	require.Len(t, rulesList, 1)
	assert.Equal(t, 0, rulesList[0].RoundRobinCursor, "cursor must be back where it started after every attempt rewound its advance")
}

func TestKickDoesNotBlockWhenTickAlreadyPending(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t)
	sched.Kick()
	sched.Kick()

	select {
	case <-sched.kick:
	default:
		t.Fatal("expected a pending kick")
	}
}

func TestStartStopRunsTickLoopCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, st, reg, driver := newTestScheduler(t)
	sched.cfg.TickPeriod = 10 * time.Millisecond

	runner := mustRegisterRunner(t, ctx, reg, 50, 2)
	_ = runner
	exec := &models.Execution{ID: "exec-1", TestSuite: "smoke", TotalShards: 1, Status: models.ExecutionQueued}
	require.NoError(t, st.Enqueue(ctx, exec))

	sched.Start(ctx)
	require.Eventually(t, func() bool {
		return len(driver.startedIDs()) == 1
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
}
