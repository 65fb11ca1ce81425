package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/registry"
	"github.com/codeready-toolchain/teo/pkg/store/memstore"
)

type scriptedDriver struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	typ    string
	cancel []string
}

func (d *scriptedDriver) Type() string { return d.typ }

func (d *scriptedDriver) Start(_ context.Context, _ StartRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.calls < len(d.errs) {
		err = d.errs[d.calls]
	}
	d.calls++
	return err
}

func (d *scriptedDriver) Cancel(_ context.Context, executionID string, _ models.Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel = append(d.cancel, executionID)
}

func (d *scriptedDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newGatewayHarness(t *testing.T, adapters ...RunnerDriver) (*Gateway, *memstore.Store, *registry.Registry) {
	t.Helper()
	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	reg := registry.New(st)
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	gw := NewGateway(st, reg, bus, GatewayConfig{Retries: 3, BackoffBase: time.Millisecond}, adapters...)
	return gw, st, reg
}

func TestGatewayStartSucceedsOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	d := &scriptedDriver{typ: "docker"}
	gw, st, reg := newGatewayHarness(t, d)

	runner := &models.Runner{Type: "docker", Status: models.RunnerActive, Health: models.HealthHealthy, MaxConcurrentJobs: 2}
	registered, err := reg.Register(ctx, runner)
	require.NoError(t, err)

	exec := &models.Execution{ID: "exec-1", TotalShards: 1, Status: models.ExecutionAssigned}
	require.NoError(t, st.Enqueue(ctx, exec))

	done := make(chan struct{})
	go func() {
		gw.start(ctx, exec, *registered)
		close(done)
	}()
	<-done

	assert.Equal(t, 1, d.callCount())
}

func TestGatewayStartRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	d := &scriptedDriver{typ: "docker", errs: []error{
		&Error{Kind: ErrTransient, Err: errors.New("boom")},
		&Error{Kind: ErrUnavailable, Err: errors.New("boom again")},
	}}
	gw, st, reg := newGatewayHarness(t, d)

	runner := &models.Runner{Type: "docker", Status: models.RunnerActive, Health: models.HealthHealthy, MaxConcurrentJobs: 2}
	registered, err := reg.Register(ctx, runner)
	require.NoError(t, err)

	exec := &models.Execution{ID: "exec-1", TotalShards: 1, Status: models.ExecutionAssigned}
	require.NoError(t, st.Enqueue(ctx, exec))
	_, err = st.Assign(ctx, exec.ID, registered.ID, 1, 256)
	require.NoError(t, err)

	gw.start(ctx, exec, *registered)

	assert.Equal(t, 3, d.callCount())
	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionAssigned, got.Status)
}

func TestGatewayStartFinalizesOnPermanentFailure(t *testing.T) {
	ctx := context.Background()
	d := &scriptedDriver{typ: "docker", errs: []error{
		&Error{Kind: ErrBadRequest, Err: errors.New("nope")},
	}}
	gw, st, reg := newGatewayHarness(t, d)

	runner := &models.Runner{Type: "docker", Status: models.RunnerActive, Health: models.HealthHealthy, MaxConcurrentJobs: 2}
	registered, err := reg.Register(ctx, runner)
	require.NoError(t, err)
	reg.SetInflight(registered.ID, 1)

	exec := &models.Execution{ID: "exec-1", TotalShards: 1, Status: models.ExecutionAssigned}
	require.NoError(t, st.Enqueue(ctx, exec))

	cached, _ := reg.Get(registered.ID)
	gw.start(ctx, exec, cached)

	assert.Equal(t, 1, d.callCount())

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, got.Status)
	require.NotNil(t, got.AggregatedResults)
	assert.Equal(t, "driver_bad_request", got.AggregatedResults.Reason)

	after, ok := reg.Get(registered.ID)
	require.True(t, ok)
	assert.Equal(t, 0, after.Inflight)
}

func TestGatewayStartFailsFastWithNoAdapterForType(t *testing.T) {
	ctx := context.Background()
	gw, st, reg := newGatewayHarness(t)

	runner := &models.Runner{Type: "unknown", Status: models.RunnerActive, Health: models.HealthHealthy, MaxConcurrentJobs: 2}
	registered, err := reg.Register(ctx, runner)
	require.NoError(t, err)

	exec := &models.Execution{ID: "exec-1", TotalShards: 1, Status: models.ExecutionAssigned}
	require.NoError(t, st.Enqueue(ctx, exec))

	gw.start(ctx, exec, *registered)

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, got.Status)
}

func TestGatewayCancelDelegatesToAdapter(t *testing.T) {
	d := &scriptedDriver{typ: "docker"}
	gw, _, _ := newGatewayHarness(t, d)

	gw.Cancel(context.Background(), "exec-1", models.Runner{Type: "docker"})

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"exec-1"}, d.cancel)
}
