package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store/memstore"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestSweeperFinalizesStalledRunningExecution(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	st := memstore.New(fc, &clock.UUIDGenerator{})
	bus := events.NewBus(16)
	defer bus.Close()
	ctx := context.Background()

	runnerID, err := st.RegisterRunner(ctx, &models.Runner{Type: "docker", MaxConcurrentJobs: 2})
	require.NoError(t, err)
	exec := &models.Execution{TotalShards: 1}
	require.NoError(t, st.Enqueue(ctx, exec))
	_, err = st.Assign(ctx, exec.ID, runnerID, 1, 256)
	require.NoError(t, err)
	require.NoError(t, st.MarkStarted(ctx, exec.ID, fc.now))

	sub := bus.Subscribe(ctx)
	defer sub.Unsubscribe()

	fc.now = fc.now.Add(2 * time.Hour)
	sweeper := NewSweeper(st, bus, fc, SweeperConfig{Interval: time.Millisecond, MaxRunning: time.Hour})
	sweeper.sweep(ctx)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, got.Status)
	require.NotNil(t, got.AggregatedResults)
	assert.Equal(t, "timeout", got.AggregatedResults.Reason)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.TypeExecutionCompleted, ev.Type)
		assert.Equal(t, exec.ID, ev.ExecutionID)
	default:
		t.Fatal("expected a completion event")
	}
}

func TestSweeperLeavesFreshRunningExecutionAlone(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	st := memstore.New(fc, &clock.UUIDGenerator{})
	bus := events.NewBus(16)
	defer bus.Close()
	ctx := context.Background()

	runnerID, err := st.RegisterRunner(ctx, &models.Runner{Type: "docker", MaxConcurrentJobs: 2})
	require.NoError(t, err)
	exec := &models.Execution{TotalShards: 1}
	require.NoError(t, st.Enqueue(ctx, exec))
	_, err = st.Assign(ctx, exec.ID, runnerID, 1, 256)
	require.NoError(t, err)
	require.NoError(t, st.MarkStarted(ctx, exec.ID, fc.now))

	sweeper := NewSweeper(st, bus, fc, SweeperConfig{Interval: time.Millisecond, MaxRunning: time.Hour})
	sweeper.sweep(ctx)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)
}

func TestSweeperStartStopRunsCleanly(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	st := memstore.New(fc, &clock.UUIDGenerator{})
	bus := events.NewBus(16)
	defer bus.Close()

	sweeper := NewSweeper(st, bus, fc, SweeperConfig{Interval: time.Millisecond, MaxRunning: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	sweeper.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	sweeper.Stop()
}
