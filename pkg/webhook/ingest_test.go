package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
	"github.com/codeready-toolchain/teo/pkg/store/memstore"
)

func newTestIngest(t *testing.T) (*Ingest, *memstore.Store, *events.Bus) {
	t.Helper()
	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	return New(st, bus, clock.Real{}), st, bus
}

func seedAssigned(t *testing.T, st *memstore.Store, totalShards int) (string, int64) {
	t.Helper()
	ctx := context.Background()
	runnerID, err := st.RegisterRunner(ctx, &models.Runner{Type: "docker", MaxConcurrentJobs: 4})
	require.NoError(t, err)

	exec := &models.Execution{TestSuite: "smoke", TotalShards: totalShards}
	require.NoError(t, st.Enqueue(ctx, exec))
	_, err = st.Assign(ctx, exec.ID, runnerID, 1, 512)
	require.NoError(t, err)
	return exec.ID, runnerID
}

func intPtr(i int) *int { return &i }

func TestIngestSingleShardHappyPath(t *testing.T) {
	in, st, _ := newTestIngest(t)
	ctx := context.Background()
	execID, _ := seedAssigned(t, st, 1)

	require.NoError(t, in.Apply(ctx, Payload{ExecutionID: execID, Type: TypeRunning}))
	got, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)

	passed := "passed"
	require.NoError(t, in.Apply(ctx, Payload{
		ExecutionID: execID,
		Type:        TypeFinal,
		Status:      &passed,
		Results:     &Results{Total: 10, Passed: 10},
	}))

	got, err = st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
	require.NotNil(t, got.AggregatedResults)
	assert.Equal(t, 10, got.AggregatedResults.Passed)
}

func TestIngestShardedAggregationWithPartialFailure(t *testing.T) {
	in, st, _ := newTestIngest(t)
	ctx := context.Background()
	execID, _ := seedAssigned(t, st, 2)

	require.NoError(t, in.Apply(ctx, Payload{ExecutionID: execID, Type: TypeRunning}))

	passed := "passed"
	failed := "failed"
	require.NoError(t, in.Apply(ctx, Payload{
		ExecutionID: execID,
		Type:        TypeShardComplete,
		ShardID:     intPtr(1),
		Status:      &passed,
		Results:     &Results{Total: 5, Passed: 5},
	}))

	got, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status, "execution stays running until every shard reports")

	require.NoError(t, in.Apply(ctx, Payload{
		ExecutionID: execID,
		Type:        TypeShardComplete,
		ShardID:     intPtr(2),
		Status:      &failed,
		Results:     &Results{Total: 5, Passed: 3, Failed: 2},
		FailedTests: []models.FailedTest{{Title: "t1", File: "a_test.go"}},
	}))

	got, err = st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	require.NotNil(t, got.AggregatedResults)
	assert.Equal(t, 10, got.AggregatedResults.Total)
	assert.Equal(t, 2, got.AggregatedResults.Failed)
	assert.Len(t, got.AggregatedResults.FailedTests, 1)
}

func TestIngestRejectsLateWebhookAfterCancel(t *testing.T) {
	in, st, _ := newTestIngest(t)
	ctx := context.Background()
	execID, _ := seedAssigned(t, st, 1)

	_, err := st.Cancel(ctx, execID)
	require.NoError(t, err)

	err = in.Apply(ctx, Payload{ExecutionID: execID, Type: TypeRunning})
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ErrStale, werr.Kind)
}

func TestIngestRepeatedShardDeliveryIsIdempotent(t *testing.T) {
	in, st, _ := newTestIngest(t)
	ctx := context.Background()
	execID, _ := seedAssigned(t, st, 1)
	require.NoError(t, in.Apply(ctx, Payload{ExecutionID: execID, Type: TypeRunning}))

	passed := "passed"
	payload := Payload{ExecutionID: execID, Type: TypeFinal, Status: &passed, Results: &Results{Total: 1, Passed: 1}}
	require.NoError(t, in.Apply(ctx, payload))
	require.NoError(t, in.Apply(ctx, payload))

	got, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
}

func TestIngestRejectsMalformedShardID(t *testing.T) {
	in, st, _ := newTestIngest(t)
	ctx := context.Background()
	execID, _ := seedAssigned(t, st, 1)

	err := in.Apply(ctx, Payload{ExecutionID: execID, Type: TypeShardComplete})
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ErrMalformed, werr.Kind)
}

func TestIngestRejectsOutOfRangeShardIndex(t *testing.T) {
	in, st, _ := newTestIngest(t)
	ctx := context.Background()
	execID, _ := seedAssigned(t, st, 1)

	err := in.Apply(ctx, Payload{ExecutionID: execID, Type: TypeShardComplete, ShardID: intPtr(9)})
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ErrMalformed, werr.Kind)
	assert.ErrorIs(t, err, store.ErrOutOfRange)
}

func TestIngestRejectsUnknownExecution(t *testing.T) {
	in, _, _ := newTestIngest(t)
	err := in.Apply(context.Background(), Payload{ExecutionID: "exec_missing", Type: TypeRunning})
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ErrMalformed, werr.Kind)
}

func TestIngestRejectsEmptyExecutionID(t *testing.T) {
	in, _, _ := newTestIngest(t)
	err := in.Apply(context.Background(), Payload{Type: TypeRunning})
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ErrMalformed, werr.Kind)
}

func TestIngestErroredShardForcesExecutionError(t *testing.T) {
	in, st, _ := newTestIngest(t)
	ctx := context.Background()
	execID, _ := seedAssigned(t, st, 1)
	require.NoError(t, in.Apply(ctx, Payload{ExecutionID: execID, Type: TypeRunning}))

	errored := "error"
	require.NoError(t, in.Apply(ctx, Payload{ExecutionID: execID, Type: TypeFinal, Status: &errored}))

	got, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, got.Status)
	require.NotNil(t, got.AggregatedResults)
	assert.Equal(t, "missing_or_errored_shard", got.AggregatedResults.Reason)
}
