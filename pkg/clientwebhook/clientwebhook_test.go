package clientwebhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store/memstore"
)

func seedTerminal(t *testing.T, st *memstore.Store, webhookURL string) string {
	t.Helper()
	ctx := context.Background()
	exec := &models.Execution{TotalShards: 1, WebhookURL: webhookURL}
	require.NoError(t, st.Enqueue(ctx, exec))
	require.NoError(t, st.Finalize(ctx, exec.ID, models.ExecutionCompleted, &models.AggregatedResults{
		Status: models.ExecutionCompleted,
		Total:  3,
		Passed: 3,
	}))
	return exec.ID
}

func TestDeliverPostsPayloadOnSuccess(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	execID := seedTerminal(t, st, srv.URL)

	d := New(st, Config{Retries: 1, BackoffBase: time.Millisecond})
	d.deliver(context.Background(), execID)

	assert.Equal(t, execID, got.ExecutionID)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.Results)
	assert.Equal(t, 3, got.Results.Passed)
}

func TestDeliverSkipsExecutionWithoutWebhookURL(t *testing.T) {
	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	execID := seedTerminal(t, st, "")

	d := New(st, Config{Retries: 1, BackoffBase: time.Millisecond})
	d.deliver(context.Background(), execID) // must not panic or block
}

func TestDeliverRetriesOnServerErrorThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	execID := seedTerminal(t, st, srv.URL)

	d := New(st, Config{Retries: 5, BackoffBase: time.Millisecond})
	d.deliver(context.Background(), execID)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDeliverDoesNotRetryOnClientError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	execID := seedTerminal(t, st, srv.URL)

	d := New(st, Config{Retries: 5, BackoffBase: time.Millisecond})
	d.deliver(context.Background(), execID)

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestRunDeliversOnExecutionCompletedEvent(t *testing.T) {
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		select {
		case done <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	execID := seedTerminal(t, st, srv.URL)

	bus := events.NewBus(16)
	defer bus.Close()

	d := New(st, Config{Retries: 1, BackoffBase: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, bus)

	time.Sleep(10 * time.Millisecond) // let Run subscribe before publishing
	bus.Publish(events.Event{Type: events.TypeExecutionCompleted, ExecutionID: execID, PublishedAt: time.Now()})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected webhook delivery")
	}
}
