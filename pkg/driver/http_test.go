package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/teo/pkg/models"
)

func TestHTTPDriverStartPostsPayloadAndAcceptsSuccess(t *testing.T) {
	var gotBody httpStartPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDriver(0)
	err := d.Start(context.Background(), StartRequest{
		ExecutionID: "exec-1",
		Runner:      models.Runner{EndpointURL: srv.URL},
		ShardCount:  3,
		Suite:       "smoke",
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", gotBody.ExecutionID)
	assert.Equal(t, 3, gotBody.ShardCount)
}

func TestHTTPDriverClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusInternalServerError, ErrTransient},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		d := NewHTTPDriver(0)
		err := d.Start(context.Background(), StartRequest{Runner: models.Runner{EndpointURL: srv.URL}})
		require.Error(t, err)
		var derr *Error
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, tc.kind, derr.Kind)

		srv.Close()
	}
}

func TestHTTPDriverCancelIsBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDriver(0)
	d.Cancel(context.Background(), "exec-1", models.Runner{EndpointURL: srv.URL})
}
