package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store/memstore"
)

func newTestRegistry(t *testing.T) (*Registry, context.Context) {
	t.Helper()
	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	return New(st), context.Background()
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg, ctx := newTestRegistry(t)

	runner := &models.Runner{Name: "docker-1", Type: "docker", MaxConcurrentJobs: 2}
	registered, err := reg.Register(ctx, runner)
	require.NoError(t, err)
	assert.NotZero(t, registered.ID)

	got, ok := reg.Get(registered.ID)
	require.True(t, ok)
	assert.Equal(t, "docker-1", got.Name)
	assert.Equal(t, models.RunnerActive, got.Status)
}

func TestRegistryCandidatesForFiltersByCapacityAndType(t *testing.T) {
	reg, ctx := newTestRegistry(t)

	docker, err := reg.Register(ctx, &models.Runner{Name: "d1", Type: "docker", MaxConcurrentJobs: 1})
	require.NoError(t, err)
	_, err = reg.Register(ctx, &models.Runner{Name: "g1", Type: "github-actions", MaxConcurrentJobs: 1})
	require.NoError(t, err)

	candidates := reg.CandidatesFor("docker", nil)
	require.Len(t, candidates, 1)
	assert.Equal(t, docker.ID, candidates[0].ID)

	reg.SetInflight(docker.ID, 1)
	assert.Empty(t, reg.CandidatesFor("docker", nil))
}

func TestRegistryCandidatesForRequestedID(t *testing.T) {
	reg, ctx := newTestRegistry(t)

	a, err := reg.Register(ctx, &models.Runner{Name: "a", Type: "docker", MaxConcurrentJobs: 1})
	require.NoError(t, err)
	_, err = reg.Register(ctx, &models.Runner{Name: "b", Type: "docker", MaxConcurrentJobs: 1})
	require.NoError(t, err)

	candidates := reg.CandidatesFor("", &a.ID)
	require.Len(t, candidates, 1)
	assert.Equal(t, a.ID, candidates[0].ID)
}

func TestRegistrySetStatusExcludesPausedRunners(t *testing.T) {
	reg, ctx := newTestRegistry(t)

	runner, err := reg.Register(ctx, &models.Runner{Name: "d1", Type: "docker", MaxConcurrentJobs: 1})
	require.NoError(t, err)

	require.NoError(t, reg.SetStatus(ctx, runner.ID, models.RunnerPaused))
	assert.Empty(t, reg.CandidatesFor("docker", nil))
}

func TestRegistrySetHealthReportsChange(t *testing.T) {
	reg, ctx := newTestRegistry(t)

	runner, err := reg.Register(ctx, &models.Runner{Name: "d1", Type: "docker", MaxConcurrentJobs: 1})
	require.NoError(t, err)

	changed, err := reg.SetHealth(ctx, runner.ID, models.HealthUnhealthy, models.RunnerHealthSample{RunnerID: runner.ID})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, reg.CandidatesFor("docker", nil))

	changed, err = reg.SetHealth(ctx, runner.ID, models.HealthUnhealthy, models.RunnerHealthSample{RunnerID: runner.ID})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRegistryResyncReplacesView(t *testing.T) {
	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	ctx := context.Background()
	id, err := st.RegisterRunner(ctx, &models.Runner{Name: "pre-existing", Type: "docker", MaxConcurrentJobs: 1})
	require.NoError(t, err)

	reg := New(st)
	assert.Empty(t, reg.All())

	require.NoError(t, reg.Resync(ctx))
	got, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, "pre-existing", got.Name)
}
