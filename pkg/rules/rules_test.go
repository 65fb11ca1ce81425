package rules

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store/memstore"
)

func newTestStore(t *testing.T) *memstore.Store {
	t.Helper()
	return memstore.New(clock.Real{}, &clock.UUIDGenerator{})
}

func TestSelectNoCandidatesReturnsNoSuitable(t *testing.T) {
	st := newTestStore(t)
	engine := New(st, st)

	_, err := engine.Select(context.Background(), &models.Execution{}, nil)
	assert.ErrorIs(t, err, ErrNoSuitable)
}

func TestSelectDefaultsToPriorityBasedWhenNoRuleMatches(t *testing.T) {
	st := newTestStore(t)
	engine := New(st, st)

	candidates := []models.Runner{
		{ID: 1, Priority: 10},
		{ID: 2, Priority: 50},
	}
	sel, err := engine.Select(context.Background(), &models.Execution{TestSuite: "smoke"}, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sel.Runner.ID)
	assert.Empty(t, sel.RuleID)
}

func TestSelectPriorityTieBreaksByInflightThenID(t *testing.T) {
	st := newTestStore(t)
	engine := New(st, st)

	candidates := []models.Runner{
		{ID: 2, Priority: 50, Inflight: 1},
		{ID: 1, Priority: 50, Inflight: 1},
	}
	sel, err := engine.Select(context.Background(), &models.Execution{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sel.Runner.ID)
}

func TestSelectResourceBasedPicksLowestLoad(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.UpsertRule(ctx, &models.LoadBalancingRule{
		ID: "rule_resource", Name: "resource", Active: true, Priority: 10,
		Kind: models.RuleKindResourceBased,
	}))
	engine := New(st, st)

	candidates := []models.Runner{
		{ID: 1, Priority: 50, CPUAllocated: 4, MemAllocated: 1024},
		{ID: 2, Priority: 50, CPUAllocated: 1, MemAllocated: 512},
	}
	sel, err := engine.Select(ctx, &models.Execution{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sel.Runner.ID)
	assert.Equal(t, "rule_resource", sel.RuleID)
}

func TestSelectAffinityFallsBackToPriorityBasedWhenNoneQualify(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.UpsertRule(ctx, &models.LoadBalancingRule{
		ID: "rule_affinity", Active: true, Priority: 10, Kind: models.RuleKindAffinity,
		Config: map[string]any{"required_capabilities": map[string]any{"gpu": true}},
	}))
	engine := New(st, st)

	candidates := []models.Runner{
		{ID: 1, Priority: 10, Capabilities: map[string]bool{}},
		{ID: 2, Priority: 90, Capabilities: map[string]bool{}},
	}
	sel, err := engine.Select(ctx, &models.Execution{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sel.Runner.ID)
}

func TestSelectAffinityPicksQualifyingCandidate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.UpsertRule(ctx, &models.LoadBalancingRule{
		ID: "rule_affinity", Active: true, Priority: 10, Kind: models.RuleKindAffinity,
		Config: map[string]any{"required_capabilities": map[string]any{"gpu": true}},
	}))
	engine := New(st, st)

	candidates := []models.Runner{
		{ID: 1, Priority: 90, Capabilities: map[string]bool{}},
		{ID: 2, Priority: 10, Capabilities: map[string]bool{"gpu": true}},
	}
	sel, err := engine.Select(ctx, &models.Execution{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sel.Runner.ID)
}

func TestSelectRoundRobinAlternatesAndPersistsCursor(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.UpsertRule(ctx, &models.LoadBalancingRule{
		ID: "rule_rr", Active: true, Priority: 10, Kind: models.RuleKindRoundRobin,
	}))
	engine := New(st, st)

	candidates := []models.Runner{{ID: 1, Priority: 50}, {ID: 2, Priority: 50}}
	var picks []int64
	for i := 0; i < 4; i++ {
		sel, err := engine.Select(ctx, &models.Execution{}, candidates)
		require.NoError(t, err)
		picks = append(picks, sel.Runner.ID)
	}
	assert.Equal(t, []int64{1, 2, 1, 2}, picks)
}

func TestRewindCursorUndoesRoundRobinAdvanceOnFailedAssign(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.UpsertRule(ctx, &models.LoadBalancingRule{
		ID: "rule_rr", Active: true, Priority: 10, Kind: models.RuleKindRoundRobin,
	}))
	engine := New(st, st)
	candidates := []models.Runner{{ID: 1, Priority: 50}, {ID: 2, Priority: 50}}

	first, err := engine.Select(ctx, &models.Execution{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Runner.ID)

	// Simulate the Assign for `first` losing the capacity/health race: the
	// Scheduler rewinds before retrying, so the next Select must hand back
	// the same candidate rather than skipping to runner 2.
	require.NoError(t, engine.RewindCursor(ctx, first))

	retry, err := engine.Select(ctx, &models.Execution{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retry.Runner.ID)

	// A subsequent, successfully committed selection still advances.
	next, err := engine.Select(ctx, &models.Execution{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Runner.ID)
}

func TestRewindCursorIsNoOpForNonRoundRobinSelection(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	engine := New(st, st)

	sel, err := engine.Select(ctx, &models.Execution{}, []models.Runner{{ID: 1, Priority: 50}})
	require.NoError(t, err)
	assert.NoError(t, engine.RewindCursor(ctx, sel))
}

func TestSelectSkipsRuleWithNonMatchingPattern(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.UpsertRule(ctx, &models.LoadBalancingRule{
		ID: "rule_nightly", Active: true, Priority: 90, Kind: models.RuleKindRoundRobin,
		TestSuitePattern: "nightly-*",
	}))
	engine := New(st, st)

	candidates := []models.Runner{{ID: 1, Priority: 10}, {ID: 2, Priority: 90}}
	sel, err := engine.Select(ctx, &models.Execution{TestSuite: "smoke"}, candidates)
	require.NoError(t, err)
	assert.Empty(t, sel.RuleID)
	assert.Equal(t, int64(2), sel.Runner.ID)
}

func TestPatternMatchesGlobAndRegex(t *testing.T) {
	assert.True(t, patternMatches("", "anything"))
	assert.True(t, patternMatches("*", "anything"))
	assert.True(t, patternMatches("nightly-*", "nightly-e2e"))
	assert.False(t, patternMatches("nightly-*", "smoke"))
	assert.True(t, patternMatches("/^nightly-.*$/", "nightly-e2e"))
	assert.False(t, patternMatches("/^nightly-.*$/", "smoke"))
}

func TestRedisCursorCacheFallsBackToDurableOnAdvance(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	st := newTestStore(t)
	require.NoError(t, st.UpsertRule(ctx, &models.LoadBalancingRule{ID: "rule_rr", Active: true, Kind: models.RuleKindRoundRobin}))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCursorCache(client, st, 60)

	idx1, err := cache.AdvanceRoundRobinCursor(ctx, "rule_rr", 2)
	require.NoError(t, err)
	idx2, err := cache.AdvanceRoundRobinCursor(ctx, "rule_rr", 2)
	require.NoError(t, err)
	assert.NotEqual(t, idx1, idx2)

	cached, err := client.Get(ctx, cursorKey("rule_rr")).Result()
	require.NoError(t, err)
	assert.NotEmpty(t, cached)
}
