// Package memstore is an in-memory implementation of store.Store used for
// fast unit tests of the Scheduler, Rule Engine, Registry, and Webhook
// Ingest — the Go-native analogue of the teacher's shared-test-database
// helper (test/database), but without requiring a live Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// Store is an in-memory, mutex-guarded store.Store implementation.
type Store struct {
	mu sync.Mutex

	clock clock.Clock
	ids   clock.IDGenerator

	executions  map[string]*models.Execution
	runners     map[int64]*models.Runner
	allocations map[string]*models.ResourceAllocation // keyed by execution id (unique while live)
	rules       map[string]*models.LoadBalancingRule
	nextRunner  int64
}

// New creates an empty in-memory Store.
func New(clk clock.Clock, ids clock.IDGenerator) *Store {
	return &Store{
		clock:       clk,
		ids:         ids,
		executions:  make(map[string]*models.Execution),
		runners:     make(map[int64]*models.Runner),
		allocations: make(map[string]*models.ResourceAllocation),
		rules:       make(map[string]*models.LoadBalancingRule),
	}
}

func cloneExecution(e *models.Execution) *models.Execution {
	cp := *e
	cp.ShardResults = make(map[int]models.ShardResult, len(e.ShardResults))
	for k, v := range e.ShardResults {
		cp.ShardResults[k] = v
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneRunner(r *models.Runner) *models.Runner {
	cp := *r
	cp.Capabilities = make(map[string]bool, len(r.Capabilities))
	for k, v := range r.Capabilities {
		cp.Capabilities[k] = v
	}
	return &cp
}

// Enqueue implements store.Store.
func (s *Store) Enqueue(_ context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == "" {
		exec.ID = s.ids.ExecutionID()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.clock.Now()
	}
	exec.Status = models.ExecutionQueued
	if exec.ShardResults == nil {
		exec.ShardResults = make(map[int]models.ShardResult)
	}
	if exec.TotalShards <= 0 {
		exec.TotalShards = 1
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// Cancel implements store.Store.
func (s *Store) Cancel(_ context.Context, executionID string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if exec.Status.IsTerminal() {
		return nil, store.ErrConflict
	}
	exec.Status = models.ExecutionCancelled
	now := s.clock.Now()
	exec.CompletedAt = &now
	if alloc, ok := s.allocations[executionID]; ok && alloc.State == models.AllocationAllocated {
		s.releaseAllocation(alloc, now)
	}
	return cloneExecution(exec), nil
}

func (s *Store) releaseAllocation(alloc *models.ResourceAllocation, at time.Time) {
	alloc.State = models.AllocationReleased
	alloc.ReleasedAt = &at
	if r, ok := s.runners[alloc.RunnerID]; ok && r.Inflight > 0 {
		r.Inflight--
	}
}

// ClaimCandidates implements store.Store.
func (s *Store) ClaimCandidates(_ context.Context, limit int, filter store.CandidateFilter) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*models.Execution
	for _, e := range s.executions {
		if e.Status != models.ExecutionQueued {
			continue
		}
		if filter.RequestedRunnerType != "" && e.RequestedRunnerType != "" && e.RequestedRunnerType != filter.RequestedRunnerType {
			continue
		}
		if filter.RequestedRunnerID != nil && e.RequestedRunnerID != nil && *e.RequestedRunnerID != *filter.RequestedRunnerID {
			continue
		}
		queued = append(queued, e)
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	out := make([]*models.Execution, len(queued))
	for i, e := range queued {
		out[i] = cloneExecution(e)
	}
	return out, nil
}

// Assign implements store.Store.
func (s *Store) Assign(_ context.Context, executionID string, runnerID int64, cpu, mem float64) (*models.ResourceAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if exec.Status != models.ExecutionQueued {
		return nil, store.ErrPreconditionFailed
	}
	runner, ok := s.runners[runnerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	// Re-check health/status here, not just in the Registry's candidate
	// snapshot: a concurrent prober can mark the runner unhealthy between
	// that snapshot and this transaction.
	if runner.Status != models.RunnerActive || runner.Health == models.HealthUnhealthy {
		return nil, store.ErrPreconditionFailed
	}
	if runner.Inflight >= runner.MaxConcurrentJobs {
		return nil, store.ErrPreconditionFailed
	}

	now := s.clock.Now()
	exec.Status = models.ExecutionAssigned
	exec.AssignedRunnerID = &runnerID
	exec.AssignedAt = &now
	runner.Inflight++

	alloc := &models.ResourceAllocation{
		ID:           s.ids.AllocationID(),
		ExecutionID:  executionID,
		RunnerID:     runnerID,
		CPUAllocated: cpu,
		MemAllocated: mem,
		State:        models.AllocationAllocated,
		AllocatedAt:  now,
	}
	s.allocations[executionID] = alloc
	cp := *alloc
	return &cp, nil
}

// MarkStarted implements store.Store.
func (s *Store) MarkStarted(_ context.Context, executionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if exec.Status == models.ExecutionRunning {
		return nil // idempotent
	}
	if exec.Status != models.ExecutionAssigned {
		return store.ErrConflict
	}
	exec.Status = models.ExecutionRunning
	exec.StartedAt = &at
	return nil
}

// RecordShard implements store.Store.
func (s *Store) RecordShard(_ context.Context, executionID string, shardIndex int, result models.ShardResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return false, store.ErrNotFound
	}
	if shardIndex < 1 || shardIndex > exec.TotalShards {
		return false, store.ErrOutOfRange
	}
	if exec.Status.IsTerminal() {
		return false, store.ErrConflict
	}
	exec.ShardResults[shardIndex] = result
	return len(exec.MissingShards()) == 0, nil
}

// Finalize implements store.Store.
func (s *Store) Finalize(_ context.Context, executionID string, status models.ExecutionStatus, aggregated *models.AggregatedResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if exec.Status.IsTerminal() {
		if exec.Status == status {
			return nil // idempotent repeat
		}
		return store.ErrConflict
	}
	now := s.clock.Now()
	exec.Status = status
	exec.CompletedAt = &now
	exec.AggregatedResults = aggregated
	if alloc, ok := s.allocations[executionID]; ok && alloc.State == models.AllocationAllocated {
		s.releaseAllocation(alloc, now)
	}
	return nil
}

// GetExecution implements store.Store.
func (s *Store) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneExecution(exec), nil
}

// ListExecutions implements store.Store.
func (s *Store) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusSet := make(map[models.ExecutionStatus]bool, len(filter.Status))
	for _, st := range filter.Status {
		statusSet[st] = true
	}

	var out []*models.Execution
	for _, e := range s.executions {
		if len(statusSet) > 0 && !statusSet[e.Status] {
			continue
		}
		if filter.TestSuite != "" && e.TestSuite != filter.TestSuite {
			continue
		}
		if filter.Environment != "" && e.Environment != filter.Environment {
			continue
		}
		if filter.RunnerID != nil && (e.AssignedRunnerID == nil || *e.AssignedRunnerID != *filter.RunnerID) {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SweepTimedOut implements store.Store.
func (s *Store) SweepTimedOut(_ context.Context, deadline time.Time) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finalized []*models.Execution
	now := s.clock.Now()
	for _, exec := range s.executions {
		if exec.Status != models.ExecutionRunning {
			continue
		}
		if exec.StartedAt == nil || exec.StartedAt.After(deadline) {
			continue
		}
		exec.Status = models.ExecutionError
		exec.CompletedAt = &now
		exec.AggregatedResults = &models.AggregatedResults{
			Status: models.ExecutionError,
			Reason: "timeout",
		}
		if alloc, ok := s.allocations[exec.ID]; ok && alloc.State == models.AllocationAllocated {
			s.releaseAllocation(alloc, now)
		}
		finalized = append(finalized, cloneExecution(exec))
	}
	return finalized, nil
}

// RegisterRunner implements store.Store.
func (s *Store) RegisterRunner(_ context.Context, runner *models.Runner) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunner++
	runner.ID = s.nextRunner
	if runner.Status == "" {
		runner.Status = models.RunnerActive
	}
	if runner.Health == "" {
		runner.Health = models.HealthUnknown
	}
	if runner.Capabilities == nil {
		runner.Capabilities = map[string]bool{}
	}
	if runner.MaxConcurrentJobs <= 0 {
		runner.MaxConcurrentJobs = 1
	}
	s.runners[runner.ID] = cloneRunner(runner)
	return runner.ID, nil
}

// UpdateRunner implements store.Store.
func (s *Store) UpdateRunner(_ context.Context, id int64, patch store.RunnerPatch) (*models.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if patch.Name != nil {
		r.Name = *patch.Name
	}
	if patch.EndpointURL != nil {
		r.EndpointURL = *patch.EndpointURL
	}
	if patch.HealthCheckURL != nil {
		r.HealthCheckURL = *patch.HealthCheckURL
	}
	if patch.WebhookURL != nil {
		r.WebhookURL = *patch.WebhookURL
	}
	if patch.Capabilities != nil {
		r.Capabilities = patch.Capabilities
	}
	if patch.MaxConcurrentJobs != nil {
		r.MaxConcurrentJobs = *patch.MaxConcurrentJobs
	}
	if patch.Priority != nil {
		r.Priority = *patch.Priority
	}
	if patch.Metadata != nil {
		r.Metadata = patch.Metadata
	}
	return cloneRunner(r), nil
}

// SetRunnerStatus implements store.Store.
func (s *Store) SetRunnerStatus(_ context.Context, id int64, status models.RunnerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

// SetRunnerHealth implements store.Store.
func (s *Store) SetRunnerHealth(_ context.Context, id int64, health models.RunnerHealth, sample models.RunnerHealthSample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return false, store.ErrNotFound
	}
	changed := r.Health != health
	r.Health = health
	now := sample.CheckedAt
	r.LastHealthCheckAt = &now
	return changed, nil
}

// GetRunner implements store.Store.
func (s *Store) GetRunner(_ context.Context, id int64) (*models.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRunner(r), nil
}

// ListRunners implements store.Store.
func (s *Store) ListRunners(_ context.Context, filter store.RunnerFilter) ([]*models.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statusSet := make(map[models.RunnerStatus]bool, len(filter.Status))
	for _, st := range filter.Status {
		statusSet[st] = true
	}
	var out []*models.Runner
	for _, r := range s.runners {
		if len(statusSet) > 0 && !statusSet[r.Status] {
			continue
		}
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		out = append(out, cloneRunner(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertRule implements store.Store.
func (s *Store) UpsertRule(_ context.Context, rule *models.LoadBalancingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = s.ids.RuleID()
	}
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

// ListRules implements store.Store.
func (s *Store) ListRules(_ context.Context, activeOnly bool) ([]*models.LoadBalancingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LoadBalancingRule
	for _, r := range s.rules {
		if activeOnly && !r.Active {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// AdvanceRoundRobinCursor implements store.Store.
func (s *Store) AdvanceRoundRobinCursor(_ context.Context, ruleID string, numCandidates int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if numCandidates <= 0 {
		return 0, fmt.Errorf("memstore: numCandidates must be positive")
	}
	r, ok := s.rules[ruleID]
	if !ok {
		return 0, store.ErrNotFound
	}
	idx := r.RoundRobinCursor % numCandidates
	r.RoundRobinCursor++
	return idx, nil
}

// RewindRoundRobinCursor implements store.Store.
func (s *Store) RewindRoundRobinCursor(_ context.Context, ruleID string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return store.ErrNotFound
	}
	if r.RoundRobinCursor > 0 {
		r.RoundRobinCursor--
	}
	return nil
}

// QueueStatus implements store.Store.
func (s *Store) QueueStatus(_ context.Context) (store.QueueStatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap store.QueueStatusSnapshot
	for _, e := range s.executions {
		switch e.Status {
		case models.ExecutionQueued:
			snap.Queued++
		case models.ExecutionAssigned:
			snap.Assigned++
		case models.ExecutionRunning:
			snap.Running++
		}
	}
	for _, r := range s.runners {
		if r.Status == models.RunnerActive {
			snap.ActiveRunners++
			snap.TotalCapacity += r.MaxConcurrentJobs
		}
		snap.TotalRunners++
	}
	if snap.TotalCapacity > 0 {
		snap.UtilizationRate = float64(snap.Assigned+snap.Running) / float64(snap.TotalCapacity)
	}
	return snap, nil
}

var _ store.Store = (*Store)(nil)
