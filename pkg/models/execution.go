// Package models defines the core domain entities of the orchestrator:
// executions, runners, resource allocations, load-balancing rules, and
// runner health samples. These are plain structs — persistence lives in
// pkg/store, not here.
package models

import "time"

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

// Execution lifecycle states.
const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionAssigned  ExecutionStatus = "assigned"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status never transitions further.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionError, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// ShardStatus is the reported outcome of a single shard.
type ShardStatus string

// Shard-level outcomes, mirroring the runner webhook's "status" field.
const (
	ShardPassed    ShardStatus = "passed"
	ShardFailed    ShardStatus = "failed"
	ShardError     ShardStatus = "error"
	ShardCancelled ShardStatus = "cancelled"
)

// FailedTest describes one failing test case reported by a runner.
type FailedTest struct {
	Title      string `json:"title"`
	File       string `json:"file"`
	Error      string `json:"error"`
	Retry      bool   `json:"retry,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Artifacts holds optional links to runner-produced artifacts.
type Artifacts struct {
	ReportURL      string `json:"report_url,omitempty"`
	LogsURL        string `json:"logs_url,omitempty"`
	ScreenshotsURL string `json:"screenshots_url,omitempty"`
}

// ShardResult is the result reported for a single shard of an execution.
type ShardResult struct {
	Status      ShardStatus  `json:"status"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	FailedTests []FailedTest `json:"failed_tests,omitempty"`
	Artifacts   *Artifacts   `json:"artifacts,omitempty"`
}

// AggregatedResults is the final rollup across all shards, written exactly
// once when an Execution reaches a terminal state.
type AggregatedResults struct {
	Status      ExecutionStatus `json:"status"`
	Total       int             `json:"total"`
	Passed      int             `json:"passed"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	FailedTests []FailedTest    `json:"failed_tests"`
	Reason      string          `json:"reason,omitempty"`
}

// Execution is a single user request to run a test suite, potentially
// sharded across a runner's parallel workers.
type Execution struct {
	ID                  string
	TestSuite           string
	Environment         string
	Branch              string
	Commit              string
	RequestedBy         string
	Priority            int
	EstimatedDurationMs *int64
	RequestedRunnerType string
	RequestedRunnerID   *int64
	Status              ExecutionStatus
	AssignedRunnerID    *int64
	TotalShards         int
	ShardResults        map[int]ShardResult
	AggregatedResults   *AggregatedResults
	CreatedAt           time.Time
	AssignedAt          *time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	WebhookURL          string
	Metadata            map[string]any
}

// MissingShards returns the shard indices in [1, TotalShards] that have no
// recorded result yet.
func (e *Execution) MissingShards() []int {
	var missing []int
	for i := 1; i <= e.TotalShards; i++ {
		if _, ok := e.ShardResults[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}
