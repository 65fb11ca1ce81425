// Package events is the orchestrator's in-process event bus: domain
// components publish lifecycle events, the Bus fans them out to bounded
// per-subscriber queues, and the ConnectionManager bridges subscribers to
// dashboard WebSocket clients.
package events

import "time"

// Type identifies a domain event kind (spec.md §4.2).
type Type string

// Domain event types published on the Bus.
const (
	TypeExecutionQueued     Type = "execution.queued"
	TypeExecutionAssigned   Type = "execution.assigned"
	TypeExecutionStarted    Type = "execution.started"
	TypeShardCompleted      Type = "shard.completed"
	TypeExecutionCompleted  Type = "execution.completed"
	TypeRunnerRegistered    Type = "runner.registered"
	TypeRunnerHealthChanged Type = "runner.health_changed"
	TypeRuleConfigured      Type = "rule.configured"
	TypeQueueDepthSampled   Type = "queue.depth_sampled"

	// TypeLagged is synthesized by the Bus itself, not published by
	// domain components, when a subscriber's queue overflows.
	TypeLagged Type = "bus.lagged"
)

// Event is the envelope carried through the Bus. ExecutionID (when set)
// is used to key per-entity ordering: two events with the same
// ExecutionID are always delivered to a given subscriber in publish
// order, even though events for different executions may interleave.
type Event struct {
	Type        Type           `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	RunnerID    *int64         `json:"runner_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
}

// ExecutionQueuedPayload backs TypeExecutionQueued.
type ExecutionQueuedPayload struct {
	TestSuite string `json:"test_suite"`
	Priority  int    `json:"priority"`
}

// ExecutionAssignedPayload backs TypeExecutionAssigned.
type ExecutionAssignedPayload struct {
	RunnerID int64  `json:"runner_id"`
	RuleID   string `json:"rule_id,omitempty"`
}

// ShardCompletedPayload backs TypeShardCompleted.
type ShardCompletedPayload struct {
	ShardIndex int    `json:"shard_index"`
	Status     string `json:"status"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
}

// ExecutionCompletedPayload backs TypeExecutionCompleted.
type ExecutionCompletedPayload struct {
	Status string `json:"status"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Reason string `json:"reason,omitempty"`
}

// RunnerHealthChangedPayload backs TypeRunnerHealthChanged.
type RunnerHealthChangedPayload struct {
	Health    string `json:"health"`
	WasHealth string `json:"was_health"`
}

// QueueDepthSampledPayload backs TypeQueueDepthSampled.
type QueueDepthSampledPayload struct {
	Queued          int     `json:"queued"`
	Assigned        int     `json:"assigned"`
	Running         int     `json:"running"`
	UtilizationRate float64 `json:"utilization_rate"`
}

// ClientMessage is the JSON structure for client -> server WebSocket
// messages on the dashboard feed.
type ClientMessage struct {
	Action  string `json:"action"` // only "ping" is acted on; other actions are ignored
	Channel string `json:"channel,omitempty"`
}

// GlobalChannel is the channel name carrying every event regardless of
// execution. The dashboard's queue/runner overview subscribes here.
const GlobalChannel = "all"

// ExecutionChannel returns the channel name scoped to one execution's
// events, mirroring the teacher's SessionChannel helper.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}
