// Package webhook implements the Webhook Ingest (spec.md §4.7/§6.2): the
// inbound path by which runners report execution progress, plus a
// background sweeper that finalizes executions still running T_exec_max
// after their started_at.
package webhook

import (
	"time"

	"github.com/codeready-toolchain/teo/pkg/models"
)

// Type is the runner-reported webhook event kind.
type Type string

// Webhook event types, per spec.md §6.2.
const (
	TypeRunning       Type = "running"
	TypeShardComplete Type = "shard-complete"
	TypeFinal         Type = "final"
)

// Results mirrors the webhook body's "results" object.
type Results struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Payload is the runner webhook body, matching spec.md §6.2 field-for-field.
type Payload struct {
	ExecutionID string              `json:"execution_id"`
	Type        Type                `json:"type"`
	ShardID     *int                `json:"shard_id,omitempty"`
	TotalShards *int                `json:"total_shards,omitempty"`
	Status      *string             `json:"status,omitempty"`
	Results     *Results            `json:"results,omitempty"`
	FailedTests []models.FailedTest `json:"failed_tests,omitempty"`
	Artifacts   *models.Artifacts   `json:"artifacts,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}
