package api

import "github.com/codeready-toolchain/teo/pkg/models"

// CreateExecutionResponse is returned by POST /executions.
type CreateExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ExecutionResponse wraps a single execution for GET /executions/{id}.
type ExecutionResponse struct {
	Execution *models.Execution `json:"execution"`
}

// ListExecutionsResponse backs GET /executions.
type ListExecutionsResponse struct {
	Executions []*models.Execution `json:"executions"`
	Page       PageInfo            `json:"page"`
}

// PageInfo carries the paging window actually applied.
type PageInfo struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// CreateRunnerResponse is returned by POST /runners.
type CreateRunnerResponse struct {
	RunnerID int64 `json:"runner_id"`
}

// ListRunnersResponse backs GET /runners.
type ListRunnersResponse struct {
	Runners []*models.Runner `json:"runners"`
}

// CreateRuleResponse is returned by POST /rules.
type CreateRuleResponse struct {
	RuleID string `json:"rule_id"`
}

// QueueStatusResponse backs GET /queue/status.
type QueueStatusResponse struct {
	Queued   int            `json:"queued"`
	Assigned int            `json:"assigned"`
	Running  int            `json:"running"`
	Runners  RunnersSummary `json:"runners"`
}

// RunnersSummary is the nested runners object in QueueStatusResponse.
type RunnersSummary struct {
	Active          int     `json:"active"`
	TotalCapacity   int     `json:"total_capacity"`
	UtilizationRate float64 `json:"utilization_rate"`
}

// HealthResponse backs GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
