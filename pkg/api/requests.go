package api

// CreateExecutionRequest is the body for POST /executions (spec.md §6.1).
type CreateExecutionRequest struct {
	TestSuite           string         `json:"test_suite" validate:"required"`
	Environment         string         `json:"environment" validate:"required"`
	Priority            *int           `json:"priority" validate:"omitempty,min=0,max=100"`
	EstimatedDurationMs *int64         `json:"estimated_duration"`
	RequestedRunnerType string         `json:"requested_runner_type"`
	RequestedRunnerID   *int64         `json:"requested_runner_id"`
	TestFiles           []string       `json:"test_files"`
	Branch              string         `json:"branch"`
	Commit              string         `json:"commit"`
	UserID              string         `json:"user_id"`
	WebhookURL          string         `json:"webhook_url" validate:"omitempty,url"`
	TotalShards         int            `json:"total_shards" validate:"omitempty,min=1"`
	Metadata            map[string]any `json:"metadata"`
}

// CreateRunnerRequest is the body for POST /runners.
type CreateRunnerRequest struct {
	Name              string          `json:"name" validate:"required"`
	Type              string          `json:"type" validate:"required"`
	EndpointURL       string          `json:"endpoint_url" validate:"required,url"`
	WebhookURL        string          `json:"webhook_url" validate:"omitempty,url"`
	Capabilities      map[string]bool `json:"capabilities"`
	MaxConcurrentJobs int             `json:"max_concurrent_jobs"`
	Priority          int             `json:"priority"`
	HealthCheckURL    string          `json:"health_check_url" validate:"omitempty,url"`
	Metadata          map[string]any  `json:"metadata"`
}

// PatchRunnerRequest is the body for PATCH /runners/{id}. Every field is
// optional; unset fields leave the current value unchanged.
type PatchRunnerRequest struct {
	Name              *string         `json:"name"`
	EndpointURL       *string         `json:"endpoint_url" validate:"omitempty,url"`
	WebhookURL        *string         `json:"webhook_url" validate:"omitempty,url"`
	HealthCheckURL    *string         `json:"health_check_url" validate:"omitempty,url"`
	Capabilities      map[string]bool `json:"capabilities"`
	MaxConcurrentJobs *int            `json:"max_concurrent_jobs"`
	Priority          *int            `json:"priority"`
	Metadata          map[string]any  `json:"metadata"`
}

// CreateRuleRequest is the body for POST /rules.
type CreateRuleRequest struct {
	Name               string         `json:"name" validate:"required"`
	Kind               string         `json:"kind" validate:"required,oneof=priority-based resource-based round-robin affinity type-filter"`
	Priority           int            `json:"priority"`
	TestSuitePattern   string         `json:"test_suite_pattern"`
	EnvironmentPattern string         `json:"environment_pattern"`
	RunnerTypeFilter   string         `json:"runner_type_filter"`
	Config             map[string]any `json:"config"`
}
