package models

// RuleKind selects the load-balancing strategy a rule applies.
type RuleKind string

// Supported rule kinds (spec.md §3, §4.4).
const (
	RuleKindPriorityBased RuleKind = "priority-based"
	RuleKindResourceBased RuleKind = "resource-based"
	RuleKindRoundRobin    RuleKind = "round-robin"
	RuleKindAffinity      RuleKind = "affinity"
	RuleKindTypeFilter    RuleKind = "type-filter"
)

// AffinityConfig is the kind-specific config for an "affinity" rule.
type AffinityConfig struct {
	RequiredCapabilities map[string]bool `json:"required_capabilities"`
}

// TypeFilterConfig is the kind-specific config for a "type-filter" rule.
type TypeFilterConfig struct {
	RunnerType string `json:"runner_type"`
}

// LoadBalancingRule is a predicate + strategy used by the Rule Engine to
// pick a Runner for a queued item.
type LoadBalancingRule struct {
	ID                 string
	Name               string
	Active             bool
	Priority           int
	Kind               RuleKind
	TestSuitePattern   string
	EnvironmentPattern string
	RunnerTypeFilter   string
	Config             map[string]any

	// RoundRobinCursor counts the cursor advances made for a round-robin
	// rule; the next selection uses index RoundRobinCursor mod
	// len(candidates). Persisted across scheduler ticks and restarts.
	RoundRobinCursor int
}
