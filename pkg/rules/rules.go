// Package rules implements the Rule Engine (spec.md §4.4): given a queue
// item and a non-empty candidate list, it selects exactly one runner (or
// reports NoSuitable) by evaluating active load-balancing rules in
// priority order.
package rules

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// ErrNoSuitable is returned when no candidate could be selected. Per
// spec.md §4.4, this only happens if the candidate list was empty on
// entry — callers (the Scheduler) treat it as "try again later."
var ErrNoSuitable = errors.New("rules: no suitable runner")

// CursorAdvancer persists and advances a rule's round-robin cursor.
// store.Store satisfies this directly; RedisCursorCache wraps it with a
// fast cache in front, falling back to the Store as the durable source
// of truth.
type CursorAdvancer interface {
	AdvanceRoundRobinCursor(ctx context.Context, ruleID string, numCandidates int) (index int, err error)

	// RewindRoundRobinCursor reverts the last AdvanceRoundRobinCursor call
	// for ruleID. The Scheduler calls this when the Assign that was meant
	// to consume the advanced index never committed.
	RewindRoundRobinCursor(ctx context.Context, ruleID string, numCandidates int) error
}

// RuleLister fetches active rules. store.Store satisfies this directly.
type RuleLister interface {
	ListRules(ctx context.Context, activeOnly bool) ([]*models.LoadBalancingRule, error)
}

// Engine selects a runner for a queue item by evaluating every active
// load-balancing rule, highest priority first.
type Engine struct {
	rules  RuleLister
	cursor CursorAdvancer
}

// New creates an Engine. cursor may be a RedisCursorCache or the Store
// itself.
func New(rules RuleLister, cursor CursorAdvancer) *Engine {
	return &Engine{rules: rules, cursor: cursor}
}

// Selection is the outcome of Select: the chosen runner plus the rule
// that produced it (empty RuleID when the priority-based default applied
// because no rule matched). RuleKind and CandidateCount are only
// meaningful when RuleKind is round-robin: the Scheduler needs them to
// call RewindCursor if the resulting Assign never commits.
type Selection struct {
	Runner         models.Runner
	RuleID         string
	RuleKind       models.RuleKind
	CandidateCount int
}

// Select implements the spec.md §4.4 algorithm.
func (e *Engine) Select(ctx context.Context, item *models.Execution, candidates []models.Runner) (Selection, error) {
	if len(candidates) == 0 {
		return Selection{}, ErrNoSuitable
	}

	activeRules, err := e.rules.ListRules(ctx, true)
	if err != nil {
		return Selection{}, fmt.Errorf("rules: list active rules: %w", err)
	}
	sort.Slice(activeRules, func(i, j int) bool { return activeRules[i].Priority > activeRules[j].Priority })

	for _, rule := range activeRules {
		if !ruleMatches(rule, item) {
			continue
		}
		runner, err := e.apply(ctx, rule, candidates)
		if err != nil {
			return Selection{}, err
		}
		return Selection{Runner: runner, RuleID: rule.ID, RuleKind: rule.Kind, CandidateCount: len(candidates)}, nil
	}

	return Selection{Runner: pickPriorityBased(candidates)}, nil
}

func (e *Engine) apply(ctx context.Context, rule *models.LoadBalancingRule, candidates []models.Runner) (models.Runner, error) {
	switch rule.Kind {
	case models.RuleKindPriorityBased:
		return pickPriorityBased(candidates), nil

	case models.RuleKindResourceBased:
		return pickResourceBased(candidates), nil

	case models.RuleKindAffinity:
		required := affinityCapabilities(rule)
		var matching []models.Runner
		for _, c := range candidates {
			if c.HasCapability(required) {
				matching = append(matching, c)
			}
		}
		if len(matching) == 0 {
			return pickPriorityBased(candidates), nil
		}
		return pickPriorityBased(matching), nil

	case models.RuleKindTypeFilter:
		runnerType, _ := rule.Config["runner_type"].(string)
		if runnerType == "" {
			runnerType = rule.RunnerTypeFilter
		}
		var matching []models.Runner
		for _, c := range candidates {
			if c.Type == runnerType {
				matching = append(matching, c)
			}
		}
		if len(matching) == 0 {
			return pickPriorityBased(candidates), nil
		}
		return pickPriorityBased(matching), nil

	case models.RuleKindRoundRobin:
		return e.pickRoundRobin(ctx, rule, candidates)

	default:
		return pickPriorityBased(candidates), nil
	}
}

// pickPriorityBased picks the candidate with the highest runner.Priority,
// breaking ties by lower Inflight then lower ID.
func pickPriorityBased(candidates []models.Runner) models.Runner {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}

func better(a, b models.Runner) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Inflight != b.Inflight {
		return a.Inflight < b.Inflight
	}
	return a.ID < b.ID
}

// pickResourceBased picks the candidate minimizing
// Σcpu_allocated + Σmem_allocated/1024, ties as in pickPriorityBased.
func pickResourceBased(candidates []models.Runner) models.Runner {
	best := candidates[0]
	bestScore := loadScore(best)
	for _, c := range candidates[1:] {
		score := loadScore(c)
		if score < bestScore || (score == bestScore && better(c, best)) {
			best = c
			bestScore = score
		}
	}
	return best
}

func loadScore(r models.Runner) float64 {
	return r.CPUAllocated + r.MemAllocated/1024
}

func affinityCapabilities(rule *models.LoadBalancingRule) map[string]bool {
	if raw, ok := rule.Config["required_capabilities"]; ok {
		if m, ok := raw.(map[string]bool); ok {
			return m
		}
		if m, ok := raw.(map[string]any); ok {
			out := make(map[string]bool, len(m))
			for k, v := range m {
				if b, ok := v.(bool); ok {
					out[k] = b
				}
			}
			return out
		}
	}
	return nil
}

// pickRoundRobin sorts candidates by runner_id, advances the rule's
// persistent cursor, and returns the candidate at the resulting index.
// The advance commits immediately, before the caller knows whether the
// resulting Assign will succeed; if it doesn't, the caller must call
// RewindCursor with the Selection's RuleID and CandidateCount so the
// next successful selection doesn't skip a candidate.
func (e *Engine) pickRoundRobin(ctx context.Context, rule *models.LoadBalancingRule, candidates []models.Runner) (models.Runner, error) {
	sorted := append([]models.Runner(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	idx, err := e.cursor.AdvanceRoundRobinCursor(ctx, rule.ID, len(sorted))
	if err != nil {
		return models.Runner{}, fmt.Errorf("rules: advance round-robin cursor: %w", err)
	}
	return sorted[idx%len(sorted)], nil
}

// RewindCursor reverts a round-robin cursor advance. The Scheduler calls
// it when a Selection's Assign returns ErrPreconditionFailed, so a
// losing attempt doesn't permanently skew fairness for the winner that
// eventually takes its place. A no-op for non-round-robin selections.
func (e *Engine) RewindCursor(ctx context.Context, sel Selection) error {
	if sel.RuleKind != models.RuleKindRoundRobin || sel.CandidateCount == 0 {
		return nil
	}
	return e.cursor.RewindRoundRobinCursor(ctx, sel.RuleID, sel.CandidateCount)
}

// ruleMatches reports whether rule's test-suite/environment/runner-type
// patterns all match item. An unset pattern matches everything.
func ruleMatches(rule *models.LoadBalancingRule, item *models.Execution) bool {
	if !patternMatches(rule.TestSuitePattern, item.TestSuite) {
		return false
	}
	if !patternMatches(rule.EnvironmentPattern, item.Environment) {
		return false
	}
	if !patternMatches(rule.RunnerTypeFilter, item.RequestedRunnerType) {
		return false
	}
	return true
}

// patternMatches matches value against pattern using shell-glob
// semantics (path.Match), with an anchored-regex escape hatch for
// patterns wrapped in "/.../ " (e.g. "/^nightly-.*$/"). An empty pattern
// always matches.
func patternMatches(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) > 1 {
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	matched, err := path.Match(pattern, value)
	if err != nil {
		return false
	}
	return matched
}

var _ RuleLister = (store.Store)(nil)
var _ CursorAdvancer = (store.Store)(nil)
