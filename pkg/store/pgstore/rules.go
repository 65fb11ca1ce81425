package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

const ruleSelectSQL = `
	SELECT id, name, active, priority, kind, test_suite_pattern, environment_pattern,
	       runner_type_filter, config, round_robin_cursor
	FROM load_balancing_rules`

func scanRule(row rowScanner) (*models.LoadBalancingRule, error) {
	r := &models.LoadBalancingRule{}
	var rawConfig []byte
	var kind string
	err := row.Scan(
		&r.ID, &r.Name, &r.Active, &r.Priority, &kind, &r.TestSuitePattern, &r.EnvironmentPattern,
		&r.RunnerTypeFilter, &rawConfig, &r.RoundRobinCursor,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = models.RuleKind(kind)
	r.Config = map[string]any{}
	if err := unmarshalJSON(rawConfig, &r.Config); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal rule config: %w", err)
	}
	return r, nil
}

// UpsertRule implements store.Store.
func (s *Store) UpsertRule(ctx context.Context, rule *models.LoadBalancingRule) error {
	raw, err := marshalJSON(rule.Config)
	if err != nil {
		return fmt.Errorf("pgstore: marshal rule config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO load_balancing_rules (id, name, active, priority, kind, test_suite_pattern, environment_pattern, runner_type_filter, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			priority = EXCLUDED.priority,
			kind = EXCLUDED.kind,
			test_suite_pattern = EXCLUDED.test_suite_pattern,
			environment_pattern = EXCLUDED.environment_pattern,
			runner_type_filter = EXCLUDED.runner_type_filter,
			config = EXCLUDED.config`,
		rule.ID, rule.Name, rule.Active, rule.Priority, string(rule.Kind),
		rule.TestSuitePattern, rule.EnvironmentPattern, rule.RunnerTypeFilter, raw)
	return mapErr(err)
}

// ListRules implements store.Store.
func (s *Store) ListRules(ctx context.Context, activeOnly bool) ([]*models.LoadBalancingRule, error) {
	q := ruleSelectSQL
	var args []any
	if activeOnly {
		q += " WHERE active = $1"
		args = append(args, true)
	}
	q += " ORDER BY priority DESC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.LoadBalancingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

// AdvanceRoundRobinCursor implements store.Store.
func (s *Store) AdvanceRoundRobinCursor(ctx context.Context, ruleID string, numCandidates int) (int, error) {
	if numCandidates <= 0 {
		return 0, fmt.Errorf("pgstore: numCandidates must be positive")
	}
	var index int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var cursor int
		if err := tx.QueryRow(ctx, `SELECT round_robin_cursor FROM load_balancing_rules WHERE id = $1 FOR UPDATE`, ruleID).Scan(&cursor); err != nil {
			return mapErr(err)
		}
		index = cursor % numCandidates
		_, err := tx.Exec(ctx, `UPDATE load_balancing_rules SET round_robin_cursor = $2 WHERE id = $1`, ruleID, cursor+1)
		return mapErr(err)
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// RewindRoundRobinCursor implements store.Store.
func (s *Store) RewindRoundRobinCursor(ctx context.Context, ruleID string, _ int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE load_balancing_rules
		SET round_robin_cursor = round_robin_cursor - 1
		WHERE id = $1 AND round_robin_cursor > 0`, ruleID)
	return mapErr(err)
}

var _ store.Store = (*Store)(nil)
