package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantumlife/pulse/internal/core"
)

// RuleStore persists automation rules. Conditions, actions and schedule
// are kept as JSON in their wire format.
type RuleStore struct {
	db *DB
}

// NewRuleStore creates a new rule store
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `id, name, enabled, priority, condition_logic, conditions, actions,
	schedule, trigger_count, last_triggered_at, created_at, updated_at`

// ListRules returns every stored rule in evaluation order. A row whose
// JSON no longer decodes is returned without conditions and actions so
// the engine flags it invalid instead of losing it.
func (s *RuleStore) ListRules(ctx context.Context) ([]core.Rule, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []core.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetRule returns one rule
func (s *RuleStore) GetRule(ctx context.Context, id string) (core.Rule, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return core.Rule{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, id)
	}
	return rule, err
}

// SaveRule inserts or replaces a rule
func (s *RuleStore) SaveRule(ctx context.Context, rule core.Rule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	var schedule sql.NullString
	if rule.Schedule != nil {
		data, err := json.Marshal(rule.Schedule)
		if err != nil {
			return fmt.Errorf("encode schedule: %w", err)
		}
		schedule = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			priority = excluded.priority,
			condition_logic = excluded.condition_logic,
			conditions = excluded.conditions,
			actions = excluded.actions,
			schedule = excluded.schedule,
			trigger_count = excluded.trigger_count,
			last_triggered_at = excluded.last_triggered_at,
			updated_at = excluded.updated_at
	`,
		rule.ID, rule.Name, rule.Enabled, rule.Priority, string(rule.ConditionLogic),
		string(conditions), string(actions), schedule,
		rule.TriggerCount, NullTime(rule.LastTriggeredAt),
		FormatTime(rule.CreatedAt), FormatTime(rule.UpdatedAt),
	)
	return err
}

// DeleteRule removes a rule. Deleting a missing rule is not an error.
func (s *RuleStore) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	return err
}

// RecordTrigger stores a rule's trigger count and last fire time
func (s *RuleStore) RecordTrigger(ctx context.Context, id string, count int64, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE rules SET trigger_count = ?, last_triggered_at = ? WHERE id = ?
	`, count, FormatTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrRuleNotFound, id)
	}
	return nil
}

// Count returns the number of stored rules
func (s *RuleStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM rules`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (core.Rule, error) {
	var (
		rule                  core.Rule
		logic                 string
		conditions, actions   string
		schedule, lastTrigger sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Enabled, &rule.Priority, &logic,
		&conditions, &actions, &schedule,
		&rule.TriggerCount, &lastTrigger, &createdAt, &updatedAt,
	)
	if err != nil {
		return core.Rule{}, err
	}
	rule.ConditionLogic = core.ConditionLogic(logic)

	rlog := log.WithField("rule_id", rule.ID)
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		rlog.Warn("Stored conditions do not decode: %v", err)
		rule.Conditions = nil
	}
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		rlog.Warn("Stored actions do not decode: %v", err)
		rule.Actions = nil
	}
	if schedule.Valid && schedule.String != "" {
		var sched core.Schedule
		if err := json.Unmarshal([]byte(schedule.String), &sched); err != nil {
			// Fails closed: the engine treats an unparsable window as
			// never eligible.
			rlog.Warn("Stored schedule does not decode: %v", err)
			sched = core.Schedule{Enabled: true, StartTime: "invalid", EndTime: "invalid"}
		}
		rule.Schedule = &sched
	}

	if rule.LastTriggeredAt, err = ParseNullTime(lastTrigger); err != nil {
		return core.Rule{}, fmt.Errorf("rule %s last_triggered_at: %w", rule.ID, err)
	}
	if rule.CreatedAt, err = ParseTime(createdAt); err != nil {
		return core.Rule{}, fmt.Errorf("rule %s created_at: %w", rule.ID, err)
	}
	if rule.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return core.Rule{}, fmt.Errorf("rule %s updated_at: %w", rule.ID, err)
	}
	return rule, nil
}
