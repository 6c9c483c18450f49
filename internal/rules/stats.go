package rules

import (
	"time"
)

// RuleStats are evaluation analytics kept apart from a rule's TriggerCount.
// Schedule skips and condition misses never count as fires.
type RuleStats struct {
	RuleID          string     `json:"rule_id"`
	Evaluations     int64      `json:"evaluations"`
	Matches         int64      `json:"matches"`
	Fires           int64      `json:"fires"`
	ScheduleSkips   int64      `json:"schedule_skips"`
	ConditionMisses int64      `json:"condition_misses"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
}

func (e *Engine) withStats(ruleID string, fn func(*RuleStats)) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	st, ok := e.stats[ruleID]
	if !ok {
		st = &RuleStats{RuleID: ruleID}
		e.stats[ruleID] = st
	}
	fn(st)
}

func (e *Engine) recordOutcomes(outcomes map[string]RuleState, at time.Time) {
	for id, state := range outcomes {
		if state == StateDisabled || state == StateInvalid {
			continue
		}
		e.withStats(id, func(st *RuleStats) {
			st.Evaluations++
			t := at
			st.LastEvaluatedAt = &t
			switch state {
			case StateMatched:
				st.Matches++
			case StateOutside, StateScheduleError:
				st.ScheduleSkips++
			case StateNotMatched:
				st.ConditionMisses++
			}
		})
	}
}

// Stats returns analytics for every rule in evaluation order
func (e *Engine) Stats() []RuleStats {
	e.mu.RLock()
	order := append([]string(nil), e.order...)
	e.mu.RUnlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	out := make([]RuleStats, 0, len(order))
	for _, id := range order {
		st := RuleStats{RuleID: id}
		if s, ok := e.stats[id]; ok {
			st = *s
			if s.LastEvaluatedAt != nil {
				t := *s.LastEvaluatedAt
				st.LastEvaluatedAt = &t
			}
		}
		out = append(out, st)
	}
	return out
}
