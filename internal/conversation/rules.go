package conversation

import (
	"context"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/proactive"
	"github.com/quantumlife/pulse/internal/rules"
)

// CreateRule validates and stores a new rule
func (s *Service) CreateRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	return s.engine.Create(ctx, rule)
}

// UpdateRule replaces a rule's definition. Its pending delayed actions
// are cancelled.
func (s *Service) UpdateRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	return s.engine.Update(ctx, rule)
}

// DeleteRule removes a rule and cancels its pending delayed actions
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.engine.Delete(ctx, id)
}

// SetRuleEnabled switches a rule on or off. Disabling cancels its pending
// delayed actions.
func (s *Service) SetRuleEnabled(ctx context.Context, id string, enabled bool) (core.Rule, error) {
	return s.engine.SetEnabled(ctx, id, enabled)
}

// Rule returns one rule
func (s *Service) Rule(id string) (core.Rule, error) {
	return s.engine.Get(id)
}

// Rules returns all rules in evaluation order
func (s *Service) Rules() []core.Rule {
	return s.engine.List()
}

// InvalidRules lists loaded rules that cannot fire
func (s *Service) InvalidRules() []rules.InvalidRule {
	return s.engine.Invalid()
}

// ValidateRule checks a rule without storing it
func (s *Service) ValidateRule(rule core.Rule) error {
	if rule.ConditionLogic == "" {
		rule.ConditionLogic = core.LogicAll
	}
	return rules.Validate(rule)
}

// ExplainRule dry-runs one rule against a message. A zero timestamp
// means now.
func (s *Service) ExplainRule(ruleID string, msg core.Message) (rules.Explanation, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return s.engine.Explain(ruleID, msg)
}

// RuleStats returns per-rule evaluation analytics
func (s *Service) RuleStats() []rules.RuleStats {
	return s.engine.Stats()
}

// ReportFailure surfaces a failed automation as an insight on its
// conversation. It is the dispatcher's failure hook.
func (s *Service) ReportFailure(match core.RuleMatch, stage string, err error) {
	ins := proactive.AutomationFailedInsight(match.RuleID, match.RuleName, stage, err, s.now())
	s.aggregator.Surface(match.ConversationID, ins)
	s.emit(EventInsights, match.ConversationID, s.aggregator.Insights(match.ConversationID, false))
}

func (s *Service) ruleChanged(c rules.Change) {
	switch c.Kind {
	case rules.ChangeUpdated, rules.ChangeDeleted, rules.ChangeDisabled:
		if s.dispatcher != nil {
			if n := s.dispatcher.CancelRule(c.Rule.ID); n > 0 {
				log.WithField("rule_id", c.Rule.ID).Info("Cancelled %d pending dispatches after rule %s", n, c.Kind)
			}
		}
	}
	s.emit(EventRule, "", c)
}
