package rules

import (
	"strings"
	"time"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/intelligence"
	"github.com/quantumlife/pulse/internal/lexicon"
)

// subject is what a rule is evaluated against. Message is nil for
// clock-driven evaluation, in which case only time and day conditions can
// hold.
type subject struct {
	message *core.Message
	at      time.Time // Local to the engine's location
	lex     *lexicon.Lexicon

	msgType   intelligence.MessageType
	sentiment intelligence.Sentiment
	typed     bool
	felt      bool
}

func (s *subject) messageType() intelligence.MessageType {
	if !s.typed {
		s.msgType = intelligence.ClassifyMessage(s.lex, s.message.Text)
		s.typed = true
	}
	return s.msgType
}

func (s *subject) feeling() intelligence.Sentiment {
	if !s.felt {
		s.sentiment = intelligence.ClassifySentiment(s.lex, s.message.Text)
		s.felt = true
	}
	return s.sentiment
}

// matchCondition assumes the condition passed validation
func matchCondition(c core.Condition, s *subject) bool {
	switch c.Type {
	case core.ConditionTime:
		return matchTime(c.Value, s.at)
	case core.ConditionDay:
		return matchSet(c.Operator, c.Value.Items(), func(item string) bool {
			d, ok := parseWeekday(item)
			return ok && d == s.at.Weekday()
		})
	}

	if s.message == nil {
		return false
	}

	switch c.Type {
	case core.ConditionKeyword:
		return matchText(c.Operator, c.Value.Items(), s.message.Text)
	case core.ConditionSender:
		candidates := []string{string(s.message.Sender)}
		if s.message.Author != "" {
			candidates = append(candidates, s.message.Author)
		}
		switch c.Operator {
		case core.OpIn, core.OpNotIn:
			return matchSet(c.Operator, c.Value.Items(), func(item string) bool {
				return anyFold(candidates, item)
			})
		}
		for _, cand := range candidates {
			if matchText(c.Operator, c.Value.Items(), cand) {
				return true
			}
		}
		return false
	case core.ConditionContactGroup:
		return matchSet(c.Operator, c.Value.Items(), func(item string) bool {
			return anyFold(s.message.ContactGroups, item)
		})
	case core.ConditionMessageType:
		typ := string(s.messageType())
		return matchSet(c.Operator, c.Value.Items(), func(item string) bool {
			return strings.EqualFold(item, typ)
		})
	case core.ConditionSentiment:
		feel := string(s.feeling())
		return matchSet(c.Operator, c.Value.Items(), func(item string) bool {
			return strings.EqualFold(item, feel)
		})
	}
	return false
}

// matchText compares case-insensitively; a list value matches if any item does
func matchText(op core.Operator, items []string, text string) bool {
	lower := strings.ToLower(text)
	for _, item := range items {
		needle := strings.ToLower(item)
		var ok bool
		switch op {
		case core.OpContains:
			ok = strings.Contains(lower, needle)
		case core.OpEquals:
			ok = strings.TrimSpace(lower) == strings.TrimSpace(needle)
		case core.OpStartsWith:
			ok = strings.HasPrefix(lower, needle)
		case core.OpEndsWith:
			ok = strings.HasSuffix(lower, needle)
		}
		if ok {
			return true
		}
	}
	return false
}

// matchSet handles equals/in (any member holds) and not_in (none holds)
func matchSet(op core.Operator, items []string, member func(string) bool) bool {
	hit := false
	for _, item := range items {
		if member(item) {
			hit = true
			break
		}
	}
	if op == core.OpNotIn {
		return !hit
	}
	return hit
}

func matchTime(v core.ConditionValue, at time.Time) bool {
	if v.Range == nil {
		return false
	}
	start, err := parseClock(v.Range.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(v.Range.End)
	if err != nil {
		return false
	}
	return inWindow(start, end, minuteOfDay(at))
}

func anyFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

// clockOnly reports whether a rule can be evaluated without a message
func clockOnly(rule core.Rule) bool {
	hasSchedule := rule.Schedule != nil && rule.Schedule.Enabled
	if len(rule.Conditions) == 0 {
		return hasSchedule
	}
	for _, c := range rule.Conditions {
		if c.Type != core.ConditionTime && c.Type != core.ConditionDay {
			return false
		}
	}
	return true
}
