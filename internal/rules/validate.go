package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/intelligence"
)

// FieldError is one problem found while validating a rule
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every problem in a rule. It unwraps to
// core.ErrInvalidRule and to the sentinel of each problem.
type ValidationError struct {
	RuleID string       `json:"rule_id,omitempty"`
	Fields []FieldError `json:"fields"`
	kinds  []error
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	if e.RuleID != "" {
		return fmt.Sprintf("invalid rule %s: %s", e.RuleID, strings.Join(parts, "; "))
	}
	return "invalid rule: " + strings.Join(parts, "; ")
}

// Unwrap exposes the sentinels so errors.Is works for each problem kind
func (e *ValidationError) Unwrap() []error {
	return append([]error{core.ErrInvalidRule}, e.kinds...)
}

func (e *ValidationError) add(kind error, field, format string, args ...interface{}) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	e.kinds = append(e.kinds, kind)
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// allowedOperators lists the operators each condition type accepts
var allowedOperators = map[core.ConditionType][]core.Operator{
	core.ConditionKeyword:      {core.OpContains, core.OpEquals, core.OpStartsWith, core.OpEndsWith},
	core.ConditionSender:       {core.OpContains, core.OpEquals, core.OpStartsWith, core.OpEndsWith, core.OpIn, core.OpNotIn},
	core.ConditionTime:         {core.OpBetween},
	core.ConditionDay:          {core.OpEquals, core.OpIn, core.OpNotIn},
	core.ConditionContactGroup: {core.OpIn, core.OpNotIn},
	core.ConditionMessageType:  {core.OpEquals, core.OpIn, core.OpNotIn},
	core.ConditionSentiment:    {core.OpEquals, core.OpIn, core.OpNotIn},
}

// Operators returns the operators accepted for a condition type
func Operators(t core.ConditionType) []core.Operator {
	return append([]core.Operator(nil), allowedOperators[t]...)
}

// Validate checks a rule's structure: identity, condition type/operator
// pairs, value shapes, schedule format and action configs.
func Validate(rule core.Rule) error {
	return validate(rule, true)
}

func validate(rule core.Rule, withSchedule bool) error {
	verr := &ValidationError{RuleID: rule.ID}

	if strings.TrimSpace(rule.Name) == "" {
		verr.add(core.ErrMissingRequired, "name", "is required")
	}
	switch rule.ConditionLogic {
	case core.LogicAll, core.LogicAny:
	default:
		verr.add(core.ErrInvalidRule, "condition_logic", "must be ALL or ANY, got %q", rule.ConditionLogic)
	}

	for i, c := range rule.Conditions {
		validateCondition(verr, fmt.Sprintf("conditions[%d]", i), c)
	}

	if len(rule.Actions) == 0 {
		verr.add(core.ErrMissingRequired, "actions", "at least one action is required")
	}
	for i, a := range rule.Actions {
		validateAction(verr, fmt.Sprintf("actions[%d]", i), a)
	}

	if withSchedule && rule.Schedule != nil {
		if err := ValidateSchedule(*rule.Schedule); err != nil {
			verr.add(core.ErrInvalidSchedule, "schedule", "%s", scheduleDetail(err))
		}
	}

	return verr.orNil()
}

func validateCondition(verr *ValidationError, field string, c core.Condition) {
	ops, known := allowedOperators[c.Type]
	if !known {
		verr.add(core.ErrInvalidCondition, field+".type", "unknown condition type %q", c.Type)
		return
	}
	if !containsOp(ops, c.Operator) {
		verr.add(core.ErrInvalidCondition, field+".operator", "operator %q is not valid for %s conditions", c.Operator, c.Type)
		return
	}

	v := c.Value
	switch c.Operator {
	case core.OpBetween:
		if v.Kind() != core.ValueRange {
			verr.add(core.ErrInvalidCondition, field+".value", "between needs a {start,end} range")
			return
		}
		if _, err := parseClock(v.Range.Start); err != nil {
			verr.add(core.ErrInvalidCondition, field+".value.start", "%v", err)
		}
		if _, err := parseClock(v.Range.End); err != nil {
			verr.add(core.ErrInvalidCondition, field+".value.end", "%v", err)
		}
		return
	case core.OpIn, core.OpNotIn:
		if v.Kind() == core.ValueRange || len(v.Items()) == 0 {
			verr.add(core.ErrInvalidCondition, field+".value", "%s needs a non-empty list", c.Operator)
			return
		}
	default:
		if v.Kind() == core.ValueRange {
			verr.add(core.ErrInvalidCondition, field+".value", "%s needs text or a list", c.Operator)
			return
		}
		if len(v.Items()) == 0 {
			verr.add(core.ErrInvalidCondition, field+".value", "is empty")
			return
		}
	}

	// Enumerated types must name known members
	for _, item := range v.Items() {
		switch c.Type {
		case core.ConditionDay:
			if _, ok := parseWeekday(item); !ok {
				verr.add(core.ErrInvalidCondition, field+".value", "unknown day %q", item)
			}
		case core.ConditionMessageType:
			if !knownMessageType(item) {
				verr.add(core.ErrInvalidCondition, field+".value", "unknown message type %q", item)
			}
		case core.ConditionSentiment:
			switch intelligence.Sentiment(strings.ToLower(item)) {
			case intelligence.SentimentPositive, intelligence.SentimentNegative, intelligence.SentimentNeutral:
			default:
				verr.add(core.ErrInvalidCondition, field+".value", "unknown sentiment %q", item)
			}
		}
	}
}

func validateAction(verr *ValidationError, field string, a core.Action) {
	if !a.Type.Valid() {
		verr.add(core.ErrInvalidAction, field+".type", "unknown action type %q", a.Type)
		return
	}
	switch a.Type {
	case core.ActionReply:
		if a.Reply == nil || strings.TrimSpace(a.Reply.Text) == "" {
			verr.add(core.ErrInvalidAction, field+".config.text", "reply text is required")
		} else if a.Reply.DelaySeconds < 0 {
			verr.add(core.ErrInvalidAction, field+".config.delay_seconds", "must not be negative")
		}
	case core.ActionForward:
		if a.Forward == nil || strings.TrimSpace(a.Forward.To) == "" {
			verr.add(core.ErrInvalidAction, field+".config.to", "forward target is required")
		}
	case core.ActionLabel:
		if a.Label == nil || strings.TrimSpace(a.Label.Label) == "" {
			verr.add(core.ErrInvalidAction, field+".config.label", "label is required")
		}
	case core.ActionNotify:
		if a.Notify == nil || strings.TrimSpace(a.Notify.Title) == "" {
			verr.add(core.ErrInvalidAction, field+".config.title", "notification title is required")
		}
	case core.ActionDelayResponse:
		if a.Delay == nil || a.Delay.Seconds <= 0 {
			verr.add(core.ErrInvalidAction, field+".config.seconds", "delay must be positive")
		}
	case core.ActionAIGenerate:
		if a.AIGenerate == nil {
			verr.add(core.ErrInvalidAction, field+".config", "ai_generate config is required")
		} else if a.AIGenerate.MaxLength < 0 || a.AIGenerate.DelaySeconds < 0 {
			verr.add(core.ErrInvalidAction, field+".config", "max_length and delay_seconds must not be negative")
		}
	}
}

// ValidateSchedule checks "HH:MM" times and day names
func ValidateSchedule(s core.Schedule) error {
	var errs []error
	if _, err := parseClock(s.StartTime); err != nil {
		errs = append(errs, fmt.Errorf("start_time: %w", err))
	}
	if _, err := parseClock(s.EndTime); err != nil {
		errs = append(errs, fmt.Errorf("end_time: %w", err))
	}
	for _, d := range s.Days {
		if _, ok := parseWeekday(d); !ok {
			errs = append(errs, fmt.Errorf("days: unknown day %q", d))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", core.ErrInvalidSchedule, errors.Join(errs...))
}

func scheduleDetail(err error) string {
	return strings.TrimPrefix(err.Error(), core.ErrInvalidSchedule.Error()+": ")
}

// parseClock turns "HH:MM" into minutes after midnight
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("time %q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q has invalid minutes", s)
	}
	return h*60 + m, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

func knownMessageType(s string) bool {
	for _, t := range intelligence.MessageTypes {
		if string(t) == strings.ToLower(s) {
			return true
		}
	}
	return false
}

func containsOp(ops []core.Operator, op core.Operator) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
