package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ConditionType is what a condition inspects
type ConditionType string

const (
	ConditionKeyword      ConditionType = "keyword"
	ConditionSender       ConditionType = "sender"
	ConditionTime         ConditionType = "time"
	ConditionDay          ConditionType = "day"
	ConditionContactGroup ConditionType = "contact_group"
	ConditionMessageType  ConditionType = "message_type"
	ConditionSentiment    ConditionType = "sentiment"
)

// Operator is how a condition compares
type Operator string

const (
	OpContains   Operator = "contains"
	OpEquals     Operator = "equals"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpBetween    Operator = "between"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
)

// Condition is one predicate of a rule
type Condition struct {
	Type     ConditionType  `json:"type"`
	Operator Operator       `json:"operator"`
	Value    ConditionValue `json:"value"`
}

func (c Condition) clone() Condition {
	out := c
	if c.Value.List != nil {
		out.Value.List = append([]string{}, c.Value.List...)
	}
	if c.Value.Range != nil {
		r := *c.Value.Range
		out.Value.Range = &r
	}
	return out
}

// ValueKind tags which variant of ConditionValue is populated
type ValueKind string

const (
	ValueText  ValueKind = "text"
	ValueList  ValueKind = "list"
	ValueRange ValueKind = "range"
)

// TimeRange is an "HH:MM" interval; End before Start wraps midnight
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ConditionValue is a sum type: exactly one of Text, List or Range is
// meaningful. On the wire it is a string, an array of strings or an
// object with start/end.
type ConditionValue struct {
	Text  string
	List  []string
	Range *TimeRange
}

// TextValue builds a text condition value
func TextValue(s string) ConditionValue { return ConditionValue{Text: s} }

// ListValue builds a set condition value
func ListValue(items ...string) ConditionValue {
	return ConditionValue{List: append([]string{}, items...)}
}

// RangeValue builds a time range condition value
func RangeValue(start, end string) ConditionValue {
	return ConditionValue{Range: &TimeRange{Start: start, End: end}}
}

// Kind reports the populated variant
func (v ConditionValue) Kind() ValueKind {
	switch {
	case v.Range != nil:
		return ValueRange
	case v.List != nil:
		return ValueList
	default:
		return ValueText
	}
}

// Items returns the value as a list, promoting a single text value
func (v ConditionValue) Items() []string {
	switch v.Kind() {
	case ValueList:
		return v.List
	case ValueText:
		if v.Text == "" {
			return nil
		}
		return []string{v.Text}
	default:
		return nil
	}
}

// MarshalJSON encodes the populated variant
func (v ConditionValue) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case ValueRange:
		return json.Marshal(v.Range)
	case ValueList:
		return json.Marshal(v.List)
	default:
		return json.Marshal(v.Text)
	}
}

// UnmarshalJSON accepts a string, a string array or a {start,end} object
func (v *ConditionValue) UnmarshalJSON(data []byte) error {
	*v = ConditionValue{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &v.Text)
	case '[':
		list := []string{}
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("%w: value list: %v", ErrInvalidCondition, err)
		}
		v.List = list
		return nil
	case '{':
		var r TimeRange
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("%w: value range: %v", ErrInvalidCondition, err)
		}
		v.Range = &r
		return nil
	default:
		return fmt.Errorf("%w: unsupported value %s", ErrInvalidCondition, string(data))
	}
}
