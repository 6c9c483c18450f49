// Package core defines the fundamental types for Pulse.
// Everything the analyzers, the rule engine and the dispatcher exchange
// lives here.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// MESSAGE - One entry in a conversation
// -----------------------------------------------------------------------------

// Sender identifies which side of the conversation wrote a message
type Sender string

const (
	SenderSelf  Sender = "self"
	SenderOther Sender = "other"
)

// Valid reports whether the sender is one of the two known sides
func (s Sender) Valid() bool {
	return s == SenderSelf || s == SenderOther
}

// Message is immutable once created.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Author         string    `json:"author,omitempty"` // Contact id or display name
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Reactions      []string  `json:"reactions,omitempty"`
	ContactGroups  []string  `json:"contact_groups,omitempty"` // Groups the author belongs to
}

// -----------------------------------------------------------------------------
// SIGNAL - A derived, confidence-scored measurement
// -----------------------------------------------------------------------------

// SignalType categorizes signals
type SignalType string

const (
	SignalEngagement SignalType = "engagement"
	SignalConflict   SignalType = "conflict"
	SignalPhase      SignalType = "phase"
	SignalInsight    SignalType = "insight"
)

// Signal is superseded wholesale on recomputation, never patched.
type Signal struct {
	ID         string     `json:"id"`
	Type       SignalType `json:"type"`
	Confidence float64    `json:"confidence"` // 0-1
	Payload    any        `json:"payload"`
	ProducedAt time.Time  `json:"produced_at"`
}

// -----------------------------------------------------------------------------
// INSIGHT - A user-facing, actionable observation
// -----------------------------------------------------------------------------

// InsightType categorizes insights
type InsightType string

const (
	InsightOpportunity InsightType = "opportunity"
	InsightRisk        InsightType = "risk"
	InsightReminder    InsightType = "reminder"
	InsightSuggestion  InsightType = "suggestion"
	InsightPattern     InsightType = "pattern"
	InsightMilestone   InsightType = "milestone"
)

// Priority ranks insights
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable weight, higher is more important
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// SuggestedActionKind distinguishes a ready-to-send template from a
// follow-up flow the UI has to open
type SuggestedActionKind string

const (
	SuggestQuick    SuggestedActionKind = "quick"
	SuggestDetailed SuggestedActionKind = "detailed"
)

// SuggestedAction is attached to an insight
type SuggestedAction struct {
	Label    string              `json:"label"`
	Kind     SuggestedActionKind `json:"kind"`
	Template string              `json:"template,omitempty"`  // Quick text
	ActionID string              `json:"action_id,omitempty"` // Detailed flow identifier
}

// InsightContext carries the evidence behind an insight
type InsightContext struct {
	Confidence          float64 `json:"confidence"`
	RelatedMessageCount int     `json:"related_message_count,omitempty"`
	Timeframe           string  `json:"timeframe,omitempty"`
}

// Insight is regenerated on every recompute. Fingerprint captures the
// window content it was derived from so a dismissal holds until that
// content changes.
type Insight struct {
	ID               string            `json:"id"`
	Type             InsightType       `json:"type"`
	Priority         Priority          `json:"priority"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Reasoning        string            `json:"reasoning"`
	SuggestedActions []SuggestedAction `json:"suggested_actions,omitempty"`
	Context          InsightContext    `json:"context"`
	Dismissable      bool              `json:"dismissable"`
	Dismissed        bool              `json:"dismissed"`
	Fingerprint      string            `json:"fingerprint,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// -----------------------------------------------------------------------------
// RULE - A user-authored condition -> action automation
// -----------------------------------------------------------------------------

// ConditionLogic combines a rule's conditions
type ConditionLogic string

const (
	LogicAll ConditionLogic = "ALL"
	LogicAny ConditionLogic = "ANY"
)

// Rule is read-mostly configuration. Priority is ascending: lower fires first.
type Rule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Enabled         bool           `json:"enabled"`
	Priority        int            `json:"priority"`
	Conditions      []Condition    `json:"conditions"`
	ConditionLogic  ConditionLogic `json:"condition_logic"`
	Actions         []Action       `json:"actions"`
	Schedule        *Schedule      `json:"schedule,omitempty"`
	TriggerCount    int64          `json:"trigger_count"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with the engine
func (r Rule) Clone() Rule {
	out := r
	out.Conditions = make([]Condition, len(r.Conditions))
	for i, c := range r.Conditions {
		out.Conditions[i] = c.clone()
	}
	out.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		out.Actions[i] = a.clone()
	}
	if r.Schedule != nil {
		s := *r.Schedule
		s.Days = append([]string(nil), r.Schedule.Days...)
		out.Schedule = &s
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	return out
}

// Schedule restricts when a rule may fire. Times are "HH:MM"; an end
// before the start wraps past midnight.
type Schedule struct {
	Enabled   bool     `json:"enabled"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	Days      []string `json:"days,omitempty"` // Empty means every day
}

// -----------------------------------------------------------------------------
// RULE MATCH - Ephemeral evaluation result
// -----------------------------------------------------------------------------

// RuleMatch is produced per evaluation and consumed immediately by the
// dispatcher. MessageID is empty for clock-driven matches.
type RuleMatch struct {
	RuleID          string    `json:"rule_id"`
	RuleName        string    `json:"rule_name"`
	Priority        int       `json:"priority"`
	ConversationID  string    `json:"conversation_id"`
	MessageID       string    `json:"message_id,omitempty"`
	MessageText     string    `json:"message_text,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	ResolvedActions []Action  `json:"resolved_actions"`
}

// Notification is pushed to the user by a notify action
type Notification struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	RuleID         string    `json:"rule_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Urgency        Urgency   `json:"urgency"`
	CreatedAt      time.Time `json:"created_at"`
}
