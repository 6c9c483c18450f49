// Package rules evaluates user-authored automation rules against messages
// and the clock.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/lexicon"
	"github.com/quantumlife/pulse/internal/logging"
)

var log = logging.WithField("component", "rules")

// Store persists the rule set. All methods may be called concurrently.
type Store interface {
	ListRules(ctx context.Context) ([]core.Rule, error)
	SaveRule(ctx context.Context, rule core.Rule) error
	DeleteRule(ctx context.Context, id string) error
	RecordTrigger(ctx context.Context, id string, count int64, at time.Time) error
}

// ChangeKind describes what happened to a rule
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeEnabled  ChangeKind = "enabled"
	ChangeDisabled ChangeKind = "disabled"
)

// Change is delivered to OnChange listeners after the rule set changed
type Change struct {
	Kind ChangeKind `json:"kind"`
	Rule core.Rule  `json:"rule"`
}

// Options configures an engine
type Options struct {
	Location *time.Location    // Schedules and time/day conditions use this zone
	Lexicon  *lexicon.Provider // message_type and sentiment conditions
	Store    Store             // Optional
	Now      func() time.Time
}

// Engine owns the rule set. It is safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	rules   map[string]core.Rule
	order   []string // Priority ascending, then id
	invalid map[string]error
	config  map[string]error // Malformed schedules, rule kept but never eligible
	ticks   map[string]map[string]bool

	statsMu sync.Mutex
	stats   map[string]*RuleStats

	listenersMu sync.RWMutex
	listeners   []func(Change)

	loc   *time.Location
	lex   *lexicon.Provider
	store Store
	now   func() time.Time
}

// NewEngine creates an engine with an empty rule set
func NewEngine(opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Lexicon == nil {
		opts.Lexicon = lexicon.NewProvider(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		rules:   make(map[string]core.Rule),
		invalid: make(map[string]error),
		config:  make(map[string]error),
		ticks:   make(map[string]map[string]bool),
		stats:   make(map[string]*RuleStats),
		loc:     opts.Location,
		lex:     opts.Lexicon,
		store:   opts.Store,
		now:     opts.Now,
	}
}

// Location returns the zone schedules are evaluated in
func (e *Engine) Location() *time.Location {
	return e.loc
}

// OnChange registers a listener called after every rule set change
func (e *Engine) OnChange(fn func(Change)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notify(kind ChangeKind, rule core.Rule) {
	e.listenersMu.RLock()
	listeners := append(([]func(Change))(nil), e.listeners...)
	e.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(Change{Kind: kind, Rule: rule.Clone()})
	}
}

// -----------------------------------------------------------------------------
// Rule set management
// -----------------------------------------------------------------------------

// Load replaces the rule set without touching the store. Structurally
// invalid rules are kept but skipped; malformed schedules are flagged and
// the rule never becomes eligible.
func (e *Engine) Load(rules []core.Rule) {
	e.mu.Lock()
	e.rules = make(map[string]core.Rule, len(rules))
	e.invalid = make(map[string]error)
	e.config = make(map[string]error)
	e.ticks = make(map[string]map[string]bool)
	for _, r := range rules {
		if r.ID == "" {
			log.Warn("Skipping rule %q without id", r.Name)
			continue
		}
		e.rules[r.ID] = r.Clone()
		e.classify(r)
	}
	e.reorder()
	invalid, config := len(e.invalid), len(e.config)
	e.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"rules":   len(rules),
		"invalid": invalid,
		"config":  config,
	}).Info("Rule set loaded")
}

// LoadStore reads the rule set from the store
func (e *Engine) LoadStore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	e.Load(rules)
	return nil
}

// classify records why a loaded rule cannot be evaluated. Caller holds mu.
func (e *Engine) classify(r core.Rule) {
	delete(e.invalid, r.ID)
	delete(e.config, r.ID)

	if err := validate(r, false); err != nil {
		e.invalid[r.ID] = err
		log.WithField("rule_id", r.ID).Warn("Rule is invalid and will be skipped: %v", err)
		return
	}
	if r.Schedule != nil {
		if err := ValidateSchedule(*r.Schedule); err != nil {
			e.config[r.ID] = err
			log.WithField("rule_id", r.ID).Warn("Rule schedule is malformed, rule will not fire: %v", err)
		}
	}
}

// reorder rebuilds the evaluation order. Caller holds mu.
func (e *Engine) reorder() {
	e.order = e.order[:0]
	for id := range e.rules {
		e.order = append(e.order, id)
	}
	sort.Slice(e.order, func(i, j int) bool {
		a, b := e.rules[e.order[i]], e.rules[e.order[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

// Create validates and adds a rule. An empty id is assigned.
func (e *Engine) Create(ctx context.Context, rule core.Rule) (core.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.ConditionLogic == "" {
		rule.ConditionLogic = core.LogicAll
	}
	if err := Validate(rule); err != nil {
		return core.Rule{}, err
	}

	now := e.now()
	rule = rule.Clone()
	rule.TriggerCount = 0
	rule.LastTriggeredAt = nil
	rule.CreatedAt = now
	rule.UpdatedAt = now

	e.mu.Lock()
	if _, exists := e.rules[rule.ID]; exists {
		e.mu.Unlock()
		return core.Rule{}, fmt.Errorf("%w: %s", core.ErrRuleExists, rule.ID)
	}
	if err := e.persist(ctx, rule); err != nil {
		e.mu.Unlock()
		return core.Rule{}, err
	}
	e.rules[rule.ID] = rule
	e.reorder()
	e.mu.Unlock()

	e.notify(ChangeCreated, rule)
	return rule.Clone(), nil
}

// Update replaces a rule's definition, keeping its trigger stats
func (e *Engine) Update(ctx context.Context, rule core.Rule) (core.Rule, error) {
	if rule.ConditionLogic == "" {
		rule.ConditionLogic = core.LogicAll
	}
	if err := Validate(rule); err != nil {
		return core.Rule{}, err
	}

	e.mu.Lock()
	existing, ok := e.rules[rule.ID]
	if !ok {
		e.mu.Unlock()
		return core.Rule{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, rule.ID)
	}
	rule = rule.Clone()
	rule.TriggerCount = existing.TriggerCount
	rule.LastTriggeredAt = existing.LastTriggeredAt
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = e.now()
	if err := e.persist(ctx, rule); err != nil {
		e.mu.Unlock()
		return core.Rule{}, err
	}
	e.rules[rule.ID] = rule
	delete(e.invalid, rule.ID)
	delete(e.config, rule.ID)
	e.resetTicks(rule.ID)
	e.reorder()
	e.mu.Unlock()

	e.notify(ChangeUpdated, rule)
	return rule.Clone(), nil
}

// Delete removes a rule
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	rule, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrRuleNotFound, id)
	}
	if e.store != nil {
		if err := e.store.DeleteRule(ctx, id); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to delete rule: %w", err)
		}
	}
	delete(e.rules, id)
	delete(e.invalid, id)
	delete(e.config, id)
	e.resetTicks(id)
	e.reorder()
	e.mu.Unlock()

	e.statsMu.Lock()
	delete(e.stats, id)
	e.statsMu.Unlock()

	e.notify(ChangeDeleted, rule)
	return nil
}

// SetEnabled switches a rule on or off
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (core.Rule, error) {
	e.mu.Lock()
	rule, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return core.Rule{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, id)
	}
	if rule.Enabled == enabled {
		e.mu.Unlock()
		return rule.Clone(), nil
	}
	rule.Enabled = enabled
	rule.UpdatedAt = e.now()
	if err := e.persist(ctx, rule); err != nil {
		e.mu.Unlock()
		return core.Rule{}, err
	}
	e.rules[id] = rule
	e.resetTicks(id)
	e.mu.Unlock()

	kind := ChangeDisabled
	if enabled {
		kind = ChangeEnabled
	}
	e.notify(kind, rule)
	return rule.Clone(), nil
}

// Get returns a copy of one rule
func (e *Engine) Get(id string) (core.Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule, ok := e.rules[id]
	if !ok {
		return core.Rule{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, id)
	}
	return rule.Clone(), nil
}

// List returns all rules in evaluation order
func (e *Engine) List() []core.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]core.Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].Clone())
	}
	return out
}

// InvalidRule is a loaded rule that cannot fire
type InvalidRule struct {
	RuleID string `json:"rule_id"`
	Kind   string `json:"kind"` // "invalid" or "schedule"
	Error  string `json:"error"`
}

// Invalid lists rules skipped at evaluation, in evaluation order
func (e *Engine) Invalid() []InvalidRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []InvalidRule
	for _, id := range e.order {
		if err, ok := e.invalid[id]; ok {
			out = append(out, InvalidRule{RuleID: id, Kind: "invalid", Error: err.Error()})
		} else if err, ok := e.config[id]; ok {
			out = append(out, InvalidRule{RuleID: id, Kind: "schedule", Error: err.Error()})
		}
	}
	return out
}

// persist writes through to the store. Caller holds mu.
func (e *Engine) persist(ctx context.Context, rule core.Rule) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// resetTicks forgets clock edge state for a rule. Caller holds mu.
func (e *Engine) resetTicks(ruleID string) {
	for _, fired := range e.ticks {
		delete(fired, ruleID)
	}
}

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

// RuleState is where a rule ended up for one evaluation
type RuleState string

const (
	StateDisabled      RuleState = "disabled"
	StateInvalid       RuleState = "invalid"
	StateScheduleError RuleState = "schedule_error"
	StateOutside       RuleState = "outside_schedule"
	StateMatched       RuleState = "matched"
	StateNotMatched    RuleState = "not_matched"
)

// ConditionResult is one condition's outcome in an explanation
type ConditionResult struct {
	Index     int            `json:"index"`
	Condition core.Condition `json:"condition"`
	Matched   bool           `json:"matched"`
}

// Explanation describes how a rule evaluated against a message
type Explanation struct {
	RuleID     string            `json:"rule_id"`
	RuleName   string            `json:"rule_name"`
	State      RuleState         `json:"state"`
	Reason     string            `json:"reason"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
}

// evaluate runs the state machine for one rule. Caller holds mu.
func (e *Engine) evaluate(rule core.Rule, s *subject, explain bool) Explanation {
	ex := Explanation{RuleID: rule.ID, RuleName: rule.Name}

	if err, ok := e.invalid[rule.ID]; ok {
		ex.State, ex.Reason = StateInvalid, err.Error()
		return ex
	}
	if !rule.Enabled {
		ex.State, ex.Reason = StateDisabled, "rule is disabled"
		return ex
	}

	allowed, err := scheduleAllows(rule.Schedule, s.at)
	if err != nil {
		ex.State, ex.Reason = StateScheduleError, err.Error()
		return ex
	}
	if !allowed {
		ex.State = StateOutside
		ex.Reason = fmt.Sprintf("%s %s is outside %s-%s", s.at.Weekday(), s.at.Format("15:04"),
			rule.Schedule.StartTime, rule.Schedule.EndTime)
		return ex
	}

	// No conditions: the rule is governed by its schedule alone
	anyOf := rule.ConditionLogic == core.LogicAny
	hits := 0
	for i, c := range rule.Conditions {
		ok := matchCondition(c, s)
		if ok {
			hits++
		}
		if explain {
			ex.Conditions = append(ex.Conditions, ConditionResult{Index: i, Condition: c, Matched: ok})
		} else if ok == anyOf {
			break
		}
	}

	n := len(rule.Conditions)
	switch {
	case n == 0:
	case anyOf && hits == 0:
		ex.State, ex.Reason = StateNotMatched, "no condition matched"
		return ex
	case !anyOf && hits < n:
		ex.State, ex.Reason = StateNotMatched, "not every condition matched"
		return ex
	}
	ex.State, ex.Reason = StateMatched, "all checks passed"
	return ex
}

func (e *Engine) subjectFor(msg *core.Message, at time.Time) *subject {
	return &subject{message: msg, at: at.In(e.loc), lex: e.lex.Get()}
}

func newMatch(rule core.Rule, conversationID string, msg *core.Message, at time.Time) core.RuleMatch {
	m := core.RuleMatch{
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Priority:        rule.Priority,
		ConversationID:  conversationID,
		Timestamp:       at,
		ResolvedActions: core.CloneActions(rule.Actions),
	}
	if msg != nil {
		m.MessageID = msg.ID
		m.MessageText = msg.Text
	}
	return m
}

// Evaluate returns a match for every enabled, schedule-eligible rule whose
// conditions hold for msg, in priority order. The message timestamp is the
// reference time. Trigger stats are not touched; see RecordFire.
func (e *Engine) Evaluate(msg core.Message) []core.RuleMatch {
	e.mu.RLock()
	s := e.subjectFor(&msg, msg.Timestamp)
	var matches []core.RuleMatch
	outcomes := make(map[string]RuleState, len(e.order))
	for _, id := range e.order {
		rule := e.rules[id]
		ex := e.evaluate(rule, s, false)
		outcomes[id] = ex.State
		if ex.State == StateMatched {
			matches = append(matches, newMatch(rule, msg.ConversationID, &msg, msg.Timestamp))
		}
	}
	e.mu.RUnlock()

	e.recordOutcomes(outcomes, msg.Timestamp)
	return matches
}

// Explain dry-runs one rule against a message
func (e *Engine) Explain(ruleID string, msg core.Message) (Explanation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule, ok := e.rules[ruleID]
	if !ok {
		return Explanation{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, ruleID)
	}
	return e.evaluate(rule, e.subjectFor(&msg, msg.Timestamp), true), nil
}

// ExplainAll dry-runs every rule against a message, in evaluation order
func (e *Engine) ExplainAll(msg core.Message) []Explanation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := e.subjectFor(&msg, msg.Timestamp)
	out := make([]Explanation, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.evaluate(e.rules[id], s, true))
	}
	return out
}

// Tick evaluates clock-only rules for a conversation. A rule matches once
// each time it becomes eligible, not on every tick while it stays eligible.
func (e *Engine) Tick(conversationID string, now time.Time) []core.RuleMatch {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.subjectFor(nil, now)
	fired, ok := e.ticks[conversationID]
	if !ok {
		fired = make(map[string]bool)
		e.ticks[conversationID] = fired
	}

	var matches []core.RuleMatch
	for _, id := range e.order {
		rule := e.rules[id]
		if !clockOnly(rule) {
			continue
		}
		eligible := e.evaluate(rule, s, false).State == StateMatched
		if eligible && !fired[id] {
			matches = append(matches, newMatch(rule, conversationID, nil, now))
		}
		if eligible {
			fired[id] = true
		} else {
			delete(fired, id)
		}
	}
	return matches
}

// ForgetConversation drops clock edge state for a conversation
func (e *Engine) ForgetConversation(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ticks, conversationID)
}

// RecordFire increments a rule's trigger count and last-triggered time.
// A store failure is logged; the in-memory count is not rolled back.
func (e *Engine) RecordFire(ctx context.Context, ruleID string, at time.Time) (core.Rule, error) {
	e.mu.Lock()
	rule, ok := e.rules[ruleID]
	if !ok {
		e.mu.Unlock()
		return core.Rule{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, ruleID)
	}
	rule.TriggerCount++
	t := at
	rule.LastTriggeredAt = &t
	e.rules[ruleID] = rule
	e.mu.Unlock()

	e.withStats(ruleID, func(st *RuleStats) { st.Fires++ })

	if e.store != nil {
		if err := e.store.RecordTrigger(ctx, ruleID, rule.TriggerCount, at); err != nil && !errors.Is(err, context.Canceled) {
			log.WithField("rule_id", ruleID).Error("Failed to persist trigger count: %v", err)
		}
	}
	return rule.Clone(), nil
}
