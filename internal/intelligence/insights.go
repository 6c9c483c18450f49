package intelligence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/lexicon"
	"github.com/quantumlife/pulse/internal/window"
)

// Stable insight ids
const (
	InsightIDStale         = "stale-conversation"
	InsightIDUnanswered    = "unanswered-question"
	InsightIDTasks         = "potential-tasks"
	InsightIDImbalance     = "participation-imbalance"
	InsightIDDeadline      = "deadline-detected"
	InsightIDEngagementLow = "engagement-low"
	InsightIDEngagementTop = "engagement-strong"
	InsightIDConflict      = "conflict-risk"
	insightIDMilestoneFmt  = "milestone-%d"
)

// InsightConfig tunes the insight generator
type InsightConfig struct {
	StaleDays int
}

// DefaultInsightConfig returns sensible defaults
func DefaultInsightConfig() InsightConfig {
	return InsightConfig{StaleDays: 3}
}

var milestoneThresholds = []int{1000, 500, 100}

var deadlinePattern = regexp.MustCompile(`(?i)\b(by|before|until|due)\s+(?:on\s+)?((?:this\s+|next\s+)?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun|week|month|weekend)|today|tonight|tomorrow|eod|eow|end of (?:the )?(?:day|week|month)|the weekend)\b`)

// Fingerprint hashes the evidence an insight was derived from
func Fingerprint(parts ...string) string {
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(parts, "\x1f")), 16)
}

// GenerateInsights runs every window rule. now is the caller's clock.
func GenerateInsights(w window.Window, now time.Time, cfg InsightConfig, lex *lexicon.Lexicon) []core.Insight {
	if lex == nil {
		lex = lexicon.Default()
	}
	if cfg.StaleDays <= 0 {
		cfg.StaleDays = DefaultInsightConfig().StaleDays
	}

	var out []core.Insight
	for _, rule := range []func() (core.Insight, bool){
		func() (core.Insight, bool) { return staleInsight(w, now, cfg) },
		func() (core.Insight, bool) { return unansweredInsight(w) },
		func() (core.Insight, bool) { return taskInsight(w, lex) },
		func() (core.Insight, bool) { return imbalanceInsight(w) },
		func() (core.Insight, bool) { return milestoneInsight(w) },
		func() (core.Insight, bool) { return deadlineInsight(w) },
	} {
		if ins, ok := rule(); ok {
			ins.CreatedAt = now
			out = append(out, ins)
		}
	}
	return out
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func staleInsight(w window.Window, now time.Time, cfg InsightConfig) (core.Insight, bool) {
	last, ok := w.Last()
	if !ok || last.Sender != core.SenderOther {
		return core.Insight{}, false
	}
	days := int(now.Sub(last.Timestamp) / (24 * time.Hour))
	if days < cfg.StaleDays {
		return core.Insight{}, false
	}

	priority := core.PriorityMedium
	if days >= 7 {
		priority = core.PriorityHigh
	}
	return core.Insight{
		ID:          InsightIDStale,
		Type:        core.InsightReminder,
		Priority:    priority,
		Title:       "Conversation has gone quiet",
		Description: fmt.Sprintf("They wrote last, %s ago, and haven't heard back.", plural(days, "day")),
		Reasoning:   "The other person sent the most recent message and no reply followed.",
		SuggestedActions: []core.SuggestedAction{
			{Label: "Send a check-in", Kind: core.SuggestQuick, Template: "Hey, sorry for the slow reply! Still keen to pick this up."},
			{Label: "Draft a reply", Kind: core.SuggestDetailed, ActionID: "draft_reply"},
		},
		Context: core.InsightContext{
			Confidence:          0.9,
			RelatedMessageCount: 1,
			Timeframe:           plural(days, "day"),
		},
		Dismissable: true,
		Fingerprint: Fingerprint(InsightIDStale, last.ID),
	}, true
}

func unansweredInsight(w window.Window) (core.Insight, bool) {
	msgs := w.Tail(10)
	var question *core.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Sender == core.SenderSelf {
			break
		}
		if strings.Contains(m.Text, "?") {
			question = &msgs[i]
			break
		}
	}
	if question == nil {
		return core.Insight{}, false
	}

	return core.Insight{
		ID:          InsightIDUnanswered,
		Type:        core.InsightReminder,
		Priority:    core.PriorityHigh,
		Title:       "Unanswered question",
		Description: fmt.Sprintf("They asked: %q", truncate(question.Text, 120)),
		Reasoning:   "A question from the other person has no reply from you after it.",
		SuggestedActions: []core.SuggestedAction{
			{Label: "Acknowledge", Kind: core.SuggestQuick, Template: "Good question, let me get back to you on that shortly."},
			{Label: "Answer now", Kind: core.SuggestDetailed, ActionID: "answer_question"},
		},
		Context: core.InsightContext{
			Confidence:          0.8,
			RelatedMessageCount: 1,
		},
		Dismissable: true,
		Fingerprint: Fingerprint(InsightIDUnanswered, question.ID),
	}, true
}

func taskInsight(w window.Window, lex *lexicon.Lexicon) (core.Insight, bool) {
	var ids []string
	for _, m := range w.Tail(15) {
		if lexicon.Prepare(m.Text).Any(lex.Commitment) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) < 2 {
		return core.Insight{}, false
	}

	return core.Insight{
		ID:          InsightIDTasks,
		Type:        core.InsightSuggestion,
		Priority:    core.PriorityMedium,
		Title:       "Possible tasks mentioned",
		Description: fmt.Sprintf("%d recent messages contain commitments.", len(ids)),
		Reasoning:   "Commitment phrases often mean someone agreed to do something.",
		SuggestedActions: []core.SuggestedAction{
			{Label: "Confirm next steps", Kind: core.SuggestQuick, Template: "Just to recap what we each said we'd do..."},
			{Label: "Create tasks", Kind: core.SuggestDetailed, ActionID: "create_tasks"},
		},
		Context: core.InsightContext{
			Confidence:          0.7,
			RelatedMessageCount: len(ids),
		},
		Dismissable: true,
		Fingerprint: Fingerprint(append([]string{InsightIDTasks}, ids...)...),
	}, true
}

func imbalanceInsight(w window.Window) (core.Insight, bool) {
	if w.Len() < 6 {
		return core.Insight{}, false
	}
	var self, other int
	for _, m := range w.Messages {
		if m.Sender == core.SenderSelf {
			self++
		} else {
			other++
		}
	}

	var side, desc string
	switch {
	case other == 0 || float64(self)/float64(other) > 2:
		side = "self"
		desc = fmt.Sprintf("You sent %d messages to their %d.", self, other)
	case float64(self)/float64(other) < 0.5:
		side = "other"
		desc = fmt.Sprintf("They sent %d messages to your %d.", other, self)
	default:
		return core.Insight{}, false
	}

	template := "What do you think?"
	if side == "other" {
		template = "Thanks for all the detail, here's where I'm at..."
	}
	return core.Insight{
		ID:          InsightIDImbalance,
		Type:        core.InsightPattern,
		Priority:    core.PriorityLow,
		Title:       "Uneven participation",
		Description: desc,
		Reasoning:   "One side is sending more than twice as many messages as the other.",
		SuggestedActions: []core.SuggestedAction{
			{Label: "Balance the exchange", Kind: core.SuggestQuick, Template: template},
			{Label: "Review conversation", Kind: core.SuggestDetailed, ActionID: "review_participation"},
		},
		Context: core.InsightContext{
			Confidence:          0.6,
			RelatedMessageCount: self + other,
		},
		Dismissable: true,
		Fingerprint: Fingerprint(InsightIDImbalance, side),
	}, true
}

func milestoneInsight(w window.Window) (core.Insight, bool) {
	for _, threshold := range milestoneThresholds {
		if w.Total < threshold {
			continue
		}
		id := fmt.Sprintf(insightIDMilestoneFmt, threshold)
		return core.Insight{
			ID:          id,
			Type:        core.InsightMilestone,
			Priority:    core.PriorityLow,
			Title:       fmt.Sprintf("%d messages!", threshold),
			Description: fmt.Sprintf("This conversation has passed %d messages.", threshold),
			Reasoning:   "Message count crossed a milestone.",
			SuggestedActions: []core.SuggestedAction{
				{Label: "Celebrate", Kind: core.SuggestQuick, Template: fmt.Sprintf("We just passed %d messages 🎉", threshold)},
				{Label: "See highlights", Kind: core.SuggestDetailed, ActionID: "conversation_highlights"},
			},
			Context: core.InsightContext{
				Confidence:          1,
				RelatedMessageCount: w.Total,
			},
			Dismissable: true,
			Fingerprint: Fingerprint(id),
		}, true
	}
	return core.Insight{}, false
}

func deadlineInsight(w window.Window) (core.Insight, bool) {
	var ids []string
	var phrase string
	for _, m := range w.Tail(20) {
		if match := deadlinePattern.FindString(m.Text); match != "" {
			ids = append(ids, m.ID)
			phrase = strings.ToLower(match)
		}
	}
	if len(ids) == 0 {
		return core.Insight{}, false
	}

	return core.Insight{
		ID:          InsightIDDeadline,
		Type:        core.InsightReminder,
		Priority:    core.PriorityHigh,
		Title:       "Deadline mentioned",
		Description: fmt.Sprintf("Someone mentioned a deadline: %q.", phrase),
		Reasoning:   "A message references a due date.",
		SuggestedActions: []core.SuggestedAction{
			{Label: "Confirm the deadline", Kind: core.SuggestQuick, Template: "Just confirming, this is due " + strings.TrimSpace(deadlineTail(phrase)) + "?"},
			{Label: "Set a reminder", Kind: core.SuggestDetailed, ActionID: "set_reminder"},
		},
		Context: core.InsightContext{
			Confidence:          0.75,
			RelatedMessageCount: len(ids),
			Timeframe:           phrase,
		},
		Dismissable: true,
		Fingerprint: Fingerprint(append([]string{InsightIDDeadline}, ids...)...),
	}, true
}

// deadlineTail drops the leading by/before/until/due keyword
func deadlineTail(phrase string) string {
	if i := strings.IndexByte(phrase, ' '); i >= 0 {
		return phrase[i+1:]
	}
	return phrase
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// -----------------------------------------------------------------------------
// Extractor adapters
// -----------------------------------------------------------------------------

// EngagementInsight turns a weak or excellent engagement report into an
// insight
func EngagementInsight(r EngagementReport, now time.Time) (core.Insight, bool) {
	actions := []core.SuggestedAction{
		{Label: "Ask an open question", Kind: core.SuggestQuick, Template: "How have things been on your side?"},
		{Label: "See engagement details", Kind: core.SuggestDetailed, ActionID: "engagement_details"},
	}

	switch r.Level {
	case EngagementLow, EngagementMinimal:
		priority := core.PriorityMedium
		if r.Level == EngagementMinimal {
			priority = core.PriorityHigh
		}
		return core.Insight{
			ID:               InsightIDEngagementLow,
			Type:             core.InsightRisk,
			Priority:         priority,
			Title:            "Engagement is fading",
			Description:      fmt.Sprintf("Engagement score is %d (%s), trend %s.", r.Score, r.Level, r.Trend),
			Reasoning:        strings.Join(r.Insights, " "),
			SuggestedActions: actions,
			Context:          core.InsightContext{Confidence: r.Confidence, RelatedMessageCount: r.MessageCount},
			Dismissable:      true,
			Fingerprint:      Fingerprint(InsightIDEngagementLow, string(r.Level)),
			CreatedAt:        now,
		}, true
	case EngagementExcellent:
		return core.Insight{
			ID:               InsightIDEngagementTop,
			Type:             core.InsightOpportunity,
			Priority:         core.PriorityLow,
			Title:            "Engagement is strong",
			Description:      fmt.Sprintf("Engagement score is %d, trend %s.", r.Score, r.Trend),
			Reasoning:        strings.Join(r.Insights, " "),
			SuggestedActions: []core.SuggestedAction{{Label: "Make plans", Kind: core.SuggestDetailed, ActionID: "propose_plan"}},
			Context:          core.InsightContext{Confidence: r.Confidence, RelatedMessageCount: r.MessageCount},
			Dismissable:      true,
			Fingerprint:      Fingerprint(InsightIDEngagementTop),
			CreatedAt:        now,
		}, true
	}
	return core.Insight{}, false
}

// ConflictInsight turns a medium or high alert into a risk insight that
// carries the mediation suggestions. A high alert cannot be dismissed.
func ConflictInsight(r ConflictReport, now time.Time) (core.Insight, bool) {
	if r.Alert != SeverityMedium && r.Alert != SeverityHigh {
		return core.Insight{}, false
	}

	priority := core.PriorityMedium
	if r.Alert == SeverityHigh {
		priority = core.PriorityHigh
	}

	var kinds []string
	evidence := []string{InsightIDConflict, string(r.Alert)}
	for _, s := range r.Signals {
		kinds = append(kinds, string(s.Kind))
		evidence = append(evidence, s.MessageIDs...)
	}

	actions := make([]core.SuggestedAction, 0, len(r.Suggestions))
	for _, s := range r.Suggestions {
		actions = append(actions, core.SuggestedAction{
			Label:    s.Title,
			Kind:     core.SuggestQuick,
			Template: s.Template,
		})
	}

	return core.Insight{
		ID:               InsightIDConflict,
		Type:             core.InsightRisk,
		Priority:         priority,
		Title:            "Conversation is getting tense",
		Description:      fmt.Sprintf("Detected %s in recent messages.", strings.Join(kinds, ", ")),
		Reasoning:        "Recent messages contain conflict language.",
		SuggestedActions: actions,
		Context:          core.InsightContext{Confidence: r.Confidence, RelatedMessageCount: r.Analyzed},
		Dismissable:      r.Alert != SeverityHigh,
		Fingerprint:      Fingerprint(evidence...),
		CreatedAt:        now,
	}, true
}
