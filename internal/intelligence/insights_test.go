package intelligence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/window"
)

const day = 24 * time.Hour

func insightIDs(in []core.Insight) []string {
	out := make([]string, len(in))
	for i, ins := range in {
		out[i] = ins.ID
	}
	return out
}

func find(in []core.Insight, id string) (core.Insight, bool) {
	for _, ins := range in {
		if ins.ID == id {
			return ins, true
		}
	}
	return core.Insight{}, false
}

func TestGenerateInsights_StaleConversation(t *testing.T) {
	lex := testLexicon(t)
	w := build(
		msgLine{core.SenderSelf, 0, "See you soon"},
		msgLine{core.SenderOther, time.Hour, "Sounds good, talk later"},
	)
	now := t0.Add(time.Hour + 4*day + 3*time.Hour)

	got := GenerateInsights(w, now, DefaultInsightConfig(), lex)

	require.Len(t, got, 1)
	assert.Equal(t, InsightIDStale, got[0].ID)
	assert.Equal(t, "4 days", got[0].Context.Timeframe)
	assert.Equal(t, core.PriorityMedium, got[0].Priority)
	assert.Equal(t, core.InsightReminder, got[0].Type)
	assert.Equal(t, now, got[0].CreatedAt)
	assert.True(t, got[0].Dismissable)
	assert.NotEmpty(t, got[0].Fingerprint)
}

func TestGenerateInsights_StaleThresholds(t *testing.T) {
	lex := testLexicon(t)
	w := build(msgLine{core.SenderOther, 0, "ping"})

	tests := []struct {
		name     string
		elapsed  time.Duration
		found    bool
		priority core.Priority
	}{
		{"under threshold", 2*day + 23*time.Hour, false, ""},
		{"at threshold", 3 * day, true, core.PriorityMedium},
		{"a week", 7 * day, true, core.PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins, ok := find(GenerateInsights(w, t0.Add(tt.elapsed), DefaultInsightConfig(), lex), InsightIDStale)
			assert.Equal(t, tt.found, ok)
			if ok {
				assert.Equal(t, tt.priority, ins.Priority)
			}
		})
	}

	// Self spoke last: never stale
	selfLast := build(msgLine{core.SenderOther, 0, "ping"}, msgLine{core.SenderSelf, time.Minute, "pong"})
	_, ok := find(GenerateInsights(selfLast, t0.Add(30*day), DefaultInsightConfig(), lex), InsightIDStale)
	assert.False(t, ok)
}

func TestGenerateInsights_UnansweredQuestion(t *testing.T) {
	lex := testLexicon(t)
	now := t0.Add(time.Hour)

	open := build(
		msgLine{core.SenderSelf, 0, "hey"},
		msgLine{core.SenderOther, time.Minute, "can you send the file?"},
		msgLine{core.SenderOther, 2 * time.Minute, "no rush"},
	)
	ins, ok := find(GenerateInsights(open, now, DefaultInsightConfig(), lex), InsightIDUnanswered)
	require.True(t, ok)
	assert.Equal(t, core.PriorityHigh, ins.Priority)
	assert.Equal(t, Fingerprint(InsightIDUnanswered, "m01"), ins.Fingerprint)

	answered := build(
		msgLine{core.SenderOther, 0, "can you send the file?"},
		msgLine{core.SenderSelf, time.Minute, "sure"},
	)
	_, ok = find(GenerateInsights(answered, now, DefaultInsightConfig(), lex), InsightIDUnanswered)
	assert.False(t, ok)
}

func TestGenerateInsights_PotentialTasks(t *testing.T) {
	lex := testLexicon(t)
	w := build(
		msgLine{core.SenderSelf, 0, "I'll book the table"},
		msgLine{core.SenderOther, time.Minute, "and I will bring wine"},
		msgLine{core.SenderSelf, 2 * time.Minute, "perfect"},
	)

	ins, ok := find(GenerateInsights(w, t0.Add(time.Hour), DefaultInsightConfig(), lex), InsightIDTasks)
	require.True(t, ok)
	assert.Equal(t, 2, ins.Context.RelatedMessageCount)
	assert.Equal(t, core.InsightSuggestion, ins.Type)
}

func TestGenerateInsights_ParticipationImbalance(t *testing.T) {
	lex := testLexicon(t)
	mk := func(selfN, otherN int) window.Window {
		var specs []msgLine
		for i := 0; i < selfN; i++ {
			specs = append(specs, msgLine{core.SenderSelf, time.Duration(len(specs)) * time.Minute, "a"})
		}
		for i := 0; i < otherN; i++ {
			specs = append(specs, msgLine{core.SenderOther, time.Duration(len(specs)) * time.Minute, "b"})
		}
		return build(specs...)
	}

	tests := []struct {
		name string
		w    window.Window
		want bool
	}{
		{"too few messages", mk(5, 0), false},
		{"balanced", mk(3, 3), false},
		{"exactly double", mk(4, 2), false},
		{"self heavy", mk(5, 1), true},
		{"only self", mk(6, 0), true},
		{"other heavy", mk(1, 5), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := find(GenerateInsights(tt.w, t0.Add(time.Hour), DefaultInsightConfig(), lex), InsightIDImbalance)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestGenerateInsights_Milestones(t *testing.T) {
	lex := testLexicon(t)
	w := build(msgLine{core.SenderSelf, 0, "hi"})

	tests := []struct {
		total int
		want  string
	}{
		{99, ""},
		{100, "milestone-100"},
		{499, "milestone-100"},
		{500, "milestone-500"},
		{1500, "milestone-1000"},
	}
	for _, tt := range tests {
		w.Total = tt.total
		var got string
		for _, ins := range GenerateInsights(w, t0, DefaultInsightConfig(), lex) {
			if ins.Type == core.InsightMilestone {
				got = ins.ID
			}
		}
		assert.Equal(t, tt.want, got, "total %d", tt.total)
	}
}

func TestGenerateInsights_Deadline(t *testing.T) {
	lex := testLexicon(t)

	tests := []struct {
		text  string
		match bool
	}{
		{"Can you get it to me by Friday", true},
		{"needs to be done before next week", true},
		{"the report is due tomorrow", true},
		{"open until EOD", true},
		{"due on thursday", true},
		{"stand by me", false},
		{"by the way", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			w := build(msgLine{core.SenderOther, 0, tt.text}, msgLine{core.SenderSelf, time.Minute, "ok"})
			ins, ok := find(GenerateInsights(w, t0.Add(time.Hour), DefaultInsightConfig(), lex), InsightIDDeadline)
			assert.Equal(t, tt.match, ok)
			if ok {
				assert.Equal(t, core.PriorityHigh, ins.Priority)
				assert.NotEmpty(t, ins.Context.Timeframe)
			}
		})
	}
}

func TestGenerateInsights_Order(t *testing.T) {
	lex := testLexicon(t)
	w := build(
		msgLine{core.SenderSelf, 0, "I'll do it"},
		msgLine{core.SenderSelf, time.Minute, "let me check"},
		msgLine{core.SenderOther, 2 * time.Minute, "can you finish by Monday?"},
	)
	got := GenerateInsights(w, t0.Add(5*day), DefaultInsightConfig(), lex)
	assert.Equal(t, []string{InsightIDStale, InsightIDUnanswered, InsightIDTasks, InsightIDDeadline}, insightIDs(got))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("a", "b"), Fingerprint("ab"))
	assert.NotEqual(t, Fingerprint("a", "b"), Fingerprint("b", "a"))
}

func TestEngagementInsight(t *testing.T) {
	now := t0
	_, ok := EngagementInsight(EngagementReport{Level: EngagementGood}, now)
	assert.False(t, ok)

	ins, ok := EngagementInsight(EngagementReport{Level: EngagementMinimal, Score: 10}, now)
	require.True(t, ok)
	assert.Equal(t, InsightIDEngagementLow, ins.ID)
	assert.Equal(t, core.PriorityHigh, ins.Priority)
	assert.Equal(t, core.InsightRisk, ins.Type)

	ins, ok = EngagementInsight(EngagementReport{Level: EngagementExcellent, Score: 90}, now)
	require.True(t, ok)
	assert.Equal(t, core.InsightOpportunity, ins.Type)
}
