package intelligence

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/window"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type msgLine struct {
	sender core.Sender
	at     time.Duration
	text   string
}

func build(specs ...msgLine) window.Window {
	w := window.Window{ConversationID: "conv"}
	for i, s := range specs {
		w.Messages = append(w.Messages, core.Message{
			ID:             fmt.Sprintf("m%02d", i),
			ConversationID: "conv",
			Sender:         s.sender,
			Text:           s.text,
			Timestamp:      t0.Add(s.at),
		})
	}
	w.Total = len(w.Messages)
	w.Version = uint64(len(w.Messages))
	return w
}

func alternating(n int, gap time.Duration, text string) window.Window {
	specs := make([]msgLine, n)
	for i := range specs {
		sender := core.SenderSelf
		if i%2 == 1 {
			sender = core.SenderOther
		}
		specs[i] = msgLine{sender, time.Duration(i) * gap, text}
	}
	return build(specs...)
}

func TestScoreEngagement_InsufficientData(t *testing.T) {
	_, ok := ScoreEngagement(alternating(4, time.Minute, "hi"))
	assert.False(t, ok)

	_, ok = ScoreEngagement(window.Window{})
	assert.False(t, ok)
}

func TestScoreEngagement_QuickAlternatingReplies(t *testing.T) {
	w := alternating(5, 2*time.Minute, "sounds good, see you there")

	r, ok := ScoreEngagement(w)
	require.True(t, ok)

	assert.Equal(t, 100.0, r.Components.Reciprocity)
	assert.GreaterOrEqual(t, r.Components.Timeliness, 90.0)
	assert.Equal(t, 99.0, r.Components.Timeliness)
	assert.Equal(t, 0.25, r.Confidence)
	assert.Equal(t, t0.Add(8*time.Minute), r.ReferenceAt)
}

func TestScoreEngagement_Components(t *testing.T) {
	t.Run("frequency saturates at five per day", func(t *testing.T) {
		r, _ := ScoreEngagement(alternating(10, time.Hour, "x"))
		assert.Equal(t, 100.0, r.Components.Frequency)
	})

	t.Run("frequency over active days", func(t *testing.T) {
		// 10 messages over 9 days (ceil) -> 10/9 per day
		r, _ := ScoreEngagement(alternating(10, 24*time.Hour, "x"))
		assert.InDelta(t, 10.0/9.0/5.0*100, r.Components.Frequency, 0.001)
	})

	t.Run("burst within a minute is one active day", func(t *testing.T) {
		r, _ := ScoreEngagement(alternating(5, 10*time.Second, "x"))
		assert.Equal(t, 100.0, r.Components.Frequency)
	})

	t.Run("reciprocity counts sender switches", func(t *testing.T) {
		r, _ := ScoreEngagement(alternating(5, time.Minute, "x"))
		assert.Equal(t, 100.0, r.Components.Reciprocity)

		// self self other other self: one reply each way
		w := build(
			msgLine{core.SenderSelf, 0, "a"},
			msgLine{core.SenderSelf, time.Minute, "b"},
			msgLine{core.SenderOther, 2 * time.Minute, "c"},
			msgLine{core.SenderOther, 3 * time.Minute, "d"},
			msgLine{core.SenderSelf, 4 * time.Minute, "e"},
		)
		r, _ = ScoreEngagement(w)
		assert.Equal(t, 100.0, r.Components.Reciprocity)
	})

	t.Run("depth saturates at 200 runes", func(t *testing.T) {
		r, _ := ScoreEngagement(alternating(5, time.Minute, strings.Repeat("é", 250)))
		assert.Equal(t, 100.0, r.Components.Depth)

		r, _ = ScoreEngagement(alternating(5, time.Minute, strings.Repeat("a", 50)))
		assert.Equal(t, 25.0, r.Components.Depth)
	})

	t.Run("no responses means zero timeliness", func(t *testing.T) {
		w := build(
			msgLine{core.SenderSelf, 0, "a"},
			msgLine{core.SenderSelf, time.Minute, "b"},
			msgLine{core.SenderSelf, 2 * time.Minute, "c"},
			msgLine{core.SenderSelf, 3 * time.Minute, "d"},
			msgLine{core.SenderSelf, 4 * time.Minute, "e"},
		)
		r, _ := ScoreEngagement(w)
		assert.Equal(t, 0.0, r.Components.Timeliness)
		assert.Equal(t, 0.0, r.Components.Reciprocity)
	})

	t.Run("gaps over a day are not responses", func(t *testing.T) {
		r, _ := ScoreEngagement(alternating(5, 25*time.Hour, "x"))
		assert.Equal(t, 0.0, r.Components.Timeliness)
	})

	t.Run("consistency counts calendar days", func(t *testing.T) {
		r, _ := ScoreEngagement(alternating(6, 24*time.Hour, "x"))
		assert.InDelta(t, 6.0/30*100, r.Components.Consistency, 0.001)
	})
}

func TestScoreEngagement_Trend(t *testing.T) {
	tests := []struct {
		name string
		w    window.Window
		want Trend
	}{
		{"even spacing is stable", alternating(10, time.Hour, "x"), TrendStable},
		{"burst at end is rising", build(
			msgLine{core.SenderSelf, 0, "a"},
			msgLine{core.SenderOther, 10 * time.Hour, "b"},
			msgLine{core.SenderSelf, 19 * time.Hour, "c"},
			msgLine{core.SenderOther, 19*time.Hour + time.Minute, "d"},
			msgLine{core.SenderSelf, 19*time.Hour + 2*time.Minute, "e"},
			msgLine{core.SenderOther, 20 * time.Hour, "f"},
		), TrendRising},
		{"burst at start is falling", build(
			msgLine{core.SenderSelf, 0, "a"},
			msgLine{core.SenderOther, time.Minute, "b"},
			msgLine{core.SenderSelf, 2 * time.Minute, "c"},
			msgLine{core.SenderOther, 3 * time.Minute, "d"},
			msgLine{core.SenderSelf, 15 * time.Hour, "e"},
			msgLine{core.SenderOther, 20 * time.Hour, "f"},
		), TrendFalling},
		{"zero span is stable", alternating(5, 0, "x"), TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := ScoreEngagement(tt.w)
			require.True(t, ok)
			assert.Equal(t, tt.want, r.Trend)
		})
	}
}

func TestScoreEngagement_Levels(t *testing.T) {
	tests := []struct {
		score int
		want  EngagementLevel
	}{
		{100, EngagementExcellent},
		{80, EngagementExcellent},
		{79, EngagementGood},
		{60, EngagementGood},
		{40, EngagementModerate},
		{20, EngagementLow},
		{19, EngagementMinimal},
		{0, EngagementMinimal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levelFor(tt.score), "score %d", tt.score)
	}
}

func TestScoreEngagement_InsightsCapped(t *testing.T) {
	// One-sided, short, sparse: many thresholds trip
	w := build(
		msgLine{core.SenderSelf, 0, "a"},
		msgLine{core.SenderSelf, 5 * 24 * time.Hour, "b"},
		msgLine{core.SenderSelf, 10 * 24 * time.Hour, "c"},
		msgLine{core.SenderSelf, 15 * 24 * time.Hour, "d"},
		msgLine{core.SenderSelf, 20 * 24 * time.Hour, "e"},
	)
	r, ok := ScoreEngagement(w)
	require.True(t, ok)
	assert.Len(t, r.Insights, 3)
	assert.Contains(t, r.Insights[0], "one-sided")
}

// Random windows always score within range and score identically twice
func TestScoreEngagement_RangeAndIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		n := 5 + rng.Intn(60)
		specs := make([]msgLine, n)
		var at time.Duration
		for j := range specs {
			at += time.Duration(rng.Int63n(int64(72 * time.Hour)))
			sender := core.SenderSelf
			if rng.Intn(2) == 1 {
				sender = core.SenderOther
			}
			specs[j] = msgLine{sender, at, strings.Repeat("w", rng.Intn(400))}
		}
		w := build(specs...)

		first, ok := ScoreEngagement(w)
		require.True(t, ok)
		assert.GreaterOrEqual(t, first.Score, 0)
		assert.LessOrEqual(t, first.Score, 100)
		for _, c := range []float64{
			first.Components.Frequency, first.Components.Reciprocity, first.Components.Depth,
			first.Components.Timeliness, first.Components.Consistency,
		} {
			assert.GreaterOrEqual(t, c, 0.0)
			assert.LessOrEqual(t, c, 100.0)
		}

		second, _ := ScoreEngagement(w)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("window %d scored differently on second call:\n%s", i, diff)
		}
	}
}
