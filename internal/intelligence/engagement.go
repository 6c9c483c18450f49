// Package intelligence derives behavioral signals from a conversation
// window: engagement strength, conflict risk, conversation phases and
// proactive insights. Every analyzer is a pure function of its inputs.
package intelligence

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/window"
)

// EngagementLevel buckets the overall score
type EngagementLevel string

const (
	EngagementExcellent EngagementLevel = "excellent"
	EngagementGood      EngagementLevel = "good"
	EngagementModerate  EngagementLevel = "moderate"
	EngagementLow       EngagementLevel = "low"
	EngagementMinimal   EngagementLevel = "minimal"
)

// Trend compares recent activity with older activity
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

const (
	minEngagementMessages = 5
	trailingDays          = 30
	responseCutoff        = 24 * time.Hour
	saturatingPerDay      = 5.0
	saturatingLength      = 200.0
)

// Component weights, summing to 1
var engagementWeights = struct {
	Frequency, Reciprocity, Depth, Timeliness, Consistency float64
}{0.25, 0.20, 0.20, 0.20, 0.15}

// EngagementComponents are each in [0,100]
type EngagementComponents struct {
	Frequency   float64 `json:"frequency"`
	Reciprocity float64 `json:"reciprocity"`
	Depth       float64 `json:"depth"`
	Timeliness  float64 `json:"timeliness"`
	Consistency float64 `json:"consistency"`
}

// EngagementReport is the engagement scorer output
type EngagementReport struct {
	Score        int                  `json:"score"`
	Level        EngagementLevel      `json:"level"`
	Trend        Trend                `json:"trend"`
	Components   EngagementComponents `json:"components"`
	Insights     []string             `json:"insights,omitempty"`
	Confidence   float64              `json:"confidence"`
	MessageCount int                  `json:"message_count"`
	ReferenceAt  time.Time            `json:"reference_at"` // Newest message timestamp
}

// ScoreEngagement scores a window. ok is false when the window holds
// fewer than five messages. The reference time is the newest message, so
// the result depends on the window alone. Frequency is measured per
// active day of the trailing 30 days, so short bursts score high.
func ScoreEngagement(w window.Window) (EngagementReport, bool) {
	msgs := w.Messages
	if len(msgs) < minEngagementMessages {
		return EngagementReport{}, false
	}

	ref := msgs[len(msgs)-1].Timestamp
	c := EngagementComponents{
		Frequency:   frequencyScore(msgs, ref),
		Reciprocity: reciprocityScore(msgs),
		Depth:       depthScore(msgs),
		Timeliness:  timelinessScore(msgs),
		Consistency: consistencyScore(msgs, ref),
	}

	overall := engagementWeights.Frequency*c.Frequency +
		engagementWeights.Reciprocity*c.Reciprocity +
		engagementWeights.Depth*c.Depth +
		engagementWeights.Timeliness*c.Timeliness +
		engagementWeights.Consistency*c.Consistency
	score := int(math.Round(clamp(overall, 0, 100)))

	report := EngagementReport{
		Score:        score,
		Level:        levelFor(score),
		Trend:        trendFor(msgs),
		Components:   c,
		Confidence:   math.Min(1, float64(len(msgs))/20),
		MessageCount: len(msgs),
		ReferenceAt:  ref,
	}
	report.Insights = engagementInsights(report)
	return report, true
}

func levelFor(score int) EngagementLevel {
	switch {
	case score >= 80:
		return EngagementExcellent
	case score >= 60:
		return EngagementGood
	case score >= 40:
		return EngagementModerate
	case score >= 20:
		return EngagementLow
	default:
		return EngagementMinimal
	}
}

// trailing returns messages no older than trailingDays before ref
func trailing(msgs []core.Message, ref time.Time) []core.Message {
	cutoff := ref.AddDate(0, 0, -trailingDays)
	for i, m := range msgs {
		if !m.Timestamp.Before(cutoff) {
			return msgs[i:]
		}
	}
	return nil
}

// frequencyScore is messages per active day, where active days is the
// span of the trailing period in whole days, between 1 and 30. The
// divisor is not the full 30 days: a burst of five messages inside one
// minute counts as one active day and scores 100.
func frequencyScore(msgs []core.Message, ref time.Time) float64 {
	recent := trailing(msgs, ref)
	if len(recent) == 0 {
		return 0
	}
	spanDays := ref.Sub(recent[0].Timestamp).Hours() / 24
	days := clamp(math.Ceil(spanDays), 1, trailingDays)
	perDay := float64(len(recent)) / days
	return clamp(perDay/saturatingPerDay*100, 0, 100)
}

// reciprocityScore balances the replies each side made. A reply is a
// message whose sender differs from the previous message's sender.
// Counting replies rather than messages per sender lets an odd-length
// alternating exchange score 100, which per-sender counts (3 vs 2) cannot.
func reciprocityScore(msgs []core.Message) float64 {
	var self, other float64
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Sender == msgs[i-1].Sender {
			continue
		}
		if msgs[i].Sender == core.SenderSelf {
			self++
		} else {
			other++
		}
	}
	return math.Min(self, other) / math.Max(math.Max(self, other), 1) * 100
}

func depthScore(msgs []core.Message) float64 {
	total := 0
	for _, m := range msgs {
		total += utf8.RuneCountInString(m.Text)
	}
	avg := float64(total) / float64(len(msgs))
	return clamp(avg/saturatingLength*100, 0, 100)
}

// timelinessScore averages sender-switch latencies up to 24h
func timelinessScore(msgs []core.Message) float64 {
	var sum float64
	n := 0
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Sender == msgs[i-1].Sender {
			continue
		}
		gap := msgs[i].Timestamp.Sub(msgs[i-1].Timestamp)
		if gap < 0 || gap > responseCutoff {
			continue
		}
		sum += gap.Minutes()
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Max(0, 100-(sum/float64(n))/2)
}

// consistencyScore counts distinct calendar days with activity
func consistencyScore(msgs []core.Message, ref time.Time) float64 {
	days := make(map[string]struct{})
	for _, m := range trailing(msgs, ref) {
		days[m.Timestamp.In(ref.Location()).Format("2006-01-02")] = struct{}{}
	}
	return clamp(float64(len(days))/trailingDays*100, 0, 100)
}

// trendFor splits the window's time span at its midpoint
func trendFor(msgs []core.Message) Trend {
	first := msgs[0].Timestamp
	last := msgs[len(msgs)-1].Timestamp
	span := last.Sub(first)
	if span <= 0 {
		return TrendStable
	}
	mid := first.Add(span / 2)

	var older, recent int
	for _, m := range msgs {
		if m.Timestamp.Before(mid) {
			older++
		} else {
			recent++
		}
	}

	if older == 0 {
		if recent > 0 {
			return TrendRising
		}
		return TrendStable
	}
	ratio := float64(recent) / float64(older)
	switch {
	case ratio > 1.2:
		return TrendRising
	case ratio < 0.8:
		return TrendFalling
	default:
		return TrendStable
	}
}

// engagementInsights picks at most three hints from fixed thresholds
func engagementInsights(r EngagementReport) []string {
	c := r.Components
	candidates := []struct {
		when bool
		text string
	}{
		{c.Reciprocity < 50, "The conversation is one-sided; a direct question could re-engage the other person."},
		{c.Timeliness > 0 && c.Timeliness < 40, "Replies are slow; a quicker response could keep momentum."},
		{c.Frequency < 20, "Messages are infrequent; consider checking in more regularly."},
		{c.Depth < 25, "Messages are short; sharing more detail may deepen the exchange."},
		{c.Consistency < 20, "Activity is sporadic across the last month."},
		{r.Trend == TrendFalling, "Activity is dropping compared to earlier in the conversation."},
		{r.Score >= 80, "Engagement is strong; this is a good moment to make a request or plan."},
	}

	var out []string
	for _, cand := range candidates {
		if cand.when {
			out = append(out, cand.text)
			if len(out) == 3 {
				break
			}
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
