package proactive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quantumlife/pulse/internal/core"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func insight(id string, p core.Priority, conf float64, fp string) core.Insight {
	return core.Insight{
		ID:          id,
		Priority:    p,
		Context:     core.InsightContext{Confidence: conf},
		Dismissable: true,
		Fingerprint: fp,
		CreatedAt:   now,
	}
}

func ids(in []core.Insight) []string {
	out := make([]string, len(in))
	for i, ins := range in {
		out[i] = ins.ID
	}
	return out
}

func TestAggregator_RankAndDedupe(t *testing.T) {
	agg := NewAggregator()

	got := agg.Refresh("c1", now,
		[]core.Insight{
			insight("b", core.PriorityMedium, 0.5, "x"),
			insight("a", core.PriorityMedium, 0.5, "x"),
			insight("low", core.PriorityLow, 1, "x"),
		},
		[]core.Insight{
			insight("dup", core.PriorityMedium, 0.9, "1"),
			insight("dup", core.PriorityHigh, 0.1, "2"),
			insight("conf", core.PriorityMedium, 0.9, "x"),
		},
	)

	assert.Equal(t, []string{"dup", "conf", "a", "b", "low"}, ids(got))
	assert.Equal(t, "2", got[0].Fingerprint)
}

func TestAggregator_DedupePrefersConfidenceOnTie(t *testing.T) {
	agg := NewAggregator()
	got := agg.Refresh("c1", now, []core.Insight{
		insight("x", core.PriorityLow, 0.2, "first"),
		insight("x", core.PriorityLow, 0.8, "second"),
	})
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Fingerprint)
}

func TestAggregator_DismissHoldsUntilFingerprintChanges(t *testing.T) {
	agg := NewAggregator()
	agg.Refresh("c1", now, []core.Insight{insight("stale", core.PriorityMedium, 1, "m1")})

	require.NoError(t, agg.Dismiss("c1", "stale"))
	assert.Empty(t, agg.Insights("c1", false))

	withDismissed := agg.Insights("c1", true)
	require.Len(t, withDismissed, 1)
	assert.True(t, withDismissed[0].Dismissed)

	// Same evidence: still hidden
	got := agg.Refresh("c1", now, []core.Insight{insight("stale", core.PriorityMedium, 1, "m1")})
	assert.Empty(t, got)

	// New evidence: visible again
	got = agg.Refresh("c1", now, []core.Insight{insight("stale", core.PriorityMedium, 1, "m2")})
	require.Len(t, got, 1)
	assert.False(t, got[0].Dismissed)

	// Dismissal was cleared, returning to old evidence does not re-hide
	got = agg.Refresh("c1", now, []core.Insight{insight("stale", core.PriorityMedium, 1, "m1")})
	assert.Len(t, got, 1)
}

func TestAggregator_DismissClearsWhenConditionGoesAway(t *testing.T) {
	agg := NewAggregator()
	imbalance := insight("imbalance", core.PriorityLow, 0.6, "self")
	agg.Refresh("c1", now, []core.Insight{imbalance})
	require.NoError(t, agg.Dismiss("c1", "imbalance"))

	// Condition cleared
	agg.Refresh("c1", now, nil)
	assert.Empty(t, agg.Insights("c1", true))

	// Same condition, same evidence, comes back
	got := agg.Refresh("c1", now, []core.Insight{imbalance})
	require.Len(t, got, 1)
	assert.Equal(t, "imbalance", got[0].ID)
	assert.False(t, got[0].Dismissed)
}

func TestAggregator_DismissedSurfacedStaysGone(t *testing.T) {
	agg := NewAggregator()
	agg.Refresh("c1", now, []core.Insight{insight("stale", core.PriorityMedium, 1, "m1")})
	agg.Surface("c1", insight("automation-failed-r1", core.PriorityHigh, 1, ""))
	require.NoError(t, agg.Dismiss("c1", "automation-failed-r1"))

	got := agg.Refresh("c1", now, []core.Insight{insight("stale", core.PriorityMedium, 1, "m1")})
	assert.Equal(t, []string{"stale"}, ids(got))
}

func TestAggregator_DismissErrors(t *testing.T) {
	agg := NewAggregator()

	err := agg.Dismiss("nope", "x")
	assert.True(t, errors.Is(err, core.ErrInsightNotFound))

	pinned := insight("conflict-alert", core.PriorityHigh, 1, "f")
	pinned.Dismissable = false
	agg.Refresh("c1", now, []core.Insight{pinned})

	err = agg.Dismiss("c1", "missing")
	assert.True(t, errors.Is(err, core.ErrInsightNotFound))

	err = agg.Dismiss("c1", "conflict-alert")
	assert.True(t, errors.Is(err, core.ErrInsightNotDismissable))
	assert.Len(t, agg.Insights("c1", false), 1)
}

func TestAggregator_SurfaceKeptUntilDismissed(t *testing.T) {
	agg := NewAggregator()
	failed := AutomationFailedInsight("rule-1", "Away reply", "prepare", errors.New("timeout"), now)
	agg.Surface("c1", failed)

	// Recomputes do not drop surfaced insights
	got := agg.Refresh("c1", now, []core.Insight{insight("other", core.PriorityLow, 1, "x")})
	assert.Equal(t, []string{"automation-failed-rule-1", "other"}, ids(got))

	require.NoError(t, agg.Dismiss("c1", failed.ID))
	got = agg.Refresh("c1", now, nil)
	assert.Empty(t, got)
	assert.Empty(t, agg.Insights("c1", true))
}

func TestAggregator_ForgetAndPrune(t *testing.T) {
	agg := NewAggregator()
	agg.Refresh("c1", now, []core.Insight{insight("a", core.PriorityLow, 1, "x")})
	agg.Refresh("c2", now.Add(-48*time.Hour), nil)
	agg.Surface("c3", insight("s", core.PriorityLow, 1, "x"))
	assert.Equal(t, 3, agg.Conversations())

	agg.Forget("c1")
	assert.Empty(t, agg.Insights("c1", true))

	assert.Equal(t, 1, agg.PruneIdle(now.Add(-time.Hour)))
	assert.Equal(t, 1, agg.Conversations())

	assert.Equal(t, 1, agg.PruneSurfaced(now.Add(time.Minute)))
	assert.Empty(t, agg.Insights("c3", false))
}

func TestAggregator_ReturnsCopies(t *testing.T) {
	agg := NewAggregator()
	in := insight("a", core.PriorityLow, 1, "x")
	in.SuggestedActions = []core.SuggestedAction{{Label: "Do it"}}
	agg.Refresh("c1", now, []core.Insight{in})

	got := agg.Insights("c1", false)
	got[0].SuggestedActions[0].Label = "changed"
	got[0].Title = "changed"

	again := agg.Insights("c1", false)
	assert.Equal(t, "Do it", again[0].SuggestedActions[0].Label)
	assert.Empty(t, again[0].Title)
}

func TestService_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	config := DefaultServiceConfig()
	config.CleanupInterval = 10 * time.Millisecond
	service := NewService(nil, config)

	require.NoError(t, service.Start(context.Background()))
	assert.True(t, service.IsRunning())
	assert.Error(t, service.Start(context.Background()))
	assert.True(t, service.GetStats().Running)

	service.Stop()
	assert.False(t, service.IsRunning())
	service.Stop()
}

func TestService_Cleanup(t *testing.T) {
	service := NewService(nil, DefaultServiceConfig())
	agg := service.Aggregator()
	old := insight("s", core.PriorityLow, 1, "x")
	old.CreatedAt = now.Add(-8 * 24 * time.Hour)
	agg.Surface("c1", old)
	agg.Refresh("c2", now.Add(-31*24*time.Hour), nil)
	agg.Refresh("c3", now.Add(-time.Hour), nil)

	service.Cleanup(now)

	assert.Empty(t, agg.Insights("c1", false))
	assert.Equal(t, 1, agg.Conversations())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "testexamplecom", sanitizeID("test@example.com"))
	assert.Equal(t, "rule-1_a", sanitizeID("Rule-1_A!"))

	ins := AutomationFailedInsight("r1", "", "execute", errors.New("boom"), now)
	assert.Contains(t, ins.Title, "r1")
	assert.Contains(t, ins.Description, "boom")
	assert.True(t, ins.Dismissable)
}
