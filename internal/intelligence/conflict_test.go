package intelligence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/lexicon"
	"github.com/quantumlife/pulse/internal/window"
)

func testLexicon(t *testing.T) *lexicon.Lexicon {
	t.Helper()
	lex, err := lexicon.Parse([]byte(`
conflict:
  tension: [annoyed, upset, whatever]
  frustration: [ugh, "fed up"]
  escalation: [hate, "i'm done"]
flow:
  decision: [decided, "let's go with"]
  milestone: [launched, finished]
  task: ["need to", todo]
commitment: ["i'll", "i will", "let me"]
sentiment:
  positive: [thanks, great]
  negative: [sad, awful]
`))
	require.NoError(t, err)
	return lex
}

func kinds(r ConflictReport) []MediationKind {
	var out []MediationKind
	for _, s := range r.Suggestions {
		out = append(out, s.Kind)
	}
	return out
}

func TestDetectConflict_Empty(t *testing.T) {
	_, ok := DetectConflict(window.Window{}, nil)
	assert.False(t, ok)
}

func TestDetectConflict_Calm(t *testing.T) {
	lex := testLexicon(t)
	w := build(
		msgLine{core.SenderSelf, 0, "Morning!"},
		msgLine{core.SenderOther, time.Minute, "Hey, how are you"},
	)

	r, ok := DetectConflict(w, lex)
	require.True(t, ok)
	assert.Equal(t, SeverityLow, r.Alert)
	assert.Empty(t, r.Signals)
	assert.Empty(t, r.Suggestions)
	assert.Equal(t, 0.2, r.Confidence)
}

func TestDetectConflict_Grading(t *testing.T) {
	lex := testLexicon(t)

	tests := []struct {
		name     string
		w        window.Window
		kind     ConflictKind
		severity Severity
		hits     int
	}{
		{
			name: "tension needs two hits",
			w: build(
				msgLine{core.SenderOther, 0, "I'm annoyed"},
				msgLine{core.SenderSelf, time.Minute, "sorry"},
			),
			kind: ConflictTension, severity: SeverityNone, hits: 1,
		},
		{
			name: "tension medium at two distinct entries in one message",
			w: build(
				msgLine{core.SenderOther, 0, "annoyed and upset, annoyed!"},
			),
			kind: ConflictTension, severity: SeverityMedium, hits: 2,
		},
		{
			name: "tension high at three across messages",
			w: build(
				msgLine{core.SenderOther, 0, "annoyed"},
				msgLine{core.SenderOther, time.Minute, "upset"},
				msgLine{core.SenderOther, 2 * time.Minute, "whatever"},
			),
			kind: ConflictTension, severity: SeverityHigh, hits: 3,
		},
		{
			name: "frustration low at one",
			w:    build(msgLine{core.SenderOther, 0, "ugh"}),
			kind: ConflictFrustration, severity: SeverityLow, hits: 1,
		},
		{
			name: "frustration high at two",
			w:    build(msgLine{core.SenderOther, 0, "ugh, I'm fed up"}),
			kind: ConflictFrustration, severity: SeverityHigh, hits: 2,
		},
		{
			name: "escalation high at one",
			w:    build(msgLine{core.SenderOther, 0, "I hate this"}),
			kind: ConflictEscalation, severity: SeverityHigh, hits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := DetectConflict(tt.w, lex)
			require.True(t, ok)
			sig, found := r.Signal(tt.kind)
			if tt.severity == SeverityNone {
				assert.False(t, found)
				return
			}
			require.True(t, found)
			assert.Equal(t, tt.severity, sig.Severity)
			assert.Equal(t, tt.hits, sig.Hits)
		})
	}
}

func TestDetectConflict_Miscommunication(t *testing.T) {
	lex := testLexicon(t)

	one := build(
		msgLine{core.SenderSelf, 0, "Are we still on for tonight?"},
		msgLine{core.SenderSelf, time.Minute, "Hello?"},
		msgLine{core.SenderOther, 2 * time.Minute, "yes"},
	)
	r, _ := DetectConflict(one, lex)
	sig, ok := r.Signal(ConflictMiscommunication)
	require.True(t, ok)
	assert.Equal(t, SeverityLow, sig.Severity)
	assert.Equal(t, []string{"m00"}, sig.MessageIDs)
	assert.Equal(t, []MediationKind{MediateClarify}, kinds(r))

	two := build(
		msgLine{core.SenderSelf, 0, "Are we still on for tonight?"},
		msgLine{core.SenderSelf, time.Minute, "Hello?"},
		msgLine{core.SenderSelf, 2 * time.Minute, "??"},
	)
	r, _ = DetectConflict(two, lex)
	sig, _ = r.Signal(ConflictMiscommunication)
	assert.Equal(t, SeverityMedium, sig.Severity)
	assert.Equal(t, 2, sig.Hits)
}

func TestDetectConflict_AlertLevels(t *testing.T) {
	lex := testLexicon(t)

	medium := build(msgLine{core.SenderOther, 0, "I hate this"})
	r, _ := DetectConflict(medium, lex)
	assert.Equal(t, SeverityMedium, r.Alert)
	assert.Equal(t, []MediationKind{MediateEscalateToCall, MediatePause}, kinds(r))

	high := build(
		msgLine{core.SenderOther, 0, "ugh, I'm fed up"},
		msgLine{core.SenderOther, time.Minute, "I'm done"},
	)
	r, _ = DetectConflict(high, lex)
	assert.Equal(t, SeverityHigh, r.Alert)
	assert.Equal(t, []MediationKind{MediateEscalateToCall, MediatePause, MediateEmpathize}, kinds(r))
	for _, s := range r.Suggestions {
		assert.NotEmpty(t, s.Template)
	}
}

func TestDetectConflict_OnlyTrailingTen(t *testing.T) {
	lex := testLexicon(t)
	specs := []msgLine{{core.SenderOther, 0, "I hate this"}}
	for i := 1; i <= 10; i++ {
		specs = append(specs, msgLine{core.SenderSelf, time.Duration(i) * time.Minute, "ok"})
	}

	r, _ := DetectConflict(build(specs...), lex)
	assert.Empty(t, r.Signals)
	assert.Equal(t, 10, r.Analyzed)
	assert.Equal(t, 1.0, r.Confidence)
}

func TestConflictInsight(t *testing.T) {
	lex := testLexicon(t)
	now := t0.Add(time.Hour)

	r, _ := DetectConflict(build(msgLine{core.SenderOther, 0, "I hate this"}), lex)
	ins, ok := ConflictInsight(r, now)
	require.True(t, ok)
	assert.Equal(t, InsightIDConflict, ins.ID)
	assert.Equal(t, core.InsightRisk, ins.Type)
	assert.Equal(t, core.PriorityMedium, ins.Priority)
	assert.True(t, ins.Dismissable)
	assert.Len(t, ins.SuggestedActions, 2)

	calm, _ := DetectConflict(build(msgLine{core.SenderOther, 0, "hi"}), lex)
	_, ok = ConflictInsight(calm, now)
	assert.False(t, ok)
}
