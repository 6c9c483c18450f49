package intelligence

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/pulse/internal/core"
)

func TestClassifyMessage(t *testing.T) {
	lex := testLexicon(t)

	tests := []struct {
		text string
		want MessageType
	}{
		{"We decided on the blue one?", TypeDecision},
		{"We launched! Did you see?", TypeMilestone},
		{"I need to buy milk, is that ok?", TypeTask},
		{"What time works?", TypeQuestion},
		{"sounds good", TypeMessage},
		{"We decided and launched and need to celebrate", TypeDecision},
		{"finished the todo list", TypeMilestone},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMessage(lex, tt.text))
		})
	}
}

func TestClassifySentiment(t *testing.T) {
	lex := testLexicon(t)

	assert.Equal(t, SentimentPositive, ClassifySentiment(lex, "thanks, that's great"))
	assert.Equal(t, SentimentNegative, ClassifySentiment(lex, "that's awful"))
	assert.Equal(t, SentimentNeutral, ClassifySentiment(lex, "thanks but that's sad"))
	assert.Equal(t, SentimentNeutral, ClassifySentiment(lex, "ok"))
}

func TestImportance(t *testing.T) {
	tests := []struct {
		name string
		msg  core.Message
		typ  MessageType
		want int
	}{
		{"plain", core.Message{Text: "hi"}, TypeMessage, 1},
		{"typed", core.Message{Text: "hi"}, TypeQuestion, 3},
		{"reactions", core.Message{Text: "hi", Reactions: []string{"a", "b"}}, TypeMessage, 3},
		{"long", core.Message{Text: strings.Repeat("x", 201)}, TypeMessage, 2},
		{"capped", core.Message{Text: strings.Repeat("x", 201), Reactions: []string{"a", "b", "c"}}, TypeTask, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Importance(tt.msg, tt.typ))
		})
	}
}

func TestAnalyzeFlow_Insufficient(t *testing.T) {
	_, ok := AnalyzeFlow(build(msgLine{core.SenderSelf, 0, "a"}, msgLine{core.SenderOther, time.Minute, "b"}), nil)
	assert.False(t, ok)
}

func TestAnalyzeFlow_Phases(t *testing.T) {
	lex := testLexicon(t)
	texts := []string{
		// Opening
		"hey", "hi there", "how's it going",
		// Questions dominate
		"which venue?", "what date?", "ok",
		// Decision
		"we decided on Friday", "cool", "nice",
		// Plain chat
		"lol", "ha", "yeah",
		// Resolution
		"finished the booking", "great", "see you",
	}
	specs := make([]msgLine, len(texts))
	for i, txt := range texts {
		sender := core.SenderSelf
		if i%2 == 1 {
			sender = core.SenderOther
		}
		specs[i] = msgLine{sender, time.Duration(i) * time.Minute, txt}
	}

	r, ok := AnalyzeFlow(build(specs...), lex)
	require.True(t, ok)

	assert.Equal(t, 3, r.ChunkSize)
	require.Len(t, r.Phases, 5)

	names := make([]PhaseName, len(r.Phases))
	for i, p := range r.Phases {
		names[i] = p.Name
	}
	assert.Equal(t, []PhaseName{PhaseOpening, PhaseExploration, PhaseDecisionPoint, PhaseDiscussion, PhaseResolution}, names)

	assert.Equal(t, SentimentNeutral, r.Phases[0].Sentiment)
	assert.Equal(t, SentimentNegative, r.Phases[1].Sentiment)
	assert.Equal(t, SentimentPositive, r.Phases[2].Sentiment)
	assert.Equal(t, SentimentPositive, r.Phases[4].Sentiment)

	assert.Equal(t, 3, r.Phases[1].Start)
	assert.Equal(t, 6, r.Phases[1].End)
	assert.Equal(t, t0.Add(3*time.Minute), r.Phases[1].StartedAt)

	var tps []string
	for _, tp := range r.TurningPoints {
		tps = append(tps, tp.MessageID)
	}
	// "which venue?", "we decided", "finished the booking"
	assert.Equal(t, []string{"m03", "m06", "m12"}, tps)
}

func TestAnalyzeFlow_ChunkSizeGrows(t *testing.T) {
	specs := make([]msgLine, 23)
	for i := range specs {
		specs[i] = msgLine{core.SenderSelf, time.Duration(i) * time.Minute, "hello"}
	}

	r, ok := AnalyzeFlow(build(specs...), testLexicon(t))
	require.True(t, ok)
	assert.Equal(t, 4, r.ChunkSize)
	require.Len(t, r.Phases, 6)
	last := r.Phases[5]
	assert.Equal(t, 20, last.Start)
	assert.Equal(t, 23, last.End)
	assert.Equal(t, PhaseResolution, last.Name)
	assert.Empty(t, r.TurningPoints)
}

func TestAnalyzeFlow_SingleChunkIsOpening(t *testing.T) {
	r, ok := AnalyzeFlow(build(
		msgLine{core.SenderSelf, 0, "a"},
		msgLine{core.SenderOther, time.Minute, "b"},
		msgLine{core.SenderSelf, 2 * time.Minute, "we decided"},
	), testLexicon(t))
	require.True(t, ok)
	require.Len(t, r.Phases, 1)
	assert.Equal(t, PhaseOpening, r.Phases[0].Name)
}
