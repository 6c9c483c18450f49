package intelligence

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/lexicon"
	"github.com/quantumlife/pulse/internal/window"
)

// MessageType is the structural role of a message
type MessageType string

const (
	TypeMessage   MessageType = "message"
	TypeDecision  MessageType = "decision"
	TypeTask      MessageType = "task"
	TypeQuestion  MessageType = "question"
	TypeMilestone MessageType = "milestone"
)

// MessageTypes lists every type in classification precedence order
var MessageTypes = []MessageType{TypeDecision, TypeMilestone, TypeTask, TypeQuestion, TypeMessage}

// PhaseName labels a chunk of the conversation
type PhaseName string

const (
	PhaseOpening       PhaseName = "Opening"
	PhaseResolution    PhaseName = "Resolution"
	PhaseDecisionPoint PhaseName = "Decision Point"
	PhaseExploration   PhaseName = "Exploration"
	PhaseDiscussion    PhaseName = "Discussion"
)

// Sentiment of a chunk or message
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

const (
	minFlowMessages = 3
	minChunkSize    = 3
	maxImportance   = 5
	longMessage     = 200
)

// ClassifiedMessage is one message with its structural role
type ClassifiedMessage struct {
	MessageID  string      `json:"message_id"`
	Type       MessageType `json:"type"`
	Importance int         `json:"importance"`
}

// Phase is a contiguous chunk of the window
type Phase struct {
	Index      int       `json:"index"`
	Name       PhaseName `json:"name"`
	Sentiment  Sentiment `json:"sentiment"`
	Start      int       `json:"start"` // Index into the window, inclusive
	End        int       `json:"end"`   // Exclusive
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Questions  int       `json:"questions"`
	Decisions  int       `json:"decisions"`
	Milestones int       `json:"milestones"`
	Tasks      int       `json:"tasks"`
}

// TurningPoint marks a structured message right after small talk
type TurningPoint struct {
	Index     int         `json:"index"`
	MessageID string      `json:"message_id"`
	Type      MessageType `json:"type"`
}

// FlowReport is the flow phase analyzer output
type FlowReport struct {
	Messages      []ClassifiedMessage `json:"messages"`
	Phases        []Phase             `json:"phases"`
	TurningPoints []TurningPoint      `json:"turning_points"`
	ChunkSize     int                 `json:"chunk_size"`
	Confidence    float64             `json:"confidence"`
}

// ClassifyMessage assigns a message type. Decision wins over milestone,
// milestone over task, task over question.
func ClassifyMessage(lex *lexicon.Lexicon, text string) MessageType {
	if lex == nil {
		lex = lexicon.Default()
	}
	t := lexicon.Prepare(text)
	switch {
	case t.Any(lex.Flow.Decision):
		return TypeDecision
	case t.Any(lex.Flow.Milestone):
		return TypeMilestone
	case t.Any(lex.Flow.Task):
		return TypeTask
	case strings.Contains(text, "?"):
		return TypeQuestion
	default:
		return TypeMessage
	}
}

// ClassifySentiment scores a text against the sentiment tables
func ClassifySentiment(lex *lexicon.Lexicon, text string) Sentiment {
	if lex == nil {
		lex = lexicon.Default()
	}
	t := lexicon.Prepare(text)
	pos := t.Count(lex.Sentiment.Positive)
	neg := t.Count(lex.Sentiment.Negative)
	switch {
	case pos > neg:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Importance scores a classified message from 1 to 5
func Importance(m core.Message, typ MessageType) int {
	score := 1
	if typ != TypeMessage {
		score += 2
	}
	score += len(m.Reactions)
	if utf8.RuneCountInString(m.Text) > longMessage {
		score++
	}
	if score > maxImportance {
		score = maxImportance
	}
	return score
}

// AnalyzeFlow classifies messages and splits the window into phases.
// ok is false for fewer than three messages.
func AnalyzeFlow(w window.Window, lex *lexicon.Lexicon) (FlowReport, bool) {
	msgs := w.Messages
	n := len(msgs)
	if n < minFlowMessages {
		return FlowReport{}, false
	}
	if lex == nil {
		lex = lexicon.Default()
	}

	report := FlowReport{
		Messages:   make([]ClassifiedMessage, n),
		Confidence: math.Min(1, float64(n)/15),
	}
	for i, m := range msgs {
		typ := ClassifyMessage(lex, m.Text)
		report.Messages[i] = ClassifiedMessage{
			MessageID:  m.ID,
			Type:       typ,
			Importance: Importance(m, typ),
		}
	}

	for i := 1; i < n; i++ {
		cur := report.Messages[i]
		if cur.Type != TypeMessage && report.Messages[i-1].Type == TypeMessage {
			report.TurningPoints = append(report.TurningPoints, TurningPoint{
				Index:     i,
				MessageID: cur.MessageID,
				Type:      cur.Type,
			})
		}
	}

	size := n / 5
	if size < minChunkSize {
		size = minChunkSize
	}
	report.ChunkSize = size

	chunks := (n + size - 1) / size
	for c := 0; c < chunks; c++ {
		start := c * size
		end := start + size
		if end > n {
			end = n
		}
		p := Phase{
			Index:     c,
			Start:     start,
			End:       end,
			StartedAt: msgs[start].Timestamp,
			EndedAt:   msgs[end-1].Timestamp,
		}
		for _, cm := range report.Messages[start:end] {
			switch cm.Type {
			case TypeQuestion:
				p.Questions++
			case TypeDecision:
				p.Decisions++
			case TypeMilestone:
				p.Milestones++
			case TypeTask:
				p.Tasks++
			}
		}
		p.Name = phaseName(p, c, chunks)
		p.Sentiment = chunkSentiment(p)
		report.Phases = append(report.Phases, p)
	}

	return report, true
}

func phaseName(p Phase, index, chunks int) PhaseName {
	size := p.End - p.Start
	switch {
	case index == 0:
		return PhaseOpening
	case index == chunks-1:
		return PhaseResolution
	case p.Decisions > 0:
		return PhaseDecisionPoint
	case p.Questions*2 > size:
		return PhaseExploration
	default:
		return PhaseDiscussion
	}
}

func chunkSentiment(p Phase) Sentiment {
	size := p.End - p.Start
	switch {
	case p.Decisions+p.Milestones > p.Questions:
		return SentimentPositive
	case p.Questions*2 > size:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}
