package intelligence

import (
	"math"
	"strings"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/lexicon"
	"github.com/quantumlife/pulse/internal/window"
)

// Severity grades conflict signals and the overall alert
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ConflictKind names a conflict signal
type ConflictKind string

const (
	ConflictTension          ConflictKind = "tension"
	ConflictFrustration      ConflictKind = "frustration"
	ConflictEscalation       ConflictKind = "escalation"
	ConflictMiscommunication ConflictKind = "miscommunication"
)

// MediationKind names a mediation suggestion
type MediationKind string

const (
	MediatePause          MediationKind = "pause"
	MediateAcknowledge    MediationKind = "acknowledge"
	MediateEmpathize      MediationKind = "empathize"
	MediateClarify        MediationKind = "clarify"
	MediateSoften         MediationKind = "soften"
	MediateEscalateToCall MediationKind = "escalate_to_call"
)

const conflictTrailing = 10

// ConflictSignal is one detected signal
type ConflictSignal struct {
	Kind       ConflictKind `json:"kind"`
	Severity   Severity     `json:"severity"`
	Hits       int          `json:"hits"`
	Terms      []string     `json:"terms,omitempty"`
	MessageIDs []string     `json:"message_ids"`
}

// MediationSuggestion is offered to the user, never applied automatically
type MediationSuggestion struct {
	Kind     MediationKind `json:"kind"`
	Title    string        `json:"title"`
	Template string        `json:"template"`
	Reason   ConflictKind  `json:"reason"`
}

// ConflictReport is the conflict detector output
type ConflictReport struct {
	Alert       Severity              `json:"alert"`
	Signals     []ConflictSignal      `json:"signals"`
	Suggestions []MediationSuggestion `json:"suggestions"`
	Confidence  float64               `json:"confidence"`
	Analyzed    int                   `json:"analyzed"`
}

// Signal returns the detected signal of a kind
func (r ConflictReport) Signal(kind ConflictKind) (ConflictSignal, bool) {
	for _, s := range r.Signals {
		if s.Kind == kind {
			return s, true
		}
	}
	return ConflictSignal{}, false
}

var mediationTemplates = map[MediationKind]MediationSuggestion{
	MediatePause: {
		Kind:     MediatePause,
		Title:    "Take a pause",
		Template: "I think we both need a moment. Can we pick this up again in a little while?",
	},
	MediateAcknowledge: {
		Kind:     MediateAcknowledge,
		Title:    "Acknowledge their point",
		Template: "I hear you, and I want to make sure we're on the same page.",
	},
	MediateEmpathize: {
		Kind:     MediateEmpathize,
		Title:    "Show empathy",
		Template: "That sounds really frustrating. I'm sorry it's been this way.",
	},
	MediateClarify: {
		Kind:     MediateClarify,
		Title:    "Ask for clarification",
		Template: "Just to make sure I understand, could you tell me a bit more about what you meant?",
	},
	MediateSoften: {
		Kind:     MediateSoften,
		Title:    "Soften the tone",
		Template: "I didn't mean for that to come across badly. What matters to me is that we sort this out.",
	},
	MediateEscalateToCall: {
		Kind:     MediateEscalateToCall,
		Title:    "Move to a call",
		Template: "This might be easier to talk through. Could we hop on a quick call?",
	},
}

// DetectConflict scans the trailing ten messages. ok is false for an
// empty window.
func DetectConflict(w window.Window, lex *lexicon.Lexicon) (ConflictReport, bool) {
	msgs := w.Tail(conflictTrailing)
	if len(msgs) == 0 {
		return ConflictReport{}, false
	}
	if lex == nil {
		lex = lexicon.Default()
	}

	tension := lexicalSignal(ConflictTension, msgs, lex.Conflict.Tension)
	frustration := lexicalSignal(ConflictFrustration, msgs, lex.Conflict.Frustration)
	escalation := lexicalSignal(ConflictEscalation, msgs, lex.Conflict.Escalation)
	miscommunication := miscommunicationSignal(msgs)

	tension.Severity = gradeTension(tension.Hits)
	frustration.Severity = gradeFrustration(frustration.Hits)
	escalation.Severity = gradeEscalation(escalation.Hits)

	report := ConflictReport{
		Confidence: math.Min(1, float64(len(msgs))/conflictTrailing),
		Analyzed:   len(msgs),
	}
	for _, s := range []ConflictSignal{tension, frustration, escalation, miscommunication} {
		if s.Severity != SeverityNone {
			report.Signals = append(report.Signals, s)
		}
	}

	highs := 0
	for _, s := range report.Signals {
		if s.Severity == SeverityHigh {
			highs++
		}
	}
	switch {
	case highs >= 2:
		report.Alert = SeverityHigh
	case highs >= 1:
		report.Alert = SeverityMedium
	default:
		report.Alert = SeverityLow
	}

	report.Suggestions = suggestMediation(report)
	return report, true
}

// lexicalSignal sums distinct lexicon hits per message
func lexicalSignal(kind ConflictKind, msgs []core.Message, entries []string) ConflictSignal {
	sig := ConflictSignal{Kind: kind, Severity: SeverityNone}
	seenTerms := make(map[string]bool)
	for _, m := range msgs {
		hits := lexicon.Prepare(m.Text).Hits(entries)
		if len(hits) == 0 {
			continue
		}
		sig.Hits += len(hits)
		sig.MessageIDs = append(sig.MessageIDs, m.ID)
		for _, h := range hits {
			if !seenTerms[h] {
				seenTerms[h] = true
				sig.Terms = append(sig.Terms, h)
			}
		}
	}
	return sig
}

func gradeTension(hits int) Severity {
	switch {
	case hits >= 3:
		return SeverityHigh
	case hits >= 2:
		return SeverityMedium
	default:
		return SeverityNone
	}
}

func gradeFrustration(hits int) Severity {
	switch {
	case hits >= 2:
		return SeverityHigh
	case hits >= 1:
		return SeverityLow
	default:
		return SeverityNone
	}
}

func gradeEscalation(hits int) Severity {
	if hits >= 1 {
		return SeverityHigh
	}
	return SeverityNone
}

// miscommunicationSignal flags a question followed by another message
// from the same sender, i.e. a question left unanswered
func miscommunicationSignal(msgs []core.Message) ConflictSignal {
	sig := ConflictSignal{Kind: ConflictMiscommunication, Severity: SeverityNone}
	for i := 0; i+1 < len(msgs); i++ {
		if strings.Contains(msgs[i].Text, "?") && msgs[i+1].Sender == msgs[i].Sender {
			sig.Hits++
			sig.MessageIDs = append(sig.MessageIDs, msgs[i].ID)
		}
	}
	switch {
	case sig.Hits >= 2:
		sig.Severity = SeverityMedium
	case sig.Hits == 1:
		sig.Severity = SeverityLow
	}
	return sig
}

type mediationPick struct {
	kind   MediationKind
	reason ConflictKind
}

// suggestMediation maps signals to suggestions in a fixed order
func suggestMediation(r ConflictReport) []MediationSuggestion {
	var picks []mediationPick
	add := func(k MediationKind, reason ConflictKind) {
		for _, p := range picks {
			if p.kind == k {
				return
			}
		}
		picks = append(picks, mediationPick{k, reason})
	}

	if _, ok := r.Signal(ConflictEscalation); ok {
		add(MediateEscalateToCall, ConflictEscalation)
		add(MediatePause, ConflictEscalation)
	}
	if s, ok := r.Signal(ConflictTension); ok {
		add(MediateAcknowledge, ConflictTension)
		if s.Severity == SeverityHigh {
			add(MediateSoften, ConflictTension)
		}
	}
	if _, ok := r.Signal(ConflictFrustration); ok {
		add(MediateEmpathize, ConflictFrustration)
	}
	if _, ok := r.Signal(ConflictMiscommunication); ok {
		add(MediateClarify, ConflictMiscommunication)
	}
	if r.Alert == SeverityHigh {
		add(MediatePause, ConflictEscalation)
	}

	out := make([]MediationSuggestion, 0, len(picks))
	for _, p := range picks {
		s := mediationTemplates[p.kind]
		s.Reason = p.reason
		out = append(out, s)
	}
	return out
}
