package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ActionType identifies an automation action
type ActionType string

const (
	ActionReply         ActionType = "reply"
	ActionForward       ActionType = "forward"
	ActionLabel         ActionType = "label"
	ActionArchive       ActionType = "archive"
	ActionNotify        ActionType = "notify"
	ActionDelayResponse ActionType = "delay_response"
	ActionAIGenerate    ActionType = "ai_generate"
)

// Valid reports whether the type is known
func (t ActionType) Valid() bool {
	switch t {
	case ActionReply, ActionForward, ActionLabel, ActionArchive,
		ActionNotify, ActionDelayResponse, ActionAIGenerate:
		return true
	}
	return false
}

// ReplyConfig sends a fixed text back into the conversation
type ReplyConfig struct {
	Text         string `json:"text"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}

// ForwardConfig forwards the triggering message
type ForwardConfig struct {
	To   string `json:"to"`
	Note string `json:"note,omitempty"`
}

// LabelConfig tags the conversation
type LabelConfig struct {
	Label string `json:"label"`
}

// ArchiveConfig has no fields
type ArchiveConfig struct{}

// Urgency of a notification
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// NotifyConfig pushes a notification to the user
type NotifyConfig struct {
	Title   string  `json:"title,omitempty"`
	Body    string  `json:"body,omitempty"`
	Urgency Urgency `json:"urgency,omitempty"`
}

// DelayConfig holds the remaining actions of a match back
type DelayConfig struct {
	Seconds int `json:"seconds"`
}

// AIGenerateConfig asks the generator for a reply and sends it
type AIGenerateConfig struct {
	Prompt       string `json:"prompt"`
	Tone         string `json:"tone,omitempty"`
	MaxLength    int    `json:"max_length,omitempty"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}

// Action is a tagged union. Exactly the field matching Type is set;
// every other variant pointer is nil. The wire form is
// {"type": "...", "config": {...}}.
type Action struct {
	Type ActionType

	Reply      *ReplyConfig
	Forward    *ForwardConfig
	Label      *LabelConfig
	Archive    *ArchiveConfig
	Notify     *NotifyConfig
	Delay      *DelayConfig
	AIGenerate *AIGenerateConfig
}

// Reply builds a reply action
func Reply(text string, delaySeconds int) Action {
	return Action{Type: ActionReply, Reply: &ReplyConfig{Text: text, DelaySeconds: delaySeconds}}
}

// Forward builds a forward action
func Forward(to, note string) Action {
	return Action{Type: ActionForward, Forward: &ForwardConfig{To: to, Note: note}}
}

// Label builds a label action
func Label(label string) Action {
	return Action{Type: ActionLabel, Label: &LabelConfig{Label: label}}
}

// Archive builds an archive action
func Archive() Action {
	return Action{Type: ActionArchive, Archive: &ArchiveConfig{}}
}

// Notify builds a notify action
func Notify(title, body string, urgency Urgency) Action {
	return Action{Type: ActionNotify, Notify: &NotifyConfig{Title: title, Body: body, Urgency: urgency}}
}

// DelayResponse builds a delay action
func DelayResponse(seconds int) Action {
	return Action{Type: ActionDelayResponse, Delay: &DelayConfig{Seconds: seconds}}
}

// AIGenerate builds an AI generation action
func AIGenerate(prompt, tone string, maxLength, delaySeconds int) Action {
	return Action{Type: ActionAIGenerate, AIGenerate: &AIGenerateConfig{
		Prompt:       prompt,
		Tone:         tone,
		MaxLength:    maxLength,
		DelaySeconds: delaySeconds,
	}}
}

// config returns the populated variant, or nil
func (a Action) config() any {
	switch a.Type {
	case ActionReply:
		if a.Reply != nil {
			return a.Reply
		}
	case ActionForward:
		if a.Forward != nil {
			return a.Forward
		}
	case ActionLabel:
		if a.Label != nil {
			return a.Label
		}
	case ActionArchive:
		if a.Archive != nil {
			return a.Archive
		}
	case ActionNotify:
		if a.Notify != nil {
			return a.Notify
		}
	case ActionDelayResponse:
		if a.Delay != nil {
			return a.Delay
		}
	case ActionAIGenerate:
		if a.AIGenerate != nil {
			return a.AIGenerate
		}
	}
	return nil
}

type actionWire struct {
	Type   ActionType      `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the action as {"type","config"}
func (a Action) MarshalJSON() ([]byte, error) {
	w := actionWire{Type: a.Type}
	if cfg := a.config(); cfg != nil {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		w.Config = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes {"type","config"} into the matching variant
func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	*a = Action{Type: w.Type}

	cfg := bytes.TrimSpace(w.Config)
	if len(cfg) == 0 || bytes.Equal(cfg, []byte("null")) {
		return nil
	}

	var target any
	switch w.Type {
	case ActionReply:
		a.Reply = &ReplyConfig{}
		target = a.Reply
	case ActionForward:
		a.Forward = &ForwardConfig{}
		target = a.Forward
	case ActionLabel:
		a.Label = &LabelConfig{}
		target = a.Label
	case ActionArchive:
		a.Archive = &ArchiveConfig{}
		target = a.Archive
	case ActionNotify:
		a.Notify = &NotifyConfig{}
		target = a.Notify
	case ActionDelayResponse:
		a.Delay = &DelayConfig{}
		target = a.Delay
	case ActionAIGenerate:
		a.AIGenerate = &AIGenerateConfig{}
		target = a.AIGenerate
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, w.Type)
	}

	if err := json.Unmarshal(cfg, target); err != nil {
		return fmt.Errorf("%w: %s config: %v", ErrInvalidAction, w.Type, err)
	}
	return nil
}

func (a Action) clone() Action {
	out := Action{Type: a.Type}
	if a.Reply != nil {
		c := *a.Reply
		out.Reply = &c
	}
	if a.Forward != nil {
		c := *a.Forward
		out.Forward = &c
	}
	if a.Label != nil {
		c := *a.Label
		out.Label = &c
	}
	if a.Archive != nil {
		out.Archive = &ArchiveConfig{}
	}
	if a.Notify != nil {
		c := *a.Notify
		out.Notify = &c
	}
	if a.Delay != nil {
		c := *a.Delay
		out.Delay = &c
	}
	if a.AIGenerate != nil {
		c := *a.AIGenerate
		out.AIGenerate = &c
	}
	return out
}

// CloneActions deep copies a slice of actions
func CloneActions(actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a.clone()
	}
	return out
}
