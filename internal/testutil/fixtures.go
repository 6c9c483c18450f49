package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/quantumlife/pulse/internal/core"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// BaseTime is a fixed Monday morning used by fixtures
var BaseTime = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// MessageBuilder builds a core.Message with sensible defaults
type MessageBuilder struct {
	msg core.Message
}

// NewMessage starts a message from the other side at BaseTime.
func NewMessage(conversationID, text string) *MessageBuilder {
	return &MessageBuilder{msg: core.Message{
		ID:             "m-" + RandomID(),
		ConversationID: conversationID,
		Sender:         core.SenderOther,
		Author:         "alex",
		Text:           text,
		Timestamp:      BaseTime,
	}}
}

// WithID sets the message id.
func (b *MessageBuilder) WithID(id string) *MessageBuilder {
	b.msg.ID = id
	return b
}

// FromSelf marks the message as written by the user.
func (b *MessageBuilder) FromSelf() *MessageBuilder {
	b.msg.Sender = core.SenderSelf
	b.msg.Author = "me"
	return b
}

// At sets the timestamp.
func (b *MessageBuilder) At(ts time.Time) *MessageBuilder {
	b.msg.Timestamp = ts
	return b
}

// Build returns the message.
func (b *MessageBuilder) Build() core.Message {
	return b.msg
}

// Exchange builds an alternating conversation starting with the other
// side, one message per text, step apart. Ids are "<conv>-<n>".
func Exchange(conversationID string, start time.Time, step time.Duration, texts ...string) []core.Message {
	out := make([]core.Message, len(texts))
	for i, text := range texts {
		b := NewMessage(conversationID, text).
			WithID(fmt.Sprintf("%s-%d", conversationID, i+1)).
			At(start.Add(time.Duration(i) * step))
		if i%2 == 1 {
			b.FromSelf()
		}
		out[i] = b.Build()
	}
	return out
}

// KeywordRule builds an enabled rule firing on any of the keywords.
func KeywordRule(id string, priority int, actions []core.Action, keywords ...string) core.Rule {
	return core.Rule{
		ID:             id,
		Name:           "rule " + id,
		Enabled:        true,
		Priority:       priority,
		ConditionLogic: core.LogicAny,
		Conditions: []core.Condition{{
			Type:     core.ConditionKeyword,
			Operator: core.OpContains,
			Value:    core.ListValue(keywords...),
		}},
		Actions: actions,
	}
}
