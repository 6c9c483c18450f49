package api

import (
	"context"
	"errors"

	"github.com/quantumlife/pulse/internal/actions"
)

// ErrNoClients is returned when an action needs a front end and none is
// connected
var ErrNoClients = errors.New("no websocket clients connected")

// Messenger hands conversation actions to the connected front end, which
// performs them on the chat platform
type Messenger struct {
	hub *WebSocketHub
}

var _ actions.Messenger = (*Messenger)(nil)

// NewMessenger creates a messenger over hub
func NewMessenger(hub *WebSocketHub) *Messenger {
	return &Messenger{hub: hub}
}

// ReplyPayload asks the front end to send a message
type ReplyPayload struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	DelaySeconds   int    `json:"delay_seconds,omitempty"`
}

// ForwardPayload asks the front end to forward a message
type ForwardPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	To             string `json:"to"`
	Note           string `json:"note,omitempty"`
}

// LabelPayload asks the front end to tag a conversation
type LabelPayload struct {
	ConversationID string `json:"conversation_id"`
	Label          string `json:"label"`
}

// ArchivePayload asks the front end to archive a conversation
type ArchivePayload struct {
	ConversationID string `json:"conversation_id"`
}

func (m *Messenger) deliver(ctx context.Context, typ string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.hub.ClientCount() == 0 {
		return ErrNoClients
	}
	return m.hub.Broadcast(WebSocketMessage{Type: typ, Data: payload})
}

// SendReply implements actions.Messenger
func (m *Messenger) SendReply(ctx context.Context, conversationID, text string, delaySeconds int) error {
	return m.deliver(ctx, "action.reply", ReplyPayload{
		ConversationID: conversationID,
		Text:           text,
		DelaySeconds:   delaySeconds,
	})
}

// ForwardMessage implements actions.Messenger
func (m *Messenger) ForwardMessage(ctx context.Context, conversationID, messageID, to, note string) error {
	return m.deliver(ctx, "action.forward", ForwardPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		To:             to,
		Note:           note,
	})
}

// ApplyLabel implements actions.Messenger
func (m *Messenger) ApplyLabel(ctx context.Context, conversationID, label string) error {
	return m.deliver(ctx, "action.label", LabelPayload{ConversationID: conversationID, Label: label})
}

// ArchiveConversation implements actions.Messenger
func (m *Messenger) ArchiveConversation(ctx context.Context, conversationID string) error {
	return m.deliver(ctx, "action.archive", ArchivePayload{ConversationID: conversationID})
}
