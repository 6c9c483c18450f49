package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quantumlife/pulse/internal/core"
)

// DefaultHandlers builds the handlers for every executable action type.
// delay_response and ai_generate are handled by the dispatcher itself.
func DefaultHandlers(m Messenger, n Notifier) []Handler {
	var hs []Handler
	if m != nil {
		hs = append(hs,
			NewReplyHandler(m),
			NewForwardHandler(m),
			NewLabelHandler(m),
			NewArchiveHandler(m),
		)
	}
	if n != nil {
		hs = append(hs, NewNotifyHandler(n))
	}
	return hs
}

func missingConfig(t core.ActionType) error {
	return fmt.Errorf("%w: %s action has no config", core.ErrInvalidAction, t)
}

// ==================== Reply Handler ====================

// ReplyHandler sends a reply into the conversation
type ReplyHandler struct {
	messenger Messenger
}

// NewReplyHandler creates a reply handler
func NewReplyHandler(m Messenger) *ReplyHandler {
	return &ReplyHandler{messenger: m}
}

// Type returns the action type
func (h *ReplyHandler) Type() core.ActionType {
	return core.ActionReply
}

// Execute sends the reply. The delay has already been served by the
// dispatcher, so the messenger is told to send now.
func (h *ReplyHandler) Execute(ctx context.Context, ex Execution) error {
	cfg := ex.Action.Reply
	if cfg == nil {
		return missingConfig(core.ActionReply)
	}
	if strings.TrimSpace(cfg.Text) == "" {
		return fmt.Errorf("%w: empty reply text", core.ErrInvalidAction)
	}
	return h.messenger.SendReply(ctx, ex.Match.ConversationID, cfg.Text, 0)
}

// ==================== Forward Handler ====================

// ForwardHandler forwards the triggering message
type ForwardHandler struct {
	messenger Messenger
}

// NewForwardHandler creates a forward handler
func NewForwardHandler(m Messenger) *ForwardHandler {
	return &ForwardHandler{messenger: m}
}

// Type returns the action type
func (h *ForwardHandler) Type() core.ActionType {
	return core.ActionForward
}

// Execute forwards the message
func (h *ForwardHandler) Execute(ctx context.Context, ex Execution) error {
	cfg := ex.Action.Forward
	if cfg == nil {
		return missingConfig(core.ActionForward)
	}
	if ex.Match.MessageID == "" {
		return fmt.Errorf("%w: nothing to forward without a triggering message", core.ErrInvalidAction)
	}
	return h.messenger.ForwardMessage(ctx, ex.Match.ConversationID, ex.Match.MessageID, cfg.To, cfg.Note)
}

// ==================== Label Handler ====================

// LabelHandler tags the conversation
type LabelHandler struct {
	messenger Messenger
}

// NewLabelHandler creates a label handler
func NewLabelHandler(m Messenger) *LabelHandler {
	return &LabelHandler{messenger: m}
}

// Type returns the action type
func (h *LabelHandler) Type() core.ActionType {
	return core.ActionLabel
}

// Execute applies the label
func (h *LabelHandler) Execute(ctx context.Context, ex Execution) error {
	cfg := ex.Action.Label
	if cfg == nil {
		return missingConfig(core.ActionLabel)
	}
	return h.messenger.ApplyLabel(ctx, ex.Match.ConversationID, cfg.Label)
}

// ==================== Archive Handler ====================

// ArchiveHandler archives the conversation
type ArchiveHandler struct {
	messenger Messenger
}

// NewArchiveHandler creates an archive handler
func NewArchiveHandler(m Messenger) *ArchiveHandler {
	return &ArchiveHandler{messenger: m}
}

// Type returns the action type
func (h *ArchiveHandler) Type() core.ActionType {
	return core.ActionArchive
}

// Execute archives the conversation
func (h *ArchiveHandler) Execute(ctx context.Context, ex Execution) error {
	return h.messenger.ArchiveConversation(ctx, ex.Match.ConversationID)
}

// ==================== Notify Handler ====================

// NotifyHandler pushes a notification to the user
type NotifyHandler struct {
	notifier Notifier
}

// NewNotifyHandler creates a notify handler
func NewNotifyHandler(n Notifier) *NotifyHandler {
	return &NotifyHandler{notifier: n}
}

// Type returns the action type
func (h *NotifyHandler) Type() core.ActionType {
	return core.ActionNotify
}

// Execute builds and pushes the notification. Missing title and body fall
// back to the rule name and the triggering message.
func (h *NotifyHandler) Execute(ctx context.Context, ex Execution) error {
	cfg := ex.Action.Notify
	if cfg == nil {
		return missingConfig(core.ActionNotify)
	}

	n := core.Notification{
		ID:             uuid.NewString(),
		ConversationID: ex.Match.ConversationID,
		RuleID:         ex.Match.RuleID,
		Title:          cfg.Title,
		Body:           cfg.Body,
		Urgency:        cfg.Urgency,
		CreatedAt:      ex.Match.Timestamp,
	}
	if n.Title == "" {
		n.Title = ex.Match.RuleName
	}
	if n.Body == "" {
		n.Body = ex.Match.MessageText
	}
	if n.Urgency == "" {
		n.Urgency = core.UrgencyNormal
	}
	return h.notifier.PushNotification(ctx, n)
}
