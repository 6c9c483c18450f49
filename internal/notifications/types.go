// Package notifications stores and fans out notifications raised by notify
// actions.
package notifications

import (
	"time"

	"github.com/quantumlife/pulse/internal/core"
)

// Notification is a pushed notification plus its inbox state
type Notification struct {
	core.Notification
	Read        bool       `json:"read"`
	Dismissed   bool       `json:"dismissed"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
}

// NotificationFilter for querying notifications
type NotificationFilter struct {
	ConversationID string
	RuleID         string
	Urgency        core.Urgency
	Read           *bool
	Dismissed      *bool
	Limit          int
	Offset         int
}

// NotificationStats represents notification statistics
type NotificationStats struct {
	Total       int                  `json:"total"`
	Unread      int                  `json:"unread"`
	ByUrgency   map[core.Urgency]int `json:"by_urgency"`
	LastCreated *time.Time           `json:"last_created,omitempty"`
}

// WebSocketMessage for real-time notification delivery
type WebSocketMessage struct {
	Type    string       `json:"type"`
	Payload Notification `json:"payload"`
}
