// Package core defines the fundamental types and errors for Pulse.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Conversation errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInsufficientData     = errors.New("insufficient data")

	// Insight errors
	ErrInsightNotFound       = errors.New("insight not found")
	ErrInsightNotDismissable = errors.New("insight cannot be dismissed")

	// Rule errors
	ErrRuleNotFound     = errors.New("rule not found")
	ErrRuleExists       = errors.New("rule already exists")
	ErrInvalidRule      = errors.New("invalid rule")
	ErrInvalidCondition = errors.New("invalid condition")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrInvalidAction    = errors.New("invalid action")

	// Dispatch errors
	ErrGenerationFailed = errors.New("AI generation failed")
	ErrDispatchFailed   = errors.New("action dispatch failed")
	ErrNoHandler        = errors.New("no handler for action type")

	// Storage errors
	ErrMigrationFailed = errors.New("migration failed")
	ErrRecordNotFound  = errors.New("record not found")

	// Lifecycle errors
	ErrServiceClosed = errors.New("service is closed")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
