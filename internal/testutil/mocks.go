package testutil

import (
	"context"
	"sync"

	"github.com/quantumlife/pulse/internal/core"
)

// Call records one collaborator invocation
type Call struct {
	Method         string
	ConversationID string
	Args           []string
}

// MockMessenger records every call. A Func field, when set, decides the
// result; the call is recorded either way.
type MockMessenger struct {
	SendReplyFunc           func(ctx context.Context, conversationID, text string, delaySeconds int) error
	ForwardMessageFunc      func(ctx context.Context, conversationID, messageID, to, note string) error
	ApplyLabelFunc          func(ctx context.Context, conversationID, label string) error
	ArchiveConversationFunc func(ctx context.Context, conversationID string) error

	mu    sync.Mutex
	calls []Call
}

func (m *MockMessenger) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls returns a copy of the recorded calls in order
func (m *MockMessenger) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Replies returns the text of every recorded reply
func (m *MockMessenger) Replies() []string {
	var out []string
	for _, c := range m.Calls() {
		if c.Method == "SendReply" {
			out = append(out, c.Args[0])
		}
	}
	return out
}

// Methods returns the method names of the recorded calls
func (m *MockMessenger) Methods() []string {
	var out []string
	for _, c := range m.Calls() {
		out = append(out, c.Method)
	}
	return out
}

// SendReply records the call and calls the mock function if set.
func (m *MockMessenger) SendReply(ctx context.Context, conversationID, text string, delaySeconds int) error {
	m.record(Call{Method: "SendReply", ConversationID: conversationID, Args: []string{text}})
	if m.SendReplyFunc != nil {
		return m.SendReplyFunc(ctx, conversationID, text, delaySeconds)
	}
	return nil
}

// ForwardMessage records the call and calls the mock function if set.
func (m *MockMessenger) ForwardMessage(ctx context.Context, conversationID, messageID, to, note string) error {
	m.record(Call{Method: "ForwardMessage", ConversationID: conversationID, Args: []string{messageID, to, note}})
	if m.ForwardMessageFunc != nil {
		return m.ForwardMessageFunc(ctx, conversationID, messageID, to, note)
	}
	return nil
}

// ApplyLabel records the call and calls the mock function if set.
func (m *MockMessenger) ApplyLabel(ctx context.Context, conversationID, label string) error {
	m.record(Call{Method: "ApplyLabel", ConversationID: conversationID, Args: []string{label}})
	if m.ApplyLabelFunc != nil {
		return m.ApplyLabelFunc(ctx, conversationID, label)
	}
	return nil
}

// ArchiveConversation records the call and calls the mock function if set.
func (m *MockMessenger) ArchiveConversation(ctx context.Context, conversationID string) error {
	m.record(Call{Method: "ArchiveConversation", ConversationID: conversationID})
	if m.ArchiveConversationFunc != nil {
		return m.ArchiveConversationFunc(ctx, conversationID)
	}
	return nil
}

// MockNotifier records pushed notifications
type MockNotifier struct {
	PushFunc func(ctx context.Context, n core.Notification) error

	mu   sync.Mutex
	sent []core.Notification
}

// PushNotification records the notification and calls the mock function if set.
func (m *MockNotifier) PushNotification(ctx context.Context, n core.Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	if m.PushFunc != nil {
		return m.PushFunc(ctx, n)
	}
	return nil
}

// Sent returns a copy of the recorded notifications
func (m *MockNotifier) Sent() []core.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Notification(nil), m.sent...)
}

// MockGenerator returns Response, or whatever GenerateFunc returns
type MockGenerator struct {
	Response     string
	GenerateFunc func(ctx context.Context, prompt, tone string, maxLength int) (string, error)

	mu      sync.Mutex
	prompts []string
}

// GenerateResponse records the prompt and answers.
func (m *MockGenerator) GenerateResponse(ctx context.Context, prompt, tone string, maxLength int) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt, tone, maxLength)
	}
	return m.Response, nil
}

// Prompts returns the prompts received so far
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
