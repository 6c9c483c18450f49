// Package window keeps the bounded, ordered message history of each
// conversation. Every analyzer and the rule engine read from snapshots
// handed out here.
package window

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/logging"
)

// Window is a point-in-time copy of one conversation's messages.
// Messages are sorted by timestamp, ties in arrival order.
type Window struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []core.Message `json:"messages"`
	Version        uint64         `json:"version"`      // Increments per accepted append
	Total          int            `json:"total"`        // Messages ever accepted
	OutOfOrder     bool           `json:"out_of_order"` // Set once any append needed re-sorting
}

// Len returns the number of messages held
func (w Window) Len() int { return len(w.Messages) }

// Last returns the newest message
func (w Window) Last() (core.Message, bool) {
	if len(w.Messages) == 0 {
		return core.Message{}, false
	}
	return w.Messages[len(w.Messages)-1], true
}

// Tail returns the trailing n messages (all when fewer). The slice is
// shared with the snapshot and must not be modified.
func (w Window) Tail(n int) []core.Message {
	if n <= 0 || n >= len(w.Messages) {
		return w.Messages
	}
	return w.Messages[len(w.Messages)-n:]
}

// Contains reports whether a message id is held
func (w Window) Contains(id string) bool {
	for _, m := range w.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// AppendResult describes what Append did
type AppendResult struct {
	Window    Window `json:"window"`
	Duplicate bool   `json:"duplicate"` // Message id was already present; nothing changed
	Reordered bool   `json:"reordered"` // Message was older than the tail and got sorted in
	Evicted   int    `json:"evicted"`
}

// Options bounds every window
type Options struct {
	MaxMessages int
	MaxAge      time.Duration // Measured back from the newest message; 0 disables
}

// DefaultOptions returns sensible bounds
func DefaultOptions() Options {
	return Options{MaxMessages: 500, MaxAge: 90 * 24 * time.Hour}
}

type entry struct {
	msg core.Message
}

type state struct {
	entries    []entry
	version    uint64
	total      int
	outOfOrder bool
}

// Manager owns the window of every conversation
type Manager struct {
	mu    sync.RWMutex
	opts  Options
	convs map[string]*state
}

// NewManager creates a manager
func NewManager(opts Options) *Manager {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultOptions().MaxMessages
	}
	return &Manager{
		opts:  opts,
		convs: make(map[string]*state),
	}
}

// Validate checks a message before it enters a window
func Validate(msg core.Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("%w: conversation id", core.ErrMissingRequired)
	}
	if msg.ID == "" {
		return fmt.Errorf("%w: message id", core.ErrMissingRequired)
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp", core.ErrMissingRequired)
	}
	if !msg.Sender.Valid() {
		return fmt.Errorf("%w: sender %q", core.ErrInvalidInput, msg.Sender)
	}
	return nil
}

// Append inserts msg in timestamp order, evicts beyond the bounds and
// returns the updated snapshot. Unknown conversations are created.
func (m *Manager) Append(msg core.Message) (AppendResult, error) {
	if err := Validate(msg); err != nil {
		return AppendResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.convs[msg.ConversationID]
	if !ok {
		st = &state{}
		m.convs[msg.ConversationID] = st
	}

	for _, e := range st.entries {
		if e.msg.ID == msg.ID {
			logging.WithField("conversation", msg.ConversationID).
				Debug("Ignoring duplicate message %s", msg.ID)
			return AppendResult{Window: st.snapshot(msg.ConversationID), Duplicate: true}, nil
		}
	}

	var result AppendResult
	e := entry{msg: copyMessage(msg)}

	n := len(st.entries)
	if n > 0 && msg.Timestamp.Before(st.entries[n-1].msg.Timestamp) {
		// Insert after every entry with an equal or earlier timestamp
		i := sort.Search(n, func(i int) bool {
			return st.entries[i].msg.Timestamp.After(msg.Timestamp)
		})
		st.entries = append(st.entries, entry{})
		copy(st.entries[i+1:], st.entries[i:])
		st.entries[i] = e
		st.outOfOrder = true
		result.Reordered = true
		logging.WithFields(map[string]interface{}{
			"conversation": msg.ConversationID,
			"message":      msg.ID,
		}).Warn("Out-of-order message accepted and re-sorted")
	} else {
		st.entries = append(st.entries, e)
	}

	st.version++
	st.total++
	result.Evicted = st.evict(m.opts)
	result.Window = st.snapshot(msg.ConversationID)
	return result, nil
}

// evict drops the oldest entries beyond the bounds
func (st *state) evict(opts Options) int {
	drop := 0
	if over := len(st.entries) - opts.MaxMessages; over > 0 {
		drop = over
	}
	if opts.MaxAge > 0 && len(st.entries) > 0 {
		cutoff := st.entries[len(st.entries)-1].msg.Timestamp.Add(-opts.MaxAge)
		for drop < len(st.entries)-1 && st.entries[drop].msg.Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return 0
	}
	st.entries = append([]entry(nil), st.entries[drop:]...)
	return drop
}

func (st *state) snapshot(conversationID string) Window {
	msgs := make([]core.Message, len(st.entries))
	for i, e := range st.entries {
		msgs[i] = copyMessage(e.msg)
	}
	return Window{
		ConversationID: conversationID,
		Messages:       msgs,
		Version:        st.version,
		Total:          st.total,
		OutOfOrder:     st.outOfOrder,
	}
}

func copyMessage(m core.Message) core.Message {
	if m.Reactions != nil {
		m.Reactions = append([]string(nil), m.Reactions...)
	}
	if m.ContactGroups != nil {
		m.ContactGroups = append([]string(nil), m.ContactGroups...)
	}
	return m
}

// Window returns a point-in-time snapshot of a conversation
func (m *Manager) Window(conversationID string) (Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.convs[conversationID]
	if !ok {
		return Window{}, false
	}
	return st.snapshot(conversationID), true
}

// Message returns one held message
func (m *Manager) Message(conversationID, messageID string) (core.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.convs[conversationID]
	if !ok {
		return core.Message{}, false
	}
	for _, e := range st.entries {
		if e.msg.ID == messageID {
			return copyMessage(e.msg), true
		}
	}
	return core.Message{}, false
}

// Remove takes a retracted message out of its window. The version moves
// so downstream fingerprints change.
func (m *Manager) Remove(conversationID, messageID string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.convs[conversationID]
	if !ok {
		return Window{}, core.ErrConversationNotFound
	}
	for i, e := range st.entries {
		if e.msg.ID == messageID {
			st.entries = append(st.entries[:i:i], st.entries[i+1:]...)
			st.version++
			return st.snapshot(conversationID), nil
		}
	}
	return Window{}, core.ErrMessageNotFound
}

// Replace swaps the text of a held message in place, keeping its
// position. Used for edits.
func (m *Manager) Replace(msg core.Message) (Window, error) {
	if err := Validate(msg); err != nil {
		return Window{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.convs[msg.ConversationID]
	if !ok {
		return Window{}, core.ErrConversationNotFound
	}
	for i, e := range st.entries {
		if e.msg.ID == msg.ID {
			edited := copyMessage(msg)
			edited.Timestamp = e.msg.Timestamp
			st.entries[i].msg = edited
			st.version++
			return st.snapshot(msg.ConversationID), nil
		}
	}
	return Window{}, core.ErrMessageNotFound
}

// Conversations lists known conversation ids, sorted
func (m *Manager) Conversations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drop forgets a conversation
func (m *Manager) Drop(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, conversationID)
}
