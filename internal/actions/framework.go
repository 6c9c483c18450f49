// Package actions carries out the actions of fired rules.
//
// Every match goes through three stages. Prepare runs AI generation, and
// a failure there aborts the match without counting it as a fire. Commit
// records the fire on the rule. Execute runs the actions in order, with
// retries. A delay_response action parks the rest of the match on a
// cancellable timer.
package actions

import (
	"context"
	"sync"
	"time"

	"github.com/quantumlife/pulse/internal/core"
)

// Messenger delivers conversation side effects
type Messenger interface {
	SendReply(ctx context.Context, conversationID, text string, delaySeconds int) error
	ForwardMessage(ctx context.Context, conversationID, messageID, to, note string) error
	ApplyLabel(ctx context.Context, conversationID, label string) error
	ArchiveConversation(ctx context.Context, conversationID string) error
}

// Notifier pushes notifications
type Notifier interface {
	PushNotification(ctx context.Context, n core.Notification) error
}

// Generator produces reply text for ai_generate actions
type Generator interface {
	GenerateResponse(ctx context.Context, prompt, tone string, maxLength int) (string, error)
}

// Handler executes a specific action type
type Handler interface {
	// Type returns the action type this handler supports
	Type() core.ActionType

	// Execute performs the action
	Execute(ctx context.Context, ex Execution) error
}

// Execution is one action of a match, ready to run
type Execution struct {
	Match  core.RuleMatch
	Action core.Action
}

// Status of a dispatch
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusScheduled Status = "scheduled" // waiting on a delay timer
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial" // committed, some actions failed
	StatusFailed    Status = "failed"  // aborted before commit
	StatusCancelled Status = "cancelled"
)

// Stage names where a dispatch can fail
const (
	StagePrepare = "prepare"
	StageCommit  = "commit"
	StageExecute = "execute"
)

// ActionResult records the outcome of one action
type ActionResult struct {
	Type      core.ActionType `json:"type"`
	Generated bool            `json:"generated,omitempty"`
	Success   bool            `json:"success"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
	At        time.Time       `json:"at"`
}

// Dispatch is the record of one rule match being carried out
type Dispatch struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	RuleName       string         `json:"rule_name"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id,omitempty"`
	Status         Status         `json:"status"`
	FailedStage    string         `json:"failed_stage,omitempty"`
	Error          string         `json:"error,omitempty"`
	Results        []ActionResult `json:"results,omitempty"`
	ResumeAt       *time.Time     `json:"resume_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// Finished reports whether the dispatch reached a final state
func (d Dispatch) Finished() bool {
	switch d.Status {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (d Dispatch) clone() Dispatch {
	if d.Results != nil {
		d.Results = append([]ActionResult(nil), d.Results...)
	}
	if d.ResumeAt != nil {
		t := *d.ResumeAt
		d.ResumeAt = &t
	}
	if d.FinishedAt != nil {
		t := *d.FinishedAt
		d.FinishedAt = &t
	}
	return d
}

// DispatchQueue keeps the most recent dispatch records, oldest evicted first
type DispatchQueue struct {
	records map[string]Dispatch
	order   []string
	maxSize int
	mu      sync.RWMutex
}

// NewDispatchQueue creates a queue holding at most maxSize records
func NewDispatchQueue(maxSize int) *DispatchQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &DispatchQueue{
		records: make(map[string]Dispatch),
		order:   make([]string, 0),
		maxSize: maxSize,
	}
}

// Add adds a record to the queue
func (q *DispatchQueue) Add(d Dispatch) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Remove oldest if at capacity
	if len(q.order) >= q.maxSize {
		oldest := q.order[0]
		delete(q.records, oldest)
		q.order = q.order[1:]
	}

	q.records[d.ID] = d.clone()
	q.order = append(q.order, d.ID)
}

// Get returns a record by ID
func (q *DispatchQueue) Get(id string) (Dispatch, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	d, ok := q.records[id]
	return d.clone(), ok
}

// Modify applies fn to a stored record and returns the result. Evicted
// records are not resurrected.
func (q *DispatchQueue) Modify(id string, fn func(*Dispatch)) (Dispatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.records[id]
	if !ok {
		return Dispatch{}, false
	}
	fn(&d)
	q.records[id] = d
	return d.clone(), true
}

// GetByStatus returns records with a specific status, oldest first
func (q *DispatchQueue) GetByStatus(status Status) []Dispatch {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []Dispatch
	for _, id := range q.order {
		if d, ok := q.records[id]; ok && d.Status == status {
			result = append(result, d.clone())
		}
	}
	return result
}

// GetRecent returns up to limit records, newest first. limit <= 0 returns all.
func (q *DispatchQueue) GetRecent(limit int) []Dispatch {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 || limit > len(q.order) {
		limit = len(q.order)
	}
	start := len(q.order) - limit

	result := make([]Dispatch, 0, limit)
	for i := len(q.order) - 1; i >= start; i-- {
		if d, ok := q.records[q.order[i]]; ok {
			result = append(result, d.clone())
		}
	}
	return result
}

// Size returns the number of records in the queue
func (q *DispatchQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.records)
}
