// Package proactive merges, ranks and tracks dismissal of conversation insights.
package proactive

import (
	"sort"
	"sync"
	"time"

	"github.com/quantumlife/pulse/internal/core"
)

// Aggregator keeps the ranked insight list of every conversation
type Aggregator struct {
	mu    sync.RWMutex
	convs map[string]*conversationState
}

type conversationState struct {
	computed  []core.Insight
	surfaced  map[string]core.Insight
	dismissed map[string]string // insight id -> fingerprint at dismissal
	updatedAt time.Time
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{convs: make(map[string]*conversationState)}
}

func (a *Aggregator) state(conversationID string) *conversationState {
	st, ok := a.convs[conversationID]
	if !ok {
		st = &conversationState{
			surfaced:  make(map[string]core.Insight),
			dismissed: make(map[string]string),
		}
		a.convs[conversationID] = st
	}
	return st
}

// Refresh replaces the computed insights of a conversation with the union of
// inputs and returns the visible ranked list.
func (a *Aggregator) Refresh(conversationID string, now time.Time, inputs ...[]core.Insight) []core.Insight {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(conversationID)
	var computed []core.Insight
	for _, in := range inputs {
		computed = append(computed, in...)
	}
	st.computed = dedupe(computed)
	st.updatedAt = now

	// A dismissal only holds while the insight stays present with unchanged
	// evidence. Once the condition clears, a later recurrence shows again.
	for id, fp := range st.dismissed {
		if _, surfaced := st.surfaced[id]; surfaced {
			continue
		}
		cur, ok := find(st.computed, id)
		if !ok || cur.Fingerprint != fp {
			delete(st.dismissed, id)
		}
	}

	return st.visible(false)
}

// Insights returns the visible ranked list. With includeDismissed the
// dismissed entries are returned too, flagged Dismissed.
func (a *Aggregator) Insights(conversationID string, includeDismissed bool) []core.Insight {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.convs[conversationID]
	if !ok {
		return []core.Insight{}
	}
	return st.visible(includeDismissed)
}

// Surface attaches an externally produced insight. It stays until dismissed
// or forgotten.
func (a *Aggregator) Surface(conversationID string, ins core.Insight) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(conversationID)
	if ins.CreatedAt.IsZero() {
		ins.CreatedAt = time.Now()
	}
	st.surfaced[ins.ID] = ins
	delete(st.dismissed, ins.ID)
}

// Dismiss hides an insight until its fingerprint changes or it stops being
// computed. Surfaced insights are dropped outright.
func (a *Aggregator) Dismiss(conversationID, insightID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.convs[conversationID]
	if !ok {
		return core.ErrInsightNotFound
	}

	var target core.Insight
	found := false
	for _, ins := range st.merged() {
		if ins.ID == insightID {
			target, found = ins, true
			break
		}
	}
	if !found {
		return core.ErrInsightNotFound
	}
	if !target.Dismissable {
		return core.ErrInsightNotDismissable
	}

	if _, ok := st.surfaced[insightID]; ok {
		delete(st.surfaced, insightID)
		if _, computed := find(st.computed, insightID); !computed {
			return nil
		}
	}
	st.dismissed[insightID] = target.Fingerprint
	return nil
}

// Forget drops all state held for a conversation
func (a *Aggregator) Forget(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.convs, conversationID)
}

// PruneSurfaced removes surfaced insights created before cutoff and returns
// how many were dropped.
func (a *Aggregator) PruneSurfaced(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, st := range a.convs {
		for id, ins := range st.surfaced {
			if ins.CreatedAt.Before(cutoff) {
				delete(st.surfaced, id)
				n++
			}
		}
	}
	return n
}

// PruneIdle forgets conversations not refreshed since cutoff that hold no
// surfaced insights.
func (a *Aggregator) PruneIdle(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for id, st := range a.convs {
		if len(st.surfaced) == 0 && st.updatedAt.Before(cutoff) {
			delete(a.convs, id)
			n++
		}
	}
	return n
}

// Conversations returns the number of tracked conversations
func (a *Aggregator) Conversations() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.convs)
}

func (st *conversationState) merged() []core.Insight {
	all := make([]core.Insight, 0, len(st.computed)+len(st.surfaced))
	all = append(all, st.computed...)
	for _, ins := range st.surfaced {
		all = append(all, ins)
	}
	return dedupe(all)
}

func (st *conversationState) visible(includeDismissed bool) []core.Insight {
	all := st.merged()
	out := make([]core.Insight, 0, len(all))
	for _, ins := range all {
		fp, dismissed := st.dismissed[ins.ID]
		hidden := dismissed && fp == ins.Fingerprint
		if hidden && !includeDismissed {
			continue
		}
		ins.Dismissed = hidden
		ins.SuggestedActions = append([]core.SuggestedAction(nil), ins.SuggestedActions...)
		out = append(out, ins)
	}
	Rank(out)
	return out
}

// dedupe keeps one insight per id: higher priority wins, then confidence
func dedupe(in []core.Insight) []core.Insight {
	byID := make(map[string]int, len(in))
	out := make([]core.Insight, 0, len(in))
	for _, ins := range in {
		i, ok := byID[ins.ID]
		if !ok {
			byID[ins.ID] = len(out)
			out = append(out, ins)
			continue
		}
		if outranks(ins, out[i]) {
			out[i] = ins
		}
	}
	return out
}

func outranks(a, b core.Insight) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.Context.Confidence > b.Context.Confidence
}

// Rank orders insights by priority, then confidence, then id
func Rank(in []core.Insight) {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if a.Context.Confidence != b.Context.Confidence {
			return a.Context.Confidence > b.Context.Confidence
		}
		return a.ID < b.ID
	})
}

func find(in []core.Insight, id string) (core.Insight, bool) {
	for _, ins := range in {
		if ins.ID == id {
			return ins, true
		}
	}
	return core.Insight{}, false
}
