package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Token identifies a pending one-shot timer
type Token string

// TimerHandler runs when a timer fires. ctx is cancelled when the
// scheduler stops.
type TimerHandler func(ctx context.Context)

// Labels tag a timer so groups can be cancelled together
type Labels map[string]string

type timer struct {
	token  Token
	name   string
	labels Labels
	due    time.Time
	t      *time.Timer
}

// TimerInfo describes a pending timer
type TimerInfo struct {
	Token  Token     `json:"token"`
	Name   string    `json:"name"`
	Labels Labels    `json:"labels,omitempty"`
	Due    time.Time `json:"due"`
}

// After runs handler once after delay unless cancelled first
func (s *Scheduler) After(name string, delay time.Duration, labels Labels, handler TimerHandler) Token {
	if delay < 0 {
		delay = 0
	}
	tm := &timer{
		token:  Token(uuid.NewString()),
		name:   name,
		labels: copyLabels(labels),
		due:    time.Now().Add(delay),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[tm.token] = tm
	tm.t = time.AfterFunc(delay, func() { s.fire(tm, handler) })
	return tm.token
}

func (s *Scheduler) fire(tm *timer, handler TimerHandler) {
	s.mu.Lock()
	if _, pending := s.timers[tm.token]; !pending {
		s.mu.Unlock()
		return
	}
	delete(s.timers, tm.token)
	s.fired++
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	handler(ctx)
}

// Cancel stops a pending timer. It reports false when the timer already
// fired or was cancelled.
func (s *Scheduler) Cancel(token Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tm, ok := s.timers[token]
	if !ok {
		return false
	}
	tm.t.Stop()
	delete(s.timers, token)
	s.cancelled++
	return true
}

// CancelMatching cancels every pending timer whose labels contain all the
// given pairs and returns how many were cancelled. Empty labels match
// nothing.
func (s *Scheduler) CancelMatching(labels Labels) int {
	if len(labels) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for token, tm := range s.timers {
		if !tm.labels.contains(labels) {
			continue
		}
		tm.t.Stop()
		delete(s.timers, token)
		s.cancelled++
		n++
	}
	return n
}

// Pending lists pending timers ordered by due time
func (s *Scheduler) Pending() []TimerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TimerInfo, 0, len(s.timers))
	for _, tm := range s.timers {
		out = append(out, TimerInfo{Token: tm.token, Name: tm.name, Labels: copyLabels(tm.labels), Due: tm.due})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Due.Equal(out[j].Due) {
			return out[i].Due.Before(out[j].Due)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

func (l Labels) contains(sub Labels) bool {
	for k, v := range sub {
		if l[k] != v {
			return false
		}
	}
	return true
}

func copyLabels(l Labels) Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}
