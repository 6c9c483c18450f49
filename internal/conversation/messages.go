package conversation

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantumlife/pulse/internal/actions"
	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/intelligence"
	"github.com/quantumlife/pulse/internal/window"
)

// AppendResult reports everything one appended message caused
type AppendResult struct {
	Window     window.Window      `json:"window"`
	Duplicate  bool               `json:"duplicate"`
	Reordered  bool               `json:"reordered"`
	Evicted    int                `json:"evicted"`
	Signals    []core.Signal      `json:"signals"`
	Insights   []core.Insight     `json:"insights"`
	Matches    []core.RuleMatch   `json:"matches"`
	Dispatches []actions.Dispatch `json:"dispatches"`
}

// AppendMessage adds a message to its conversation, recomputes signals
// and insights, evaluates the rules and hands matches to the dispatcher.
// A duplicate message id changes nothing.
func (s *Service) AppendMessage(ctx context.Context, msg core.Message) (AppendResult, error) {
	if err := window.Validate(msg); err != nil {
		return AppendResult{}, err
	}

	var out AppendResult
	err := s.do(ctx, msg.ConversationID, true, func(a *actor) error {
		res, err := s.windows.Append(msg)
		if err != nil {
			return err
		}
		out.Window = res.Window
		out.Duplicate = res.Duplicate
		out.Reordered = res.Reordered
		out.Evicted = res.Evicted
		if res.Duplicate {
			out.Signals = cloneSignals(a.signals)
			out.Insights = s.aggregator.Insights(msg.ConversationID, false)
			return nil
		}

		// Rules run even when the recompute fails
		refreshErr := s.refresh(ctx, a, res.Window, s.now())
		out.Signals = cloneSignals(a.signals)
		out.Insights = s.aggregator.Insights(msg.ConversationID, false)

		out.Matches = s.engine.Evaluate(msg)
		out.Dispatches = s.submit(out.Matches)
		return refreshErr
	})
	return out, err
}

// RetractMessage removes a message and cancels actions still waiting on
// a delay that it triggered
func (s *Service) RetractMessage(ctx context.Context, conversationID, messageID string) (window.Window, error) {
	var out window.Window
	err := s.do(ctx, conversationID, false, func(a *actor) error {
		w, err := s.windows.Remove(conversationID, messageID)
		if err != nil {
			return err
		}
		s.cancelMessage(conversationID, messageID)
		out = w
		return s.refresh(ctx, a, w, s.now())
	})
	return out, err
}

// EditMessage replaces a message's content in place. Pending delayed
// actions of the original are cancelled; rules are not re-evaluated.
func (s *Service) EditMessage(ctx context.Context, msg core.Message) (window.Window, error) {
	if err := window.Validate(msg); err != nil {
		return window.Window{}, err
	}
	var out window.Window
	err := s.do(ctx, msg.ConversationID, false, func(a *actor) error {
		w, err := s.windows.Replace(msg)
		if err != nil {
			return err
		}
		s.cancelMessage(msg.ConversationID, msg.ID)
		out = w
		return s.refresh(ctx, a, w, s.now())
	})
	return out, err
}

func (s *Service) cancelMessage(conversationID, messageID string) {
	if s.dispatcher == nil {
		return
	}
	if n := s.dispatcher.CancelMessage(conversationID, messageID); n > 0 {
		log.WithFields(map[string]interface{}{
			"conversation_id": conversationID,
			"message_id":      messageID,
		}).Info("Cancelled %d pending dispatches", n)
	}
}

// Window returns a copy of the conversation's window
func (s *Service) Window(conversationID string) (window.Window, error) {
	w, ok := s.windows.Window(conversationID)
	if !ok {
		return window.Window{}, fmt.Errorf("%w: %s", core.ErrConversationNotFound, conversationID)
	}
	return w, nil
}

// Signals returns the latest signals of a conversation
func (s *Service) Signals(ctx context.Context, conversationID string) ([]core.Signal, error) {
	var out []core.Signal
	err := s.do(ctx, conversationID, false, func(a *actor) error {
		out = cloneSignals(a.signals)
		return nil
	})
	return out, err
}

// Insights returns the ranked visible insights of a conversation
func (s *Service) Insights(conversationID string, includeDismissed bool) ([]core.Insight, error) {
	if _, ok := s.windows.Window(conversationID); !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrConversationNotFound, conversationID)
	}
	return s.aggregator.Insights(conversationID, includeDismissed), nil
}

// DismissInsight hides an insight until its evidence changes
func (s *Service) DismissInsight(conversationID, insightID string) error {
	if err := s.aggregator.Dismiss(conversationID, insightID); err != nil {
		return err
	}
	s.emit(EventInsights, conversationID, s.aggregator.Insights(conversationID, false))
	return nil
}

// Tick fires clock-driven rules for every conversation and refreshes
// time-dependent insights such as staleness
func (s *Service) Tick(ctx context.Context, now time.Time) ([]core.RuleMatch, error) {
	var all []core.RuleMatch
	for _, conv := range s.windows.Conversations() {
		err := s.do(ctx, conv, true, func(a *actor) error {
			w, ok := s.windows.Window(conv)
			if !ok {
				return nil
			}
			if err := s.refresh(ctx, a, w, now); err != nil {
				return err
			}
			matches := s.engine.Tick(conv, now)
			s.submit(matches)
			all = append(all, matches...)
			return nil
		})
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// Forget drops everything held for a conversation and cancels its
// pending dispatches
func (s *Service) Forget(ctx context.Context, conversationID string) error {
	err := s.do(ctx, conversationID, false, func(a *actor) error {
		if s.dispatcher != nil {
			s.dispatcher.CancelConversation(conversationID)
		}
		s.windows.Drop(conversationID)
		s.aggregator.Forget(conversationID)
		s.engine.ForgetConversation(conversationID)
		a.signals = nil
		return nil
	})
	if err != nil {
		return err
	}
	s.stopActor(conversationID)
	return nil
}

func (s *Service) submit(matches []core.RuleMatch) []actions.Dispatch {
	if s.dispatcher == nil || len(matches) == 0 {
		return nil
	}
	out := make([]actions.Dispatch, 0, len(matches))
	for _, m := range matches {
		rec, err := s.dispatcher.Submit(m)
		if err != nil {
			log.WithFields(map[string]interface{}{
				"rule_id":         m.RuleID,
				"conversation_id": m.ConversationID,
			}).Warn("Dispatch rejected: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// -----------------------------------------------------------------------------
// Recompute
// -----------------------------------------------------------------------------

type computed struct {
	engagement   intelligence.EngagementReport
	engagementOK bool
	conflict     intelligence.ConflictReport
	conflictOK   bool
	flow         intelligence.FlowReport
	flowOK       bool
	insights     []core.Insight
}

// refresh recomputes signals and hands insights to the aggregator.
// Runs on the actor.
func (s *Service) refresh(ctx context.Context, a *actor, w window.Window, now time.Time) error {
	c, err := s.compute(ctx, w, now)
	if err != nil {
		log.WithField("conversation_id", w.ConversationID).Error("Recompute failed, keeping previous signals: %v", err)
		return err
	}

	a.signals = c.signals(w.ConversationID, now)

	inputs := [][]core.Insight{c.insights}
	if c.engagementOK {
		if ins, ok := intelligence.EngagementInsight(c.engagement, now); ok {
			inputs = append(inputs, []core.Insight{ins})
		}
	}
	if c.conflictOK {
		if ins, ok := intelligence.ConflictInsight(c.conflict, now); ok {
			inputs = append(inputs, []core.Insight{ins})
		}
	}
	visible := s.aggregator.Refresh(w.ConversationID, now, inputs...)

	s.emit(EventWindow, w.ConversationID, w)
	s.emit(EventSignals, w.ConversationID, cloneSignals(a.signals))
	s.emit(EventInsights, w.ConversationID, visible)
	return nil
}

var generateInsights = intelligence.GenerateInsights

// compute runs the extractors in parallel over one window snapshot
func (s *Service) compute(ctx context.Context, w window.Window, now time.Time) (computed, error) {
	lex := s.lex.Get()
	var c computed

	g, _ := errgroup.WithContext(ctx)
	g.Go(guard("engagement", func() {
		c.engagement, c.engagementOK = intelligence.ScoreEngagement(w)
	}))
	g.Go(guard("conflict", func() {
		c.conflict, c.conflictOK = intelligence.DetectConflict(w, lex)
	}))
	g.Go(guard("flow", func() {
		c.flow, c.flowOK = intelligence.AnalyzeFlow(w, lex)
	}))
	g.Go(guard("insights", func() {
		c.insights = generateInsights(w, now, s.insightCfg, lex)
	}))
	if err := g.Wait(); err != nil {
		return computed{}, err
	}
	return c, nil
}

// guard turns an extractor panic into an error
func guard(name string, fn func()) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s extractor: %v", name, r)
			}
		}()
		fn()
		return nil
	}
}

func (c computed) signals(conversationID string, now time.Time) []core.Signal {
	var out []core.Signal
	add := func(typ core.SignalType, confidence float64, payload any) {
		out = append(out, core.Signal{
			ID:         conversationID + ":" + string(typ),
			Type:       typ,
			Confidence: confidence,
			Payload:    payload,
			ProducedAt: now,
		})
	}
	if c.engagementOK {
		add(core.SignalEngagement, c.engagement.Confidence, c.engagement)
	}
	if c.conflictOK {
		add(core.SignalConflict, c.conflict.Confidence, c.conflict)
	}
	if c.flowOK {
		add(core.SignalPhase, c.flow.Confidence, c.flow)
	}
	if len(c.insights) > 0 {
		best := 0.0
		for _, ins := range c.insights {
			best = max(best, ins.Context.Confidence)
		}
		add(core.SignalInsight, best, c.insights)
	}
	return out
}

func cloneSignals(in []core.Signal) []core.Signal {
	if in == nil {
		return []core.Signal{}
	}
	return append([]core.Signal(nil), in...)
}
