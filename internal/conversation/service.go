// Package conversation runs one actor per conversation. Each actor
// serialises append, signal recompute, rule evaluation and dispatch for
// its conversation; different conversations proceed independently.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantumlife/pulse/internal/actions"
	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/intelligence"
	"github.com/quantumlife/pulse/internal/lexicon"
	"github.com/quantumlife/pulse/internal/logging"
	"github.com/quantumlife/pulse/internal/proactive"
	"github.com/quantumlife/pulse/internal/rules"
	"github.com/quantumlife/pulse/internal/window"
)

var log = logging.WithField("component", "conversation")

// Dispatcher receives rule matches and cancels their pending work
type Dispatcher interface {
	Submit(match core.RuleMatch) (actions.Dispatch, error)
	CancelMessage(conversationID, messageID string) int
	CancelRule(ruleID string) int
	CancelConversation(conversationID string) int
}

// EventType names what changed
type EventType string

const (
	EventWindow   EventType = "window"
	EventSignals  EventType = "signals"
	EventInsights EventType = "insights"
	EventRule     EventType = "rule"
)

// Event is delivered to listeners after state changed
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Payload        any       `json:"payload"`
	At             time.Time `json:"at"`
}

// Options wires the service. Windows, Engine and Aggregator are created
// when nil; Dispatcher may be nil, in which case matches are returned but
// not carried out.
type Options struct {
	Windows    *window.Manager
	Engine     *rules.Engine
	Aggregator *proactive.Aggregator
	Dispatcher Dispatcher
	Lexicon    *lexicon.Provider
	Insights   intelligence.InsightConfig
	Now        func() time.Time
	InboxSize  int
}

// Service is the entry point for everything that happens in a
// conversation
type Service struct {
	windows    *window.Manager
	engine     *rules.Engine
	aggregator *proactive.Aggregator
	dispatcher Dispatcher
	lex        *lexicon.Provider
	insightCfg intelligence.InsightConfig
	now        func() time.Time
	inboxSize  int

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// New creates a conversation service
func New(opts Options) *Service {
	if opts.Windows == nil {
		opts.Windows = window.NewManager(window.DefaultOptions())
	}
	if opts.Lexicon == nil {
		opts.Lexicon = lexicon.NewProvider(nil)
	}
	if opts.Engine == nil {
		opts.Engine = rules.NewEngine(rules.Options{Lexicon: opts.Lexicon})
	}
	if opts.Aggregator == nil {
		opts.Aggregator = proactive.NewAggregator()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 16
	}
	if opts.Insights.StaleDays <= 0 {
		opts.Insights = intelligence.DefaultInsightConfig()
	}

	s := &Service{
		windows:    opts.Windows,
		engine:     opts.Engine,
		aggregator: opts.Aggregator,
		dispatcher: opts.Dispatcher,
		lex:        opts.Lexicon,
		insightCfg: opts.Insights,
		now:        opts.Now,
		inboxSize:  opts.InboxSize,
		actors:     make(map[string]*actor),
	}
	s.engine.OnChange(s.ruleChanged)
	return s
}

// Engine returns the rule engine
func (s *Service) Engine() *rules.Engine {
	return s.engine
}

// Aggregator returns the insight aggregator
func (s *Service) Aggregator() *proactive.Aggregator {
	return s.aggregator
}

// Subscribe registers a listener for state changes. Listeners run on the
// actor goroutine and must not block.
func (s *Service) Subscribe(fn func(Event)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) emit(typ EventType, conversationID string, payload any) {
	s.listenersMu.RLock()
	listeners := append(([]func(Event))(nil), s.listeners...)
	s.listenersMu.RUnlock()

	ev := Event{Type: typ, ConversationID: conversationID, Payload: payload, At: s.now()}
	for _, fn := range listeners {
		fn(ev)
	}
}

// -----------------------------------------------------------------------------
// Actors
// -----------------------------------------------------------------------------

type actor struct {
	id      string
	inbox   chan func(*actor)
	quit    chan struct{}
	done    chan struct{}
	signals []core.Signal
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.inbox:
			fn(a)
		case <-a.quit:
			return
		}
	}
}

// actorFor returns the conversation's actor, starting it when create is
// set
func (s *Service) actorFor(conversationID string, create bool) (*actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, core.ErrServiceClosed
	}
	a, ok := s.actors[conversationID]
	if ok {
		return a, nil
	}
	if !create {
		return nil, core.ErrConversationNotFound
	}

	a = &actor{
		id:    conversationID,
		inbox: make(chan func(*actor), s.inboxSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.actors[conversationID] = a
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		a.run()
	}()
	log.WithField("conversation_id", conversationID).Debug("Started conversation actor")
	return a, nil
}

// do runs fn on the conversation's actor and waits for its result
func (s *Service) do(ctx context.Context, conversationID string, create bool, fn func(a *actor) error) error {
	a, err := s.actorFor(conversationID, create)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	req := func(a *actor) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("conversation_id", a.id).Error("Actor request panicked: %v", r)
				result <- fmt.Errorf("conversation %s: request panicked: %v", a.id, r)
			}
		}()
		result <- fn(a)
	}

	select {
	case a.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return core.ErrServiceClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		// The actor may have answered just before stopping
		select {
		case err := <-result:
			return err
		default:
			return core.ErrServiceClosed
		}
	}
}

// stopActor ends a conversation's actor without waiting for it
func (s *Service) stopActor(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[conversationID]; ok {
		delete(s.actors, conversationID)
		close(a.quit)
	}
}

// Conversations lists the conversations with a live actor
func (s *Service) Conversations() []string {
	return s.windows.Conversations()
}

// ActorCount returns the number of running actors
func (s *Service) ActorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Close stops every actor and waits for them. Dispatch is not closed
// here; its owner closes it.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, a := range s.actors {
		close(a.quit)
		delete(s.actors, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("Conversation service stopped")
	return nil
}
