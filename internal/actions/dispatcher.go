package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/quantumlife/pulse/internal/config"
	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/logging"
	"github.com/quantumlife/pulse/internal/scheduler"
)

var log = logging.WithField("component", "dispatch")

// Timer label keys set on every parked continuation
const (
	LabelOwner        = "owner"
	LabelDispatch     = "dispatch"
	LabelRule         = "rule"
	LabelConversation = "conversation"
	LabelMessage      = "message"

	timerOwner = "dispatcher"
)

// Committer records that a rule fired
type Committer interface {
	RecordFire(ctx context.Context, ruleID string, at time.Time) (core.Rule, error)
}

// Timers schedules cancellable one-shot callbacks
type Timers interface {
	After(name string, delay time.Duration, labels scheduler.Labels, handler scheduler.TimerHandler) scheduler.Token
	CancelMatching(labels scheduler.Labels) int
}

// FailureFunc is told about every failed stage of a dispatch
type FailureFunc func(match core.RuleMatch, stage string, err error)

// Config configures the dispatcher
type Config struct {
	MaxAttempts      int           // Tries per action, first attempt included
	InitialBackoff   time.Duration // Wait before the first retry
	MaxBackoff       time.Duration
	GenerateTimeout  time.Duration
	ActionTimeout    time.Duration // Per attempt
	MaxConcurrent    int           // Conversations dispatching at once
	RecentLimit      int
	DefaultTone      string
	DefaultMaxLength int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		GenerateTimeout:  30 * time.Second,
		ActionTimeout:    10 * time.Second,
		MaxConcurrent:    8,
		RecentLimit:      100,
		DefaultTone:      "friendly",
		DefaultMaxLength: 280,
	}
}

// ConfigFrom converts the dispatch section of the daemon config. Zero
// values keep the defaults.
func ConfigFrom(c config.DispatchConfig) Config {
	cfg := DefaultConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMillis > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMillis) * time.Millisecond
	}
	if c.GenerateTimeoutSeconds > 0 {
		cfg.GenerateTimeout = time.Duration(c.GenerateTimeoutSeconds) * time.Second
	}
	if c.ActionTimeoutSeconds > 0 {
		cfg.ActionTimeout = time.Duration(c.ActionTimeoutSeconds) * time.Second
	}
	if c.MaxConcurrent > 0 {
		cfg.MaxConcurrent = c.MaxConcurrent
	}
	if c.RecentLimit > 0 {
		cfg.RecentLimit = c.RecentLimit
	}
	return cfg
}

// Options wires the dispatcher's collaborators. Messenger and Notifier
// back the default handlers. Without Timers the dispatcher runs its own
// scheduler.
type Options struct {
	Messenger Messenger
	Notifier  Notifier
	Generator Generator
	Committer Committer
	Timers    Timers
	OnFailure FailureFunc
	Now       func() time.Time
}

// Stats counts dispatch outcomes since start
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Partial   int64 `json:"partial"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Parked    int   `json:"parked"`
	Lanes     int   `json:"lanes"`
}

type step struct {
	action    core.Action
	generated bool
	waited    bool // reply delay already served
}

type job struct {
	id      string
	match   core.RuleMatch
	steps   []step
	resumed bool
	failed  bool
}

type lane struct {
	queue  []job
	active bool
}

type parkedJob struct {
	labels scheduler.Labels
}

// Dispatcher carries out rule matches. Matches of one conversation run in
// submission order; different conversations run concurrently up to
// MaxConcurrent.
type Dispatcher struct {
	config    Config
	generator Generator
	committer Committer
	timers    Timers
	ownTimers *scheduler.Scheduler
	onFailure FailureFunc
	now       func() time.Time

	handlers map[core.ActionType]Handler
	hmu      sync.RWMutex

	recent   *DispatchQueue
	sem      *semaphore.Weighted
	onUpdate func(Dispatch)
	cbMu     sync.RWMutex

	mu     sync.Mutex
	lanes  map[string]*lane
	parked map[string]parkedJob
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	submitted, completed, partial, failed, cancelled atomic.Int64
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config, opts Options) (*Dispatcher, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = def.GenerateTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RecentLimit < 1 {
		cfg.RecentLimit = def.RecentLimit
	}
	if cfg.DefaultTone == "" {
		cfg.DefaultTone = def.DefaultTone
	}
	if cfg.DefaultMaxLength <= 0 {
		cfg.DefaultMaxLength = def.DefaultMaxLength
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:    cfg,
		generator: opts.Generator,
		committer: opts.Committer,
		timers:    opts.Timers,
		onFailure: opts.OnFailure,
		now:       opts.Now,
		handlers:  make(map[core.ActionType]Handler),
		recent:    NewDispatchQueue(cfg.RecentLimit),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		lanes:     make(map[string]*lane),
		parked:    make(map[string]parkedJob),
		ctx:       ctx,
		cancel:    cancel,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.timers == nil {
		s, err := scheduler.NewScheduler(scheduler.DefaultConfig())
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create timer service: %w", err)
		}
		d.timers = s
		d.ownTimers = s
	}
	for _, h := range DefaultHandlers(opts.Messenger, opts.Notifier) {
		d.RegisterHandler(h)
	}
	return d, nil
}

// RegisterHandler registers or replaces the handler for its action type
func (d *Dispatcher) RegisterHandler(h Handler) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.handlers[h.Type()] = h
}

// SetUpdateCallback is called with a copy of a dispatch record each time it
// changes
func (d *Dispatcher) SetUpdateCallback(cb func(Dispatch)) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onUpdate = cb
}

// Submit queues a match and returns its record without waiting for it to
// run.
func (d *Dispatcher) Submit(match core.RuleMatch) (Dispatch, error) {
	rec := Dispatch{
		ID:             uuid.NewString(),
		RuleID:         match.RuleID,
		RuleName:       match.RuleName,
		ConversationID: match.ConversationID,
		MessageID:      match.MessageID,
		Status:         StatusPending,
		CreatedAt:      d.now(),
	}
	steps := make([]step, len(match.ResolvedActions))
	for i, a := range match.ResolvedActions {
		steps[i] = step{action: a}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Dispatch{}, core.ErrServiceClosed
	}
	d.submitted.Add(1)
	d.recent.Add(rec)
	d.enqueueLocked(job{id: rec.ID, match: match, steps: steps})
	return rec, nil
}

// enqueueLocked appends to the conversation's lane, starting a worker if
// the lane is idle. Caller holds mu.
func (d *Dispatcher) enqueueLocked(j job) {
	conv := j.match.ConversationID
	l, ok := d.lanes[conv]
	if !ok {
		l = &lane{}
		d.lanes[conv] = l
	}
	l.queue = append(l.queue, j)
	if l.active {
		return
	}
	l.active = true
	d.wg.Add(1)
	go d.runLane(conv, l)
}

func (d *Dispatcher) runLane(conv string, l *lane) {
	defer d.wg.Done()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.mu.Lock()
		dropped := l.queue
		l.queue = nil
		l.active = false
		delete(d.lanes, conv)
		d.mu.Unlock()
		for _, j := range dropped {
			d.markCancelled(j.id)
		}
		return
	}
	defer d.sem.Release(1)

	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			l.active = false
			delete(d.lanes, conv)
			d.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.process(d.ctx, j)
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	d.update(j.id, func(r *Dispatch) {
		r.Status = StatusRunning
		r.ResumeAt = nil
	})

	steps := j.steps
	if !j.resumed {
		prepared, err := d.prepare(ctx, j.match, steps)
		if err != nil {
			d.abort(j, StagePrepare, err)
			return
		}
		if err := d.commit(ctx, j.match); err != nil {
			d.abort(j, StageCommit, err)
			return
		}
		steps = prepared
	}
	d.execute(ctx, j, steps)
}

// prepare turns every ai_generate action into a reply carrying the
// generated text. Any generation failure aborts the whole match.
func (d *Dispatcher) prepare(ctx context.Context, m core.RuleMatch, steps []step) ([]step, error) {
	out := make([]step, 0, len(steps))
	for _, st := range steps {
		if st.action.Type != core.ActionAIGenerate {
			out = append(out, st)
			continue
		}
		cfg := st.action.AIGenerate
		if cfg == nil {
			return nil, fmt.Errorf("%w: ai_generate action has no config", core.ErrInvalidAction)
		}
		text, err := d.generate(ctx, m, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, step{action: core.Reply(text, cfg.DelaySeconds), generated: true})
	}
	return out, nil
}

func (d *Dispatcher) generate(ctx context.Context, m core.RuleMatch, cfg *core.AIGenerateConfig) (string, error) {
	if d.generator == nil {
		return "", fmt.Errorf("%w: no generator configured", core.ErrGenerationFailed)
	}
	tone := cfg.Tone
	if tone == "" {
		tone = d.config.DefaultTone
	}
	maxLen := cfg.MaxLength
	if maxLen <= 0 {
		maxLen = d.config.DefaultMaxLength
	}

	gctx, cancel := context.WithTimeout(ctx, d.config.GenerateTimeout)
	defer cancel()

	text, err := d.generator.GenerateResponse(gctx, buildPrompt(cfg.Prompt, m.MessageText), tone, maxLen)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrGenerationFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", core.ErrGenerationFailed)
	}
	return truncate(text, maxLen), nil
}

func buildPrompt(prompt, message string) string {
	prompt = strings.TrimSpace(prompt)
	if message == "" {
		return prompt
	}
	if prompt == "" {
		prompt = "Write a reply to this message."
	}
	return prompt + "\n\nMessage:\n" + message
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}

func (d *Dispatcher) commit(ctx context.Context, m core.RuleMatch) error {
	if d.committer == nil {
		return nil
	}
	_, err := d.committer.RecordFire(ctx, m.RuleID, m.Timestamp)
	return err
}

// execute runs steps in order. A delay parks the rest of the match on a
// timer; a delayed reply parks itself and everything after it.
func (d *Dispatcher) execute(ctx context.Context, j job, steps []step) {
	for i, st := range steps {
		a := st.action
		switch {
		case a.Type == core.ActionDelayResponse:
			rest := steps[i+1:]
			if len(rest) == 0 || a.Delay == nil || a.Delay.Seconds <= 0 {
				continue
			}
			d.park(j, rest, time.Duration(a.Delay.Seconds)*time.Second)
			return

		case a.Type == core.ActionReply && a.Reply != nil && a.Reply.DelaySeconds > 0 && !st.waited:
			rest := append([]step(nil), steps[i:]...)
			rest[0].waited = true
			d.park(j, rest, time.Duration(a.Reply.DelaySeconds)*time.Second)
			return
		}

		res, err := d.run(ctx, j.match, st)
		d.update(j.id, func(r *Dispatch) { r.Results = append(r.Results, res) })
		if err != nil {
			j.failed = true
			log.WithFields(map[string]interface{}{
				"rule_id":         j.match.RuleID,
				"conversation_id": j.match.ConversationID,
				"action":          string(a.Type),
			}).Warn("Action failed after %d attempts: %v", res.Attempts, err)
			d.reportFailure(j.match, StageExecute, err)
		}
	}

	status := StatusCompleted
	if j.failed {
		status = StatusPartial
		d.partial.Add(1)
	} else {
		d.completed.Add(1)
	}
	d.finish(j.id, status, "", nil)
}

// run executes one action with retries
func (d *Dispatcher) run(ctx context.Context, m core.RuleMatch, st step) (ActionResult, error) {
	res := ActionResult{Type: st.action.Type, Generated: st.generated, At: d.now()}

	d.hmu.RLock()
	h, ok := d.handlers[st.action.Type]
	d.hmu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", core.ErrNoHandler, st.action.Type)
		res.Error = err.Error()
		return res, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialBackoff
	b.MaxInterval = d.config.MaxBackoff

	start := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res.Attempts++
		actx, cancel := context.WithTimeout(ctx, d.config.ActionTimeout)
		defer cancel()

		err := h.Execute(actx, Execution{Match: m, Action: st.action})
		if errors.Is(err, core.ErrInvalidAction) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.config.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.WithField("action", string(st.action.Type)).Debug("Retrying in %s: %v", wait, err)
		}),
	)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("%w: %s: %v", core.ErrDispatchFailed, st.action.Type, err)
	}
	res.Success = true
	return res, nil
}

func (d *Dispatcher) park(j job, rest []step, delay time.Duration) {
	labels := scheduler.Labels{
		LabelOwner:        timerOwner,
		LabelDispatch:     j.id,
		LabelRule:         j.match.RuleID,
		LabelConversation: j.match.ConversationID,
		LabelMessage:      j.match.MessageID,
	}
	next := job{id: j.id, match: j.match, steps: rest, resumed: true, failed: j.failed}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.markCancelled(j.id)
		return
	}
	d.parked[j.id] = parkedJob{labels: labels}
	d.mu.Unlock()

	resumeAt := d.now().Add(delay)
	d.update(j.id, func(r *Dispatch) {
		r.Status = StatusScheduled
		r.ResumeAt = &resumeAt
	})
	d.timers.After("dispatch:"+j.match.RuleID, delay, labels, func(context.Context) {
		d.resume(next)
	})
}

func (d *Dispatcher) resume(j job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.parked[j.id]; !ok || d.closed {
		return
	}
	delete(d.parked, j.id)
	d.enqueueLocked(j)
}

// CancelPending cancels parked continuations whose labels contain every
// pair in filter and marks their dispatches cancelled. An empty filter
// cancels nothing.
func (d *Dispatcher) CancelPending(filter scheduler.Labels) int {
	if len(filter) == 0 {
		return 0
	}

	d.mu.Lock()
	var ids []string
	for id, p := range d.parked {
		if labelsContain(p.labels, filter) {
			ids = append(ids, id)
			delete(d.parked, id)
		}
	}
	d.mu.Unlock()

	if len(ids) == 0 {
		return 0
	}
	sel := scheduler.Labels{LabelOwner: timerOwner}
	for k, v := range filter {
		sel[k] = v
	}
	d.timers.CancelMatching(sel)
	for _, id := range ids {
		d.markCancelled(id)
	}
	log.Debug("Cancelled %d pending dispatches matching %v", len(ids), filter)
	return len(ids)
}

// CancelRule cancels pending continuations of a rule
func (d *Dispatcher) CancelRule(ruleID string) int {
	return d.CancelPending(scheduler.Labels{LabelRule: ruleID})
}

// CancelMessage cancels pending continuations triggered by a message
func (d *Dispatcher) CancelMessage(conversationID, messageID string) int {
	return d.CancelPending(scheduler.Labels{LabelConversation: conversationID, LabelMessage: messageID})
}

// CancelConversation cancels every pending continuation of a conversation
func (d *Dispatcher) CancelConversation(conversationID string) int {
	return d.CancelPending(scheduler.Labels{LabelConversation: conversationID})
}

func labelsContain(l, sub scheduler.Labels) bool {
	for k, v := range sub {
		if l[k] != v {
			return false
		}
	}
	return true
}

func (d *Dispatcher) abort(j job, stage string, err error) {
	d.failed.Add(1)
	d.finish(j.id, StatusFailed, stage, err)

	log.WithFields(map[string]interface{}{
		"rule_id":         j.match.RuleID,
		"conversation_id": j.match.ConversationID,
		"stage":           stage,
	}).Warn("Dispatch aborted: %v", err)

	// A rule deleted between evaluation and commit is not a failure worth
	// surfacing.
	if errors.Is(err, core.ErrRuleNotFound) {
		return
	}
	d.reportFailure(j.match, stage, err)
}

func (d *Dispatcher) reportFailure(m core.RuleMatch, stage string, err error) {
	if d.onFailure != nil {
		d.onFailure(m, stage, err)
	}
}

func (d *Dispatcher) markCancelled(id string) {
	d.cancelled.Add(1)
	d.finish(id, StatusCancelled, "", nil)
}

func (d *Dispatcher) finish(id string, status Status, stage string, err error) {
	now := d.now()
	d.update(id, func(r *Dispatch) {
		r.Status = status
		r.FailedStage = stage
		if err != nil {
			r.Error = err.Error()
		}
		r.ResumeAt = nil
		r.FinishedAt = &now
	})
}

func (d *Dispatcher) update(id string, fn func(*Dispatch)) {
	rec, ok := d.recent.Modify(id, fn)
	if !ok {
		return
	}
	d.cbMu.RLock()
	cb := d.onUpdate
	d.cbMu.RUnlock()
	if cb != nil {
		cb(rec)
	}
}

// Get returns a dispatch record by ID
func (d *Dispatcher) Get(id string) (Dispatch, bool) {
	return d.recent.Get(id)
}

// Recent returns up to limit dispatch records, newest first
func (d *Dispatcher) Recent(limit int) []Dispatch {
	return d.recent.GetRecent(limit)
}

// Scheduled returns dispatches waiting on a delay
func (d *Dispatcher) Scheduled() []Dispatch {
	return d.recent.GetByStatus(StatusScheduled)
}

// GetStats returns dispatch statistics
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	parked, lanes := len(d.parked), len(d.lanes)
	d.mu.Unlock()
	return Stats{
		Submitted: d.submitted.Load(),
		Completed: d.completed.Load(),
		Partial:   d.partial.Load(),
		Failed:    d.failed.Load(),
		Cancelled: d.cancelled.Load(),
		Parked:    parked,
		Lanes:     lanes,
	}
}

// Wait blocks until every queued match has been processed. Parked
// continuations are not waited for.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting matches, cancels parked continuations and waits for
// queued matches to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ids := make([]string, 0, len(d.parked))
	for id := range d.parked {
		ids = append(ids, id)
	}
	d.parked = make(map[string]parkedJob)
	d.mu.Unlock()

	d.timers.CancelMatching(scheduler.Labels{LabelOwner: timerOwner})
	for _, id := range ids {
		d.markCancelled(id)
	}

	d.wg.Wait()
	d.cancel()

	if d.ownTimers != nil {
		return d.ownTimers.Stop()
	}
	return nil
}
