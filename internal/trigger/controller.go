// Package trigger decides when the consultation assistant calls the language
// model.
//
// The [Controller] watches the transcript state and runs two independent
// loops. Regeneration replaces the suggestion pool: it is debounced, keeps a
// cooldown between runs and never has more than one call in flight.
// Validation corrects finalised segments in batches, guards the correction
// against hallucinated shrinkage and matches the result against the active
// question.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/consultflow/internal/activeq"
	"github.com/MrWong99/consultflow/internal/assistant"
	"github.com/MrWong99/consultflow/internal/events"
	"github.com/MrWong99/consultflow/internal/intent"
	"github.com/MrWong99/consultflow/internal/observe"
	"github.com/MrWong99/consultflow/internal/qa"
	"github.com/MrWong99/consultflow/internal/suggest"
	"github.com/MrWong99/consultflow/internal/transcript"
)

// ErrUnknownSuggestion is returned when a selected card is not in the pool.
var ErrUnknownSuggestion = errors.New("trigger: suggestion not in pool")

// Reason names what scheduled a regeneration.
type Reason string

const (
	ReasonQuestion  Reason = "question"
	ReasonWords     Reason = "words"
	ReasonSelection Reason = "selection"
	ReasonManual    Reason = "manual"
	ReasonAnswer    Reason = "answer"
)

// Assistant is the language-model surface the controller drives.
// [*assistant.Client] implements it.
type Assistant interface {
	GenerateSuggestions(ctx context.Context, transcript string, exclude []string, mode intent.Mode) ([]string, error)
	GenerateDecisionCards(ctx context.Context, transcript string) ([]suggest.Suggestion, error)
	ValidateSegment(ctx context.Context, segment, prior string, known []string) (assistant.Validation, error)
	GeneratePatientAnswers(ctx context.Context, question string) ([]string, error)
}

var _ Assistant = (*assistant.Client)(nil)

// Deps are the session components the controller coordinates. State, Pool,
// ActiveQ and QA are required. Intent and Assistant may be nil: without a
// classifier every regeneration runs in the general mode, without an
// assistant regeneration uses the built-in cards and validation passes raw
// text through.
type Deps struct {
	State     *transcript.State
	Pool      *suggest.Pool
	Intent    *intent.Classifier
	ActiveQ   *activeq.Machine
	QA        *qa.Collector
	Assistant Assistant
}

// Notice is a non-fatal problem surfaced to the clinician.
type Notice struct {
	Op      string    `json:"op"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Activity reports regeneration progress for the presentation layer.
type Activity struct {
	Regenerating bool        `json:"regenerating"`
	Reason       Reason      `json:"reason,omitempty"`
	Mode         intent.Mode `json:"mode,omitempty"`
	Validating   bool        `json:"validating"`
}

type request struct {
	reason        Reason
	delay         time.Duration
	forceClassify bool
}

type injectedPair struct {
	question, answer string
	until            time.Time
}

type modeOverride struct {
	mode  intent.Mode
	until time.Time
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg     Config
	d       Deps
	metrics *observe.Metrics
	now     func() time.Time

	notices  *events.Topic[Notice]
	activity *events.Topic[Activity]

	mu          sync.Mutex
	regenCtx    context.Context
	regenCancel context.CancelFunc
	valCtx      context.Context
	valCancel   context.CancelFunc
	stopped     bool
	torn        bool

	timer     *time.Timer
	seq       uint64
	next      request
	running   bool
	queued    bool
	lastDone  time.Time
	lastLen   int

	validating bool
	clearTimer *time.Timer

	injected *injectedPair
	override *modeOverride

	wg sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the default timings.
func WithConfig(cfg Config) Option { return func(c *Controller) { c.cfg = cfg } }

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithClock overrides the time source used for cooldowns and windows.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New creates a Controller for one session.
func New(d Deps, opts ...Option) (*Controller, error) {
	var errs []error
	if d.State == nil {
		errs = append(errs, errors.New("transcript state is required"))
	}
	if d.Pool == nil {
		errs = append(errs, errors.New("suggestion pool is required"))
	}
	if d.ActiveQ == nil {
		errs = append(errs, errors.New("active question is required"))
	}
	if d.QA == nil {
		errs = append(errs, errors.New("q&a collector is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("trigger: new: %w", err)
	}

	c := &Controller{
		cfg:      DefaultConfig(),
		d:        d,
		now:      time.Now,
		notices:  events.NewTopic[Notice](events.DefaultBuffer),
		activity: events.NewTopic[Activity](events.DefaultBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.valCtx, c.valCancel = context.WithCancel(context.Background())
	c.regenCtx, c.regenCancel = context.WithCancel(c.valCtx)
	return c, nil
}

// Notices publishes non-fatal model failures.
func (c *Controller) Notices() *events.Topic[Notice] { return c.notices }

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// ActivityChanges publishes regeneration and validation progress.
func (c *Controller) ActivityChanges() *events.Topic[Activity] { return c.activity }

// Run consumes transcript and match notifications until ctx is done, then
// tears the controller down. It always returns nil.
func (c *Controller) Run(ctx context.Context) error {
	changes, cancelChanges := c.d.State.Changes().Subscribe()
	defer cancelChanges()
	matches, cancelMatches := c.d.ActiveQ.Matches().Subscribe()
	defer cancelMatches()

	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()
	defer c.Teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-changes:
			if !ok {
				return nil
			}
			if snap.Kind == transcript.ChangeFinal {
				c.OnFinalText()
			}
		case m, ok := <-matches:
			if !ok {
				return nil
			}
			c.onMatch(m)
		case <-tick.C:
			if c.d.ActiveQ.CheckTimeout() {
				slog.Info("trigger: active question expired")
			}
			// Finals whose notification was dropped are still queued.
			if c.d.State.PendingValidation() > 0 {
				c.scheduleValidation()
			}
		}
	}
}

// OnFinalText reacts to a new final segment: it schedules regeneration when
// the transcript grew enough and now contains a question or enough new
// words, and it always schedules validation.
func (c *Controller) OnFinalText() {
	n := utf8.RuneCountInString(c.d.State.Reconciled())

	c.mu.Lock()
	grown := n-c.lastLen >= c.cfg.MinGrowth
	var reason Reason
	switch {
	case !grown:
	case c.d.State.HasQuestionMark():
		reason = ReasonQuestion
	case c.d.State.WordsSinceRegeneration() >= c.cfg.MinWords:
		reason = ReasonWords
	}
	if reason != "" {
		c.lastLen = n
	}
	c.mu.Unlock()

	if reason != "" {
		c.schedule(request{reason: reason, delay: c.cfg.Debounce})
	}
	c.scheduleValidation()
}

// SelectSuggestion marks a card as used. A question card becomes the active
// question and its answer options load in the background; regeneration is
// then delayed by the question grace period. Check and script cards use the
// shorter card grace.
func (c *Controller) SelectSuggestion(text string) error {
	s, ok := c.d.Pool.Find(text)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSuggestion, text)
	}
	c.d.Pool.MarkUsed(s.Text)

	if s.Kind != suggest.KindQuestion && s.Kind != "" {
		c.schedule(request{reason: ReasonSelection, delay: c.cfg.CardGrace})
		return nil
	}
	id := c.d.ActiveQ.Activate(s.Text, c.cfg.AnswerTimeout)
	c.loadAnswers(id, s.Text)
	c.schedule(request{reason: ReasonSelection, delay: c.cfg.QuestionGrace})
	return nil
}

// RequestRegeneration schedules an immediate regeneration, subject to the
// cooldown.
func (c *Controller) RequestRegeneration() {
	c.schedule(request{reason: ReasonManual})
}

// ManualAnswer records answer for the active question. The resulting pair
// forces re-classification and is injected into prompts for the override
// window.
func (c *Controller) ManualAnswer(answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return errors.New("trigger: empty answer")
	}
	if err := c.d.ActiveQ.Match(answer, activeq.SourceManual); err != nil {
		return fmt.Errorf("trigger: manual answer: %w", err)
	}
	return nil
}

// SetModeOverride pins the conversation mode for the override window.
func (c *Controller) SetModeOverride(mode intent.Mode) {
	c.mu.Lock()
	c.override = &modeOverride{mode: mode, until: c.now().Add(c.cfg.OverrideWindow)}
	c.mu.Unlock()
	slog.Info("trigger: mode override", "mode", string(mode), "window", c.cfg.OverrideWindow)
}

// ClearModeOverride removes a manual mode override.
func (c *Controller) ClearModeOverride() {
	c.mu.Lock()
	c.override = nil
	c.mu.Unlock()
}

// TogglePin pins or unpins the active question.
func (c *Controller) TogglePin() bool { return c.d.ActiveQ.TogglePin() }

// CloseActiveQuestion clears the active question even when pinned.
func (c *Controller) CloseActiveQuestion() { c.d.ActiveQ.Clear(true) }

// Stop cancels pending and running regenerations and ignores new triggers.
// Validation keeps running so that the last segments are still corrected.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.queued = false
	c.regenCancel()
}

// Resume re-enables regeneration after Stop.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped || c.torn {
		return
	}
	c.stopped = false
	c.regenCtx, c.regenCancel = context.WithCancel(c.valCtx)
}

// Flush waits until the validation queue is empty and no validation pass is
// running.
func (c *Controller) Flush(ctx context.Context) error {
	if c.d.State.PendingValidation() > 0 {
		c.scheduleValidation()
	}
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		c.mu.Lock()
		idle := !c.validating
		c.mu.Unlock()
		if idle && c.d.State.PendingValidation() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("trigger: flush: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// Teardown cancels regeneration and validation and waits for every
// background call to return. The controller is unusable afterwards.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
	c.regenCancel()
	c.valCancel()
	c.mu.Unlock()

	c.wg.Wait()
}

// Reset forgets per-session trigger state. Call it on a new session.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.queued = false
	c.lastLen = 0
	c.lastDone = time.Time{}
	c.injected = nil
	c.override = nil
}

// schedule cancels a pending regeneration and arms a new one with r's
// parameters.
func (c *Controller) schedule(r request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.seq++
	seq := c.seq
	c.next = r
	c.timer = time.AfterFunc(r.delay, func() { c.fire(seq) })
	slog.Debug("trigger: regeneration scheduled", "reason", string(r.reason), "delay", r.delay)
}

// fire starts the regeneration armed under seq unless a newer trigger
// replaced it. A run in flight queues it and the cooldown defers it.
func (c *Controller) fire(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq || c.stopped {
		return
	}
	if c.running {
		c.queued = true
		c.timer = nil
		return
	}
	if !c.lastDone.IsZero() {
		if wait := c.cfg.Cooldown - c.now().Sub(c.lastDone); wait > 0 {
			c.timer = time.AfterFunc(wait, func() { c.fire(seq) })
			return
		}
	}

	r := c.next
	ctx := c.regenCtx
	c.timer = nil
	c.running = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.regenerate(ctx, r)
		c.finish()
	}()
}

func (c *Controller) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.lastDone = c.now()
	c.activity.Publish(Activity{Validating: c.validating})
	if !c.queued || c.stopped {
		c.queued = false
		return
	}
	c.queued = false
	if c.timer != nil {
		// A newer trigger is already armed.
		return
	}
	seq := c.seq
	c.timer = time.AfterFunc(c.cfg.Cooldown, func() { c.fire(seq) })
}

func (c *Controller) regenerate(ctx context.Context, r request) {
	log := observe.Logger(ctx).With("reason", string(r.reason))
	text := c.promptTranscript()
	mode := c.resolveMode(ctx, text, r.forceClassify)
	c.activity.Publish(Activity{Regenerating: true, Reason: r.reason, Mode: mode})
	log = log.With("mode", string(mode))

	outcome := c.refreshPool(ctx, log, text, mode)
	c.metrics.RecordRegeneration(ctx, outcome)
	log.Debug("trigger: regeneration finished", "outcome", outcome)
}

// refreshPool runs the model call for mode and replaces the pool. It
// returns the metric outcome.
func (c *Controller) refreshPool(ctx context.Context, log *slog.Logger, text string, mode intent.Mode) string {
	if ctx.Err() != nil {
		return "canceled"
	}
	if mode == intent.ModeDecision {
		var cards []suggest.Suggestion
		var err error
		if c.d.Assistant != nil {
			cards, err = c.d.Assistant.GenerateDecisionCards(ctx, text)
		}
		switch {
		case err != nil && ctx.Err() != nil:
			return "canceled"
		case err != nil && !errors.Is(err, assistant.ErrMalformed):
			c.notify(assistant.OpDecision, err)
			log.Warn("trigger: decision cards failed", "err", err)
			return "error"
		}
		outcome := "ok"
		if len(cards) == 0 {
			cards = FallbackCards()
			outcome = "fallback"
		}
		if !c.replace(cards) {
			log.Info("trigger: every card was already used, keeping pool")
			return "filtered"
		}
		return outcome
	}

	if c.d.Assistant == nil {
		return "skipped"
	}
	qs, err := c.d.Assistant.GenerateSuggestions(ctx, text, c.d.Pool.Asked(), mode)
	switch {
	case err != nil && ctx.Err() != nil:
		return "canceled"
	case err != nil:
		c.notify(assistant.OpSuggestions, err)
		log.Warn("trigger: suggestions failed, keeping pool", "err", err)
		return "error"
	case len(qs) == 0:
		log.Info("trigger: no suggestions returned, keeping pool")
		return "empty"
	}
	batch := make([]suggest.Suggestion, len(qs))
	for i, q := range qs {
		batch[i] = suggest.Suggestion{Text: q, Kind: suggest.KindQuestion}
	}
	if !c.replace(batch) {
		log.Info("trigger: every suggestion was already asked, keeping pool")
		return "filtered"
	}
	return "ok"
}

// replace swaps the pool and resets the word counter. It reports false when
// the pool kept its cards because nothing in batch survived filtering. The
// active question is left alone: it was selected from the pool, so it is in
// the asked history and outlives every later batch.
func (c *Controller) replace(batch []suggest.Suggestion) bool {
	if len(c.d.Pool.Replace(batch)) == 0 {
		return false
	}
	c.d.State.ResetWordCounter()
	return true
}

// resolveMode prefers an unexpired manual override, then the classifier.
func (c *Controller) resolveMode(ctx context.Context, text string, force bool) intent.Mode {
	c.mu.Lock()
	o := c.override
	if o != nil && !c.now().Before(o.until) {
		c.override, o = nil, nil
	}
	c.mu.Unlock()
	if o != nil {
		return o.mode
	}
	if c.d.Intent == nil {
		return intent.ModeGeneral
	}
	return c.d.Intent.Classify(ctx, text, force).Mode
}

// promptTranscript is the reconciled transcript plus an injected Q&A pair
// while its window lasts.
func (c *Controller) promptTranscript() string {
	text := c.d.State.Reconciled()
	c.mu.Lock()
	p := c.injected
	if p != nil && !c.now().Before(p.until) {
		c.injected, p = nil, nil
	}
	c.mu.Unlock()
	if p == nil {
		return text
	}
	return fmt.Sprintf("%s\n\nPotwierdzona odpowiedź pacjenta:\nPytanie: %s\nOdpowiedź: %s", text, p.question, p.answer)
}

func (c *Controller) scheduleValidation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.validating || c.torn {
		return
	}
	c.validating = true
	c.activity.Publish(Activity{Regenerating: c.running, Validating: true})
	ctx := c.valCtx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.validationLoop(ctx)
	}()
}

// validationLoop claims and validates the queue until it stays empty after
// a validation delay.
func (c *Controller) validationLoop(ctx context.Context) {
	for {
		if err := sleep(ctx, c.cfg.ValidationDelay); err == nil {
			c.validateOnce(ctx)
		}
		c.mu.Lock()
		if ctx.Err() != nil || c.d.State.PendingValidation() == 0 {
			c.validating = false
			c.activity.Publish(Activity{Regenerating: c.running})
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

func (c *Controller) validateOnce(ctx context.Context) {
	segs := c.d.State.DrainValidation()
	if len(segs) == 0 {
		return
	}
	combined := strings.Join(segs, " ")
	log := observe.Logger(ctx)

	if c.d.Assistant == nil {
		c.d.State.OnValidated(combined, false)
		c.metrics.RecordValidation(ctx, "skipped")
		c.maybeMatch(combined)
		return
	}

	prior := c.d.State.Layers().Validated
	v, err := c.d.Assistant.ValidateSegment(ctx, combined, prior, c.d.Pool.Asked())
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("trigger: validation failed, keeping raw text", "err", err)
			c.notify(assistant.OpValidate, err)
		}
		c.d.State.OnValidated(combined, false)
		c.metrics.RecordValidation(ctx, "error")
		return
	}

	text := v.CorrectedText
	outcome := "ok"
	if Suspicious(combined, text) {
		log.Info("trigger: correction rejected by guardrail",
			"inChars", utf8.RuneCountInString(combined),
			"outChars", utf8.RuneCountInString(text))
		text = combined
		outcome = "guardrail"
	}
	c.d.State.OnValidated(text, v.NeedsNewline)
	c.metrics.RecordValidation(ctx, outcome)
	c.maybeMatch(text)
}

// maybeMatch records text as the answer to the active question when it is
// waiting for one and text looks like an answer.
func (c *Controller) maybeMatch(text string) {
	aq := c.d.ActiveQ
	if !aq.IsReadyForMatch() {
		return
	}
	if aq.CheckTimeout() {
		slog.Info("trigger: active question expired before answer")
		return
	}
	if !plausibleAnswer(text, c.cfg.AnswerMinWords) {
		return
	}
	if err := aq.Match(text, activeq.SourceAuto); err != nil {
		slog.Debug("trigger: match rejected", "err", err)
	}
}

// onMatch turns a matched answer into a Q&A pair and clears the question
// after the reset delay. Manual answers also inject the pair and force a
// re-classifying regeneration.
func (c *Controller) onMatch(m activeq.Match) {
	pair := c.d.QA.Add(m.Question, m.Answer, m.AskedAt)
	c.metrics.RecordQAPair(context.Background(), string(m.Source))
	slog.Info("trigger: q&a pair collected", "pairID", pair.ID, "source", string(m.Source))

	c.mu.Lock()
	if c.clearTimer != nil {
		c.clearTimer.Stop()
	}
	question := m.Question
	c.clearTimer = time.AfterFunc(c.cfg.MatchResetDelay, func() {
		c.d.ActiveQ.ClearIf(question, false)
	})
	if m.Source == activeq.SourceManual {
		c.injected = &injectedPair{
			question: m.Question,
			answer:   m.Answer,
			until:    c.now().Add(c.cfg.OverrideWindow),
		}
	}
	c.mu.Unlock()

	if m.Source == activeq.SourceManual {
		c.schedule(request{reason: ReasonAnswer, forceClassify: true})
	}
}

// loadAnswers fetches answer options for activation id in the background
// and starts waiting for the answer.
func (c *Controller) loadAnswers(id uint64, question string) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	ctx := c.regenCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		var answers []string
		if c.d.Assistant != nil {
			var err error
			answers, err = c.d.Assistant.GeneratePatientAnswers(ctx, question)
			if err != nil && ctx.Err() == nil {
				slog.Warn("trigger: loading answer options failed", "err", err)
			}
		}
		switch err := c.d.ActiveQ.SetAnswersFor(id, answers); {
		case errors.Is(err, activeq.ErrStale):
			return
		case err != nil:
			slog.Debug("trigger: answers not applied", "err", err)
			return
		}
		if err := c.d.ActiveQ.StartWaiting(); err != nil {
			slog.Debug("trigger: start waiting", "err", err)
		}
	}()
}

// notify publishes a model failure for the clinician.
func (c *Controller) notify(op string, err error) {
	kind := "transient"
	if errors.Is(err, assistant.ErrAuth) {
		kind = "auth"
	}
	c.notices.Publish(Notice{Op: op, Kind: kind, Message: err.Error(), At: c.now()})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
