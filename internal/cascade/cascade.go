// Package cascade runs the three-tier recognition pipeline of a consultation.
//
// Audio arrives through [Cascade.Push] into a bounded single-producer queue
// and is appended to an ever-growing session [Buffer]. Three tiers decode it
// with increasing accuracy and latency:
//
//   - fast: every ChunkDuration of audio is decoded greedily and reported as
//     provisional text. Silent chunks are skipped and start the silence
//     timer.
//   - context: every ContextInterval the audio since the finalization cursor
//     (at most ContextWindow) is re-decoded and replaces the provisional text.
//   - final: after SilenceFinalize of continuous silence, or on demand, the
//     whole span since the cursor is decoded with the best engine available
//     and the cursor advances.
//
// Results go to a [Sink] (normally a *transcript.State) and, with sample
// ranges, to the [Cascade.Events] topic. Each tier emits from a single
// goroutine, so per-tier order is preserved.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/consultflow/internal/events"
	"github.com/MrWong99/consultflow/internal/observe"
	"github.com/MrWong99/consultflow/internal/transcript"
	"github.com/MrWong99/consultflow/pkg/audio"
	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

// ErrNoFastEngine is returned by New when Engines.Fast is nil.
var ErrNoFastEngine = errors.New("cascade: fast engine is required")

// Tier identifies a recognition pass.
type Tier int

const (
	TierFast Tier = iota + 1
	TierContext
	TierFinal
)

// String returns the tier name used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierContext:
		return "context"
	case TierFinal:
		return "final"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Engines are the recognizers of the three tiers. Context and Final are
// optional; a missing engine is replaced by the next lower one with a wider
// beam.
type Engines struct {
	Fast    stt.Recognizer
	Context stt.Recognizer
	Final   stt.Recognizer
}

// Sink receives recognized text. *transcript.State implements it.
type Sink interface {
	OnProvisional(text string) bool
	OnImproved(text string) bool
	OnFinal(text string) bool
}

// Event is a recognition result with the sample range it covers.
type Event struct {
	Tier   Tier   `json:"tier"`
	Text   string `json:"text"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Engine string `json:"engine"`
}

// Cascade is the recognition pipeline of one session. Create with New, feed
// with Push, drive with Run.
type Cascade struct {
	cfg     Config
	engines Engines
	sink    Sink
	filter  transcript.HallucinationFilter
	metrics *observe.Metrics

	buf *Buffer

	inMu     sync.Mutex
	in       chan []float32
	inClosed bool
	dropped  int

	finalizeReq chan struct{}

	// emit orders sink delivery against cursor moves, so that no tier
	// reaches the sink for audio the final tier already committed.
	emit sync.Mutex

	mu           sync.Mutex
	cursor       int
	lastContext  int
	silenceTimer *time.Timer
	silentSince  time.Time
	busy         [4]bool
	running      bool

	events *events.Topic[Event]
	status *events.Topic[Status]
	now    func() time.Time
}

// Option configures a Cascade.
type Option func(*Cascade)

// WithConfig overrides the default configuration. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(c *Cascade) { c.cfg = cfg }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cascade) { c.metrics = m }
}

// WithHallucinationFilter overrides the filter applied to every result.
func WithHallucinationFilter(f transcript.HallucinationFilter) Option {
	return func(c *Cascade) { c.filter = f }
}

// New creates a Cascade that reports to sink.
func New(engines Engines, sink Sink, opts ...Option) (*Cascade, error) {
	if engines.Fast == nil {
		return nil, ErrNoFastEngine
	}
	if sink == nil {
		return nil, errors.New("cascade: sink is required")
	}
	c := &Cascade{
		cfg:         DefaultConfig(),
		engines:     engines,
		sink:        sink,
		buf:         &Buffer{},
		finalizeReq: make(chan struct{}, 1),
		events:      events.NewTopic[Event](64),
		status:      events.NewTopic[Status](events.DefaultBuffer),
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.in = make(chan []float32, c.cfg.QueueSize)
	return c, nil
}

// Events returns the topic of recognition results.
func (c *Cascade) Events() *events.Topic[Event] { return c.events }

// StatusChanges returns the topic of pipeline status updates.
func (c *Cascade) StatusChanges() *events.Topic[Status] { return c.status }

// Buffer returns the session audio buffer.
func (c *Cascade) Buffer() *Buffer { return c.buf }

// Config returns the effective configuration.
func (c *Cascade) Config() Config { return c.cfg }

// Push enqueues captured mono samples at Config.SampleRate. It never blocks:
// when the queue is full or closed the frame is dropped and false returned.
func (c *Cascade) Push(samples []float32) bool {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if c.inClosed {
		return false
	}
	select {
	case c.in <- samples:
		return true
	default:
		c.dropped++
		if c.dropped == 1 || c.dropped%100 == 0 {
			slog.Warn("cascade: capture queue full, dropping audio", "dropped", c.dropped)
		}
		return false
	}
}

// CloseInput ends the capture stream. Run finishes the queued audio, performs
// a forced final pass and returns.
func (c *Cascade) CloseInput() {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if !c.inClosed {
		c.inClosed = true
		close(c.in)
	}
}

// ForceFinalize requests a final pass over everything since the cursor.
// Requests coalesce while one is pending.
func (c *Cascade) ForceFinalize() {
	select {
	case c.finalizeReq <- struct{}{}:
	default:
	}
}

// Run drives the pipeline until the input is closed or ctx is cancelled.
// On a closed input the remaining audio is finalised before Run returns;
// cancellation abandons it.
func (c *Cascade) Run(ctx context.Context) error {
	c.setRunning(true)
	defer c.setRunning(false)

	workCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error {
		defer stop()
		return c.ingest(gctx)
	})
	g.Go(func() error { return c.contextLoop(gctx) })
	g.Go(func() error { return c.finalLoop(gctx) })
	err := g.Wait()

	c.stopSilenceTimer()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	finalCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()
	c.finalize(finalCtx)
	return err
}

// ingest drains the capture queue into the buffer and runs the fast tier on
// every complete chunk.
func (c *Cascade) ingest(ctx context.Context) error {
	chunkSamples := c.cfg.samples(c.cfg.ChunkDuration)
	var pending []float32
	for {
		select {
		case <-ctx.Done():
			return nil
		case samples, ok := <-c.in:
			if !ok {
				return nil
			}
			c.buf.Append(samples)
			pending = append(pending, samples...)
			if len(pending) < chunkSamples {
				continue
			}
			end := c.buf.Len()
			c.fastChunk(ctx, pending, end-len(pending), end)
			pending = pending[:0]
		}
	}
}

func (c *Cascade) fastChunk(ctx context.Context, chunk []float32, start, end int) {
	if audio.RMS(chunk) < c.cfg.SilenceRMS {
		c.startSilenceTimer()
		return
	}
	c.stopSilenceTimer()

	text, err := c.recognize(ctx, TierFast, c.engines.Fast, chunk, c.cfg.FastBeam)
	if err != nil || text == "" {
		return
	}
	c.deliver(start, func() {
		c.sink.OnProvisional(text)
		c.events.Publish(Event{Tier: TierFast, Text: text, Start: start, End: end, Engine: stt.NameOf(c.engines.Fast)})
	})
}

// deliver runs fn unless the final tier has moved the cursor past start.
func (c *Cascade) deliver(start int, fn func()) bool {
	c.emit.Lock()
	defer c.emit.Unlock()
	c.mu.Lock()
	stale := c.cursor > start
	c.mu.Unlock()
	if stale {
		return false
	}
	fn()
	return true
}

// contextLoop runs the contextual tier on a fixed period.
func (c *Cascade) contextLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ContextInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.contextPass(ctx)
		}
	}
}

func (c *Cascade) contextPass(ctx context.Context) {
	end := c.buf.Len()
	c.mu.Lock()
	cursor, last := c.cursor, c.lastContext
	c.mu.Unlock()
	if end <= last {
		return
	}

	start := max(cursor, end-c.cfg.samples(c.cfg.ContextWindow))
	if end-start < c.cfg.samples(c.cfg.MinWindow) {
		return
	}
	window := c.buf.Slice(start, end)
	if audio.RMS(window) < c.cfg.SilenceRMS {
		return
	}

	engine, beam := c.engines.Context, c.cfg.ContextBeam
	if engine == nil {
		engine, beam = c.engines.Fast, c.cfg.ContextFastBeam
	}
	text, err := c.recognize(ctx, TierContext, engine, window, beam)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.lastContext = end
	c.mu.Unlock()
	if text == "" {
		return
	}
	// Dropped when the final tier claimed this audio while we were decoding.
	c.deliver(start, func() {
		c.sink.OnImproved(text)
		c.events.Publish(Event{Tier: TierContext, Text: text, Start: start, End: end, Engine: stt.NameOf(engine)})
	})
}

// finalLoop serves finalize requests from the silence timer and
// ForceFinalize.
func (c *Cascade) finalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.finalizeReq:
			c.finalize(ctx)
		}
	}
}

// finalize decodes everything since the cursor. A silent span advances the
// cursor without output; an engine error leaves it in place so the audio is
// retried by the next pass.
func (c *Cascade) finalize(ctx context.Context) {
	end := c.buf.Len()
	c.mu.Lock()
	start := c.cursor
	c.mu.Unlock()
	if end <= start || end-start < c.cfg.samples(c.cfg.MinWindow) {
		return
	}

	window := c.buf.Slice(start, end)
	if audio.RMS(window) < c.cfg.SilenceRMS {
		c.advanceCursor(end)
		return
	}

	engine, beam := c.finalEngine()
	text, err := c.recognize(ctx, TierFinal, engine, window, beam)
	if err != nil {
		return
	}
	c.emit.Lock()
	if text != "" {
		c.sink.OnFinal(text)
		c.events.Publish(Event{Tier: TierFinal, Text: text, Start: start, End: end, Engine: stt.NameOf(engine)})
	}
	c.advanceCursor(end)
	c.emit.Unlock()
}

func (c *Cascade) finalEngine() (stt.Recognizer, int) {
	switch {
	case c.engines.Final != nil:
		return c.engines.Final, c.cfg.FinalBeam
	case c.engines.Context != nil:
		return c.engines.Context, c.cfg.FinalContextBeam
	default:
		return c.engines.Fast, c.cfg.FinalFastBeam
	}
}

func (c *Cascade) advanceCursor(to int) {
	c.mu.Lock()
	if to > c.cursor {
		c.cursor = to
	}
	c.mu.Unlock()
	c.publishStatus()
}

// recognize runs one engine call with status, metrics and filtering. Errors
// are logged here; callers only skip the window.
func (c *Cascade) recognize(ctx context.Context, tier Tier, engine stt.Recognizer, samples []float32, beam int) (string, error) {
	c.setBusy(tier, true)
	defer c.setBusy(tier, false)

	name := stt.NameOf(engine)
	ctx, span := observe.StartSpan(ctx, "cascade.recognize")
	defer span.End()
	span.SetAttributes(observe.Attr("tier", tier.String()), observe.Attr("engine", name))

	start := time.Now()
	text, err := engine.Transcribe(ctx, samples, stt.DecodeOptions{Language: c.cfg.Language, BeamSize: beam})
	c.metrics.RecordRecognition(ctx, tier.String(), name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			observe.Logger(ctx).Warn("cascade: recognition failed", "tier", tier.String(), "engine", name, "err", err)
			c.metrics.RecordProviderError(ctx, name, "stt")
		}
		return "", err
	}

	return c.filter.Filter(text), nil
}

func (c *Cascade) startSilenceTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.silentSince.IsZero() {
		c.silentSince = c.now()
	}
	if c.silenceTimer != nil {
		return
	}
	c.silenceTimer = time.AfterFunc(c.cfg.SilenceFinalize, func() {
		c.mu.Lock()
		c.silenceTimer = nil
		c.mu.Unlock()
		c.ForceFinalize()
	})
}

func (c *Cascade) stopSilenceTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silentSince = time.Time{}
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
}

func (c *Cascade) setBusy(t Tier, busy bool) {
	c.mu.Lock()
	c.busy[t] = busy
	c.mu.Unlock()
	c.publishStatus()
}

func (c *Cascade) setRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
	c.publishStatus()
}
