// Package session owns one consultation: the transcript, the suggestion pool,
// the active question and the collected Q&A pairs, plus the recognition
// cascade and trigger controller that drive them.
//
// A session moves idle → recording → (idle | paused). Pause and stop keep
// everything; only [Session.Reset] starts a new consultation. Stopping
// finalises the remaining audio, lets validation finish, runs diarization
// when configured and hands the result to the export store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/consultflow/internal/activeq"
	"github.com/MrWong99/consultflow/internal/cascade"
	"github.com/MrWong99/consultflow/internal/events"
	"github.com/MrWong99/consultflow/internal/events/kafkapub"
	"github.com/MrWong99/consultflow/internal/export"
	"github.com/MrWong99/consultflow/internal/intent"
	"github.com/MrWong99/consultflow/internal/observe"
	"github.com/MrWong99/consultflow/internal/qa"
	"github.com/MrWong99/consultflow/internal/suggest"
	"github.com/MrWong99/consultflow/internal/transcript"
	"github.com/MrWong99/consultflow/internal/trigger"
	"github.com/MrWong99/consultflow/pkg/provider/diarize"
)

// ErrInvalidTransition is returned when a lifecycle call does not fit the
// current status.
var ErrInvalidTransition = errors.New("session: invalid transition")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("session: closed")

// Status is the lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
	// StatusStopping covers the final pass, validation, diarization and
	// export after Stop.
	StatusStopping Status = "stopping"
)

// Assistant is the language-model surface of a session. [*assistant.Client]
// implements it.
type Assistant interface {
	trigger.Assistant
	intent.ModelClassifier
}

// Config is fixed for the lifetime of a session.
type Config struct {
	Cascade cascade.Config
	Trigger trigger.Config
	Intent  intent.Config

	// QATarget is the number of pairs the consultation aims for.
	QATarget int

	// FlushTimeout bounds waiting for validation on stop. Default 30s.
	FlushTimeout time.Duration

	// DiarizeTimeout bounds the diarization call on stop. Default 2m.
	DiarizeTimeout time.Duration

	// CheckpointInterval is the period of in-progress saves to the export
	// store. Zero disables checkpoints.
	CheckpointInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QATarget <= 0 {
		c.QATarget = qa.DefaultTarget
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
	if c.DiarizeTimeout <= 0 {
		c.DiarizeTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the external collaborators. Only Engines.Fast is required.
type Deps struct {
	Engines   cascade.Engines
	Assistant Assistant
	Diarizer  diarize.Diarizer
	Store     export.Store
	Publisher *kafkapub.Publisher
	Metrics   *observe.Metrics
}

// Info is the observable lifecycle state.
type Info struct {
	ID        string        `json:"id"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"startedAt,omitzero"`
	Recorded  time.Duration `json:"recorded"`
}

type recording struct {
	c      *cascade.Cascade
	cancel context.CancelFunc
	g      *errgroup.Group
}

// Session is safe for concurrent use.
type Session struct {
	cfg     Config
	d       Deps
	metrics *observe.Metrics
	now     func() time.Time

	state   *transcript.State
	pool    *suggest.Pool
	intent  *intent.Classifier
	activeq *activeq.Machine
	qa      *qa.Collector
	ctrl    *trigger.Controller

	info     *events.Topic[Info]
	pipeline *events.Topic[cascade.Status]

	// capture and sid are read without mu so that Push and the publisher
	// never wait for Stop.
	capture atomic.Pointer[cascade.Cascade]
	sid     atomic.Value

	mu        sync.Mutex
	id        string
	status    Status
	startedAt time.Time
	audio     []float32
	segments  []diarize.Segment
	rec       *recording
	draining  *recording // detached by Stop, still finalising
	closed    bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       *errgroup.Group
}

// New creates an idle session and starts its trigger controller.
func New(cfg Config, d Deps) (*Session, error) {
	if d.Engines.Fast == nil {
		return nil, fmt.Errorf("session: new: %w", cascade.ErrNoFastEngine)
	}
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:      cfg,
		d:        d,
		metrics:  d.Metrics,
		now:      time.Now,
		state:    transcript.New(),
		pool:     suggest.New(),
		activeq:  activeq.New(activeq.WithDefaultTimeout(cfg.Trigger.AnswerTimeout)),
		qa:       qa.New(qa.WithTarget(cfg.QATarget)),
		info:     events.NewTopic[Info](events.DefaultBuffer),
		pipeline: events.NewTopic[cascade.Status](events.DefaultBuffer),
		id:       uuid.NewString(),
		status:   StatusIdle,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	var intentOpts []intent.Option
	if cfg.Intent != (intent.Config{}) {
		intentOpts = append(intentOpts, intent.WithConfig(cfg.Intent))
	}
	deps := trigger.Deps{
		State:   s.state,
		Pool:    s.pool,
		ActiveQ: s.activeq,
		QA:      s.qa,
	}
	if d.Assistant != nil {
		intentOpts = append(intentOpts, intent.WithModel(d.Assistant))
		deps.Assistant = d.Assistant
	}
	s.intent = intent.New(intentOpts...)
	deps.Intent = s.intent

	ctrlOpts := []trigger.Option{trigger.WithMetrics(s.metrics)}
	// A zero trigger config means production timings; zero delays have to be
	// asked for next to at least one other field.
	if cfg.Trigger != (trigger.Config{}) {
		ctrlOpts = append(ctrlOpts, trigger.WithConfig(cfg.Trigger))
	}
	ctrl, err := trigger.New(deps, ctrlOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: new: %w", err)
	}
	s.ctrl = ctrl

	s.sid.Store(s.id)
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.bg = &errgroup.Group{}
	s.bg.Go(func() error { return s.ctrl.Run(s.bgCtx) })
	if d.Publisher != nil {
		s.bg.Go(func() error { return s.forward(s.bgCtx) })
	}
	if d.Store != nil && cfg.CheckpointInterval > 0 {
		cp := NewCheckpointer(CheckpointerConfig{
			Store:    d.Store,
			Source:   s.checkpoint,
			Interval: cfg.CheckpointInterval,
		})
		s.bg.Go(func() error { return cp.Run(s.bgCtx) })
	}
	return s, nil
}

// Transcript returns the transcript state.
func (s *Session) Transcript() *transcript.State { return s.state }

// Pool returns the suggestion pool.
func (s *Session) Pool() *suggest.Pool { return s.pool }

// Intent returns the conversation-mode classifier.
func (s *Session) Intent() *intent.Classifier { return s.intent }

// ActiveQuestion returns the active-question state machine.
func (s *Session) ActiveQuestion() *activeq.Machine { return s.activeq }

// QA returns the Q&A collector.
func (s *Session) QA() *qa.Collector { return s.qa }

// Controller returns the trigger controller.
func (s *Session) Controller() *trigger.Controller { return s.ctrl }

// InfoChanges publishes lifecycle changes.
func (s *Session) InfoChanges() *events.Topic[Info] { return s.info }

// PipelineChanges publishes the recognition pipeline status while recording.
func (s *Session) PipelineChanges() *events.Topic[cascade.Status] { return s.pipeline }

// Info returns the lifecycle state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	recorded := len(s.audio)
	for _, r := range []*recording{s.rec, s.draining} {
		if r != nil {
			recorded += r.c.Buffer().Len()
		}
	}
	return Info{
		ID:        s.id,
		Status:    s.status,
		StartedAt: s.startedAt,
		Recorded:  s.cfg.Cascade.SampleDuration(recorded),
	}
}

// Push forwards captured mono samples to the cascade. It never blocks and
// reports false when the session is not recording or the frame was dropped.
func (s *Session) Push(samples []float32) bool {
	c := s.capture.Load()
	if c == nil {
		return false
	}
	return c.Push(samples)
}

// ForceFinalize requests a final recognition pass while recording.
func (s *Session) ForceFinalize() {
	if c := s.capture.Load(); c != nil {
		c.ForceFinalize()
	}
}

// Start begins recording from idle or paused.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.status == StatusRecording || s.status == StatusStopping {
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, s.status)
	}

	c, err := cascade.New(s.d.Engines, s.state,
		cascade.WithConfig(s.cfg.Cascade),
		cascade.WithMetrics(s.metrics))
	if err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	recCtx, cancel := context.WithCancel(observe.WithSession(s.bgCtx, s.id))
	g, gctx := errgroup.WithContext(recCtx)
	statusCh, unsubscribe := c.StatusChanges().Subscribe()
	g.Go(func() error {
		// Cancelling after Run returns ends the status forwarder.
		defer cancel()
		return c.Run(gctx)
	})
	g.Go(func() error {
		defer unsubscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case st := <-statusCh:
				s.pipeline.Publish(st)
			}
		}
	})

	s.rec = &recording{c: c, cancel: cancel, g: g}
	s.capture.Store(c)
	s.ctrl.Resume()
	if s.startedAt.IsZero() {
		s.startedAt = s.now()
	}
	s.status = StatusRecording
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.info.Publish(s.infoLocked())
	slog.Info("session: recording", "sessionID", s.id)
	return nil
}

// Pause stops recording and regeneration but keeps every piece of state.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRecording {
		return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, s.status)
	}
	s.endRecordingLocked(ctx)
	s.status = StatusPaused
	s.info.Publish(s.infoLocked())
	slog.Info("session: paused", "sessionID", s.id)
	return nil
}

// Stop ends recording, waits for validation, diarizes the recording when a
// diarizer is configured and saves the consultation. The returned record is
// valid even when saving fails. The session reads as stopping until the
// record is built; mu is not held across the slow calls, so Info and the
// other readers stay responsive.
func (s *Session) Stop(ctx context.Context) (export.Record, error) {
	s.mu.Lock()
	switch s.status {
	case StatusIdle, StatusStopping:
		st := s.status
		s.mu.Unlock()
		return export.Record{}, fmt.Errorf("%w: stop while %s", ErrInvalidTransition, st)
	}
	rec := s.rec
	if rec != nil {
		s.detachLocked()
	}
	s.status = StatusStopping
	id := s.id
	s.info.Publish(s.infoLocked())
	s.mu.Unlock()

	if rec != nil {
		s.drain(ctx, id, rec)
		s.mu.Lock()
		s.finishLocked(ctx, rec)
		s.mu.Unlock()
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	if err := s.ctrl.Flush(fctx); err != nil {
		slog.Warn("session: validation did not finish", "sessionID", id, "err", err)
	}
	cancel()

	s.mu.Lock()
	pcm := s.audio
	s.mu.Unlock()
	segs := s.diarize(ctx, id, pcm)

	s.mu.Lock()
	if segs != nil {
		s.segments = segs
	}
	r := s.recordLocked()
	s.status = StatusIdle
	s.info.Publish(s.infoLocked())
	s.mu.Unlock()
	slog.Info("session: stopped",
		"sessionID", id,
		"words", r.Stats.Words,
		"pairs", r.Stats.Pairs,
		"speakers", r.Stats.Speakers)

	if s.d.Store == nil {
		return r, nil
	}
	if err := s.d.Store.Save(ctx, r); err != nil {
		slog.Warn("session: export failed", "sessionID", id, "err", err)
		return r, fmt.Errorf("session: stop: %w", err)
	}
	return r, nil
}

// Toggle starts recording when idle or paused and stops it when recording.
func (s *Session) Toggle(ctx context.Context) (Status, error) {
	if s.Info().Status == StatusRecording {
		_, err := s.Stop(ctx)
		return StatusIdle, err
	}
	if err := s.Start(ctx); err != nil {
		return s.Info().Status, err
	}
	return StatusRecording, nil
}

// Reset starts a new consultation: every component is cleared and the
// session gets a new ID. It is refused while recording.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.status == StatusRecording || s.status == StatusStopping {
		return fmt.Errorf("%w: reset while %s", ErrInvalidTransition, s.status)
	}
	s.ctrl.Reset()
	s.state.Reset()
	s.pool.Reset()
	s.intent.Reset()
	s.activeq.Clear(true)
	s.qa.Reset()

	prev := s.id
	s.id = uuid.NewString()
	s.sid.Store(s.id)
	s.status = StatusIdle
	s.startedAt = time.Time{}
	s.audio = nil
	s.segments = nil
	s.info.Publish(s.infoLocked())
	slog.Info("session: new consultation", "sessionID", s.id, "previousID", prev)
	return nil
}

// Record returns the consultation as it stands.
func (s *Session) Record() export.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

// checkpoint snapshots the consultation while it is in progress.
func (s *Session) checkpoint() (export.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusIdle || s.closed {
		return export.Record{}, false
	}
	return s.recordLocked(), true
}

// Close cancels recording and every background call and waits for them.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.rec != nil {
		s.capture.Store(nil)
		s.rec.cancel()
		_ = s.rec.g.Wait()
		s.rec = nil
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if s.draining != nil {
		// Stop is waiting on it and does the bookkeeping.
		s.draining.cancel()
	}
	s.mu.Unlock()

	s.bgCancel()
	return s.bg.Wait()
}

// endRecordingLocked closes the capture stream, waits for the final pass and
// keeps the recorded audio. Cancelling ctx abandons the final pass.
func (s *Session) endRecordingLocked(ctx context.Context) {
	rec := s.rec
	s.detachLocked()
	s.drain(ctx, s.id, rec)
	s.finishLocked(ctx, rec)
}

// detachLocked moves the running recording to draining and closes its input.
func (s *Session) detachLocked() {
	s.draining, s.rec = s.rec, nil
	s.capture.Store(nil)
	s.draining.c.CloseInput()
}

// drain waits for the cascade of rec to finish. It does not need mu.
func (s *Session) drain(ctx context.Context, id string, rec *recording) {
	done := make(chan error, 1)
	go func() { done <- rec.g.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		rec.cancel()
		err = <-done
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session: cascade ended with error", "sessionID", id, "err", err)
	}
}

// finishLocked keeps the audio of a drained recording and stops regeneration.
func (s *Session) finishLocked(ctx context.Context, rec *recording) {
	s.draining = nil
	s.audio = append(s.audio, rec.c.Buffer().All()...)
	s.ctrl.Stop()
	s.metrics.ActiveSessions.Add(ctx, -1)
}

// diarize labels the speakers of pcm. It returns nil when no diarizer is
// configured or the call fails, and does not need mu.
func (s *Session) diarize(ctx context.Context, id string, pcm []float32) []diarize.Segment {
	if s.d.Diarizer == nil || len(pcm) == 0 {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DiarizeTimeout)
	defer cancel()

	segs, err := s.d.Diarizer.Diarize(dctx, pcm)
	if err != nil {
		slog.Warn("session: diarization failed, exporting without speakers", "sessionID", id, "err", err)
		return nil
	}
	segs = transcript.MergeProportional(s.state.Reconciled(), segs)
	transcript.ApplyRoles(segs, transcript.AssignRoles(segs))
	slog.Info("session: diarized", "sessionID", id, "segments", len(segs))
	return segs
}

func (s *Session) recordLocked() export.Record {
	r := export.Record{
		SessionID:  s.id,
		StartedAt:  s.startedAt,
		EndedAt:    s.now(),
		Transcript: s.state.Reconciled(),
		Segments:   append([]diarize.Segment(nil), s.segments...),
		Pairs:      s.qa.Pairs(),
		Asked:      s.pool.Asked(),
	}
	r.ComputeStats(s.qa.Stats())
	return r
}

// forward publishes validated segments and new pairs until ctx is done.
func (s *Session) forward(ctx context.Context) error {
	changes, cancelChanges := s.state.Changes().Subscribe()
	defer cancelChanges()
	progress, cancelProgress := s.qa.ProgressChanges().Subscribe()
	defer cancelProgress()

	publish := func(what string, fn func(context.Context) error) {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := fn(pctx); err != nil && ctx.Err() == nil {
			slog.Warn("session: publish failed", "event", what, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-changes:
			if snap.Kind != transcript.ChangeValidated || snap.Text == "" {
				continue
			}
			e := kafkapub.SegmentEvent{SessionID: s.sid.Load().(string), Text: snap.Text, At: snap.At}
			publish("segment", func(ctx context.Context) error { return s.d.Publisher.PublishSegment(ctx, e) })
		case p := <-progress:
			if p.Latest == nil {
				continue
			}
			e := kafkapub.PairEvent{SessionID: s.sid.Load().(string), Pair: *p.Latest, At: p.Latest.AnswerTimestamp}
			publish("pair", func(ctx context.Context) error { return s.d.Publisher.PublishPair(ctx, e) })
		}
	}
}
