// Package activeq tracks the question the clinician is currently asking and
// detects when it has been answered.
//
// The machine moves idle → loading → ready → waiting → matched, or to
// expired when the deadline passes. Expired returns to idle immediately.
// The deadline is polled by the caller through CheckTimeout. Pinning a
// question suppresses the timeout and a non-forced Clear.
//
// The active question is independent of the suggestion pool: regenerating
// suggestions never touches it.
package activeq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/consultflow/internal/events"
)

// DefaultTimeout is the answer deadline used when Activate receives zero.
const DefaultTimeout = 2 * time.Minute

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("activeq: invalid transition")

	// ErrStale is returned by SetAnswersFor when the question was replaced
	// while its answers were loading.
	ErrStale = errors.New("activeq: stale activation")
)

// State of the machine.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateWaiting State = "waiting"
	StateMatched State = "matched"
	StateExpired State = "expired"
)

// Source tells how an answer was matched.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

// Snapshot is the observable state of the machine.
type Snapshot struct {
	ID        uint64    `json:"id"`
	Question  string    `json:"question,omitempty"`
	Answers   []string  `json:"answers,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	Pinned    bool      `json:"pinned"`
	Source    Source    `json:"source,omitempty"`
}

// Match is published when an answer is matched to the active question.
type Match struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Source    Source    `json:"source"`
	AskedAt   time.Time `json:"askedAt"`
	MatchedAt time.Time `json:"matchedAt"`
}

// Machine is the active-question state machine of one session. It is safe
// for concurrent use.
type Machine struct {
	mu        sync.Mutex
	id        uint64
	question  string
	answers   []string
	state     State
	startedAt time.Time
	expiresAt time.Time
	timeout   time.Duration
	pinned    bool
	source    Source

	defaultTimeout time.Duration
	changes        *events.Topic[Snapshot]
	matches        *events.Topic[Match]
	now            func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithDefaultTimeout sets the deadline used when Activate receives zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Machine) { m.defaultTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates an idle Machine.
func New(opts ...Option) *Machine {
	m := &Machine{
		state:          StateIdle,
		defaultTimeout: DefaultTimeout,
		changes:        events.NewTopic[Snapshot](events.DefaultBuffer),
		matches:        events.NewTopic[Match](events.DefaultBuffer),
		now:            time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.defaultTimeout <= 0 {
		m.defaultTimeout = DefaultTimeout
	}
	return m
}

// Changes publishes a Snapshot after every state change.
func (m *Machine) Changes() *events.Topic[Snapshot] { return m.changes }

// Matches publishes every successful Match.
func (m *Machine) Matches() *events.Topic[Match] { return m.matches }

// Activate makes question the active question in the loading state,
// replacing any previous one. Answers, pin and match source are reset.
// It returns the activation ID used by SetAnswersFor.
func (m *Machine) Activate(question string, timeout time.Duration) uint64 {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.id++
	m.question = question
	m.answers = nil
	m.state = StateLoading
	m.timeout = timeout
	m.startedAt = m.now()
	m.expiresAt = m.startedAt.Add(timeout)
	m.pinned = false
	m.source = ""

	slog.Debug("activeq: activated", "question", truncate(question, 40), "timeout", timeout)
	m.notifyLocked()
	return m.id
}

// SetAnswers stores the expected answer options and moves to ready. Only
// valid while loading.
func (m *Machine) SetAnswers(answers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setAnswersLocked(answers)
}

// SetAnswersFor is SetAnswers guarded by the activation ID returned from
// Activate, for answers loaded asynchronously.
func (m *Machine) SetAnswersFor(id uint64, answers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.id {
		return ErrStale
	}
	return m.setAnswersLocked(answers)
}

func (m *Machine) setAnswersLocked(answers []string) error {
	if m.state != StateLoading {
		return fmt.Errorf("%w: set answers in state %s", ErrInvalidTransition, m.state)
	}
	m.answers = append([]string(nil), answers...)
	m.state = StateReady
	m.notifyLocked()
	return nil
}

// StartWaiting moves from ready or loading to waiting and restarts the
// deadline from now.
func (m *Machine) StartWaiting() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady && m.state != StateLoading {
		return fmt.Errorf("%w: start waiting in state %s", ErrInvalidTransition, m.state)
	}
	m.state = StateWaiting
	m.startedAt = m.now()
	m.expiresAt = m.startedAt.Add(m.timeout)
	m.notifyLocked()
	return nil
}

// Match records answer for the active question and moves to matched. Valid
// from ready or waiting. The machine stays matched until cleared.
func (m *Machine) Match(answer string, source Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.question == "" || (m.state != StateReady && m.state != StateWaiting) {
		return fmt.Errorf("%w: match in state %s", ErrInvalidTransition, m.state)
	}
	m.state = StateMatched
	m.source = source

	m.matches.Publish(Match{
		Question:  m.question,
		Answer:    answer,
		Source:    source,
		AskedAt:   m.startedAt,
		MatchedAt: m.now(),
	})
	slog.Info("activeq: answer matched", "source", string(source), "question", truncate(m.question, 30), "answer", truncate(answer, 30))
	m.notifyLocked()
	return nil
}

// Clear returns to idle. A pinned question is only cleared when force is
// set. It reports whether the machine was cleared.
func (m *Machine) Clear(force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked(force)
}

func (m *Machine) clearLocked(force bool) bool {
	if m.pinned && !force {
		return false
	}
	prev := m.state
	m.question = ""
	m.answers = nil
	m.state = StateIdle
	m.pinned = false
	m.startedAt = time.Time{}
	m.expiresAt = time.Time{}
	m.source = ""
	if prev != StateIdle {
		m.notifyLocked()
	}
	return true
}

// ClearIf clears the machine only when question is still the active one.
func (m *Machine) ClearIf(question string, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.question != question {
		return false
	}
	return m.clearLocked(force)
}

// TogglePin flips the pin and returns the new value.
func (m *Machine) TogglePin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = !m.pinned
	m.notifyLocked()
	return m.pinned
}

// CheckTimeout expires the question when its deadline has passed and it is
// not pinned. Expiry publishes an expired snapshot followed by the idle one.
// It reports whether the question expired.
func (m *Machine) CheckTimeout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle || m.pinned {
		return false
	}
	if !m.now().After(m.expiresAt) {
		return false
	}
	m.state = StateExpired
	m.notifyLocked()
	m.clearLocked(true)
	return true
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// IsReadyForMatch reports whether an answer can be matched now.
func (m *Machine) IsReadyForMatch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady || m.state == StateWaiting
}

// IsActive reports whether a question is live.
func (m *Machine) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != StateIdle && m.state != StateExpired
}

// TimedOut reports whether the deadline has passed without a pin, without
// changing state.
func (m *Machine) TimedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != StateIdle && !m.pinned && m.now().After(m.expiresAt)
}

// TimeRemaining returns the time left until the deadline, zero when idle.
func (m *Machine) TimeRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		return 0
	}
	return max(0, m.expiresAt.Sub(m.now()))
}

// TimeElapsed returns the time since activation or the last StartWaiting.
func (m *Machine) TimeElapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return 0
	}
	return m.now().Sub(m.startedAt)
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        m.id,
		Question:  m.question,
		Answers:   append([]string(nil), m.answers...),
		State:     m.state,
		StartedAt: m.startedAt,
		ExpiresAt: m.expiresAt,
		Pinned:    m.pinned,
		Source:    m.source,
	}
}

func (m *Machine) notifyLocked() {
	m.changes.Publish(m.snapshotLocked())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
