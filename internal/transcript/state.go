// Package transcript folds recognition cascade output into the three-layer
// transcript of a consultation and exposes the single reconciled text.
//
// Layers, oldest and most trusted first:
//
//   - validated: text confirmed or corrected by the validation pass;
//   - finalPending: final-tier text awaiting validation;
//   - provisional: fast and contextual tier text for audio not yet finalised.
//
// The reconciled transcript is the space-joined concatenation of the
// non-empty layers in that order. It is recomputed in full on every mutation
// so readers never observe a partially updated string.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/consultflow/internal/events"
	"github.com/MrWong99/consultflow/internal/textdiff"
)

// ChangeKind names the mutation that produced a Snapshot.
type ChangeKind string

const (
	ChangeProvisional ChangeKind = "provisional"
	ChangeImproved    ChangeKind = "improved"
	ChangeFinal       ChangeKind = "final"
	ChangeValidated   ChangeKind = "validated"
	ChangeReset       ChangeKind = "reset"
)

// Layers holds the three text layers.
type Layers struct {
	Provisional  string `json:"provisional"`
	FinalPending string `json:"finalPending"`
	Validated    string `json:"validated"`
}

// Reconciled returns the ordered, space-joined concatenation of the non-empty
// layers.
func (l Layers) Reconciled() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.Validated, l.FinalPending, l.Provisional} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Snapshot is the change notification published after every mutation.
type Snapshot struct {
	Kind       ChangeKind `json:"kind"`
	Layers     Layers     `json:"layers"`
	Reconciled string     `json:"reconciled"`

	// Text is the input of the mutation (the new segment).
	Text string `json:"text,omitempty"`

	// Diff marks the words of the mutated layer that differ from its previous
	// version. Set for improved and validated changes.
	Diff []textdiff.Token `json:"diff,omitempty"`

	At time.Time `json:"at"`
}

// State owns the transcript layers and the validation queue of one session.
// It is safe for concurrent use; mutations are serialised and cheap.
type State struct {
	mu         sync.RWMutex
	layers     Layers
	reconciled string
	queue      []string
	words      int

	changes *events.Topic[Snapshot]
	now     func() time.Time
}

// Option configures a State.
type Option func(*State)

// WithClock overrides the timestamp source of snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// New creates an empty State.
func New(opts ...Option) *State {
	s := &State{
		changes: events.NewTopic[Snapshot](events.DefaultBuffer),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Changes returns the topic on which every mutation publishes a Snapshot.
func (s *State) Changes() *events.Topic[Snapshot] { return s.changes }

// OnProvisional smart-joins a fast-tier chunk into the provisional layer.
// Empty input, or a chunk that repeats the tail of the provisional layer
// verbatim, is ignored. It reports whether the state changed.
func (s *State) OnProvisional(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	if strings.HasSuffix(s.layers.Provisional, text) {
		s.mu.Unlock()
		return false
	}
	s.layers.Provisional = SmartJoin(s.layers.Provisional, text)
	snap := s.commitLocked(ChangeProvisional, text, nil)
	s.changes.Publish(snap)
	s.mu.Unlock()
	return true
}

// OnImproved replaces the provisional layer with a contextual-tier result.
// Empty input is ignored.
func (s *State) OnImproved(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	prev := s.layers.Provisional
	if prev == text {
		s.mu.Unlock()
		return false
	}
	s.layers.Provisional = text
	diff, _ := textdiff.Diff(prev, text)
	snap := s.commitLocked(ChangeImproved, text, diff)
	s.changes.Publish(snap)
	s.mu.Unlock()
	return true
}

// OnFinal promotes a final-tier segment: it is smart-joined into
// finalPending, the provisional layer is cleared, the segment is queued for
// validation and its words are added to the regeneration counter. Empty input
// is ignored.
func (s *State) OnFinal(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	s.layers.FinalPending = SmartJoin(s.layers.FinalPending, text)
	s.layers.Provisional = ""
	s.queue = append(s.queue, text)
	s.words += CountWords(text)
	snap := s.commitLocked(ChangeFinal, text, nil)
	s.changes.Publish(snap)
	s.mu.Unlock()
	return true
}

// OnValidated appends corrected text to the validated layer, starting a new
// paragraph when needsNewline is set, and clears finalPending.
func (s *State) OnValidated(text string, needsNewline bool) bool {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	if text == "" && s.layers.FinalPending == "" {
		s.mu.Unlock()
		return false
	}
	prev := s.layers.Validated
	if needsNewline {
		s.layers.Validated = joinParagraph(s.layers.Validated, text)
	} else {
		s.layers.Validated = SmartJoin(s.layers.Validated, text)
	}
	s.layers.FinalPending = ""
	diff, _ := textdiff.Diff(prev, s.layers.Validated)
	snap := s.commitLocked(ChangeValidated, text, diff)
	s.changes.Publish(snap)
	s.mu.Unlock()
	return true
}

// DrainValidation claims every queued segment at once and empties the queue.
// Segments queued after the claim are returned by the next drain.
func (s *State) DrainValidation() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := s.queue
	s.queue = nil
	return claimed
}

// PendingValidation returns the number of queued segments.
func (s *State) PendingValidation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// Layers returns a copy of the current layers.
func (s *State) Layers() Layers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layers
}

// Reconciled returns the current reconciled transcript.
func (s *State) Reconciled() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconciled
}

// HasQuestionMark reports whether the final-pending text contains a question
// mark.
func (s *State) HasQuestionMark() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.Contains(s.layers.FinalPending, "?")
}

// WordsSinceRegeneration returns the number of final-tier words received
// since the counter was last reset.
func (s *State) WordsSinceRegeneration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.words
}

// ResetWordCounter zeroes the regeneration word counter.
func (s *State) ResetWordCounter() {
	s.mu.Lock()
	s.words = 0
	s.mu.Unlock()
}

// Reset clears all layers, the queue and the counter.
func (s *State) Reset() {
	s.mu.Lock()
	s.layers = Layers{}
	s.queue = nil
	s.words = 0
	snap := s.commitLocked(ChangeReset, "", nil)
	s.changes.Publish(snap)
	s.mu.Unlock()
}

// commitLocked recomputes the reconciled string and builds the snapshot.
// Callers hold s.mu and publish before unlocking so snapshots are delivered
// in mutation order. Publish never blocks.
func (s *State) commitLocked(kind ChangeKind, text string, diff []textdiff.Token) Snapshot {
	s.reconciled = s.layers.Reconciled()
	return Snapshot{
		Kind:       kind,
		Layers:     s.layers,
		Reconciled: s.reconciled,
		Text:       text,
		Diff:       diff,
		At:         s.now(),
	}
}
