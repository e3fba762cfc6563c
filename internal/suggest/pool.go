// Package suggest holds the suggestion pool shown to the clinician and the
// history of questions already asked.
//
// A regeneration replaces the pool wholesale. Anything already asked never
// reappears in a later batch. Texts are compared after normalisation, and
// only optionally by fuzzy score. The history is never cleared within a
// session.
package suggest

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/consultflow/internal/events"
)

// DefaultMax is the number of cards shown at once.
const DefaultMax = 3

// Kind classifies a card.
type Kind string

const (
	KindQuestion Kind = "question"
	KindScript   Kind = "script"
	KindCheck    Kind = "check"
)

// Suggestion is a card in the pool.
type Suggestion struct {
	Text   string    `json:"text"`
	Kind   Kind      `json:"kind"`
	Used   bool      `json:"used"`
	UsedAt time.Time `json:"usedAt,omitzero"`
}

// Snapshot is the published state of the pool.
type Snapshot struct {
	Items []Suggestion `json:"items"`
	Asked []string     `json:"asked"`
}

// Pool is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	items []Suggestion
	asked []string

	max        int
	similarity float64
	changes    *events.Topic[Snapshot]
	now        func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithMax sets the pool capacity. Default: DefaultMax.
func WithMax(n int) Option { return func(p *Pool) { p.max = n } }

// WithSimilarity also drops cards whose Jaro-Winkler score against an asked
// question or an earlier card of the batch is at least t. Short questions
// sharing a prefix score above 0.95, so t should sit close to 1. Zero, the
// default, drops only normalised exact matches.
func WithSimilarity(t float64) Option { return func(p *Pool) { p.similarity = t } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// New creates an empty Pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		max:        DefaultMax,
		changes:    events.NewTopic[Snapshot](events.DefaultBuffer),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.max <= 0 {
		p.max = DefaultMax
	}
	if p.similarity < 0 || p.similarity > 1 {
		p.similarity = 0
	}
	return p
}

// Changes publishes a Snapshot after every change.
func (p *Pool) Changes() *events.Topic[Snapshot] { return p.changes }

// Replace swaps in a new batch. Empty texts, asked questions and duplicates
// within the batch are dropped, then the batch is capped. When nothing of a
// non-empty batch survives, the current pool is kept. It returns the
// accepted items.
func (p *Pool) Replace(batch []Suggestion) []Suggestion {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make([]string, 0, len(p.asked)+len(batch))
	for _, a := range p.asked {
		seen = append(seen, normalize(a))
	}

	items := make([]Suggestion, 0, p.max)
	for _, s := range batch {
		if len(items) == p.max {
			break
		}
		text := strings.TrimSpace(s.Text)
		norm := normalize(text)
		if norm == "" || p.duplicate(norm, seen) {
			continue
		}
		seen = append(seen, norm)
		if s.Kind == "" {
			s.Kind = KindQuestion
		}
		items = append(items, Suggestion{Text: text, Kind: s.Kind})
	}
	if len(items) == 0 && len(batch) > 0 {
		return nil
	}
	p.items = items
	p.publishLocked()
	return append([]Suggestion(nil), items...)
}

// ReplaceQuestions is Replace for a batch of plain questions.
func (p *Pool) ReplaceQuestions(questions []string) []Suggestion {
	batch := make([]Suggestion, len(questions))
	for i, q := range questions {
		batch[i] = Suggestion{Text: q, Kind: KindQuestion}
	}
	return p.Replace(batch)
}

func (p *Pool) duplicate(norm string, seen []string) bool {
	for _, s := range seen {
		if norm == s || p.similarity > 0 && similarity(norm, s) >= p.similarity {
			return true
		}
	}
	return false
}

// MarkUsed flags the card with text as used and appends text to the asked
// history. Text not in the pool is still recorded as asked. It reports
// whether a card was flagged.
func (p *Pool) MarkUsed(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	flagged := false
	for i := range p.items {
		if p.items[i].Text == text && !p.items[i].Used {
			p.items[i].Used = true
			p.items[i].UsedAt = p.now()
			flagged = true
			break
		}
	}
	p.asked = append(p.asked, text)
	p.publishLocked()
	return flagged
}

// Find returns the card with text.
func (p *Pool) Find(text string) (Suggestion, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.items {
		if s.Text == text {
			return s, true
		}
	}
	return Suggestion{}, false
}

// Items returns a copy of the pool.
func (p *Pool) Items() []Suggestion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Suggestion(nil), p.items...)
}

// Active returns the unused cards.
func (p *Pool) Active() []Suggestion {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Suggestion
	for _, s := range p.items {
		if !s.Used {
			out = append(out, s)
		}
	}
	return out
}

// Asked returns a copy of the asked history in order.
func (p *Pool) Asked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.asked...)
}

// Reset clears the pool and the history. Only a new session does this.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = nil
	p.asked = nil
	p.publishLocked()
}

func (p *Pool) publishLocked() {
	p.changes.Publish(Snapshot{
		Items: append([]Suggestion(nil), p.items...),
		Asked: append([]string(nil), p.asked...),
	})
}
