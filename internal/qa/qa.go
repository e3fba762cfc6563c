// Package qa collects the question/answer pairs confirmed during a
// consultation and tracks progress towards a target count.
package qa

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/consultflow/internal/events"
)

// DefaultTarget is the number of pairs a consultation aims to collect.
const DefaultTarget = 10

// Pair is one confirmed question with its answer. The answer may be edited
// once through UpdateAnswer; everything else is immutable.
type Pair struct {
	ID                string    `json:"id"`
	Question          string    `json:"question"`
	Answer            string    `json:"answer"`
	QuestionTimestamp time.Time `json:"questionTimestamp"`
	AnswerTimestamp   time.Time `json:"answerTimestamp"`
	Edited            bool      `json:"edited,omitempty"`
}

// ResponseTime is the time between the question and its answer.
func (p Pair) ResponseTime() time.Duration {
	return p.AnswerTimestamp.Sub(p.QuestionTimestamp)
}

// Progress is published after every change to the collection.
type Progress struct {
	Count   int     `json:"count"`
	Target  int     `json:"target"`
	Percent float64 `json:"percent"`
	// Latest is the pair added by this change, if any.
	Latest *Pair `json:"latest,omitempty"`
	// TargetReached is set on the change that first reaches the target.
	TargetReached bool `json:"targetReached,omitempty"`
}

// Stats summarises the collection.
type Stats struct {
	Count           int           `json:"count"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	TotalTime       time.Duration `json:"totalTime"`
}

// Collector holds the pairs of one session in insertion order. It is safe
// for concurrent use.
type Collector struct {
	mu      sync.Mutex
	pairs   []Pair
	target  int
	reached bool

	progress *events.Topic[Progress]
	now      func() time.Time
	newID    func() string
}

// Option configures a Collector.
type Option func(*Collector)

// WithTarget sets the target count. Default: DefaultTarget.
func WithTarget(n int) Option { return func(c *Collector) { c.target = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

// New creates an empty Collector.
func New(opts ...Option) *Collector {
	c := &Collector{
		target:   DefaultTarget,
		progress: events.NewTopic[Progress](events.DefaultBuffer),
		now:      time.Now,
		newID:    shortID,
	}
	for _, o := range opts {
		o(c)
	}
	if c.target < 0 {
		c.target = 0
	}
	return c
}

// shortID returns the first eight hex digits of a random UUID.
func shortID() string {
	return uuid.NewString()[:8]
}

// ProgressChanges returns the topic of progress updates.
func (c *Collector) ProgressChanges() *events.Topic[Progress] { return c.progress }

// Add appends a pair answered now. A zero askedAt means the question was
// asked now too.
func (c *Collector) Add(question, answer string, askedAt time.Time) Pair {
	now := c.now()
	if askedAt.IsZero() {
		askedAt = now
	}
	p := Pair{
		ID:                c.newID(),
		Question:          question,
		Answer:            answer,
		QuestionTimestamp: askedAt,
		AnswerTimestamp:   now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = append(c.pairs, p)
	prog := c.progressLocked()
	prog.Latest = &p
	if !c.reached && len(c.pairs) >= c.target {
		c.reached = true
		prog.TargetReached = true
	}
	c.progress.Publish(prog)
	return p
}

// Pairs returns a copy of all pairs in insertion order.
func (c *Collector) Pairs() []Pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Pair(nil), c.pairs...)
}

// Len returns the number of pairs.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

// Progress returns (count, target).
func (c *Collector) Progress() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs), c.target
}

// Percent returns progress as 0-100, or 100 for a zero target. It may exceed
// 100.
func (c *Collector) Percent() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.percentLocked()
}

// IsComplete reports whether the target is reached.
func (c *Collector) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs) >= c.target
}

// Latest returns up to n most recent pairs, oldest first.
func (c *Collector) Latest(n int) []Pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := max(0, len(c.pairs)-n)
	return append([]Pair(nil), c.pairs[start:]...)
}

// ByID returns the pair with id.
func (c *Collector) ByID(id string) (Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.pairs[i], true
	}
	return Pair{}, false
}

// Remove deletes the pair with id.
func (c *Collector) Remove(id string) (Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return Pair{}, false
	}
	removed := c.pairs[i]
	c.pairs = append(c.pairs[:i], c.pairs[i+1:]...)
	c.afterRemoveLocked()
	return removed, true
}

// UndoLast removes the most recent pair.
func (c *Collector) UndoLast() (Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pairs) == 0 {
		return Pair{}, false
	}
	removed := c.pairs[len(c.pairs)-1]
	c.pairs = c.pairs[:len(c.pairs)-1]
	c.afterRemoveLocked()
	return removed, true
}

// UpdateAnswer replaces the answer of pair id. Each pair may be edited once;
// it reports whether the edit was applied.
func (c *Collector) UpdateAnswer(id, answer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 || c.pairs[i].Edited {
		return false
	}
	c.pairs[i].Answer = answer
	c.pairs[i].AnswerTimestamp = c.now()
	c.pairs[i].Edited = true
	c.progress.Publish(c.progressLocked())
	return true
}

// Stats returns the collection statistics.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pairs) == 0 {
		return Stats{}
	}
	var total time.Duration
	for _, p := range c.pairs {
		total += p.ResponseTime()
	}
	return Stats{
		Count:           len(c.pairs),
		AvgResponseTime: total / time.Duration(len(c.pairs)),
		TotalTime:       c.pairs[len(c.pairs)-1].AnswerTimestamp.Sub(c.pairs[0].QuestionTimestamp),
	}
}

// Reset removes every pair.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = nil
	c.reached = false
	c.progress.Publish(c.progressLocked())
}

// afterRemoveLocked re-arms the target event when the count drops below it.
func (c *Collector) afterRemoveLocked() {
	if len(c.pairs) < c.target {
		c.reached = false
	}
	c.progress.Publish(c.progressLocked())
}

func (c *Collector) indexLocked(id string) int {
	for i, p := range c.pairs {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (c *Collector) percentLocked() float64 {
	if c.target == 0 {
		return 100
	}
	return float64(len(c.pairs)) / float64(c.target) * 100
}

func (c *Collector) progressLocked() Progress {
	return Progress{Count: len(c.pairs), Target: c.target, Percent: c.percentLocked()}
}
