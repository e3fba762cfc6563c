// Package intent classifies the kind of consultation in progress and keeps
// the classification stable while the transcript grows.
//
// A keyword heuristic runs on every evaluation; an optional model
// classifier may override it when confident enough. Evaluations are rate
// limited by transcript growth and time, and a mode switch below the strong
// confidence level must be confirmed by consecutive evaluations.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Mode is the conversation mode that steers suggestion generation.
type Mode string

const (
	ModeGeneral  Mode = "general"
	ModeDecision Mode = "decision"
	ModeFollowup Mode = "followup"
	ModeAdmin    Mode = "admin"
	ModeSymptom  Mode = "symptom"
)

// Modes lists every mode in declaration order.
var Modes = []Mode{ModeGeneral, ModeDecision, ModeFollowup, ModeAdmin, ModeSymptom}

// ParseMode maps a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("intent: unknown mode %q", s)
}

// Source tells where a Result came from.
type Source string

const (
	SourceInit      Source = "init"
	SourceHeuristic Source = "heuristic"
	SourceModel     Source = "model"
)

// Result is a classification.
type Result struct {
	Mode       Mode    `json:"mode"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Source     Source  `json:"source"`
}

// ModelClassifier is an optional language-model backed classifier.
type ModelClassifier interface {
	ClassifyMode(ctx context.Context, transcript string) (Result, error)
}

// Config holds the classifier thresholds.
type Config struct {
	// MinCharDelta is the transcript growth that forces re-evaluation.
	MinCharDelta int
	// Cooldown is the time after which re-evaluation is allowed regardless
	// of growth.
	Cooldown time.Duration
	// SwitchStreak is the number of consecutive evaluations a weak new mode
	// needs before it is adopted.
	SwitchStreak int
	// StrongConfidence is accepted immediately.
	StrongConfidence float64
	// ModelOverride is the minimum model confidence that replaces the
	// heuristic.
	ModelOverride float64
	// MinTranscript is the shortest transcript (trimmed, in bytes) worth
	// classifying.
	MinTranscript int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinCharDelta:     120,
		Cooldown:         12 * time.Second,
		SwitchStreak:     2,
		StrongConfidence: 0.75,
		ModelOverride:    0.55,
		MinTranscript:    20,
	}
}

// Classifier is safe for concurrent use.
type Classifier struct {
	cfg   Config
	model ModelClassifier
	now   func() time.Time

	mu       sync.Mutex
	last     Result
	lastLen  int
	lastEval time.Time
	pending  Mode
	streak   int
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option { return func(c *Classifier) { c.cfg = cfg } }

// WithModel enables the model override.
func WithModel(m ModelClassifier) Option { return func(c *Classifier) { c.model = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Classifier) { c.now = now } }

// New creates a Classifier in general mode.
func New(opts ...Option) *Classifier {
	c := &Classifier{cfg: DefaultConfig(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.last = initial()
	return c
}

func initial() Result {
	return Result{Mode: ModeGeneral, Confidence: 0, Reason: "init", Source: SourceInit}
}

// Current returns the last stabilised result.
func (c *Classifier) Current() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Reset returns the classifier to its initial state.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = initial()
	c.lastLen = 0
	c.lastEval = time.Time{}
	c.pending = ""
	c.streak = 0
}

// Classify evaluates transcript and returns the stabilised mode. Without
// force, the last result is returned unless the transcript grew by
// MinCharDelta or Cooldown elapsed since the previous evaluation. Model
// failures fall back to the heuristic.
func (c *Classifier) Classify(ctx context.Context, transcript string, force bool) Result {
	if utf8.RuneCountInString(strings.TrimSpace(transcript)) < c.cfg.MinTranscript {
		return c.Current()
	}

	n := utf8.RuneCountInString(transcript)
	c.mu.Lock()
	now := c.now()
	if !force && n-c.lastLen < c.cfg.MinCharDelta && now.Sub(c.lastEval) < c.cfg.Cooldown {
		last := c.last
		c.mu.Unlock()
		return last
	}
	c.lastLen = n
	c.lastEval = now
	c.mu.Unlock()

	candidate := Heuristic(transcript)
	if c.model != nil {
		res, err := c.model.ClassifyMode(ctx, transcript)
		switch {
		case err != nil:
			slog.Debug("intent: model classification failed", "err", err)
		case res.Confidence >= c.cfg.ModelOverride:
			if _, perr := ParseMode(string(res.Mode)); perr == nil {
				res.Source = SourceModel
				if res.Reason == "" {
					res.Reason = "model"
				}
				candidate = res
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stabilizeLocked(candidate)
}

func (c *Classifier) stabilizeLocked(candidate Result) Result {
	if candidate.Confidence >= c.cfg.StrongConfidence || candidate.Mode == c.last.Mode {
		c.pending, c.streak = "", 0
		c.last = candidate
		return candidate
	}

	if c.pending != candidate.Mode {
		c.pending, c.streak = candidate.Mode, 1
	} else {
		c.streak++
	}
	if c.streak >= c.cfg.SwitchStreak {
		c.pending, c.streak = "", 0
		c.last = candidate
		return candidate
	}
	return c.last
}

// keywords per mode, as diacritic-free lower-case stems. The slice order is
// the tie-break order.
var keywords = []struct {
	mode  Mode
	stems []string
}{
	{ModeDecision, []string{
		"porada", "porad", "konsultac", "omowic", "wybor", "opcje", "metod",
		"zalezy mi", "chce wiedziec", "chcialbym", "chcialabym", "dowiedziec",
		"rozwaz", "informacj", "co poleca", "jakie sa mozliwosci",
	}},
	{ModeFollowup, []string{
		"kontrol", "po leczeniu", "po zabiegu", "po terapii", "wyniki",
		"sprawdzic", "kontynuac", "nawrot", "dalsze kroki",
	}},
	{ModeAdmin, []string{
		"zaswiadczen", "zwolnien", "skierowan", "recept", "wypis",
		"formularz", "dokument", "orzeczen",
	}},
	{ModeSymptom, []string{
		"bol", "dolegliw", "objaw", "goraczk", "kaszel", "dusznos",
		"zawrot", "mdlosc", "wysyp", "krwaw", "opuch", "uraz", "rana",
	}},
}

// Heuristic scores transcript against the keyword stems. Each matching stem
// adds one point; the best mode gets confidence min(0.4+0.15*score, 0.85).
// Without any match the result is general at 0.2.
func Heuristic(transcript string) Result {
	text := Fold(transcript)

	best, bestScore := ModeGeneral, 0
	for _, kw := range keywords {
		score := 0
		for _, stem := range kw.stems {
			if strings.Contains(text, stem) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = kw.mode, score
		}
	}
	if bestScore == 0 {
		return Result{Mode: ModeGeneral, Confidence: 0.2, Reason: "no keywords", Source: SourceHeuristic}
	}
	return Result{
		Mode:       best,
		Confidence: min(0.4+0.15*float64(bestScore), 0.85),
		Reason:     fmt.Sprintf("keywords=%d", bestScore),
		Source:     SourceHeuristic,
	}
}

// strokeLetters have no canonical decomposition and are mapped by hand.
var strokeLetters = strings.NewReplacer("ł", "l", "Ł", "l")

// Fold lower-cases text and strips diacritics ("Ból głowy" -> "bol glowy").
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strokeLetters.Replace(text))
	if err != nil {
		folded = text
	}
	return strings.ToLower(folded)
}
