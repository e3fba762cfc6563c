package trigger

import "time"

// Config holds the controller timings and thresholds.
type Config struct {
	// MinWords is the number of finalised words since the last regeneration
	// that triggers a new one.
	MinWords int

	// MinGrowth is the minimum growth of the reconciled transcript, in
	// characters, for a final segment to be considered for regeneration.
	MinGrowth int

	// Debounce delays regenerations triggered by speech.
	Debounce time.Duration

	// ValidationDelay is waited before each validation pass so that
	// consecutive finals are corrected together.
	ValidationDelay time.Duration

	// Cooldown is the minimum time between the end of one regeneration and
	// the start of the next.
	Cooldown time.Duration

	// QuestionGrace delays regeneration after a question card is selected.
	QuestionGrace time.Duration

	// CardGrace delays regeneration after a check or script card is
	// selected.
	CardGrace time.Duration

	// OverrideWindow bounds how long a manual mode override and an injected
	// Q&A pair stay in effect.
	OverrideWindow time.Duration

	// AnswerMinWords is the minimum length of a validated segment matched as
	// an answer.
	AnswerMinWords int

	// AnswerTimeout is the active-question timeout used on selection.
	AnswerTimeout time.Duration

	// MatchResetDelay is how long a matched question stays visible before it
	// is cleared.
	MatchResetDelay time.Duration

	// PollInterval drives the active-question timeout check.
	PollInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		MinWords:        40,
		MinGrowth:       5,
		Debounce:        2 * time.Second,
		ValidationDelay: 2500 * time.Millisecond,
		Cooldown:        5 * time.Second,
		QuestionGrace:   8 * time.Second,
		CardGrace:       2500 * time.Millisecond,
		OverrideWindow:  90 * time.Second,
		AnswerMinWords:  3,
		AnswerTimeout:   2 * time.Minute,
		MatchResetDelay: 2 * time.Second,
		PollInterval:    500 * time.Millisecond,
	}
}

// withDefaults fills unset counts and windows. Delays may be zero.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinWords <= 0 {
		c.MinWords = d.MinWords
	}
	if c.MinGrowth < 0 {
		c.MinGrowth = d.MinGrowth
	}
	if c.AnswerMinWords <= 0 {
		c.AnswerMinWords = d.AnswerMinWords
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = d.AnswerTimeout
	}
	if c.OverrideWindow <= 0 {
		c.OverrideWindow = d.OverrideWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
