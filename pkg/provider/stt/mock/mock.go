// Package mock provides a test double for the stt.Recognizer interface.
//
// Example:
//
//	r := &mock.Recognizer{Text: "Czy boli?"}
//	text, err := r.Transcribe(ctx, samples, stt.DecodeOptions{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Samples is the number of samples passed.
	Samples int
	// Opts are the decode options passed.
	Opts stt.DecodeOptions
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// EngineName is returned by Name. Defaults to "mock".
	EngineName string

	// TranscribeFunc, if set, computes every reply.
	TranscribeFunc func(ctx context.Context, samples []float32, opts stt.DecodeOptions) (string, error)

	// Text and Err are returned when TranscribeFunc is nil.
	Text string
	Err  error

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the configured reply.
func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) (string, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, TranscribeCall{Samples: len(samples), Opts: opts})
	fn, text, err := r.TranscribeFunc, r.Text, r.Err
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, samples, opts)
	}
	return text, err
}

// Name implements stt.Named.
func (r *Recognizer) Name() string {
	if r.EngineName == "" {
		return "mock"
	}
	return r.EngineName
}

// CallCount returns the number of recorded calls. Thread-safe.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// LastCall returns the most recent call record. Thread-safe.
func (r *Recognizer) LastCall() (TranscribeCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Calls) == 0 {
		return TranscribeCall{}, false
	}
	return r.Calls[len(r.Calls)-1], true
}

var (
	_ stt.Recognizer = (*Recognizer)(nil)
	_ stt.Named      = (*Recognizer)(nil)
)
