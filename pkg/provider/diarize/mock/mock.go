// Package mock provides a test double for the diarize.Diarizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/consultflow/pkg/provider/diarize"
)

// Diarizer is a mock implementation of diarize.Diarizer.
type Diarizer struct {
	mu sync.Mutex

	// Segments and Err are returned by every call.
	Segments []diarize.Segment
	Err      error

	// CallCount is the number of Diarize invocations.
	CallCount int

	// LastSamples is the sample count of the most recent call.
	LastSamples int
}

// Diarize records the call and returns the configured segments.
func (d *Diarizer) Diarize(_ context.Context, samples []float32) ([]diarize.Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCount++
	d.LastSamples = len(samples)
	if d.Err != nil {
		return nil, d.Err
	}
	out := make([]diarize.Segment, len(d.Segments))
	copy(out, d.Segments)
	return out, nil
}

var _ diarize.Diarizer = (*Diarizer)(nil)
