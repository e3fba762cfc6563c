package cascade

import "sync"

// Buffer is the append-only sample store of one session. It is written by the
// cascade worker and read by the tier workers and the session export.
type Buffer struct {
	mu      sync.RWMutex
	samples []float32
}

// Append adds samples to the end of the buffer and returns the new length.
func (b *Buffer) Append(samples []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, samples...)
	return len(b.samples)
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Slice returns a copy of samples [from, to), clamped to the buffer.
func (b *Buffer) Slice(from, to int) []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	from = max(from, 0)
	to = min(to, len(b.samples))
	if from >= to {
		return nil
	}
	out := make([]float32, to-from)
	copy(out, b.samples[from:to])
	return out
}

// All returns a copy of the whole buffer.
func (b *Buffer) All() []float32 {
	return b.Slice(0, b.Len())
}
