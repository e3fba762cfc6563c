package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/consultflow/internal/export"
)

// defaultCheckpointInterval is the default period between checkpoints.
const defaultCheckpointInterval = 2 * time.Minute

// Checkpointer periodically saves the in-progress consultation so that a
// crash during a long visit loses at most one interval. A snapshot is only
// written when it differs from the last one saved.
//
// All methods are safe for concurrent use.
type Checkpointer struct {
	store    export.Store
	source   func() (export.Record, bool)
	interval time.Duration

	mu   sync.Mutex
	last fingerprint
}

// fingerprint identifies a snapshot cheaply.
type fingerprint struct {
	id    string
	chars int
	pairs int
	asked int
}

func fingerprintOf(r export.Record) fingerprint {
	return fingerprint{id: r.SessionID, chars: len(r.Transcript), pairs: len(r.Pairs), asked: len(r.Asked)}
}

// CheckpointerConfig configures a [Checkpointer].
type CheckpointerConfig struct {
	Store export.Store

	// Source returns the current snapshot and whether it should be saved.
	Source func() (export.Record, bool)

	// Interval defaults to 2 minutes if zero.
	Interval time.Duration
}

// NewCheckpointer creates a Checkpointer.
func NewCheckpointer(cfg CheckpointerConfig) *Checkpointer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultCheckpointInterval
	}
	return &Checkpointer{store: cfg.Store, source: cfg.Source, interval: interval}
}

// Run saves a checkpoint every interval until ctx is done.
func (c *Checkpointer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.CheckpointNow(ctx); err != nil {
				slog.Warn("session: checkpoint failed", "err", err)
			}
		}
	}
}

// CheckpointNow saves the current snapshot if it changed. It reports whether
// anything was written.
func (c *Checkpointer) CheckpointNow(ctx context.Context) (bool, error) {
	r, ok := c.source()
	if !ok {
		return false, nil
	}
	fp := fingerprintOf(r)

	c.mu.Lock()
	defer c.mu.Unlock()
	if fp == c.last {
		return false, nil
	}
	if err := c.store.Save(ctx, r); err != nil {
		return false, err
	}
	c.last = fp
	slog.Debug("session: checkpoint saved", "sessionID", r.SessionID, "chars", fp.chars, "pairs", fp.pairs)
	return true, nil
}
