package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/consultflow/internal/export"
	"github.com/MrWong99/consultflow/internal/qa"
)

type memStore struct {
	mu    sync.Mutex
	saved []export.Record
	err   error
}

func (m *memStore) Save(_ context.Context, r export.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, r)
	return nil
}

func (m *memStore) Load(context.Context, string) (export.Record, error) {
	return export.Record{}, export.ErrNotFound
}
func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func TestCheckpointer_CheckpointNow(t *testing.T) {
	t.Run("writes only changed snapshots", func(t *testing.T) {
		store := &memStore{}
		rec := export.Record{SessionID: "s1", Transcript: "Dzień dobry."}
		c := NewCheckpointer(CheckpointerConfig{
			Store:  store,
			Source: func() (export.Record, bool) { return rec, true },
		})
		ctx := context.Background()

		if wrote, err := c.CheckpointNow(ctx); err != nil || !wrote {
			t.Fatalf("first checkpoint = %v, %v, want written", wrote, err)
		}
		if wrote, _ := c.CheckpointNow(ctx); wrote {
			t.Error("unchanged snapshot written again")
		}
		rec.Pairs = append(rec.Pairs, qa.Pair{ID: "a1"})
		if wrote, _ := c.CheckpointNow(ctx); !wrote {
			t.Error("snapshot with a new pair not written")
		}
		if n := store.count(); n != 2 {
			t.Errorf("saves = %d, want 2", n)
		}
	})

	t.Run("skips when source declines", func(t *testing.T) {
		store := &memStore{}
		c := NewCheckpointer(CheckpointerConfig{
			Store:  store,
			Source: func() (export.Record, bool) { return export.Record{SessionID: "s1"}, false },
		})
		if wrote, err := c.CheckpointNow(context.Background()); wrote || err != nil {
			t.Errorf("CheckpointNow = %v, %v, want skipped", wrote, err)
		}
	})

	t.Run("failed save is retried", func(t *testing.T) {
		store := &memStore{err: errors.New("disk full")}
		c := NewCheckpointer(CheckpointerConfig{
			Store:  store,
			Source: func() (export.Record, bool) { return export.Record{SessionID: "s1", Transcript: "x"}, true },
		})
		ctx := context.Background()
		if _, err := c.CheckpointNow(ctx); err == nil {
			t.Fatal("expected error")
		}
		store.mu.Lock()
		store.err = nil
		store.mu.Unlock()
		if wrote, err := c.CheckpointNow(ctx); !wrote || err != nil {
			t.Errorf("retry = %v, %v, want written", wrote, err)
		}
	})
}

func TestCheckpointer_Run(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	var mu sync.Mutex
	n := 0
	c := NewCheckpointer(CheckpointerConfig{
		Store: store,
		Source: func() (export.Record, bool) {
			mu.Lock()
			defer mu.Unlock()
			n++
			return export.Record{SessionID: "s1", Transcript: string(make([]byte, n))}, true
		},
		Interval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if store.count() < 2 {
		t.Errorf("saves = %d, want at least 2", store.count())
	}
}
