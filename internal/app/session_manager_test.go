package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/consultflow/internal/app"
	"github.com/MrWong99/consultflow/internal/cascade"
	"github.com/MrWong99/consultflow/internal/session"
	sttmock "github.com/MrWong99/consultflow/pkg/provider/stt/mock"
)

func newTestSessionManager(t *testing.T) *app.SessionManager {
	t.Helper()
	sm, err := app.NewSessionManager(session.Config{QATarget: 10}, session.Deps{
		Engines: cascade.Engines{Fast: &sttmock.Recognizer{Text: "Od kiedy?"}},
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	t.Cleanup(func() { _ = sm.Close() })
	return sm
}

func TestSessionManager_ResetKeepsSession(t *testing.T) {
	t.Parallel()
	sm := newTestSessionManager(t)
	s := sm.Current()
	before := s.Info().ID

	if err := sm.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if sm.Current() != s {
		t.Error("Reset without staged config replaced the session")
	}
	if s.Info().ID == before {
		t.Error("Reset kept the consultation ID")
	}
}

func TestSessionManager_StagedConfigSwapsOnReset(t *testing.T) {
	t.Parallel()
	sm := newTestSessionManager(t)
	swaps, cancel := sm.Swaps().Subscribe()
	defer cancel()
	old := sm.Current()

	sm.UpdateConfig(session.Config{QATarget: 3})
	if !sm.Pending() {
		t.Fatal("Pending() = false after UpdateConfig")
	}
	if _, target := old.QA().Progress(); target != 10 {
		t.Errorf("live session target = %d, want 10 until reset", target)
	}

	if err := sm.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	next := sm.Current()
	if next == old {
		t.Fatal("Reset with staged config kept the old session")
	}
	if _, target := next.QA().Progress(); target != 3 {
		t.Errorf("new session target = %d, want 3", target)
	}
	if sm.Pending() {
		t.Error("Pending() = true after the swap")
	}

	select {
	case got := <-swaps:
		if got != next {
			t.Error("swap announced a different session")
		}
	case <-time.After(time.Second):
		t.Fatal("no swap announced")
	}

	if err := old.Reset(); !errors.Is(err, session.ErrClosed) {
		t.Errorf("old session Reset = %v, want ErrClosed", err)
	}
}

func TestSessionManager_ResetRefusedWhileRecording(t *testing.T) {
	t.Parallel()
	sm := newTestSessionManager(t)
	ctx := context.Background()
	s := sm.Current()
	sm.UpdateConfig(session.Config{QATarget: 5})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sm.Reset(ctx); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("Reset while recording = %v, want ErrInvalidTransition", err)
	}
	if sm.Current() != s {
		t.Error("refused reset replaced the session")
	}
	if !sm.Pending() {
		t.Error("refused reset dropped the staged config")
	}
	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
}

func TestSessionManager_Close(t *testing.T) {
	t.Parallel()
	sm := newTestSessionManager(t)
	swaps, _ := sm.Swaps().Subscribe()

	if err := sm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sm.Reset(context.Background()); !errors.Is(err, app.ErrManagerClosed) {
		t.Errorf("Reset after Close = %v, want ErrManagerClosed", err)
	}
	if _, ok := <-swaps; ok {
		t.Error("swap topic still open after Close")
	}
}
