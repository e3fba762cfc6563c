package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/consultflow/internal/export"
	"github.com/MrWong99/consultflow/internal/intent"
	"github.com/MrWong99/consultflow/internal/session"
)

var (
	errBadIntent = errors.New("server: bad intent")
	errNoPair    = errors.New("server: no such pair")
)

// Actions accepted by [Server.Dispatch].
const (
	ActionToggle     = "toggle"
	ActionStart      = "start"
	ActionPause      = "pause"
	ActionStop       = "stop"
	ActionReset      = "reset"
	ActionFinalize   = "finalize"
	ActionSelect     = "select"
	ActionRegenerate = "regenerate"
	ActionPin        = "pin"
	ActionClose      = "close_question"
	ActionAnswer     = "answer"
	ActionMode       = "mode"
	ActionClearMode  = "clear_mode"
	ActionEditPair   = "edit_pair"
	ActionRemovePair = "remove_pair"
	ActionUndoPair   = "undo_pair"
)

// Intent is a user action sent by the presentation layer.
type Intent struct {
	// ID is echoed in the websocket reply.
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`

	// Text is the selected suggestion.
	Text string `json:"text,omitempty"`

	// Answer is the manual or edited answer.
	Answer string `json:"answer,omitempty"`

	// Mode is the conversation-mode override.
	Mode string `json:"mode,omitempty"`

	// PairID addresses a collected pair.
	PairID string `json:"pairId,omitempty"`
}

// StopResult is the reply to a stop. The record is complete even when
// ExportError is set.
type StopResult struct {
	Record      export.Record `json:"record"`
	ExportError string        `json:"exportError,omitempty"`
}

// Dispatch applies one intent to the current session and returns the value
// the client shows as confirmation.
func (s *Server) Dispatch(ctx context.Context, in Intent) (any, error) {
	sess := s.sessions.Current()
	ctrl := sess.Controller()

	switch strings.ToLower(strings.TrimSpace(in.Action)) {
	case ActionToggle:
		if sess.Info().Status == session.StatusRecording {
			return s.stop(ctx, sess)
		}
		if err := sess.Start(ctx); err != nil {
			return nil, err
		}
		return sess.Info(), nil
	case ActionStart:
		if err := sess.Start(ctx); err != nil {
			return nil, err
		}
		return sess.Info(), nil
	case ActionPause:
		if err := sess.Pause(ctx); err != nil {
			return nil, err
		}
		return sess.Info(), nil
	case ActionStop:
		return s.stop(ctx, sess)
	case ActionReset:
		if err := s.sessions.Reset(ctx); err != nil {
			return nil, err
		}
		return s.sessions.Current().Info(), nil
	case ActionFinalize:
		sess.ForceFinalize()
		return sess.Info(), nil

	case ActionSelect:
		if strings.TrimSpace(in.Text) == "" {
			return nil, fmt.Errorf("%w: select needs text", errBadIntent)
		}
		if err := ctrl.SelectSuggestion(in.Text); err != nil {
			return nil, err
		}
		return sess.ActiveQuestion().Snapshot(), nil
	case ActionRegenerate:
		ctrl.RequestRegeneration()
		return sess.Pool().Items(), nil
	case ActionPin:
		return map[string]bool{"pinned": ctrl.TogglePin()}, nil
	case ActionClose:
		ctrl.CloseActiveQuestion()
		return sess.ActiveQuestion().Snapshot(), nil
	case ActionAnswer:
		if err := ctrl.ManualAnswer(in.Answer); err != nil {
			return nil, fmt.Errorf("%w: %w", errBadIntent, err)
		}
		return sess.ActiveQuestion().Snapshot(), nil

	case ActionMode:
		m, err := intent.ParseMode(in.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadIntent, err)
		}
		ctrl.SetModeOverride(m)
		ctrl.RequestRegeneration()
		return map[string]intent.Mode{"mode": m}, nil
	case ActionClearMode:
		ctrl.ClearModeOverride()
		return sess.Intent().Current(), nil

	case ActionEditPair:
		if in.PairID == "" || strings.TrimSpace(in.Answer) == "" {
			return nil, fmt.Errorf("%w: edit_pair needs pairId and answer", errBadIntent)
		}
		if !sess.QA().UpdateAnswer(in.PairID, strings.TrimSpace(in.Answer)) {
			return nil, fmt.Errorf("%w: %s missing or already edited", errNoPair, in.PairID)
		}
		p, _ := sess.QA().ByID(in.PairID)
		return p, nil
	case ActionRemovePair:
		p, ok := sess.QA().Remove(in.PairID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", errNoPair, in.PairID)
		}
		return p, nil
	case ActionUndoPair:
		p, ok := sess.QA().UndoLast()
		if !ok {
			return nil, errNoPair
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", errBadIntent, in.Action)
	}
}

func (s *Server) stop(ctx context.Context, sess *session.Session) (StopResult, error) {
	rec, err := sess.Stop(ctx)
	if errors.Is(err, session.ErrInvalidTransition) {
		return StopResult{}, err
	}
	res := StopResult{Record: rec}
	if err != nil {
		res.ExportError = err.Error()
	}
	return res, nil
}
