package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/consultflow/internal/activeq"
	"github.com/MrWong99/consultflow/internal/events"
	"github.com/MrWong99/consultflow/internal/intent"
	"github.com/MrWong99/consultflow/internal/qa"
	"github.com/MrWong99/consultflow/internal/session"
	"github.com/MrWong99/consultflow/internal/suggest"
	"github.com/MrWong99/consultflow/internal/transcript"
)

// Envelope types on the event stream.
const (
	TypeSnapshot    = "snapshot"
	TypeTranscript  = "transcript"
	TypeSuggestions = "suggestions"
	TypeSession     = "session"
	TypeQuestion    = "question"
	TypeMatch       = "match"
	TypeQA          = "qa"
	TypePipeline    = "pipeline"
	TypeActivity    = "activity"
	TypeNotice      = "notice"
	TypeResult      = "result"
	TypeError       = "error"
)

const (
	writeTimeout = 10 * time.Second
	outQueue     = 64
)

// Envelope is one message on the event stream. Replies to intents carry the
// intent ID.
type Envelope struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Snapshot is the first message of every stream and of every session swap.
type Snapshot struct {
	Session     session.Info        `json:"session"`
	Transcript  transcript.Snapshot `json:"transcript"`
	Suggestions suggest.Snapshot    `json:"suggestions"`
	Question    activeq.Snapshot    `json:"question"`
	QA          qa.Progress         `json:"qa"`
	Pairs       []qa.Pair           `json:"pairs"`
	Mode        intent.Result       `json:"mode"`
}

func snapshotOf(sess *session.Session) Snapshot {
	st := sess.Transcript()
	count, target := sess.QA().Progress()
	return Snapshot{
		Session: sess.Info(),
		Transcript: transcript.Snapshot{
			Layers:     st.Layers(),
			Reconciled: st.Reconciled(),
			At:         time.Now(),
		},
		Suggestions: suggest.Snapshot{Items: sess.Pool().Items(), Asked: sess.Pool().Asked()},
		Question:    sess.ActiveQuestion().Snapshot(),
		QA:          qa.Progress{Count: count, Target: target, Percent: sess.QA().Percent()},
		Pairs:       sess.QA().Pairs(),
		Mode:        sess.Intent().Current(),
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.origins}
}

// serveEvents streams change notifications and accepts intents until the
// client goes away.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		slog.Debug("server: events accept", "err", err)
		return
	}
	defer conn.CloseNow()

	log := slog.With("remote", r.RemoteAddr)
	log.Info("server: event stream opened")

	out := make(chan Envelope, outQueue)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return writeLoop(ctx, conn, out) })
	g.Go(func() error { return s.readIntents(ctx, conn, out) })
	g.Go(func() error { return s.follow(ctx, out) })
	err = g.Wait()

	if errors.Is(err, context.Canceled) || isNormalClose(err) {
		log.Info("server: event stream closed")
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	log.Warn("server: event stream failed", "err", err)
	conn.Close(websocket.StatusInternalError, "stream failed")
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, env)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// readIntents dispatches every text message as an [Intent] and queues the
// reply.
func (s *Server) readIntents(ctx context.Context, conn *websocket.Conn, out chan<- Envelope) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var in Intent
		if err := json.Unmarshal(data, &in); err != nil {
			send(ctx, out, Envelope{Type: TypeError, Error: "malformed intent"})
			continue
		}
		res, err := s.Dispatch(ctx, in)
		if err != nil {
			slog.Info("server: intent refused", "action", in.Action, "err", err)
			send(ctx, out, Envelope{Type: TypeError, ID: in.ID, Error: err.Error()})
			continue
		}
		send(ctx, out, Envelope{Type: TypeResult, ID: in.ID, Data: res})
	}
}

// follow forwards the notifications of the current session and re-subscribes
// when it is replaced.
func (s *Server) follow(ctx context.Context, out chan<- Envelope) error {
	swaps, unsubscribe := s.sessions.Swaps().Subscribe()
	defer unsubscribe()

	for {
		sess := s.sessions.Current()
		fctx, cancel := context.WithCancel(ctx)
		var g errgroup.Group
		ctrl := sess.Controller()
		forward(fctx, &g, sess.Transcript().Changes(), TypeTranscript, out)
		forward(fctx, &g, sess.Pool().Changes(), TypeSuggestions, out)
		forward(fctx, &g, sess.InfoChanges(), TypeSession, out)
		forward(fctx, &g, sess.ActiveQuestion().Changes(), TypeQuestion, out)
		forward(fctx, &g, sess.ActiveQuestion().Matches(), TypeMatch, out)
		forward(fctx, &g, sess.QA().ProgressChanges(), TypeQA, out)
		forward(fctx, &g, sess.PipelineChanges(), TypePipeline, out)
		forward(fctx, &g, ctrl.ActivityChanges(), TypeActivity, out)
		forward(fctx, &g, ctrl.Notices(), TypeNotice, out)
		// Subscribed first, so nothing between the snapshot and the stream
		// is lost.
		send(fctx, out, Envelope{Type: TypeSnapshot, Data: snapshotOf(sess)})

		var ok bool
		select {
		case <-ctx.Done():
		case _, ok = <-swaps:
		}
		cancel()
		_ = g.Wait()
		if !ok {
			return nil
		}
	}
}

// forward subscribes before returning and pumps t into out until ctx is done
// or the topic closes.
func forward[T any](ctx context.Context, g *errgroup.Group, t *events.Topic[T], typ string, out chan<- Envelope) {
	ch, cancel := t.Subscribe()
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case v, ok := <-ch:
				if !ok {
					return nil
				}
				if !send(ctx, out, Envelope{Type: typ, Data: v}) {
					return nil
				}
			}
		}
	})
}

func send(ctx context.Context, out chan<- Envelope, env Envelope) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	}
}
