package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/consultflow/internal/cascade"
	"github.com/MrWong99/consultflow/internal/events"
	"github.com/MrWong99/consultflow/internal/export"
	"github.com/MrWong99/consultflow/internal/server"
	"github.com/MrWong99/consultflow/internal/session"
	"github.com/MrWong99/consultflow/internal/trigger"
	"github.com/MrWong99/consultflow/pkg/audio"
	sttmock "github.com/MrWong99/consultflow/pkg/provider/stt/mock"
)

// sessions serves one session at a time and announces replacements.
type sessions struct {
	mu    sync.Mutex
	cur   *session.Session
	swaps *events.Topic[*session.Session]
}

func (s *sessions) Current() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *sessions) Reset(context.Context) error { return s.Current().Reset() }

func (s *sessions) Swaps() *events.Topic[*session.Session] { return s.swaps }

func (s *sessions) swap(next *session.Session) {
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	s.swaps.Publish(next)
}

func newSession(t *testing.T, store export.Store) *session.Session {
	t.Helper()
	s, err := session.New(session.Config{
		Cascade: cascade.Config{
			SampleRate:      audio.SampleRate,
			ChunkDuration:   100 * time.Millisecond,
			SilenceFinalize: 50 * time.Millisecond,
			ContextInterval: time.Hour,
			ContextWindow:   time.Second,
			MinWindow:       100 * time.Millisecond,
		},
		Trigger: trigger.Config{
			Debounce:        10 * time.Millisecond,
			ValidationDelay: 10 * time.Millisecond,
			Cooldown:        20 * time.Millisecond,
			QuestionGrace:   20 * time.Millisecond,
			CardGrace:       10 * time.Millisecond,
			MatchResetDelay: 20 * time.Millisecond,
		},
		FlushTimeout: 2 * time.Second,
	}, session.Deps{
		Engines: cascade.Engines{Fast: &sttmock.Recognizer{Text: "Boli mnie głowa."}},
		Store:   store,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newServer(t *testing.T, opts ...server.Option) (*httptest.Server, *sessions) {
	t.Helper()
	ss := &sessions{cur: newSession(t, nil), swaps: events.NewTopic[*session.Session](4)}
	ts := httptest.NewServer(server.New(ss, opts...))
	t.Cleanup(ts.Close)
	return ts, ss
}

func postIntent(t *testing.T, ts *httptest.Server, in server.Intent) (int, []byte) {
	t.Helper()
	body, _ := json.Marshal(in)
	resp, err := http.Post(ts.URL+"/v1/intents", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST intent: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIntents_HTTP(t *testing.T) {
	t.Parallel()
	ts, ss := newServer(t)

	tests := []struct {
		name     string
		in       server.Intent
		wantCode int
	}{
		{"pause while idle", server.Intent{Action: "pause"}, http.StatusConflict},
		{"start", server.Intent{Action: "start"}, http.StatusOK},
		{"start twice", server.Intent{Action: "START"}, http.StatusConflict},
		{"unknown suggestion", server.Intent{Action: "select", Text: "Czy pali Pan?"}, http.StatusNotFound},
		{"select without text", server.Intent{Action: "select"}, http.StatusBadRequest},
		{"bad mode", server.Intent{Action: "mode", Mode: "triage"}, http.StatusBadRequest},
		{"mode", server.Intent{Action: "mode", Mode: "decision"}, http.StatusOK},
		{"answer without question", server.Intent{Action: "answer", Answer: "Tak"}, http.StatusBadRequest},
		{"undo without pairs", server.Intent{Action: "undo_pair"}, http.StatusNotFound},
		{"unknown action", server.Intent{Action: "dance"}, http.StatusBadRequest},
		{"toggle stops", server.Intent{Action: "toggle"}, http.StatusOK},
	}
	// Cases build on each other and run in order.
	for _, tt := range tests {
		code, body := postIntent(t, ts, tt.in)
		if code != tt.wantCode {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, code, tt.wantCode, body)
		}
	}
	if got := ss.Current().Info().Status; got != session.StatusIdle {
		t.Errorf("status after toggle = %q, want idle", got)
	}
}

func TestIntents_MalformedBody(t *testing.T) {
	t.Parallel()
	ts, _ := newServer(t)
	resp, err := http.Post(ts.URL+"/v1/intents", "application/json", strings.NewReader(`{"action":"start","extra":1}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIntents_StopReturnsRecord(t *testing.T) {
	t.Parallel()
	ts, _ := newServer(t)
	postIntent(t, ts, server.Intent{Action: "start"})

	code, body := postIntent(t, ts, server.Intent{Action: "stop"})
	if code != http.StatusOK {
		t.Fatalf("stop = %d %s", code, body)
	}
	var res server.StopResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Record.SessionID == "" || res.ExportError != "" {
		t.Errorf("stop result = %+v", res)
	}
}

func TestExportAndRecords(t *testing.T) {
	t.Parallel()
	store, err := export.NewDirStore(t.TempDir(), export.FormatJSON)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	ts, ss := newServer(t, server.WithStore(store))
	id := ss.Current().Info().ID

	resp, err := http.Get(ts.URL + "/v1/session/export?format=json")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	var rec export.Record
	err = json.NewDecoder(resp.Body).Decode(&rec)
	resp.Body.Close()
	if err != nil || rec.SessionID != id {
		t.Fatalf("export = %+v, %v; want session %s", rec, err, id)
	}

	resp, err = http.Get(ts.URL + "/v1/session/export?format=pdf")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("pdf export status = %d, want 400", resp.StatusCode)
	}

	if err := store.Save(context.Background(), export.Record{SessionID: id, Transcript: "Dzień dobry."}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	resp, err = http.Get(ts.URL + "/v1/records/" + id)
	if err != nil {
		t.Fatalf("GET record: %v", err)
	}
	txt, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(txt), "Dzień dobry.") {
		t.Errorf("record = %d %q", resp.StatusCode, txt)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, id+".txt") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	resp, err = http.Get(ts.URL + "/v1/records/missing")
	if err != nil {
		t.Fatalf("GET record: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", resp.StatusCode)
	}
}

type envelope struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readUntil reads envelopes until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(envelope) bool) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if match(env) {
			return env
		}
	}
}

func TestEvents_SnapshotThenIntents(t *testing.T) {
	t.Parallel()
	ts, ss := newServer(t)
	conn := dial(t, ts, "/v1/events")

	env := readUntil(t, conn, func(e envelope) bool { return true })
	if env.Type != server.TypeSnapshot {
		t.Fatalf("first message type = %q, want snapshot", env.Type)
	}
	var snap server.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Session.ID != ss.Current().Info().ID || snap.QA.Target != 10 {
		t.Errorf("snapshot = %+v", snap)
	}

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, server.Intent{ID: "42", Action: "start"}); err != nil {
		t.Fatalf("write intent: %v", err)
	}
	var sawSession bool
	readUntil(t, conn, func(e envelope) bool {
		if e.Type == server.TypeSession && strings.Contains(string(e.Data), `"recording"`) {
			sawSession = true
		}
		return e.Type == server.TypeResult && e.ID == "42"
	})
	if !sawSession {
		readUntil(t, conn, func(e envelope) bool {
			return e.Type == server.TypeSession && strings.Contains(string(e.Data), `"recording"`)
		})
	}

	if err := wsjson.Write(ctx, conn, server.Intent{ID: "43", Action: "pause"}); err != nil {
		t.Fatalf("write intent: %v", err)
	}
	if err := wsjson.Write(ctx, conn, server.Intent{ID: "44", Action: "pause"}); err != nil {
		t.Fatalf("write intent: %v", err)
	}
	refused := readUntil(t, conn, func(e envelope) bool { return e.ID == "44" })
	if refused.Type != server.TypeError || refused.Error == "" {
		t.Errorf("second pause reply = %+v, want error", refused)
	}
}

func TestEvents_FollowSessionSwap(t *testing.T) {
	t.Parallel()
	ts, ss := newServer(t)
	conn := dial(t, ts, "/v1/events")
	readUntil(t, conn, func(e envelope) bool { return e.Type == server.TypeSnapshot })

	next := newSession(t, nil)
	ss.swap(next)

	env := readUntil(t, conn, func(e envelope) bool { return e.Type == server.TypeSnapshot })
	var snap server.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Session.ID != next.Info().ID {
		t.Errorf("snapshot after swap = %s, want %s", snap.Session.ID, next.Info().ID)
	}

	// Notifications now come from the new session.
	next.Pool().ReplaceQuestions([]string{"Od kiedy boli?"})
	readUntil(t, conn, func(e envelope) bool {
		return e.Type == server.TypeSuggestions && strings.Contains(string(e.Data), "Od kiedy boli?")
	})
}

func TestAudio_PushesIntoSession(t *testing.T) {
	t.Parallel()
	ts, ss := newServer(t)
	sess := ss.Current()
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := dial(t, ts, "/v1/audio?format=pcm16&rate=48000&channels=2")

	// 100 ms of 48 kHz stereo.
	frame := make([]float32, 4800*2)
	for i := range frame {
		frame[i] = 0.3
	}
	ctx := context.Background()
	for range 5 {
		if err := conn.Write(ctx, websocket.MessageBinary, audio.Float32ToPCM16(frame)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	// A corrupt frame is dropped without ending the stream.
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, audio.Float32ToPCM16(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	want := 500 * time.Millisecond
	eventually(t, "recorded audio", func() bool { return sess.Info().Recorded >= want })
}

func TestAudio_RejectsBadFormat(t *testing.T) {
	t.Parallel()
	ts, _ := newServer(t)
	tests := []string{
		"?format=mp3",
		"?format=pcm16&rate=zero",
		"?format=opus&channels=3",
		"?channels=-1",
	}
	for _, q := range tests {
		resp, err := http.Get(ts.URL + "/v1/audio" + q)
		if err != nil {
			t.Fatalf("GET %s: %v", q, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestSessionInfo(t *testing.T) {
	t.Parallel()
	ts, ss := newServer(t)
	resp, err := http.Get(ts.URL + "/v1/session")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var info session.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != ss.Current().Info().ID || info.Status != session.StatusIdle {
		t.Errorf("info = %+v", info)
	}
}
