package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/MrWong99/consultflow/pkg/audio"
)

// maxFrameBytes bounds one capture message: a second of 48 kHz stereo PCM16.
const maxFrameBytes = 48000 * 2 * 2

// decoder turns one binary capture message into mono samples at
// [audio.SampleRate].
type decoder func([]byte) ([]float32, error)

// newDecoder reads the stream format from the query: format=pcm16 (default)
// with rate and channels, or format=opus with channels.
func newDecoder(q url.Values) (decoder, error) {
	channels, err := intParam(q, "channels", 1)
	if err != nil {
		return nil, err
	}
	switch q.Get("format") {
	case "", "pcm16":
		rate, err := intParam(q, "rate", audio.SampleRate)
		if err != nil {
			return nil, err
		}
		n := &audio.Normalizer{}
		return func(b []byte) ([]float32, error) {
			samples := n.Normalize(audio.Frame{Data: b, SampleRate: rate, Channels: channels})
			if samples == nil {
				return nil, errors.New("malformed pcm frame")
			}
			return samples, nil
		}, nil
	case "opus":
		dec, err := audio.NewOpusDecoder(channels)
		if err != nil {
			return nil, err
		}
		return dec.Decode, nil
	default:
		return nil, fmt.Errorf("unknown format %q", q.Get("format"))
	}
}

func intParam(q url.Values, key string, def int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

// serveAudio pushes every binary message into the current session. A text
// message "finalize" forces a final recognition pass. Frames arriving while
// the session is not recording are dropped.
func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request) {
	decode, err := newDecoder(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("server: audio: %w", err))
		return
	}
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		slog.Debug("server: audio accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	log := slog.With("remote", r.RemoteAddr, "format", r.URL.Query().Get("format"))
	log.Info("server: audio stream opened")

	var pushed, dropped, corrupt int
	defer func() {
		log.Info("server: audio stream closed", "frames", pushed, "dropped", dropped, "corrupt", corrupt)
	}()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if !isNormalClose(err) && ctx.Err() == nil {
				log.Warn("server: audio stream failed", "err", err)
			}
			return
		}
		if typ == websocket.MessageText {
			if string(data) == ActionFinalize {
				s.sessions.Current().ForceFinalize()
			}
			continue
		}
		samples, err := decode(data)
		if err != nil {
			if corrupt++; corrupt == 1 {
				log.Warn("server: dropping undecodable audio", "err", err)
			}
			continue
		}
		if s.sessions.Current().Push(samples) {
			pushed++
		} else {
			dropped++
		}
	}
}
