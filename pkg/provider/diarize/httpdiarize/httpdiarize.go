// Package httpdiarize is a diarize.Diarizer that uploads the recording as WAV
// to an HTTP diarization service (a pyannote or NeMo sidecar) at
// POST {baseURL}/diarize and decodes its JSON segment list.
//
// Expected response:
//
//	{"segments":[{"start":0.0,"end":2.4,"speaker":"SPEAKER_00"}, ...]}
package httpdiarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/consultflow/pkg/audio"
	"github.com/MrWong99/consultflow/pkg/provider/diarize"
)

// Option is a functional option for Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Defaults to a 5 minute timeout,
// since diarization runs over the whole recording.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithNumSpeakers hints the expected speaker count. Zero lets the service
// decide.
func WithNumSpeakers(n int) Option {
	return func(c *Client) { c.numSpeakers = n }
}

// Client implements diarize.Diarizer over HTTP.
type Client struct {
	baseURL     string
	apiKey      string
	numSpeakers int
	httpClient  *http.Client
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("httpdiarize: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type wireSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Speaker    string   `json:"speaker"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Diarize implements diarize.Diarizer.
func (c *Client) Diarize(ctx context.Context, samples []float32) ([]diarize.Segment, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "session.wav")
	if err != nil {
		return nil, fmt.Errorf("httpdiarize: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(samples)); err != nil {
		return nil, fmt.Errorf("httpdiarize: write wav: %w", err)
	}
	if c.numSpeakers > 0 {
		if err := mw.WriteField("num_speakers", fmt.Sprint(c.numSpeakers)); err != nil {
			return nil, fmt.Errorf("httpdiarize: write num_speakers: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("httpdiarize: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/diarize", &body)
	if err != nil {
		return nil, fmt.Errorf("httpdiarize: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpdiarize: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpdiarize: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Segments []wireSegment `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("httpdiarize: decode response: %w", err)
	}

	out := make([]diarize.Segment, 0, len(result.Segments))
	for _, s := range result.Segments {
		seg := diarize.Segment{
			Start:      seconds(s.Start),
			End:        seconds(s.End),
			SpeakerID:  s.Speaker,
			Role:       diarize.RoleUnknown,
			Confidence: 1.0,
		}
		if s.Confidence != nil {
			seg.Confidence = *s.Confidence
		}
		if seg.SpeakerID == "" {
			seg.SpeakerID = "SPEAKER_00"
		}
		out = append(out, seg)
	}
	return out, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

var _ diarize.Diarizer = (*Client)(nil)
