// Package whisper provides whisper.cpp-backed recognizers.
//
// Client talks to a running whisper-server binary (POST /inference, multipart
// WAV upload). Native links whisper.cpp in-process through the cgo bindings
// and is used when the model file is available locally.
//
// Usage:
//
//	c, err := whisper.New("http://localhost:8080", whisper.WithLanguage("pl"))
//	text, err := c.Transcribe(ctx, samples, stt.DecodeOptions{BeamSize: 5})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/consultflow/pkg/audio"
	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

const defaultLanguage = "pl"

// Compile-time assertions.
var (
	_ stt.Recognizer = (*Client)(nil)
	_ stt.Named      = (*Client)(nil)
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g. "medium", "large-v3"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithLanguage sets the default language sent when a call carries no hint.
// Defaults to "pl".
func WithLanguage(lang string) Option {
	return func(c *Client) {
		c.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 60 s
// timeout, which covers a final pass over several minutes of audio.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client implements stt.Recognizer against a whisper.cpp HTTP server.
type Client struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Client for the whisper.cpp server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	c := &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name implements stt.Named.
func (c *Client) Name() string {
	if c.model != "" {
		return "whisper-http:" + c.model
	}
	return "whisper-http"
}

// Transcribe encodes samples as WAV and posts them to /inference.
func (c *Client) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(samples)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = c.language
	}
	fields := map[string]string{
		"response_format": "json",
		"language":        lang,
		"model":           c.model,
	}
	if opts.BeamSize > 1 {
		fields["beam_size"] = strconv.Itoa(opts.BeamSize)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
