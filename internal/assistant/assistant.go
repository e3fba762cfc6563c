// Package assistant is the language-model client of the consultation engine.
//
// A [Client] turns the reconciled transcript into suggestion batches,
// decision cards, corrected segments, conversation-mode classifications and
// candidate patient answers. Every operation sends a fixed JSON prompt to an
// [llm.Provider] and parses the reply strictly; unusable replies surface as
// [ErrMalformed].
//
// Transient failures are retried with bounded exponential backoff.
// Credential failures ([ErrAuth]) fail fast.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/consultflow/internal/intent"
	"github.com/MrWong99/consultflow/internal/observe"
	"github.com/MrWong99/consultflow/internal/resilience"
	"github.com/MrWong99/consultflow/internal/suggest"
	"github.com/MrWong99/consultflow/pkg/provider/llm"
)

// Operation names used in logs and metrics.
const (
	OpSuggestions = "suggestions"
	OpDecision    = "decision_cards"
	OpValidate    = "validate"
	OpClassify    = "classify"
	OpAnswers     = "patient_answers"
)

const (
	defaultMaxTranscript = 6000
	defaultMaxItems      = 5
	defaultMaxAnswers    = 4
)

// Validation is the corrected form of a raw final segment.
type Validation struct {
	CorrectedText string `json:"corrected_text"`
	NeedsNewline  bool   `json:"needs_newline"`
}

// Client is safe for concurrent use.
type Client struct {
	llm           llm.Provider
	retry         RetryPolicy
	breaker       *resilience.CircuitBreaker
	metrics       *observe.Metrics
	maxTranscript int
	maxItems      int
}

var _ intent.ModelClassifier = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithRetry sets the backoff policy. Default: [DefaultRetryPolicy].
func WithRetry(p RetryPolicy) Option { return func(c *Client) { c.retry = p } }

// WithBreaker guards every attempt with cb. An open breaker fails the call
// without retrying.
func WithBreaker(cb *resilience.CircuitBreaker) Option { return func(c *Client) { c.breaker = cb } }

// WithMetrics records per-attempt latency. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithMaxTranscript caps the transcript runes sent per prompt. Older text is
// dropped first.
func WithMaxTranscript(n int) Option { return func(c *Client) { c.maxTranscript = n } }

// WithMaxItems caps the suggestions and cards requested per call.
func WithMaxItems(n int) Option { return func(c *Client) { c.maxItems = n } }

// New returns a Client backed by provider.
func New(provider llm.Provider, opts ...Option) *Client {
	c := &Client{
		llm:           provider,
		retry:         DefaultRetryPolicy(),
		maxTranscript: defaultMaxTranscript,
		maxItems:      defaultMaxItems,
	}
	for _, o := range opts {
		o(c)
	}
	c.retry = c.retry.withDefaults()
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// GenerateSuggestions proposes follow-up questions for the given mode,
// never returning an item of exclude verbatim.
func (c *Client) GenerateSuggestions(ctx context.Context, transcript string, exclude []string, mode intent.Mode) ([]string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(suggestionsPrompt, c.maxItems, focusFor(mode)),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: suggestionsUser(tail(transcript, c.maxTranscript), exclude)}},
		Temperature:  0.7,
		JSON:         true,
	}
	var out struct {
		Questions []string `json:"questions"`
	}
	if err := c.do(ctx, OpSuggestions, req, &out); err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	qs := make([]string, 0, len(out.Questions))
	for _, q := range out.Questions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, ok := skip[strings.ToLower(q)]; ok {
			continue
		}
		qs = append(qs, q)
	}
	return qs, nil
}

// GenerateDecisionCards returns check and script cards. Cards of any other
// kind are dropped.
func (c *Client) GenerateDecisionCards(ctx context.Context, transcript string) ([]suggest.Suggestion, error) {
	req := llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(decisionPrompt, c.maxItems),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Transcript:\n" + tail(transcript, c.maxTranscript)}},
		Temperature:  0.4,
		JSON:         true,
	}
	var out struct {
		Cards []struct {
			Text string `json:"text"`
			Kind string `json:"kind"`
		} `json:"cards"`
	}
	if err := c.do(ctx, OpDecision, req, &out); err != nil {
		return nil, err
	}
	cards := make([]suggest.Suggestion, 0, len(out.Cards))
	for _, card := range out.Cards {
		text := strings.TrimSpace(card.Text)
		kind := suggest.Kind(strings.ToLower(strings.TrimSpace(card.Kind)))
		if text == "" || (kind != suggest.KindCheck && kind != suggest.KindScript) {
			continue
		}
		cards = append(cards, suggest.Suggestion{Text: text, Kind: kind})
	}
	return cards, nil
}

// ValidateSegment corrects a raw segment. prior is the already validated
// transcript and known lists questions the physician asked, both used only
// as hints. The length guardrail is the caller's job.
func (c *Client) ValidateSegment(ctx context.Context, segment, prior string, known []string) (Validation, error) {
	req := llm.CompletionRequest{
		SystemPrompt: validatePrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: validateUser(segment, tail(prior, c.maxTranscript/4), known)}},
		Temperature:  0.1,
		JSON:         true,
	}
	var out Validation
	if err := c.do(ctx, OpValidate, req, &out); err != nil {
		return Validation{}, err
	}
	out.CorrectedText = strings.TrimSpace(out.CorrectedText)
	return out, nil
}

// ClassifyMode implements [intent.ModelClassifier].
func (c *Client) ClassifyMode(ctx context.Context, transcript string) (intent.Result, error) {
	req := llm.CompletionRequest{
		SystemPrompt: classifyPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: tail(transcript, c.maxTranscript)}},
		Temperature:  0.1,
		JSON:         true,
	}
	var out struct {
		Mode       string  `json:"mode"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	var mode intent.Mode
	err := c.doParsed(ctx, OpClassify, req, &out, func() error {
		m, err := intent.ParseMode(out.Mode)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if out.Confidence < 0 || out.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v out of range", ErrMalformed, out.Confidence)
		}
		mode = m
		return nil
	})
	if err != nil {
		return intent.Result{}, err
	}
	return intent.Result{
		Mode:       mode,
		Confidence: out.Confidence,
		Reason:     strings.TrimSpace(out.Reason),
		Source:     intent.SourceModel,
	}, nil
}

// GeneratePatientAnswers proposes likely patient replies to question.
func (c *Client) GeneratePatientAnswers(ctx context.Context, question string) ([]string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(answersPrompt, defaultMaxAnswers),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Question: " + question}},
		Temperature:  0.6,
		JSON:         true,
	}
	var out struct {
		Answers []string `json:"answers"`
	}
	if err := c.do(ctx, OpAnswers, req, &out); err != nil {
		return nil, err
	}
	answers := make([]string, 0, len(out.Answers))
	for _, a := range out.Answers {
		if a = strings.TrimSpace(a); a != "" {
			answers = append(answers, a)
		}
		if len(answers) == defaultMaxAnswers {
			break
		}
	}
	return answers, nil
}

func (c *Client) do(ctx context.Context, op string, req llm.CompletionRequest, out any) error {
	return c.doParsed(ctx, op, req, out, nil)
}

// doParsed runs one operation with retries. check, when set, validates the
// decoded reply; its ErrMalformed errors are retried like parse failures.
func (c *Client) doParsed(ctx context.Context, op string, req llm.CompletionRequest, out any, check func() error) error {
	ctx, span := observe.StartSpan(ctx, "assistant."+op)
	defer span.End()
	log := observe.Logger(ctx).With("op", op)
	var err error
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if attempt > 0 {
			d := c.retry.delay(attempt - 1)
			log.Debug("assistant: retrying", "attempt", attempt+1, "delay", d, "err", err)
			if serr := sleep(ctx, d); serr != nil {
				return fmt.Errorf("assistant: %s: %w", op, serr)
			}
		}

		start := time.Now()
		err = c.attempt(ctx, req, out, check)
		c.metrics.RecordLLM(ctx, op, statusOf(err), time.Since(start))
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuth) {
			log.Error("assistant: backend rejected credentials", "err", err)
			c.metrics.RecordProviderError(ctx, "llm", "auth")
			return fmt.Errorf("assistant: %s: %w", op, err)
		}
		if !retryable(err) {
			break
		}
	}
	if ctx.Err() == nil {
		c.metrics.RecordProviderError(ctx, "llm", statusOf(err))
	}
	span.RecordError(err)
	return fmt.Errorf("assistant: %s: %w", op, err)
}

func (c *Client) attempt(ctx context.Context, req llm.CompletionRequest, out any, check func() error) error {
	call := func() error {
		resp, err := c.llm.Complete(ctx, req)
		if err != nil {
			return classify(err)
		}
		if resp == nil {
			return fmt.Errorf("%w: empty response", ErrMalformed)
		}
		if err := decode(resp.Content, out); err != nil {
			if resp.FinishReason == llm.FinishLength {
				return fmt.Errorf("%w (reply truncated at %d tokens)", err, req.MaxTokens)
			}
			return err
		}
		if check != nil {
			return check()
		}
		return nil
	}
	if c.breaker == nil {
		return call()
	}
	return c.breaker.Execute(call)
}

// decode unmarshals a model reply, tolerating markdown code fences and prose
// around the JSON object.
func decode(content string, out any) error {
	cleaned := extractJSON(stripMarkdown(content))
	if cleaned == "" {
		return fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		slog.Debug("assistant: unparseable reply", "content", content)
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// stripMarkdown removes ```json ... ``` fences some models add.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// extractJSON returns the outermost {...} span of s.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
