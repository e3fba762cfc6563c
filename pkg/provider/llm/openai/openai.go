// Package openai talks to the OpenAI chat completions endpoint, or to any
// server exposing the same API (vLLM, LM Studio, llama.cpp server), through
// the official openai-go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/consultflow/pkg/provider/llm"
)

// Provider is an [llm.Provider] for one model on one endpoint.
type Provider struct {
	client oai.Client
	model  string
	label  string
}

var _ llm.Provider = (*Provider)(nil)

// Option adjusts the SDK client built by [New].
type Option func(*settings)

type settings struct {
	label   string
	request []option.RequestOption
}

// WithBaseURL points the client at a compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		if url != "" {
			s.request = append(s.request, option.WithBaseURL(url))
		}
	}
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) {
		if org != "" {
			s.request = append(s.request, option.WithOrganization(org))
		}
	}
}

// WithTimeout bounds every HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.request = append(s.request, option.WithHTTPClient(&http.Client{Timeout: d}))
		}
	}
}

// WithLabel sets the name reported in [llm.APIError.Provider] and by Name.
// Default "openai".
func WithLabel(label string) Option {
	return func(s *settings) {
		if label != "" {
			s.label = label
		}
	}
}

// New builds a provider. Retries are left to the caller, so the SDK's own
// retry loop is switched off.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}
	s := settings{label: "openai"}
	for _, o := range opts {
		o(&s)
	}
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, s.request...)
	return &Provider{client: oai.NewClient(reqOpts...), model: model, label: s.label}, nil
}

// Name returns the provider label.
func (p *Provider) Name() string { return p.label }

// Complete sends one chat completion request.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, &llm.APIError{Provider: p.label, StatusCode: apiErr.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("openai: %s: %w", p.label, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s: reply has no choices", p.label)
	}
	choice := resp.Choices[0]
	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// roles maps prompt roles onto SDK message constructors.
var roles = map[string]func(string) oai.ChatCompletionMessageParamUnion{
	llm.RoleSystem:    func(c string) oai.ChatCompletionMessageParamUnion { return oai.SystemMessage(c) },
	llm.RoleUser:      func(c string) oai.ChatCompletionMessageParamUnion { return oai.UserMessage(c) },
	llm.RoleAssistant: func(c string) oai.ChatCompletionMessageParamUnion { return oai.AssistantMessage(c) },
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		build, ok := roles[m.Role]
		if !ok {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d: unknown role %q", i, m.Role)
		}
		msgs = append(msgs, build(m.Content))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat.OfJSONObject = &shared.ResponseFormatJSONObjectParam{}
	}
	return params, nil
}
