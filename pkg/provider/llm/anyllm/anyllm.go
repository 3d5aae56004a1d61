// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider], so
// the interviewer agent can run on any chat backend that library speaks to.
//
//	p, err := anyllm.NewGroq("", anyllmlib.WithAPIKey("gsk_..."))
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest")
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/panelist/pkg/provider/llm"
	"github.com/MrWong99/panelist/pkg/types"
)

// DefaultGroqModel is used by [NewGroq] when no model is given.
const DefaultGroqModel = "llama-3.3-70b-versatile"

// jsonInstruction is appended to the system prompt when the caller wants a
// JSON object back. any-llm-go has no portable response-format switch, so the
// prompt carries the requirement.
const jsonInstruction = "Respond with exactly one JSON object and nothing else."

// ErrEmptyReply is returned when the backend answers without any choice.
var ErrEmptyReply = errors.New("anyllm: backend returned no choices")

type backendFactory func(opts ...anyllmlib.Option) (anyllmlib.Provider, error)

// backends maps the names accepted by [New] to their any-llm-go constructor.
var backends = map[string]backendFactory{
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Backends lists the backend names [New] understands, sorted.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var _ llm.Provider = (*Provider)(nil)

// Provider sends interviewer prompts through one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New connects to the named backend. Without an API key option the backend
// reads its usual environment variable (GROQ_API_KEY, ANTHROPIC_API_KEY, ...).
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, errors.New("anyllm: backend name is required")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: %s: model is required", backendName)
	}
	name := strings.ToLower(backendName)
	factory, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (known: %s)", backendName, strings.Join(Backends(), ", "))
	}
	backend, err := factory(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: init %s: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

// NewGroq is [New] for Groq with [DefaultGroqModel] as fallback model.
func NewGroq(model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		model = DefaultGroqModel
	}
	return New("groq", model, opts...)
}

// NewOllama is [New] for a local Ollama daemon, by default on
// http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	return out, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	system := req.SystemPrompt
	if req.JSONObject {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}

	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if system != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if temp := req.Temperature; temp != 0 {
		params.Temperature = &temp
	}
	if limit := req.MaxTokens; limit > 0 {
		params.MaxTokens = &limit
	}
	return params
}

// modelFamily describes every model whose lower-cased name starts with one
// of prefixes.
type modelFamily struct {
	prefixes []string
	caps     types.ModelCapabilities
}

var families = []modelFamily{
	{[]string{"llama-3.3-70b", "llama-3.1-8b"}, types.ModelCapabilities{ContextWindow: 131_072, MaxOutputTokens: 32_768, SupportsJSONMode: true}},
	{[]string{"gpt-4o", "gpt-4.1"}, types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsJSONMode: true}},
	{[]string{"claude"}, types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},
	{[]string{"gemini"}, types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsJSONMode: true}},
}

// unknownModel is what a model outside every family is assumed to handle.
var unknownModel = types.ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4_096}

func modelCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, f := range families {
		for _, prefix := range f.prefixes {
			if strings.HasPrefix(lower, prefix) {
				return f.caps
			}
		}
	}
	return unknownModel
}
