package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/council-works/council/pkg/config"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint for OpenRouter.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// Message is a single chat turn sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is a successful chat completion.
type ChatResult struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ChatOptions tune a single gateway call.
type ChatOptions struct {
	// Timeout bounds the call; zero means DefaultChatTimeout.
	Timeout time.Duration
	// Silent suppresses the error log line for expected failures
	// (e.g. probing an optional model).
	Silent bool
}

// DefaultChatTimeout applies when callers pass a zero timeout.
const DefaultChatTimeout = 120 * time.Second

// Gateway routes chat and embedding calls to the configured providers.
type Gateway struct {
	providers  *config.ProviderConfig
	httpClient *http.Client
}

// NewGateway creates a gateway over the given provider configuration.
func NewGateway(providers *config.ProviderConfig) *Gateway {
	return &Gateway{
		providers: providers,
		// Per-call deadlines come from the context; the transport-level
		// client carries no timeout of its own.
		httpClient: &http.Client{},
	}
}

// KeyConfigured reports whether the provider's credential is present.
// Ollama is local and never needs a key.
func (g *Gateway) KeyConfigured(provider Provider) KeyStatus {
	switch provider {
	case ProviderOpenRouter:
		return boolKey(g.providers.OpenRouterAPIKey != "")
	case ProviderDashScope:
		return boolKey(g.providers.DashScopeAPIKey != "")
	case ProviderAPIYi:
		return boolKey(g.providers.APIYiAPIKey != "")
	case ProviderOllama:
		return KeyConfigured
	}
	return KeyUnknown
}

func boolKey(ok bool) KeyStatus {
	if ok {
		return KeyConfigured
	}
	return KeyMissing
}

// Chat sends messages to the model named by spec and returns its reply.
// Any failure (unknown provider, transport, HTTP status, empty body)
// is returned as an error; callers treat errors as a dropped response.
func (g *Gateway) Chat(ctx context.Context, spec string, messages []Message, opts ChatOptions) (*ChatResult, error) {
	parsed := ParseModelSpec(spec)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result *ChatResult
		err    error
	)
	switch parsed.Provider {
	case ProviderOpenRouter, ProviderDashScope, ProviderAPIYi:
		result, err = g.openAIChat(ctx, parsed, messages)
	case ProviderOllama:
		result, err = g.ollamaChat(ctx, parsed.Model, messages)
	default:
		return nil, fmt.Errorf("unsupported provider %q: use one of openrouter, dashscope, apiyi, ollama", parsed.Provider)
	}
	if err != nil {
		if !opts.Silent {
			slog.Error("LLM chat call failed",
				"provider", parsed.Provider, "model", parsed.Model, "error", err)
		}
		return nil, err
	}
	return result, nil
}

// Embed returns one vector per input text, in input order.
func (g *Gateway) Embed(ctx context.Context, spec string, texts []string, opts ChatOptions) ([][]float64, error) {
	parsed := ParseModelSpec(spec)
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		vectors [][]float64
		err     error
	)
	switch parsed.Provider {
	case ProviderOpenRouter, ProviderDashScope, ProviderAPIYi:
		vectors, err = g.openAIEmbed(ctx, parsed, texts)
	case ProviderOllama:
		vectors, err = g.ollamaEmbed(ctx, parsed.Model, texts)
	default:
		return nil, fmt.Errorf("unsupported provider %q: use one of openrouter, dashscope, apiyi, ollama", parsed.Provider)
	}
	if err != nil {
		if !opts.Silent {
			slog.Error("LLM embedding call failed",
				"provider", parsed.Provider, "model", parsed.Model, "error", err)
		}
		return nil, err
	}
	return vectors, nil
}

// openAIClient builds a go-openai client pointed at the provider's
// OpenAI-compatible base URL.
func (g *Gateway) openAIClient(provider Provider) *openai.Client {
	var (
		key     string
		baseURL string
	)
	switch provider {
	case ProviderOpenRouter:
		key = g.providers.OpenRouterAPIKey
		baseURL = OpenRouterBaseURL
	case ProviderDashScope:
		key = g.providers.DashScopeAPIKey
		baseURL = g.providers.DashScopeBaseURL
	case ProviderAPIYi:
		key = g.providers.APIYiAPIKey
		baseURL = g.providers.APIYiBaseURL
	}
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = g.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (g *Gateway) openAIChat(ctx context.Context, spec ModelSpec, messages []Message) (*ChatResult, error) {
	client := g.openAIClient(spec.Provider)

	req := openai.ChatCompletionRequest{
		Model:    spec.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: no choices in response")
	}
	msg := resp.Choices[0].Message
	return &ChatResult{
		Content:   msg.Content,
		Reasoning: msg.ReasoningContent,
	}, nil
}

func (g *Gateway) openAIEmbed(ctx context.Context, spec ModelSpec, texts []string) ([][]float64, error) {
	client := g.openAIClient(spec.Provider)

	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(spec.Model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	// Embeddings arrive with an index per input; sort to input order.
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float64, len(data))
	for i, item := range data {
		vec := make([]float64, len(item.Embedding))
		for j, f := range item.Embedding {
			vec[j] = float64(f)
		}
		vectors[i] = vec
	}
	return vectors, nil
}
