package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Ollama speaks its own JSON API rather than the OpenAI wire format:
// non-streaming chat at /api/chat and one embedding per request at
// /api/embeddings.

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

func (g *Gateway) ollamaChat(ctx context.Context, model string, messages []Message) (*ChatResult, error) {
	url := strings.TrimRight(g.providers.OllamaBaseURL, "/") + "/api/chat"

	var resp ollamaChatResponse
	if err := g.postJSON(ctx, url, ollamaChatRequest{Model: model, Messages: messages, Stream: false}, &resp); err != nil {
		return nil, err
	}
	return &ChatResult{Content: resp.Message.Content}, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (g *Gateway) ollamaEmbed(ctx context.Context, model string, texts []string) ([][]float64, error) {
	url := strings.TrimRight(g.providers.OllamaBaseURL, "/") + "/api/embeddings"

	vectors := make([][]float64, 0, len(texts))
	for _, text := range texts {
		var resp ollamaEmbedResponse
		if err := g.postJSON(ctx, url, ollamaEmbedRequest{Model: model, Prompt: text}, &resp); err != nil {
			return nil, err
		}
		if resp.Embedding == nil {
			return nil, fmt.Errorf("ollama embeddings: missing embedding in response")
		}
		vectors = append(vectors, resp.Embedding)
	}
	return vectors, nil
}

func (g *Gateway) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
