package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/grounded/internal/ollama"
	"github.com/kalambet/grounded/internal/openrouter"
)

const systemPrompt = "You answer questions strictly from supplied evidence and cite it with the exact labels given."

// OllamaClient is the part of the Ollama client used by the backend.
type OllamaClient interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, options map[string]any) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

type ollamaBackend struct {
	c OllamaClient
}

// Ollama generates with a local Ollama model. Parameters become model options.
func Ollama(c OllamaClient) Provider {
	return ollamaBackend{c: c}
}

func (b ollamaBackend) Generate(ctx context.Context, prompt, _ string, s Settings) (string, error) {
	out, err := b.c.Chat(ctx, s.Model, []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, s.Parameters)
	if err != nil {
		return "", fmt.Errorf("ollama %s: %w", s.Model, err)
	}
	return out, nil
}

func (b ollamaBackend) ListModels(ctx context.Context) ([]string, error) {
	return b.c.ListModels(ctx)
}

// OpenRouterClient is the part of the OpenRouter client used by the backend.
type OpenRouterClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (openrouter.ChatResponse, error)
	ListModels(ctx context.Context) ([]openrouter.Model, error)
}

type openRouterBackend struct {
	c OpenRouterClient
}

// OpenRouter generates through the OpenRouter chat completions API.
// Parameters are merged into the request body.
func OpenRouter(c OpenRouterClient) Provider {
	return openRouterBackend{c: c}
}

func (b openRouterBackend) Generate(ctx context.Context, prompt, _ string, s Settings) (string, error) {
	req := openrouter.ChatRequest{
		Model: s.Model,
		Messages: []openrouter.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	if len(s.Parameters) > 0 {
		req.Extra = make(map[string]json.RawMessage, len(s.Parameters))
		for k, v := range s.Parameters {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("encoding parameter %s: %w", k, err)
			}
			req.Extra[k] = b
		}
	}

	resp, err := b.c.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openrouter %s: %w", s.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openrouter: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (b openRouterBackend) ListModels(ctx context.Context) ([]string, error) {
	models, err := b.c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return ids, nil
}
