// Package gateway selects a text-generation backend by provider name.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProvider is returned when no backend is registered under a name.
var ErrUnknownProvider = errors.New("unknown provider")

// Settings selects the backend and model for one generation call.
type Settings struct {
	Provider   string
	Model      string
	Parameters map[string]any
}

// ParseParameters decodes a JSON object of model parameters. Empty input
// yields nil.
func ParseParameters(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parsing model parameters: %w", err)
	}
	return p, nil
}

// Provider generates text. prompt is the complete grounding prompt;
// contextText is the context block it embeds, for backends that want the
// evidence as a separate message.
type Provider interface {
	Generate(ctx context.Context, prompt, contextText string, s Settings) (string, error)
}

// ModelLister is implemented by backends that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ProviderModels is the model listing of one registered provider.
type ProviderModels struct {
	Provider string
	Models   []string
	Err      error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt, contextText string, s Settings) (string, error)

func (f ProviderFunc) Generate(ctx context.Context, prompt, contextText string, s Settings) (string, error) {
	return f(ctx, prompt, contextText, s)
}

// Registry maps provider names to backends. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Generate routes the call to the backend named in s.Provider.
func (r *Registry) Generate(ctx context.Context, prompt, contextText string, s Settings) (string, error) {
	p, err := r.Get(s.Provider)
	if err != nil {
		return "", err
	}
	if s.Model == "" {
		return "", fmt.Errorf("provider %s: no model configured", s.Provider)
	}
	return p.Generate(ctx, prompt, contextText, s)
}

// ListModels asks every registered provider for its models, in name order.
// Providers that cannot enumerate models report a nil list. A failing
// provider is reported in its entry and does not stop the others.
func (r *Registry) ListModels(ctx context.Context) []ProviderModels {
	names := r.Names()
	out := make([]ProviderModels, 0, len(names))
	for _, name := range names {
		pm := ProviderModels{Provider: name}
		p, err := r.Get(name)
		if err != nil {
			pm.Err = err
		} else if l, ok := p.(ModelLister); ok {
			pm.Models, pm.Err = l.ListModels(ctx)
		}
		out = append(out, pm)
	}
	return out
}
