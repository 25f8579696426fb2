// Package llm provides the streaming-chat abstraction over concrete LLM
// providers and the registry that builds clients from configuration.
package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/lealvona/code-tumbler/pkg/config"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// Chunk is one streamed fragment. The terminal chunk has Done set and
// carries the final token counts; providers that do not report usage leave
// the counts at the estimate produced by the client.
type Chunk struct {
	Content      string
	Done         bool
	InputTokens  int
	OutputTokens int
}

// StreamingChat is the provider contract: a finite lazy sequence of text
// fragments with explicit end-of-stream. Cancelling ctx terminates the
// stream within the provider's shutdown window.
type StreamingChat interface {
	Stream(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error)
}

// Capabilities are static per-provider flags, available through
// Registry.Capabilities. The agent runner does not consult them.
type Capabilities struct {
	SupportsAsync    bool
	ConcurrencyLimit int
}

// factory builds a concrete client from its config entry.
type factory func(id string, cfg config.ProviderConfig) (StreamingChat, error)

var factories = map[string]factory{
	"openai-compatible": newOpenAICompatible,
	"anthropic":         newAnthropic,
}

// Registry maps provider ids to lazily built clients plus their metadata.
type Registry struct {
	configs map[string]config.ProviderConfig

	mu      sync.Mutex
	clients map[string]StreamingChat
}

// NewRegistry creates a registry over the configured providers.
func NewRegistry(providers map[string]config.ProviderConfig) *Registry {
	return &Registry{
		configs: providers,
		clients: make(map[string]StreamingChat),
	}
}

// Client returns (building on first use) the client for a provider id.
func (r *Registry) Client(id string) (StreamingChat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		return c, nil
	}
	cfg, ok := r.configs[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	build, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("provider %q: no factory for type %q", id, cfg.Type)
	}
	client, err := build(id, cfg)
	if err != nil {
		return nil, fmt.Errorf("building provider %q: %w", id, err)
	}
	r.clients[id] = client
	return client, nil
}

// Capabilities returns the capability flags for a provider id.
func (r *Registry) Capabilities(id string) Capabilities {
	cfg, ok := r.configs[id]
	if !ok {
		return Capabilities{}
	}
	return Capabilities{
		SupportsAsync:    cfg.SupportsAsync,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
	}
}

// Cost computes the dollar cost of a call from the provider's pricing.
func (r *Registry) Cost(id string, inputTokens, outputTokens int) float64 {
	cfg, ok := r.configs[id]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*cfg.InputCostPer1K +
		float64(outputTokens)/1000*cfg.OutputCostPer1K
}

// apiKey reads the provider's key from its configured environment variable.
// The key never travels through config structs or logs.
func apiKey(cfg config.ProviderConfig) string {
	if cfg.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(cfg.APIKeyEnv)
}

// EstimateTokens approximates token counts for providers that do not report
// usage. Four bytes per token is the conventional rough cut.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
