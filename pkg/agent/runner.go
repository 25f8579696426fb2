package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lealvona/code-tumbler/pkg/config"
	"github.com/lealvona/code-tumbler/pkg/events"
	"github.com/lealvona/code-tumbler/pkg/llm"
	"github.com/lealvona/code-tumbler/pkg/models"
	"github.com/lealvona/code-tumbler/pkg/store"
)

// ErrAgentError marks an LLM call that failed or returned unusable output.
// The loop retries once within the iteration before failing the project.
var ErrAgentError = errors.New("agent error")

// ProviderSource resolves provider ids to clients and prices calls.
// Implemented by *llm.Registry.
type ProviderSource interface {
	Client(id string) (llm.StreamingChat, error)
	Cost(id string, inputTokens, outputTokens int) float64
}

// Runner executes agent calls: message assembly on the way in, streaming
// fan-out on the way through, conversation/usage persistence on the way out.
type Runner struct {
	registry   ProviderSource
	store      *store.Store
	bus        *events.Bus
	agents     config.AgentsConfig
	compressor Compressor
}

// NewRunner wires an agent runner.
func NewRunner(registry ProviderSource, st *store.Store, bus *events.Bus, agents config.AgentsConfig, compressor Compressor) *Runner {
	return &Runner{
		registry:   registry,
		store:      st,
		bus:        bus,
		agents:     agents,
		compressor: compressor,
	}
}

// Result carries the full response text plus accounting for one agent call.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Provider     string
}

// run performs one streaming LLM call for the given agent role.
//
// Every fragment becomes a conversation_chunk event. Completion emits one
// conversation_update (which implicitly clears the agent_thinking indicator
// for this project+agent), appends a ConversationMessage, and records usage.
// Cancellation discards all partial output: no ConversationMessage is
// written for an unfinished call.
func (r *Runner) run(ctx context.Context, state *models.State, projectRoot string, agentName models.AgentName, messages []llm.Message) (*Result, error) {
	providerID := r.agents.ProviderFor(agentName, state.ProviderOverrides)
	if providerID == "" {
		return nil, fmt.Errorf("%w: no provider configured for %s", ErrAgentError, agentName)
	}
	client, err := r.registry.Client(providerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentError, err)
	}

	// Compression runs last so markers never reach the provider.
	for i := range messages {
		messages[i].Content = applyCompression(ctx, r.compressor, messages[i].Content)
	}

	r.bus.Publish(events.AgentThinking(state.Name, string(agentName), state.Iteration))

	var full []byte
	var inputTokens, outputTokens int
	chunks, errs := client.Stream(ctx, messages)

	for chunk := range chunks {
		if chunk.Done {
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
			continue
		}
		full = append(full, chunk.Content...)
		r.bus.Publish(events.ConversationChunk(state.Name, string(agentName), chunk.Content))
	}
	if err := <-errs; err != nil {
		if ctx.Err() != nil {
			// Cancelled: partial output is discarded, not persisted.
			return nil, ctx.Err()
		}
		agentLog(projectRoot, agentName, "call failed",
			"provider", providerID, "iteration", state.Iteration, "error", err.Error())
		return nil, fmt.Errorf("%w: %s: %v", ErrAgentError, agentName, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	text := string(full)
	result := &Result{
		Text:         text,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         r.registry.Cost(providerID, inputTokens, outputTokens),
		Provider:     providerID,
	}

	agentLog(projectRoot, agentName, "call complete",
		"provider", providerID, "iteration", state.Iteration,
		"input_tokens", inputTokens, "output_tokens", outputTokens,
		"cost", result.Cost, "response_bytes", len(text))

	r.bus.Publish(events.ConversationUpdate(state.Name, string(agentName), string(models.RoleOutput), state.Iteration, text))

	msg := models.ConversationMessage{
		Timestamp: time.Now().UTC(),
		Agent:     agentName,
		Role:      models.RoleOutput,
		Iteration: state.Iteration,
		Content:   text,
	}
	if err := r.store.AppendConversation(projectRoot, msg); err != nil {
		slog.Warn("Conversation append failed", "project", state.Name, "error", err)
	}

	usage, err := r.store.AppendUsage(ctx, projectRoot, models.UsageRecord{
		Timestamp:    time.Now().UTC(),
		Agent:        agentName,
		Iteration:    state.Iteration,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         result.Cost,
		Provider:     providerID,
	})
	if err != nil {
		slog.Warn("Usage append failed", "project", state.Name, "error", err)
	} else {
		r.bus.Publish(events.UsageUpdate(state.Name, string(agentName), state.Iteration,
			inputTokens, outputTokens, usage.TotalCost))
	}
	return result, nil
}

// recordInput appends the task instruction sent to an agent so the
// conversation log shows both sides of the exchange.
func (r *Runner) recordInput(projectRoot string, state *models.State, agentName models.AgentName, task string) {
	msg := models.ConversationMessage{
		Timestamp: time.Now().UTC(),
		Agent:     agentName,
		Role:      models.RoleInput,
		Iteration: state.Iteration,
		Content:   task,
	}
	if err := r.store.AppendConversation(projectRoot, msg); err != nil {
		slog.Warn("Conversation append failed", "project", state.Name, "error", err)
	}
}
