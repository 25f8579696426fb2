package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lealvona/code-tumbler/pkg/config"
)

// anthropicChat adapts the official Anthropic SDK to StreamingChat.
type anthropicChat struct {
	id     string
	model  string
	cfg    config.ProviderConfig
	client anthropic.Client
}

const defaultAnthropicMaxTokens = 8192

func newAnthropic(id string, cfg config.ProviderConfig) (StreamingChat, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey(cfg))}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicChat{
		id:     id,
		model:  cfg.Model,
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (c *anthropicChat) Stream(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		params := c.buildParams(messages)
		stream := c.client.Messages.NewStreaming(ctx, params)

		var inputTokens, outputTokens int
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				inputTokens = int(ev.Message.Usage.InputTokens)
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case chunks <- Chunk{Content: delta.Text}:
					case <-ctx.Done():
						errs <- ctx.Err()
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				outputTokens = int(ev.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("provider %s: %w", c.id, err)
			return
		}
		select {
		case chunks <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

func (c *anthropicChat) buildParams(messages []Message) anthropic.MessageNewParams {
	maxTokens := c.cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
	}
	if c.cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*c.cfg.Temperature)
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System,
				anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}
