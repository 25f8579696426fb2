package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lealvona/code-tumbler/pkg/config"
)

// openAICompatible speaks the OpenAI chat-completions SSE protocol. It also
// covers local HTTP servers (Ollama, vLLM) that expose the same surface.
type openAICompatible struct {
	id      string
	baseURL string
	model   string
	key     string
	cfg     config.ProviderConfig
	http    *http.Client
}

func newOpenAICompatible(id string, cfg config.ProviderConfig) (StreamingChat, error) {
	return &openAICompatible{
		id:      id,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		key:     apiKey(cfg),
		cfg:     cfg,
		// No overall timeout: streams are long-lived and bounded by ctx.
		http: &http.Client{},
	}, nil
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions *streamOpts   `json:"stream_options,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream opens the SSE stream and forwards deltas as chunks. Connection
// establishment is retried with exponential backoff; once streaming, errors
// terminate the sequence.
func (c *openAICompatible) Stream(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(c.buildRequest(messages))
		if err != nil {
			errs <- fmt.Errorf("encoding request: %w", err)
			return
		}

		resp, err := c.connect(ctx, body)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		var inputTokens, outputTokens int
		var produced strings.Builder

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}
			var sr chatStreamResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				// Malformed keep-alive or vendor extension; skip.
				continue
			}
			if sr.Usage != nil {
				inputTokens = sr.Usage.PromptTokens
				outputTokens = sr.Usage.CompletionTokens
			}
			if len(sr.Choices) == 0 {
				continue
			}
			delta := sr.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			produced.WriteString(delta)
			select {
			case chunks <- Chunk{Content: delta}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("reading stream: %w", err)
			return
		}

		if inputTokens == 0 {
			for _, m := range messages {
				inputTokens += EstimateTokens(m.Content)
			}
		}
		if outputTokens == 0 {
			outputTokens = EstimateTokens(produced.String())
		}
		select {
		case chunks <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

func (c *openAICompatible) buildRequest(messages []Message) chatRequest {
	req := chatRequest{
		Model:         c.model,
		Stream:        true,
		StreamOptions: &streamOpts{IncludeUsage: true},
		MaxTokens:     c.cfg.MaxTokens,
		Temperature:   c.cfg.Temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

// connect performs the POST with retry on transient failures (connection
// errors and 5xx/429). 4xx responses fail immediately.
func (c *openAICompatible) connect(ctx context.Context, body []byte) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if c.key != "" {
			req.Header.Set("Authorization", "Bearer "+c.key)
		}

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			err := fmt.Errorf("provider %s: HTTP %d: %s", c.id, r.StatusCode, strings.TrimSpace(string(msg)))
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("connecting to provider %s: %w", c.id, err)
	}
	return resp, nil
}
