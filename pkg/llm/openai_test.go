package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lealvona/code-tumbler/pkg/config"
)

func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func collect(t *testing.T, chunks <-chan Chunk, errs <-chan error) (string, Chunk) {
	t.Helper()
	var text strings.Builder
	var final Chunk
	for chunk := range chunks {
		if chunk.Done {
			final = chunk
			continue
		}
		text.WriteString(chunk.Content)
	}
	require.NoError(t, <-errs)
	return text.String(), final
}

func openAIClient(t *testing.T, baseURL string) StreamingChat {
	t.Helper()
	t.Setenv("TEST_OPENAI_KEY", "test-key")
	client, err := newOpenAICompatible("local", config.ProviderConfig{
		Type:      "openai-compatible",
		BaseURL:   baseURL,
		Model:     "test-model",
		APIKeyEnv: "TEST_OPENAI_KEY",
	})
	require.NoError(t, err)
	return client
}

func TestOpenAIStream(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`{"choices": [{"delta": {"content": "Hello"}}]}`,
		`{"choices": [{"delta": {"content": " world"}}]}`,
		`{"choices": [], "usage": {"prompt_tokens": 12, "completion_tokens": 7}}`,
	}))
	defer server.Close()

	client := openAIClient(t, server.URL)
	chunks, errs := client.Stream(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "greet"},
	})

	text, final := collect(t, chunks, errs)
	assert.Equal(t, "Hello world", text)
	assert.True(t, final.Done)
	assert.Equal(t, 12, final.InputTokens)
	assert.Equal(t, 7, final.OutputTokens)
}

func TestOpenAIStreamEstimatesTokensWithoutUsage(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`{"choices": [{"delta": {"content": "four byte pack"}}]}`,
	}))
	defer server.Close()

	client := openAIClient(t, server.URL)
	chunks, errs := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi there you"}})
	_, final := collect(t, chunks, errs)
	assert.Equal(t, EstimateTokens("hi there you"), final.InputTokens)
	assert.Equal(t, EstimateTokens("four byte pack"), final.OutputTokens)
}

func TestOpenAIStreamClientErrorNotRetried(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := openAIClient(t, server.URL)
	chunks, errs := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	for range chunks {
	}
	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Equal(t, 1, hits, "4xx must not be retried")
}

func TestOpenAIStreamRetriesServerErrors(t *testing.T) {
	var hits int
	handler := sseHandler(t, []string{`{"choices": [{"delta": {"content": "ok"}}]}`})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		handler(w, r)
	}))
	defer server.Close()

	client := openAIClient(t, server.URL)
	chunks, errs := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	text, _ := collect(t, chunks, errs)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 2, hits)
}

func TestOpenAIStreamCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {\"content\": \"start\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client := openAIClient(t, server.URL)
	chunks, errs := client.Stream(ctx, []Message{{Role: RoleUser, Content: "x"}})
	for range chunks {
	}
	err := <-errs
	require.Error(t, err, "cancelled stream must surface an error")
}

func TestRegistryCapabilitiesAndCost(t *testing.T) {
	registry := NewRegistry(map[string]config.ProviderConfig{
		"fast": {
			Type: "openai-compatible", BaseURL: "http://localhost:1", Model: "m",
			InputCostPer1K: 0.5, OutputCostPer1K: 1.5,
			SupportsAsync: true, ConcurrencyLimit: 4,
		},
	})

	caps := registry.Capabilities("fast")
	assert.True(t, caps.SupportsAsync)
	assert.Equal(t, 4, caps.ConcurrencyLimit)
	assert.Equal(t, Capabilities{}, registry.Capabilities("ghost"))

	assert.InDelta(t, 0.5+1.5, registry.Cost("fast", 1000, 1000), 1e-9)
	assert.Zero(t, registry.Cost("ghost", 1000, 1000))

	_, err := registry.Client("ghost")
	require.Error(t, err)

	client, err := registry.Client("fast")
	require.NoError(t, err)
	again, err := registry.Client("fast")
	require.NoError(t, err)
	assert.Same(t, client, again, "clients are cached per provider id")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 3, EstimateTokens("twelve chars"))
}
