package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/pool"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

func openaiTestRouter(t *testing.T, server *httptest.Server) *openaiRouter {
	t.Helper()
	cfg := config.BackendConfig{
		Name:    "test-openai",
		Family:  config.FamilyOpenAI,
		BaseURL: server.URL,
		APIKey:  "sk-test",
	}
	p := pool.New(zap.NewNop())
	t.Cleanup(p.Shutdown)
	entry := p.Acquire(pool.NewKey(cfg.BaseURL, cfg.APIKey, "", false))
	return newOpenAIRouter(cfg, entry, zap.NewNop())
}

func chatRequest(stream bool) *protocol.NormalizedRequest {
	return &protocol.NormalizedRequest{
		Model:         "qwq",
		UpstreamModel: "gpt-4o-mini",
		Messages:      []protocol.Message{{Role: "user", Content: "hello"}},
		Stream:        stream,
	}
}

func TestOpenAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var wire protocol.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Equal(t, "gpt-4o-mini", wire.Model)
		assert.False(t, wire.Stream)

		_ = json.NewEncoder(w).Encode(protocol.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o-mini",
			Choices: []protocol.ChatChoice{{
				Message:      &protocol.ChatMessage{Role: "assistant", Content: "hi there"},
				FinishReason: "stop",
			}},
			Usage: protocol.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		})
	}))
	defer server.Close()

	resp, err := openaiTestRouter(t, server).Complete(context.Background(), chatRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestOpenAICompleteUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{
			Error: protocol.APIError{Message: "rate limited", Type: "rate_limit_error"},
		})
	}))
	defer server.Close()

	_, err := openaiTestRouter(t, server).Complete(context.Background(), chatRequest(false))
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusTooManyRequests, status.StatusCode)
	assert.Equal(t, "rate limited", status.Message)
}

func TestOpenAIStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, delta := range []string{"hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	stream, err := openaiTestRouter(t, server).Stream(context.Background(), chatRequest(true))
	require.NoError(t, err)

	var text string
	var done bool
	for chunk := range stream {
		require.Empty(t, chunk.Err)
		text += chunk.Delta
		if chunk.Done {
			done = true
			assert.Equal(t, "stop", chunk.FinishReason)
		}
	}
	assert.Equal(t, "hello", text)
	assert.True(t, done)
}

func TestOpenAIStreamErrorBeforeFirstByte(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer server.Close()

	stream, err := openaiTestRouter(t, server).Stream(context.Background(), chatRequest(true))
	assert.Nil(t, stream, "no channel may exist when fallback is still possible")
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusServiceUnavailable, status.StatusCode)
}

func TestOpenAIStreamCutMidway(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		flusher.Flush()
		// Connection drops without [DONE].
	}))
	defer server.Close()

	stream, err := openaiTestRouter(t, server).Stream(context.Background(), chatRequest(true))
	require.NoError(t, err)

	var sawDelta, sawErr bool
	for chunk := range stream {
		if chunk.Delta != "" {
			sawDelta = true
		}
		if chunk.Err != "" {
			sawErr = true
		}
	}
	assert.True(t, sawDelta)
	assert.True(t, sawErr, "a truncated stream must end with an error frame")
}
