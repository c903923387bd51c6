package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/pool"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// openaiRouter speaks the OpenAI chat completions wire format. It covers the
// real OpenAI API and any compatible server (vLLM, llama.cpp, LM Studio).
type openaiRouter struct {
	cfg    config.BackendConfig
	entry  *pool.Entry
	logger *zap.Logger
}

func newOpenAIRouter(cfg config.BackendConfig, entry *pool.Entry, logger *zap.Logger) *openaiRouter {
	return &openaiRouter{cfg: cfg, entry: entry, logger: logger}
}

func (r *openaiRouter) Name() string                 { return r.cfg.Name }
func (r *openaiRouter) Family() config.BackendFamily { return config.FamilyOpenAI }
func (r *openaiRouter) Config() config.BackendConfig { return r.cfg }
func (r *openaiRouter) Capabilities() Capabilities   { return Capabilities{} }

func (r *openaiRouter) endpoint() string {
	return strings.TrimRight(r.cfg.BaseURL, "/") + "/chat/completions"
}

func (r *openaiRouter) headers() map[string]string {
	h := make(map[string]string)
	if r.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + r.cfg.APIKey
	}
	return h
}

func (r *openaiRouter) Complete(ctx context.Context, req *protocol.NormalizedRequest) (*protocol.NormalizedResponse, error) {
	wire := protocol.ToOpenAIRequest(req)
	wire.Stream = false

	resp, err := postJSON(ctx, r.entry, r.endpoint(), r.headers(), wire)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", r.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	var body protocol.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", r.cfg.Name, err)
	}
	return protocol.FromOpenAIResponse(&body), nil
}

func (r *openaiRouter) Stream(ctx context.Context, req *protocol.NormalizedRequest) (<-chan protocol.Chunk, error) {
	wire := protocol.ToOpenAIRequest(req)
	wire.Stream = true

	resp, err := postJSON(ctx, r.entry, r.endpoint(), r.headers(), wire)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", r.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		// Still pre-first-byte: the dispatcher may fall back.
		return nil, drainError(resp)
	}

	out := make(chan protocol.Chunk, streamBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		sawDone := false
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				sawDone = true
				sendChunk(ctx, out, protocol.Chunk{Done: true, FinishReason: "stop"})
				return
			}

			var wireChunk protocol.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &wireChunk); err != nil {
				r.logger.Warn("skipping malformed stream chunk",
					zap.String("backend", r.cfg.Name), zap.Error(err))
				continue
			}
			chunk := protocol.ChunkFromOpenAIStream(&wireChunk)
			if chunk.FinishReason != "" {
				sawDone = true
				chunk.Done = true
			}
			if !sendChunk(ctx, out, chunk) || chunk.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, protocol.Chunk{Err: fmt.Sprintf("stream from %s interrupted: %v", r.cfg.Name, err)})
			return
		}
		if !sawDone {
			sendChunk(ctx, out, protocol.Chunk{Err: fmt.Sprintf("stream from %s ended without completion", r.cfg.Name)})
		}
	}()
	return out, nil
}
