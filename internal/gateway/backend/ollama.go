package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/pool"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// ollamaRouter speaks the native Ollama API. Chat-shaped requests go to
// /api/chat, prompt-shaped ones to /api/generate. Streaming responses are
// newline-delimited JSON, one object per line.
type ollamaRouter struct {
	cfg    config.BackendConfig
	entry  *pool.Entry
	logger *zap.Logger
}

func newOllamaRouter(cfg config.BackendConfig, entry *pool.Entry, logger *zap.Logger) *ollamaRouter {
	return &ollamaRouter{cfg: cfg, entry: entry, logger: logger}
}

func (r *ollamaRouter) Name() string                 { return r.cfg.Name }
func (r *ollamaRouter) Family() config.BackendFamily { return config.FamilyOllama }
func (r *ollamaRouter) Config() config.BackendConfig { return r.cfg }
// Capabilities is empty by default: a plain Ollama daemon does not understand
// tool references or prefix markers and must receive full payloads. When the
// upstream is another gateway instance, set extra coordinated_compaction on
// the backend to enable both encodings.
func (r *ollamaRouter) Capabilities() Capabilities {
	if r.cfg.Extra["coordinated_compaction"] == "true" {
		return Capabilities{ToolRefs: true, PromptDiff: true}
	}
	return Capabilities{}
}

func (r *ollamaRouter) url(path string) string {
	return strings.TrimRight(r.cfg.BaseURL, "/") + path
}

func (r *ollamaRouter) headers() map[string]string {
	h := make(map[string]string)
	if r.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + r.cfg.APIKey
	}
	return h
}

// generateShaped reports whether the request should hit /api/generate rather
// than /api/chat.
func generateShaped(req *protocol.NormalizedRequest) bool {
	return len(req.Messages) == 0 && req.Prompt != ""
}

func (r *ollamaRouter) Complete(ctx context.Context, req *protocol.NormalizedRequest) (*protocol.NormalizedResponse, error) {
	if generateShaped(req) {
		return r.completeGenerate(ctx, req)
	}

	wire := protocol.ToOllamaChatRequest(req)
	stream := false
	wire.Stream = &stream

	resp, err := postJSON(ctx, r.entry, r.url("/api/chat"), r.headers(), wire)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", r.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	var body protocol.OllamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", r.cfg.Name, err)
	}
	return protocol.FromOllamaChatResponse(&body), nil
}

func (r *ollamaRouter) completeGenerate(ctx context.Context, req *protocol.NormalizedRequest) (*protocol.NormalizedResponse, error) {
	wire := protocol.ToOllamaGenerateRequest(req)
	stream := false
	wire.Stream = &stream

	resp, err := postJSON(ctx, r.entry, r.url("/api/generate"), r.headers(), wire)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", r.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	var body protocol.OllamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", r.cfg.Name, err)
	}
	return &protocol.NormalizedResponse{
		Model:        body.Model,
		Content:      body.Response,
		FinishReason: "stop",
		Created:      body.CreatedAt.Unix(),
		Usage: protocol.Usage{
			PromptTokens:     body.PromptEval,
			CompletionTokens: body.EvalCount,
			TotalTokens:      body.PromptEval + body.EvalCount,
		},
	}, nil
}

func (r *ollamaRouter) Stream(ctx context.Context, req *protocol.NormalizedRequest) (<-chan protocol.Chunk, error) {
	generate := generateShaped(req)

	var wire any
	path := "/api/chat"
	if generate {
		g := protocol.ToOllamaGenerateRequest(req)
		stream := true
		g.Stream = &stream
		wire = g
		path = "/api/generate"
	} else {
		c := protocol.ToOllamaChatRequest(req)
		stream := true
		c.Stream = &stream
		wire = c
	}

	resp, err := postJSON(ctx, r.entry, r.url(path), r.headers(), wire)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", r.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	out := make(chan protocol.Chunk, streamBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			chunk, err := r.decodeLine(decoder, generate)
			if err != nil {
				if errors.Is(err, io.EOF) {
					sendChunk(ctx, out, protocol.Chunk{Err: fmt.Sprintf("stream from %s ended without completion", r.cfg.Name)})
				} else {
					sendChunk(ctx, out, protocol.Chunk{Err: fmt.Sprintf("stream from %s interrupted: %v", r.cfg.Name, err)})
				}
				return
			}
			if !sendChunk(ctx, out, chunk) || chunk.Done {
				return
			}
		}
	}()
	return out, nil
}

func (r *ollamaRouter) decodeLine(decoder *json.Decoder, generate bool) (protocol.Chunk, error) {
	if generate {
		var line protocol.OllamaGenerateResponse
		if err := decoder.Decode(&line); err != nil {
			return protocol.Chunk{}, err
		}
		return protocol.ChunkFromOllamaGenerate(&line), nil
	}
	var line protocol.OllamaChatResponse
	if err := decoder.Decode(&line); err != nil {
		return protocol.Chunk{}, err
	}
	return protocol.ChunkFromOllamaChat(&line), nil
}

// Version asks the upstream daemon for its version string.
func (r *ollamaRouter) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url("/api/version"), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.entry.Client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", drainError(resp)
	}
	var body protocol.OllamaVersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Version, nil
}
