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

const defaultAnthropicVersion = "2023-06-01"

// anthropicRouter speaks the Anthropic Messages API. System prompts travel in
// a dedicated field, tools use input_schema, and max_tokens is mandatory.
type anthropicRouter struct {
	cfg    config.BackendConfig
	entry  *pool.Entry
	logger *zap.Logger
}

func newAnthropicRouter(cfg config.BackendConfig, entry *pool.Entry, logger *zap.Logger) *anthropicRouter {
	return &anthropicRouter{cfg: cfg, entry: entry, logger: logger}
}

func (r *anthropicRouter) Name() string                 { return r.cfg.Name }
func (r *anthropicRouter) Family() config.BackendFamily { return config.FamilyAnthropic }
func (r *anthropicRouter) Config() config.BackendConfig { return r.cfg }
func (r *anthropicRouter) Capabilities() Capabilities   { return Capabilities{} }

func (r *anthropicRouter) endpoint() string {
	return strings.TrimRight(r.cfg.BaseURL, "/") + "/v1/messages"
}

func (r *anthropicRouter) headers() map[string]string {
	version := r.cfg.APIVersion
	if version == "" {
		version = defaultAnthropicVersion
	}
	return map[string]string{
		"x-api-key":         r.cfg.APIKey,
		"anthropic-version": version,
	}
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type  string             `json:"type"`
	Delta *anthropicDelta    `json:"delta,omitempty"`
	Usage *anthropicUsage    `json:"usage,omitempty"`
	Error *anthropicAPIError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (r *anthropicRouter) buildRequest(req *protocol.NormalizedRequest) *anthropicRequest {
	wire := &anthropicRequest{
		Model:         req.UpstreamModel,
		System:        req.System,
		MaxTokens:     4096,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		TopK:          req.Params.TopK,
		StopSequences: req.Params.Stop,
		Stream:        req.Stream,
	}
	if req.Params.MaxTokens != nil {
		wire.MaxTokens = *req.Params.MaxTokens
	}

	for _, m := range req.Messages {
		role := m.Role
		switch role {
		case "system":
			// The Messages API rejects system-role messages in the list.
			if wire.System == "" {
				wire.System = m.Content
			} else {
				wire.System += "\n\n" + m.Content
			}
			continue
		case "tool":
			wire.Messages = append(wire.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}
		wire.Messages = append(wire.Messages, anthropicMessage{Role: role, Content: m.Content})
	}
	if len(req.Messages) == 0 && req.Prompt != "" {
		wire.Messages = append(wire.Messages, anthropicMessage{Role: "user", Content: req.Prompt})
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return wire
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (r *anthropicRouter) Complete(ctx context.Context, req *protocol.NormalizedRequest) (*protocol.NormalizedResponse, error) {
	wire := r.buildRequest(req)
	wire.Stream = false

	resp, err := postJSON(ctx, r.entry, r.endpoint(), r.headers(), wire)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", r.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	var body anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", r.cfg.Name, err)
	}

	out := &protocol.NormalizedResponse{
		ID:           body.ID,
		Model:        body.Model,
		FinishReason: normalizeAnthropicStop(body.StopReason),
		Usage: protocol.Usage{
			PromptTokens:     body.Usage.InputTokens,
			CompletionTokens: body.Usage.OutputTokens,
			TotalTokens:      body.Usage.InputTokens + body.Usage.OutputTokens,
		},
	}
	for _, block := range body.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.Thinking += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: protocol.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	return out, nil
}

func (r *anthropicRouter) Stream(ctx context.Context, req *protocol.NormalizedRequest) (<-chan protocol.Chunk, error) {
	wire := r.buildRequest(req)
	wire.Stream = true

	resp, err := postJSON(ctx, r.entry, r.endpoint(), r.headers(), wire)
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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		var finish string
		var usage *protocol.Usage
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				r.logger.Warn("skipping malformed stream event",
					zap.String("backend", r.cfg.Name), zap.Error(err))
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				var chunk protocol.Chunk
				switch {
				case event.Delta.Type == "thinking_delta" && event.Delta.Thinking != "":
					chunk.Thinking = event.Delta.Thinking
				case event.Delta.Text != "":
					chunk.Delta = event.Delta.Text
				default:
					continue
				}
				if !sendChunk(ctx, out, chunk) {
					return
				}
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					finish = normalizeAnthropicStop(event.Delta.StopReason)
				}
				if event.Usage != nil {
					usage = &protocol.Usage{
						CompletionTokens: event.Usage.OutputTokens,
						TotalTokens:      event.Usage.OutputTokens,
					}
				}
			case "message_stop":
				if finish == "" {
					finish = "stop"
				}
				sendChunk(ctx, out, protocol.Chunk{Done: true, FinishReason: finish, Usage: usage})
				return
			case "error":
				msg := "upstream stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				sendChunk(ctx, out, protocol.Chunk{Err: fmt.Sprintf("stream from %s failed: %s", r.cfg.Name, msg)})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, protocol.Chunk{Err: fmt.Sprintf("stream from %s interrupted: %v", r.cfg.Name, err)})
			return
		}
		sendChunk(ctx, out, protocol.Chunk{Err: fmt.Sprintf("stream from %s ended without completion", r.cfg.Name)})
	}()
	return out, nil
}
