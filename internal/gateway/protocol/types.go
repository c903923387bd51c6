package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// NormalizedRequest is the backend-agnostic request shape every inbound
// surface converts into. The dispatcher and compaction layer operate on it;
// routers convert it to their family's native shape just before transmission.
type NormalizedRequest struct {
	// Model is the client-facing virtual model name.
	Model string
	// UpstreamModel is the real model identifier for the backend currently
	// being attempted. Set by the dispatcher per attempt.
	UpstreamModel string
	// SessionID keys per-conversation compaction state. Optional.
	SessionID string

	Messages []Message
	// Prompt carries generate-style plain-text input; mutually exclusive
	// with Messages on the wire, though both may be set after conversion
	// (Messages wins for chat-shaped backends).
	Prompt string
	System string

	Tools []Tool
	// ToolsRef replaces Tools when the compaction layer deduplicated the
	// schema block for a backend that honors references.
	ToolsRef string

	// CompactedPrefixLen is non-zero when the prompt carries a prefix
	// marker instead of the first CompactedPrefixLen bytes of the real
	// prompt.
	CompactedPrefixLen int

	Params Params
	Stream bool
	Think  bool
}

// Params are the generation parameters shared across families. Routers drop
// whatever their family cannot express.
type Params struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxTokens        *int
	Stop             []string
	Seed             *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
}

type Message struct {
	Role       string
	Content    string
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NormalizedResponse is the complete (non-streaming) response shape.
type NormalizedResponse struct {
	ID           string
	Model        string
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
	Created      int64
}

// Chunk is one incremental frame of a streamed response, always delta-only.
// A stream is a finite sequence of chunks ending with either Done set (normal
// termination, possibly carrying usage) or Err set (terminal error frame).
type Chunk struct {
	Delta        string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
	Done         bool
	Err          string
}

// ValidationError marks a client-side defect detected before transmission.
// The dispatcher treats it as terminal: no backend can fix a malformed
// request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// Validate rejects requests that no backend could serve.
func (r *NormalizedRequest) Validate() error {
	if r.Model == "" {
		return &ValidationError{Reason: "missing model name"}
	}
	if len(r.Messages) == 0 && r.Prompt == "" {
		return &ValidationError{Reason: "empty message list"}
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return &ValidationError{Reason: fmt.Sprintf("message %d has no role", i)}
		}
	}
	return nil
}

// Clone returns a deep-enough copy for per-attempt mutation: the compaction
// layer rewrites Prompt and Tools on the clone without touching the original.
func (r *NormalizedRequest) Clone() *NormalizedRequest {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	out.Tools = append([]Tool(nil), r.Tools...)
	out.Params.Stop = append([]string(nil), r.Params.Stop...)
	return &out
}

// ---------------------------------------------------------------------------
// OpenAI-compatible wire shapes
// ---------------------------------------------------------------------------

type ChatCompletionRequest struct {
	Model            string         `json:"model"`
	Messages         []ChatMessage  `json:"messages"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	Stream           bool           `json:"stream,omitempty"`
	Stop             []string       `json:"stop,omitempty"`
	Seed             *int           `json:"seed,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	Tools            []Tool         `json:"tools,omitempty"`
	ToolChoice       interface{}    `json:"tool_choice,omitempty"`
	User             string         `json:"user,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type ChatMessage struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"`
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type APIError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Param   string      `json:"param,omitempty"`
	Code    interface{} `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ---------------------------------------------------------------------------
// Ollama wire shapes
// ---------------------------------------------------------------------------

type OllamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []OllamaMessage `json:"messages"`
	Stream    *bool           `json:"stream,omitempty"`
	Tools     []Tool          `json:"tools,omitempty"`
	// ToolsRef references a previously transmitted tool-schema block by
	// fingerprint instead of repeating it.
	ToolsRef  string          `json:"tools_ref,omitempty"`
	Think     bool            `json:"think,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

type OllamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
}

// OllamaToolCall carries structured arguments instead of the OpenAI JSON
// string encoding.
type OllamaToolCall struct {
	Function OllamaFunctionCall `json:"function"`
}

type OllamaFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type OllamaChatResponse struct {
	Model         string        `json:"model"`
	CreatedAt     time.Time     `json:"created_at"`
	Message       OllamaMessage `json:"message"`
	Done          bool          `json:"done"`
	DoneReason    string        `json:"done_reason,omitempty"`
	TotalDuration int64         `json:"total_duration,omitempty"`
	EvalCount     int           `json:"eval_count,omitempty"`
	PromptEval    int           `json:"prompt_eval_count,omitempty"`
}

type OllamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Stream    *bool          `json:"stream,omitempty"`
	Raw       bool           `json:"raw,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type OllamaGenerateResponse struct {
	Model         string    `json:"model"`
	CreatedAt     time.Time `json:"created_at"`
	Response      string    `json:"response"`
	Done          bool      `json:"done"`
	DoneReason    string    `json:"done_reason,omitempty"`
	TotalDuration int64     `json:"total_duration,omitempty"`
	EvalCount     int       `json:"eval_count,omitempty"`
	PromptEval    int       `json:"prompt_eval_count,omitempty"`
}

type OllamaErrorResponse struct {
	Error string `json:"error"`
}

type OllamaTagsResponse struct {
	Models []OllamaModelEntry `json:"models"`
}

type OllamaModelEntry struct {
	Name       string             `json:"name"`
	Model      string             `json:"model"`
	ModifiedAt time.Time          `json:"modified_at"`
	Size       int64              `json:"size"`
	Digest     string             `json:"digest"`
	Details    OllamaModelDetails `json:"details"`
}

type OllamaModelDetails struct {
	Family        string `json:"family"`
	ParameterSize string `json:"parameter_size,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

type OllamaVersionResponse struct {
	Version string `json:"version"`
}

// OllamaShowRequest accepts both field spellings the CLI has used over time.
type OllamaShowRequest struct {
	Model string `json:"model,omitempty"`
	Name  string `json:"name,omitempty"`
}

type OllamaShowResponse struct {
	Modelfile    string             `json:"modelfile,omitempty"`
	Details      OllamaModelDetails `json:"details"`
	Capabilities []string           `json:"capabilities,omitempty"`
	ModelInfo    map[string]any     `json:"model_info,omitempty"`
}
