package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Conversion functions between the two exposed surfaces and the normalized
// shape. All of them are pure: no I/O, no shared state. Parameters a target
// shape cannot express are dropped, never errored, so any backend the
// dispatcher picks can serve any inbound surface.

// ---------------------------------------------------------------------------
// Inbound: wire -> NormalizedRequest
// ---------------------------------------------------------------------------

// FromOpenAIChat normalizes an OpenAI-compatible chat completion request.
func FromOpenAIChat(req *ChatCompletionRequest) (*NormalizedRequest, error) {
	n := &NormalizedRequest{
		Model:     req.Model,
		SessionID: req.SessionID,
		Tools:     req.Tools,
		Stream:    req.Stream,
		Params: Params{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxTokens:        req.MaxTokens,
			Stop:             req.Stop,
			Seed:             req.Seed,
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
		},
	}
	for _, m := range req.Messages {
		n.Messages = append(n.Messages, Message{
			Role:       m.Role,
			Content:    flattenContent(m.Content),
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// FromOllamaChat normalizes an Ollama /api/chat request.
func FromOllamaChat(req *OllamaChatRequest) (*NormalizedRequest, error) {
	// Ollama streams by default; an explicit false disables it.
	n := &NormalizedRequest{
		Model:     req.Model,
		SessionID: req.SessionID,
		Tools:     req.Tools,
		Think:     req.Think,
		Stream:    req.Stream == nil || *req.Stream,
		Params:    paramsFromOptions(req.Options),
	}
	for _, m := range req.Messages {
		msg := Message{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				Type: "function",
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(tc.Function.Arguments),
				},
			})
		}
		n.Messages = append(n.Messages, msg)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// FromOllamaGenerate normalizes an Ollama /api/generate request.
func FromOllamaGenerate(req *OllamaGenerateRequest) (*NormalizedRequest, error) {
	n := &NormalizedRequest{
		Model:     req.Model,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		System:    req.System,
		Stream:    req.Stream == nil || *req.Stream,
		Params:    paramsFromOptions(req.Options),
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// paramsFromOptions maps the Ollama options bag onto shared parameters.
// Unknown options (mirostat, num_ctx, ...) are dropped.
func paramsFromOptions(options map[string]any) Params {
	var p Params
	if options == nil {
		return p
	}
	if v, ok := toFloat(options["temperature"]); ok {
		p.Temperature = &v
	}
	if v, ok := toFloat(options["top_p"]); ok {
		p.TopP = &v
	}
	if v, ok := toInt(options["top_k"]); ok {
		p.TopK = &v
	}
	if v, ok := toInt(options["num_predict"]); ok {
		p.MaxTokens = &v
	}
	if v, ok := toInt(options["seed"]); ok {
		p.Seed = &v
	}
	switch stop := options["stop"].(type) {
	case string:
		p.Stop = []string{stop}
	case []any:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				p.Stop = append(p.Stop, str)
			}
		}
	case []string:
		p.Stop = stop
	}
	return p
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	if f, ok := toFloat(v); ok {
		return int(f), true
	}
	return 0, false
}

// flattenContent collapses OpenAI content (string or multi-part array) into
// plain text. Non-text parts are dropped.
func flattenContent(content interface{}) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []interface{}:
		var b strings.Builder
		for _, part := range c {
			m, ok := part.(map[string]interface{})
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if text, ok := m["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return fmt.Sprintf("%v", c)
	}
}

// ---------------------------------------------------------------------------
// Outbound: NormalizedRequest -> backend native shapes
// ---------------------------------------------------------------------------

// ToOpenAIRequest shapes a normalized request for an OpenAI-compatible
// backend. Generate-style prompts become a single user message; tool
// references cannot be expressed, so callers must have kept full tools.
func ToOpenAIRequest(n *NormalizedRequest) *ChatCompletionRequest {
	req := &ChatCompletionRequest{
		Model:            n.UpstreamModel,
		Temperature:      n.Params.Temperature,
		TopP:             n.Params.TopP,
		MaxTokens:        n.Params.MaxTokens,
		Stop:             n.Params.Stop,
		Seed:             n.Params.Seed,
		PresencePenalty:  n.Params.PresencePenalty,
		FrequencyPenalty: n.Params.FrequencyPenalty,
		Tools:            n.Tools,
		Stream:           n.Stream,
	}
	if n.System != "" {
		req.Messages = append(req.Messages, ChatMessage{Role: "system", Content: n.System})
	}
	for _, m := range n.Messages {
		req.Messages = append(req.Messages, ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	if len(n.Messages) == 0 && n.Prompt != "" {
		req.Messages = append(req.Messages, ChatMessage{Role: "user", Content: n.Prompt})
	}
	return req
}

// ToOllamaChatRequest shapes a normalized request for an Ollama backend's
// /api/chat endpoint.
func ToOllamaChatRequest(n *NormalizedRequest) *OllamaChatRequest {
	stream := n.Stream
	req := &OllamaChatRequest{
		Model:     n.UpstreamModel,
		Stream:    &stream,
		Tools:     n.Tools,
		ToolsRef:  n.ToolsRef,
		Think:     n.Think,
		SessionID: n.SessionID,
		Options:   optionsFromParams(n.Params),
	}
	if n.System != "" {
		req.Messages = append(req.Messages, OllamaMessage{Role: "system", Content: n.System})
	}
	for _, m := range n.Messages {
		msg := OllamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, OllamaToolCall{
				Function: OllamaFunctionCall{
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				},
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	return req
}

// ToOllamaGenerateRequest shapes a normalized prompt-style request for an
// Ollama backend's /api/generate endpoint.
func ToOllamaGenerateRequest(n *NormalizedRequest) *OllamaGenerateRequest {
	stream := n.Stream
	return &OllamaGenerateRequest{
		Model:     n.UpstreamModel,
		Prompt:    n.Prompt,
		System:    n.System,
		Stream:    &stream,
		SessionID: n.SessionID,
		Options:   optionsFromParams(n.Params),
	}
}

func optionsFromParams(p Params) map[string]any {
	opts := make(map[string]any)
	if p.Temperature != nil {
		opts["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		opts["top_p"] = *p.TopP
	}
	if p.TopK != nil {
		opts["top_k"] = *p.TopK
	}
	if p.MaxTokens != nil {
		opts["num_predict"] = *p.MaxTokens
	}
	if p.Seed != nil {
		opts["seed"] = *p.Seed
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// ---------------------------------------------------------------------------
// Responses: backend native -> NormalizedResponse
// ---------------------------------------------------------------------------

// FromOpenAIResponse normalizes a complete OpenAI-compatible response body.
func FromOpenAIResponse(resp *ChatCompletionResponse) *NormalizedResponse {
	n := &NormalizedResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.Created,
		Usage:   resp.Usage,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		n.FinishReason = choice.FinishReason
		if choice.Message != nil {
			n.Content = flattenContent(choice.Message.Content)
			n.ToolCalls = choice.Message.ToolCalls
		}
	}
	return n
}

// FromOllamaChatResponse normalizes a complete Ollama /api/chat response.
func FromOllamaChatResponse(resp *OllamaChatResponse) *NormalizedResponse {
	n := &NormalizedResponse{
		Model:        resp.Model,
		Content:      resp.Message.Content,
		Thinking:     resp.Message.Thinking,
		FinishReason: doneReasonToFinish(resp.DoneReason),
		Created:      resp.CreatedAt.Unix(),
		Usage: Usage{
			PromptTokens:     resp.PromptEval,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEval + resp.EvalCount,
		},
	}
	for _, tc := range resp.Message.ToolCalls {
		n.ToolCalls = append(n.ToolCalls, ToolCall{
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	return n
}

// ---------------------------------------------------------------------------
// Responses: NormalizedResponse -> exposed wire shapes
// ---------------------------------------------------------------------------

// ToOpenAIResponse renders a normalized response in the OpenAI chat shape.
// The virtual model name is reported back, not the upstream identifier.
func ToOpenAIResponse(n *NormalizedResponse, id string) *ChatCompletionResponse {
	if id == "" {
		id = n.ID
	}
	created := n.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	finish := n.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   n.Model,
		Choices: []ChatChoice{{
			Index: 0,
			Message: &ChatMessage{
				Role:      "assistant",
				Content:   n.Content,
				ToolCalls: n.ToolCalls,
			},
			FinishReason: finish,
		}},
		Usage: n.Usage,
	}
}

// ToOllamaChatResponse renders a normalized response in the Ollama chat
// shape, reporting the virtual model name.
func ToOllamaChatResponse(n *NormalizedResponse, virtualModel string) *OllamaChatResponse {
	resp := &OllamaChatResponse{
		Model:      virtualModel,
		CreatedAt:  time.Now().UTC(),
		Done:       true,
		DoneReason: finishToDoneReason(n.FinishReason),
		Message: OllamaMessage{
			Role:     "assistant",
			Content:  n.Content,
			Thinking: n.Thinking,
		},
		EvalCount:  n.Usage.CompletionTokens,
		PromptEval: n.Usage.PromptTokens,
	}
	for _, tc := range n.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, OllamaToolCall{
			Function: OllamaFunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	return resp
}

// ToOllamaGenerateResponse renders a normalized response in the Ollama
// generate shape.
func ToOllamaGenerateResponse(n *NormalizedResponse, virtualModel string) *OllamaGenerateResponse {
	return &OllamaGenerateResponse{
		Model:      virtualModel,
		CreatedAt:  time.Now().UTC(),
		Response:   n.Content,
		Done:       true,
		DoneReason: finishToDoneReason(n.FinishReason),
		EvalCount:  n.Usage.CompletionTokens,
		PromptEval: n.Usage.PromptTokens,
	}
}

// ---------------------------------------------------------------------------
// Streaming frames
// ---------------------------------------------------------------------------

// ChunkFromOpenAIStream normalizes one OpenAI SSE chunk to the delta-only
// internal frame.
func ChunkFromOpenAIStream(c *ChatCompletionChunk) Chunk {
	chunk := Chunk{Usage: c.Usage}
	if len(c.Choices) > 0 {
		choice := c.Choices[0]
		chunk.FinishReason = choice.FinishReason
		if choice.Delta != nil {
			chunk.Delta = flattenContent(choice.Delta.Content)
			chunk.ToolCalls = choice.Delta.ToolCalls
		}
	}
	return chunk
}

// ChunkFromOllamaChat normalizes one Ollama /api/chat NDJSON line.
func ChunkFromOllamaChat(line *OllamaChatResponse) Chunk {
	chunk := Chunk{
		Delta:    line.Message.Content,
		Thinking: line.Message.Thinking,
		Done:     line.Done,
	}
	for _, tc := range line.Message.ToolCalls {
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	if line.Done {
		chunk.FinishReason = doneReasonToFinish(line.DoneReason)
		chunk.Usage = &Usage{
			PromptTokens:     line.PromptEval,
			CompletionTokens: line.EvalCount,
			TotalTokens:      line.PromptEval + line.EvalCount,
		}
	}
	return chunk
}

// ChunkFromOllamaGenerate normalizes one Ollama /api/generate NDJSON line.
func ChunkFromOllamaGenerate(line *OllamaGenerateResponse) Chunk {
	chunk := Chunk{
		Delta: line.Response,
		Done:  line.Done,
	}
	if line.Done {
		chunk.FinishReason = doneReasonToFinish(line.DoneReason)
		chunk.Usage = &Usage{
			PromptTokens:     line.PromptEval,
			CompletionTokens: line.EvalCount,
			TotalTokens:      line.PromptEval + line.EvalCount,
		}
	}
	return chunk
}

// ChunkToOpenAIStream renders an internal frame as an OpenAI streaming chunk.
func ChunkToOpenAIStream(chunk Chunk, id, virtualModel string, created int64) *ChatCompletionChunk {
	out := &ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   virtualModel,
		Usage:   chunk.Usage,
	}
	choice := ChatChoice{Index: 0, FinishReason: chunk.FinishReason}
	if !chunk.Done || chunk.Delta != "" || len(chunk.ToolCalls) > 0 {
		choice.Delta = &ChatMessage{Content: chunk.Delta, ToolCalls: chunk.ToolCalls}
		if chunk.Delta != "" || len(chunk.ToolCalls) > 0 {
			choice.Delta.Role = "assistant"
		}
	} else {
		choice.Delta = &ChatMessage{Content: ""}
	}
	out.Choices = []ChatChoice{choice}
	return out
}

// ChunkToOllamaChat renders an internal frame as an Ollama chat stream line.
func ChunkToOllamaChat(chunk Chunk, virtualModel string) *OllamaChatResponse {
	resp := &OllamaChatResponse{
		Model:     virtualModel,
		CreatedAt: time.Now().UTC(),
		Message:   OllamaMessage{Role: "assistant", Content: chunk.Delta, Thinking: chunk.Thinking},
		Done:      chunk.Done,
	}
	if chunk.Done {
		resp.DoneReason = finishToDoneReason(chunk.FinishReason)
		if chunk.Usage != nil {
			resp.EvalCount = chunk.Usage.CompletionTokens
			resp.PromptEval = chunk.Usage.PromptTokens
		}
	}
	return resp
}

// ChunkToOllamaGenerate renders an internal frame as an Ollama generate
// stream line.
func ChunkToOllamaGenerate(chunk Chunk, virtualModel string) *OllamaGenerateResponse {
	resp := &OllamaGenerateResponse{
		Model:     virtualModel,
		CreatedAt: time.Now().UTC(),
		Response:  chunk.Delta,
		Done:      chunk.Done,
	}
	if chunk.Done {
		resp.DoneReason = finishToDoneReason(chunk.FinishReason)
		if chunk.Usage != nil {
			resp.EvalCount = chunk.Usage.CompletionTokens
			resp.PromptEval = chunk.Usage.PromptTokens
		}
	}
	return resp
}

func doneReasonToFinish(reason string) string {
	switch reason {
	case "stop", "":
		return "stop"
	case "length":
		return "length"
	default:
		return reason
	}
}

func finishToDoneReason(reason string) string {
	switch reason {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	case "tool_calls":
		return "stop"
	default:
		return reason
	}
}
