package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromOpenAIChat(t *testing.T) {
	temp := 0.2
	req := &ChatCompletionRequest{
		Model: "qwq",
		Messages: []ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
		Temperature: &temp,
		Stream:      true,
		SessionID:   "s1",
	}

	n, err := FromOpenAIChat(req)
	require.NoError(t, err)
	assert.Equal(t, "qwq", n.Model)
	assert.Equal(t, "s1", n.SessionID)
	assert.True(t, n.Stream)
	require.Len(t, n.Messages, 2)
	assert.Equal(t, "be brief", n.Messages[0].Content)
	require.NotNil(t, n.Params.Temperature)
	assert.Equal(t, 0.2, *n.Params.Temperature)
}

func TestFromOpenAIChatMultipartContent(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "qwq",
		Messages: []ChatMessage{{
			Role: "user",
			Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "part one "},
				map[string]interface{}{"type": "image_url", "image_url": "ignored"},
				map[string]interface{}{"type": "text", "text": "part two"},
			},
		}},
	}

	n, err := FromOpenAIChat(req)
	require.NoError(t, err)
	assert.Equal(t, "part one part two", n.Messages[0].Content)
}

func TestFromOpenAIChatRejectsEmpty(t *testing.T) {
	_, err := FromOpenAIChat(&ChatCompletionRequest{Model: "qwq"})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "empty message list")
}

func TestFromOllamaChatStreamDefault(t *testing.T) {
	n, err := FromOllamaChat(&OllamaChatRequest{
		Model:    "qwq",
		Messages: []OllamaMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.True(t, n.Stream, "Ollama streams unless explicitly disabled")

	off := false
	n, err = FromOllamaChat(&OllamaChatRequest{
		Model:    "qwq",
		Messages: []OllamaMessage{{Role: "user", Content: "hi"}},
		Stream:   &off,
	})
	require.NoError(t, err)
	assert.False(t, n.Stream)
}

func TestFromOllamaChatOptions(t *testing.T) {
	n, err := FromOllamaChat(&OllamaChatRequest{
		Model:    "qwq",
		Messages: []OllamaMessage{{Role: "user", Content: "hi"}},
		Options: map[string]any{
			"temperature": 0.7,
			"top_k":       float64(40),
			"num_predict": float64(128),
			"stop":        []any{"END"},
			"mirostat":    2, // unknown, dropped
		},
	})
	require.NoError(t, err)
	require.NotNil(t, n.Params.Temperature)
	assert.Equal(t, 0.7, *n.Params.Temperature)
	require.NotNil(t, n.Params.TopK)
	assert.Equal(t, 40, *n.Params.TopK)
	require.NotNil(t, n.Params.MaxTokens)
	assert.Equal(t, 128, *n.Params.MaxTokens)
	assert.Equal(t, []string{"END"}, n.Params.Stop)
}

func TestToOpenAIRequestFromPrompt(t *testing.T) {
	n := &NormalizedRequest{
		Model:         "qwq",
		UpstreamModel: "qwen2.5:32b",
		Prompt:        "complete this",
		System:        "be brief",
	}

	wire := ToOpenAIRequest(n)
	assert.Equal(t, "qwen2.5:32b", wire.Model)
	require.Len(t, wire.Messages, 2)
	assert.Equal(t, "system", wire.Messages[0].Role)
	assert.Equal(t, "user", wire.Messages[1].Role)
	assert.Equal(t, "complete this", wire.Messages[1].Content)
}

func TestToOllamaChatRequestCarriesToolsRef(t *testing.T) {
	n := &NormalizedRequest{
		Model:         "qwq",
		UpstreamModel: "qwen2.5:32b",
		Messages:      []Message{{Role: "user", Content: "hi"}},
		ToolsRef:      "abc123",
	}

	wire := ToOllamaChatRequest(n)
	assert.Empty(t, wire.Tools)
	assert.Equal(t, "abc123", wire.ToolsRef)

	raw, err := json.Marshal(wire)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tools_ref":"abc123"`)
}

func TestResponseRoundTripReportsVirtualModel(t *testing.T) {
	resp := &NormalizedResponse{
		Model:        "qwen2.5:32b",
		Content:      "answer",
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	openai := ToOpenAIResponse(resp, "chatcmpl-test")
	assert.Equal(t, "chat.completion", openai.Object)
	require.Len(t, openai.Choices, 1)
	assert.Equal(t, "answer", openai.Choices[0].Message.Content)
	assert.Equal(t, "stop", openai.Choices[0].FinishReason)

	ollama := ToOllamaChatResponse(resp, "qwq")
	assert.Equal(t, "qwq", ollama.Model, "client sees the virtual name, not the upstream one")
	assert.True(t, ollama.Done)
	assert.Equal(t, "stop", ollama.DoneReason)
	assert.Equal(t, 5, ollama.EvalCount)
	assert.Equal(t, 10, ollama.PromptEval)
}

func TestChunkFromOllamaChat(t *testing.T) {
	mid := ChunkFromOllamaChat(&OllamaChatResponse{
		Message: OllamaMessage{Role: "assistant", Content: "tok", Thinking: "hmm"},
	})
	assert.Equal(t, "tok", mid.Delta)
	assert.Equal(t, "hmm", mid.Thinking)
	assert.False(t, mid.Done)
	assert.Nil(t, mid.Usage)

	final := ChunkFromOllamaChat(&OllamaChatResponse{
		Done:       true,
		DoneReason: "stop",
		EvalCount:  7,
		PromptEval: 3,
	})
	assert.True(t, final.Done)
	assert.Equal(t, "stop", final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 7, final.Usage.CompletionTokens)
	assert.Equal(t, 10, final.Usage.TotalTokens)
}

func TestChunkFromOpenAIStream(t *testing.T) {
	chunk := ChunkFromOpenAIStream(&ChatCompletionChunk{
		Choices: []ChatChoice{{
			Delta: &ChatMessage{Content: "tok"},
		}},
	})
	assert.Equal(t, "tok", chunk.Delta)
	assert.Empty(t, chunk.FinishReason)

	done := ChunkFromOpenAIStream(&ChatCompletionChunk{
		Choices: []ChatChoice{{FinishReason: "stop", Delta: &ChatMessage{}}},
	})
	assert.Equal(t, "stop", done.FinishReason)
}

func TestChunkToOllamaChatCarriesThinking(t *testing.T) {
	line := ChunkToOllamaChat(Chunk{Thinking: "weighing options"}, "qwq")
	assert.Equal(t, "weighing options", line.Message.Thinking)
	assert.Empty(t, line.Message.Content)
	assert.False(t, line.Done)
}

func TestChunkToOllamaGenerate(t *testing.T) {
	line := ChunkToOllamaGenerate(Chunk{Delta: "tok"}, "qwq")
	assert.Equal(t, "qwq", line.Model)
	assert.Equal(t, "tok", line.Response)
	assert.False(t, line.Done)

	final := ChunkToOllamaGenerate(Chunk{
		Done:         true,
		FinishReason: "length",
		Usage:        &Usage{CompletionTokens: 9},
	}, "qwq")
	assert.True(t, final.Done)
	assert.Equal(t, "length", final.DoneReason)
	assert.Equal(t, 9, final.EvalCount)
}

func TestCloneIsolation(t *testing.T) {
	orig := &NormalizedRequest{
		Model:    "qwq",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools:    []Tool{{Type: "function", Function: ToolFunction{Name: "search"}}},
	}

	clone := orig.Clone()
	clone.Tools = nil
	clone.ToolsRef = "fp"
	clone.Messages[0].Content = "changed"

	assert.NotEmpty(t, orig.Tools)
	assert.Empty(t, orig.ToolsRef)
	assert.Equal(t, "hi", orig.Messages[0].Content)
}
