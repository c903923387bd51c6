package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/dispatch"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// OpenAIHandler serves the /v1 compatibility surface.
type OpenAIHandler struct {
	logger *zap.Logger
	engine *dispatch.Engine
	table  *config.ModelTable
}

func NewOpenAIHandler(logger *zap.Logger, engine *dispatch.Engine, table *config.ModelTable) *OpenAIHandler {
	return &OpenAIHandler{logger: logger, engine: engine, table: table}
}

// ChatCompletions creates a chat completion, streaming when requested.
func (h *OpenAIHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var request protocol.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.logger.Error("Failed to decode request body", zap.Error(err))
		writeOpenAIError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	normalized, err := protocol.FromOpenAIChat(&request)
	if err != nil {
		writeOpenAIError(w, statusFor(err), err.Error())
		return
	}
	normalized.SessionID = sessionID(r, request.SessionID, normalized)

	if normalized.Stream {
		h.streamChat(w, r, normalized)
		return
	}

	resp, err := h.engine.Dispatch(r.Context(), normalized)
	if err != nil {
		h.logger.Error("Dispatch failed",
			zap.String("model", normalized.Model), zap.Error(err))
		writeOpenAIError(w, statusFor(err), err.Error())
		return
	}

	// Clients address virtual names; the upstream identifier stays internal.
	resp.Model = normalized.Model
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.ToOpenAIResponse(resp, completionID()))
}

func (h *OpenAIHandler) streamChat(w http.ResponseWriter, r *http.Request, req *protocol.NormalizedRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	stream, err := h.engine.DispatchStream(r.Context(), req)
	if err != nil {
		h.logger.Error("Stream dispatch failed",
			zap.String("model", req.Model), zap.Error(err))
		writeOpenAIError(w, statusFor(err), err.Error())
		return
	}

	// Set headers for SSE
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable Nginx buffering
	w.WriteHeader(http.StatusOK)

	id := completionID()
	created := time.Now().Unix()
	for chunk := range stream {
		if chunk.Err != "" {
			// Already mid-stream: the status line is gone, so the failure
			// travels as an SSE error event.
			data, _ := json.Marshal(protocol.ErrorResponse{
				Error: protocol.APIError{Message: chunk.Err, Type: "api_error"},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			return
		}

		// Thinking traffic has no representation in the OpenAI chunk shape.
		if chunk.Thinking != "" && chunk.Delta == "" && !chunk.Done {
			continue
		}

		data, err := json.Marshal(protocol.ChunkToOpenAIStream(chunk, id, req.Model, created))
		if err != nil {
			h.logger.Error("Failed to marshal streaming chunk", zap.Error(err))
			continue
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()

		if chunk.Done {
			break
		}
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// ListModels returns every configured virtual model.
func (h *OpenAIHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	list := protocol.ModelList{Object: "list"}
	for name := range h.table.VirtualModels() {
		list.Data = append(list.Data, protocol.ModelInfo{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "ollamux",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}
