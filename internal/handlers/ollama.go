package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/dispatch"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// UpstreamProxy points native API calls the gateway does not implement at one
// real Ollama daemon. Nil when no ollama-family backend is configured.
type UpstreamProxy struct {
	BaseURL string
	Client  *http.Client
}

// OllamaHandler serves the native /api surface. Streaming responses are
// newline-delimited JSON objects, matching what the Ollama CLI expects.
type OllamaHandler struct {
	logger  *zap.Logger
	engine  *dispatch.Engine
	table   *config.ModelTable
	version string
	proxy   *UpstreamProxy
}

func NewOllamaHandler(logger *zap.Logger, engine *dispatch.Engine, table *config.ModelTable, version string, proxy *UpstreamProxy) *OllamaHandler {
	return &OllamaHandler{logger: logger, engine: engine, table: table, version: version, proxy: proxy}
}

// Chat handles POST /api/chat.
func (h *OllamaHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var request protocol.OllamaChatRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.logger.Error("Failed to decode request body", zap.Error(err))
		writeOllamaError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	normalized, err := protocol.FromOllamaChat(&request)
	if err != nil {
		writeOllamaError(w, statusFor(err), err.Error())
		return
	}
	normalized.SessionID = sessionID(r, request.SessionID, normalized)

	if normalized.Stream {
		h.stream(w, r, normalized, func(chunk protocol.Chunk) any {
			return protocol.ChunkToOllamaChat(chunk, normalized.Model)
		})
		return
	}

	resp, err := h.engine.Dispatch(r.Context(), normalized)
	if err != nil {
		h.logger.Error("Dispatch failed",
			zap.String("model", normalized.Model), zap.Error(err))
		writeOllamaError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.ToOllamaChatResponse(resp, normalized.Model))
}

// Generate handles POST /api/generate.
func (h *OllamaHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var request protocol.OllamaGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.logger.Error("Failed to decode request body", zap.Error(err))
		writeOllamaError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	normalized, err := protocol.FromOllamaGenerate(&request)
	if err != nil {
		writeOllamaError(w, statusFor(err), err.Error())
		return
	}
	normalized.SessionID = sessionID(r, request.SessionID, normalized)

	if normalized.Stream {
		h.stream(w, r, normalized, func(chunk protocol.Chunk) any {
			return protocol.ChunkToOllamaGenerate(chunk, normalized.Model)
		})
		return
	}

	resp, err := h.engine.Dispatch(r.Context(), normalized)
	if err != nil {
		h.logger.Error("Dispatch failed",
			zap.String("model", normalized.Model), zap.Error(err))
		writeOllamaError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.ToOllamaGenerateResponse(resp, normalized.Model))
}

// stream writes NDJSON lines until the chunk sequence terminates. A failure
// after the first byte becomes a trailing error object on the same stream.
func (h *OllamaHandler) stream(w http.ResponseWriter, r *http.Request, req *protocol.NormalizedRequest, render func(protocol.Chunk) any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOllamaError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := h.engine.DispatchStream(r.Context(), req)
	if err != nil {
		h.logger.Error("Stream dispatch failed",
			zap.String("model", req.Model), zap.Error(err))
		writeOllamaError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	for chunk := range stream {
		if chunk.Err != "" {
			_ = encoder.Encode(protocol.OllamaErrorResponse{Error: chunk.Err})
			flusher.Flush()
			return
		}
		if err := encoder.Encode(render(chunk)); err != nil {
			h.logger.Warn("Client write failed", zap.Error(err))
			return
		}
		flusher.Flush()
		if chunk.Done {
			return
		}
	}
}

// Tags handles GET /api/tags, listing every virtual model as if it were a
// locally pulled one.
func (h *OllamaHandler) Tags(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	resp := protocol.OllamaTagsResponse{Models: []protocol.OllamaModelEntry{}}
	for name, spec := range h.table.VirtualModels() {
		resp.Models = append(resp.Models, protocol.OllamaModelEntry{
			Name:       name,
			Model:      name,
			ModifiedAt: now,
			Digest:     pseudoDigest(name),
			Details: protocol.OllamaModelDetails{
				Family:        "ollamux",
				ContextLength: spec.ContextLength,
			},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Show handles POST /api/show for configured virtual models.
func (h *OllamaHandler) Show(w http.ResponseWriter, r *http.Request) {
	var request protocol.OllamaShowRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeOllamaError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	name := request.Model
	if name == "" {
		name = request.Name
	}
	if name == "" {
		writeOllamaError(w, http.StatusBadRequest, "model name is required")
		return
	}

	group, err := h.table.Resolve(name)
	if err != nil {
		writeOllamaError(w, http.StatusNotFound, err.Error())
		return
	}
	spec, ok := group.Models[name]
	if !ok {
		if idx := strings.LastIndex(name, ":"); idx > 0 {
			spec = group.Models[name[:idx]]
		}
	}

	resp := protocol.OllamaShowResponse{
		Details: protocol.OllamaModelDetails{
			Family:        "ollamux",
			ContextLength: spec.ContextLength,
		},
		Capabilities: spec.Capabilities,
		ModelInfo: map[string]any{
			"general.architecture": "ollamux",
		},
	}
	if spec.ContextLength > 0 {
		resp.ModelInfo["ollamux.context_length"] = spec.ContextLength
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Passthrough forwards native API calls the gateway does not implement
// (pull, ps, embeddings, ...) to the first configured Ollama daemon, so CLI
// tooling pointed at the gateway keeps working.
func (h *OllamaHandler) Passthrough(w http.ResponseWriter, r *http.Request) {
	if h.proxy == nil {
		writeOllamaError(w, http.StatusNotFound, "unknown api endpoint: "+r.URL.Path)
		return
	}

	target := h.proxy.BaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeOllamaError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := h.proxy.Client.Do(req)
	if err != nil {
		h.logger.Error("Passthrough request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeOllamaError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// Version handles GET /api/version.
func (h *OllamaHandler) Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.OllamaVersionResponse{Version: h.version})
}

// pseudoDigest gives each virtual model a stable digest; clients use it only
// for change detection.
func pseudoDigest(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
