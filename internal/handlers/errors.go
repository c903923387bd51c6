package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/backend"
	"github.com/amerfu/ollamux/internal/gateway/dispatch"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// statusFor maps a dispatch failure to a client-facing HTTP status. Client
// defects come back as 4xx, exhausted fallback chains as 502.
func statusFor(err error) int {
	var validation *protocol.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest
	}
	if errors.Is(err, config.ErrModelNotFound) {
		return http.StatusNotFound
	}
	var status *backend.StatusError
	if errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500 &&
		status.StatusCode != http.StatusTooManyRequests {
		// A terminal upstream rejection is the client's problem too.
		return status.StatusCode
	}
	var agg *dispatch.Error
	if errors.As(err, &agg) {
		return http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) {
		return 499 // client closed request
	}
	return http.StatusInternalServerError
}

func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: protocol.APIError{
			Message: message,
			Type:    openaiErrorType(status),
		},
	})
}

func openaiErrorType(status int) string {
	if status >= 400 && status < 500 {
		return "invalid_request_error"
	}
	return "api_error"
}

func writeOllamaError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.OllamaErrorResponse{Error: message})
}

// sessionID prefers the transport header, then the body field. Untagged
// requests get a key derived from the conversation opener, so multi-turn
// clients that never set a session still accumulate compaction state.
func sessionID(r *http.Request, bodySession string, n *protocol.NormalizedRequest) string {
	if header := r.Header.Get("X-Session-ID"); header != "" {
		return header
	}
	if bodySession != "" {
		return bodySession
	}
	return derivedSession(n)
}

func derivedSession(n *protocol.NormalizedRequest) string {
	seed := n.Prompt
	for _, m := range n.Messages {
		if m.Role == "user" {
			seed = m.Content
			break
		}
	}
	if seed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(n.Model + "\x00" + seed))
	return hex.EncodeToString(sum[:16])
}
