package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/pool"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// Router is the uniform send capability over one upstream destination.
// Instances are created by the Factory, shared read-only by concurrent
// dispatches, and never mutated after construction.
type Router interface {
	// Name is a short identifier for logs and attempt records.
	Name() string
	Family() config.BackendFamily
	Config() config.BackendConfig

	// Capabilities reports which coordinated compaction encodings this
	// backend honors.
	Capabilities() Capabilities

	// Complete performs a non-streaming call.
	Complete(ctx context.Context, req *protocol.NormalizedRequest) (*protocol.NormalizedResponse, error)

	// Stream performs a streaming call. Errors before the first upstream
	// byte are returned synchronously so the dispatcher may still fall
	// back; once a channel is returned, failures arrive as a terminal
	// error frame on it.
	Stream(ctx context.Context, req *protocol.NormalizedRequest) (<-chan protocol.Chunk, error)
}

// Capabilities describes which payload-compaction encodings an upstream
// understands. Backends that understand neither always get full payloads.
type Capabilities struct {
	ToolRefs   bool
	PromptDiff bool
}

// StatusError carries an upstream HTTP status so the dispatcher can decide
// whether the failure is transient (429, 5xx) or terminal (other 4xx).
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// streamBuffer is the channel depth for streaming routers: enough to absorb
// bursty upstreams without blocking the reader loop.
const streamBuffer = 64

// sendChunk delivers one frame unless the consumer has gone away. Every send
// in a streaming goroutine goes through here, terminal frames included, so an
// abandoned stream can never pin its producer on a full channel.
func sendChunk(ctx context.Context, out chan<- protocol.Chunk, c protocol.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// postJSON sends a JSON body and returns the raw response. The caller owns
// the response body.
func postJSON(ctx context.Context, entry *pool.Entry, url string, headers map[string]string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return entry.Client().Do(req)
}

// drainError turns a non-2xx response into a StatusError, extracting the
// upstream's error message when the body carries one.
func drainError(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	msg := string(raw)
	var openaiErr protocol.ErrorResponse
	if err := json.Unmarshal(raw, &openaiErr); err == nil && openaiErr.Error.Message != "" {
		msg = openaiErr.Error.Message
	} else {
		var ollamaErr protocol.OllamaErrorResponse
		if err := json.Unmarshal(raw, &ollamaErr); err == nil && ollamaErr.Error != "" {
			msg = ollamaErr.Error
		}
	}

	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
