package backend

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/compact"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// mockRouter is an in-process upstream for development and smoke testing.
// Behavior is driven by the backend's extra map:
//
//	response:        canned reply text (default echoes the last user message)
//	latency:         artificial delay, e.g. "50ms"
//	fail_status:     simulate this HTTP status on every call
//	fail_first:      fail the first N calls with fail_status, then succeed
//	fail_mid_stream: emit N streaming deltas, then a terminal error frame
//
// It honors both compaction encodings and expands prefix markers against the
// previous prompt it saw, so a full gateway round trip can be exercised
// without a real model server.
type mockRouter struct {
	cfg     config.BackendConfig
	logger  *zap.Logger
	latency time.Duration

	mu         sync.Mutex
	calls      int
	lastPrompt string
}

func newMockRouter(cfg config.BackendConfig, logger *zap.Logger) *mockRouter {
	var latency time.Duration
	if raw := cfg.Extra["latency"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			latency = d
		}
	}
	return &mockRouter{cfg: cfg, logger: logger, latency: latency}
}

func (r *mockRouter) Name() string                 { return r.cfg.Name }
func (r *mockRouter) Family() config.BackendFamily { return config.FamilyMock }
func (r *mockRouter) Config() config.BackendConfig { return r.cfg }
func (r *mockRouter) Capabilities() Capabilities {
	return Capabilities{ToolRefs: true, PromptDiff: true}
}

func (r *mockRouter) step(ctx context.Context) error {
	if r.latency > 0 {
		select {
		case <-time.After(r.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	status, _ := strconv.Atoi(r.cfg.Extra["fail_status"])
	if status == 0 {
		return nil
	}
	failFirst, _ := strconv.Atoi(r.cfg.Extra["fail_first"])

	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()

	if failFirst == 0 || call <= failFirst {
		return &StatusError{StatusCode: status, Message: "simulated failure"}
	}
	return nil
}

func (r *mockRouter) reply(req *protocol.NormalizedRequest) (string, error) {
	prompt := req.Prompt
	if req.CompactedPrefixLen > 0 {
		r.mu.Lock()
		previous := r.lastPrompt
		r.mu.Unlock()
		expanded, err := compact.ExpandPrompt(previous, prompt)
		if err != nil {
			return "", err
		}
		prompt = expanded
	}
	if prompt != "" {
		r.mu.Lock()
		r.lastPrompt = prompt
		r.mu.Unlock()
	}

	if canned := r.cfg.Extra["response"]; canned != "" {
		return canned, nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return "echo: " + req.Messages[i].Content, nil
		}
	}
	if prompt != "" {
		return "echo: " + prompt, nil
	}
	return "ok", nil
}

func (r *mockRouter) Complete(ctx context.Context, req *protocol.NormalizedRequest) (*protocol.NormalizedResponse, error) {
	if err := r.step(ctx); err != nil {
		return nil, err
	}
	content, err := r.reply(req)
	if err != nil {
		return nil, err
	}
	return &protocol.NormalizedResponse{
		Model:        req.UpstreamModel,
		Content:      content,
		FinishReason: "stop",
		Created:      time.Now().Unix(),
		Usage: protocol.Usage{
			PromptTokens:     len(req.Messages) + 1,
			CompletionTokens: len(strings.Fields(content)),
			TotalTokens:      len(req.Messages) + 1 + len(strings.Fields(content)),
		},
	}, nil
}

func (r *mockRouter) Stream(ctx context.Context, req *protocol.NormalizedRequest) (<-chan protocol.Chunk, error) {
	if err := r.step(ctx); err != nil {
		return nil, err
	}
	content, err := r.reply(req)
	if err != nil {
		return nil, err
	}

	failMid, _ := strconv.Atoi(r.cfg.Extra["fail_mid_stream"])

	out := make(chan protocol.Chunk, streamBuffer)
	go func() {
		defer close(out)
		words := strings.Fields(content)
		for i, word := range words {
			if failMid > 0 && i >= failMid {
				sendChunk(ctx, out, protocol.Chunk{Err: "simulated mid-stream failure"})
				return
			}
			delta := word
			if i < len(words)-1 {
				delta += " "
			}
			if !sendChunk(ctx, out, protocol.Chunk{Delta: delta}) {
				return
			}
		}
		sendChunk(ctx, out, protocol.Chunk{
			Done:         true,
			FinishReason: "stop",
			Usage: &protocol.Usage{
				CompletionTokens: len(words),
				TotalTokens:      len(words),
			},
		})
	}()
	return out, nil
}
