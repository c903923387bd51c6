package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/backend"
	"github.com/amerfu/ollamux/internal/gateway/compact"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
	"github.com/amerfu/ollamux/internal/middleware"
)

// Engine walks a model group's backend chain in priority order until one
// attempt succeeds. Each attempt gets its own request clone, its own timeout,
// and its own compaction view, so a later attempt never observes the side
// effects of an earlier one.
type Engine struct {
	table     *config.ModelTable
	factory   *backend.Factory
	compactor *compact.Compactor
	logger    *zap.Logger
}

func NewEngine(table *config.ModelTable, factory *backend.Factory, compactor *compact.Compactor, logger *zap.Logger) *Engine {
	return &Engine{
		table:     table,
		factory:   factory,
		compactor: compactor,
		logger:    logger,
	}
}

// Dispatch resolves the model group and tries its backends in order. Returns
// the first successful response, or an aggregate error naming every attempt.
func (e *Engine) Dispatch(ctx context.Context, req *protocol.NormalizedRequest) (*protocol.NormalizedResponse, error) {
	resp, _, err := e.run(ctx, req, false)
	return resp, err
}

// DispatchStream is Dispatch for streaming calls. Fallback is only legal
// while no upstream byte has been produced; once a channel is handed out, a
// mid-stream failure surfaces as a terminal error frame on it, never as a
// second attempt.
func (e *Engine) DispatchStream(ctx context.Context, req *protocol.NormalizedRequest) (<-chan protocol.Chunk, error) {
	_, stream, err := e.run(ctx, req, true)
	return stream, err
}

func (e *Engine) run(ctx context.Context, req *protocol.NormalizedRequest, streaming bool) (*protocol.NormalizedResponse, <-chan protocol.Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	group, err := e.table.Resolve(req.Model)
	if err != nil {
		return nil, nil, err
	}
	spec := group.Models[req.Model]

	plan := e.compactor.Plan(ctx, req)

	agg := &Error{Model: req.Model}
	for _, cfg := range group.Backends {
		router, err := e.factory.GetOrCreate(cfg)
		if err != nil {
			agg.Attempts = append(agg.Attempts, Attempt{
				Index:   len(agg.Attempts),
				Backend: cfg.Name,
				Class:   ClassTransient,
				Err:     err,
			})
			continue
		}

		for try := 0; try < cfg.EffectiveRetries(); try++ {
			attempt := e.attempt(ctx, req, router, plan, spec, streaming)
			if attempt.Err == nil {
				e.finish(ctx, req, router, plan, attempt, len(agg.Attempts)+1)
				return attempt.resp, attempt.stream, nil
			}

			attempt.Index = len(agg.Attempts)
			agg.Attempts = append(agg.Attempts, attempt.Attempt)
			middleware.RecordAttempt(cfg.Name, string(cfg.Family), attempt.Class.String(), attempt.Latency.Seconds())
			e.logger.Warn("attempt failed",
				zap.String("model", req.Model),
				zap.String("backend", cfg.Name),
				zap.Int("attempt", attempt.Index),
				zap.String("class", attempt.Class.String()),
				zap.Duration("latency", attempt.Latency),
				zap.Error(attempt.Err))

			// Caller gave up: stop here rather than burning the remaining
			// chain against a dead connection.
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if attempt.Class == ClassTerminal {
				return nil, nil, agg
			}
		}
	}
	return nil, nil, agg
}

type attemptResult struct {
	Attempt
	resp   *protocol.NormalizedResponse
	stream <-chan protocol.Chunk
}

func (e *Engine) attempt(ctx context.Context, req *protocol.NormalizedRequest, router backend.Router, plan *compact.Plan, spec config.ModelSpec, streaming bool) attemptResult {
	clone := req.Clone()
	clone.UpstreamModel = upstreamModel(req.Model, spec)
	if clone.Think && !spec.SupportsThinking() {
		clone.Think = false
	}

	caps := router.Capabilities()
	plan.Apply(clone, caps.ToolRefs, caps.PromptDiff)
	recordSavings(req, clone)

	timeout := router.Config().EffectiveTimeout()
	start := time.Now()
	out := attemptResult{Attempt: Attempt{Backend: router.Name()}}
	if streaming {
		// The timeout bounds connect and time to first byte only; a live
		// stream may legitimately produce tokens for longer than any fixed
		// deadline, so the body read stays bound to the caller's context.
		streamCtx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(timeout, cancel)
		out.stream, out.Err = router.Stream(streamCtx, clone)
		timer.Stop()
		if out.Err != nil {
			cancel()
		} else {
			out.stream = adoptStream(ctx, cancel, out.stream)
		}
	} else {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out.resp, out.Err = router.Complete(attemptCtx, clone)
	}
	out.Latency = time.Since(start)
	if out.Err != nil {
		out.Class = Classify(out.Err)
	}
	return out
}

func (e *Engine) finish(ctx context.Context, req *protocol.NormalizedRequest, router backend.Router, plan *compact.Plan, attempt attemptResult, depth int) {
	plan.Commit(ctx)
	middleware.RecordAttempt(router.Name(), string(router.Family()), "success", attempt.Latency.Seconds())
	middleware.RecordFallbackDepth(req.Model, depth)
	if attempt.resp != nil {
		middleware.RecordTokens(req.Model, router.Name(),
			attempt.resp.Usage.PromptTokens, attempt.resp.Usage.CompletionTokens)
	}
	e.logger.Debug("dispatch resolved",
		zap.String("model", req.Model),
		zap.String("backend", router.Name()),
		zap.Int("attempts", depth),
		zap.Bool("streaming", attempt.stream != nil))
}

func upstreamModel(virtual string, spec config.ModelSpec) string {
	if spec.UpstreamModel != "" {
		return spec.UpstreamModel
	}
	return virtual
}

func recordSavings(original, compacted *protocol.NormalizedRequest) {
	if compacted.ToolsRef != "" && len(original.Tools) > 0 {
		if raw, err := json.Marshal(original.Tools); err == nil {
			middleware.RecordCompactionSavings("tools", len(raw))
		}
	}
	if compacted.CompactedPrefixLen > 0 {
		middleware.RecordCompactionSavings("prompt", compacted.CompactedPrefixLen)
	}
}

// adoptStream rebinds a per-attempt cancel to the stream's real lifetime: the
// attempt deadline must not fire while the model is still producing tokens,
// but the timer context has to be released once the stream drains.
func adoptStream(ctx context.Context, cancel context.CancelFunc, in <-chan protocol.Chunk) <-chan protocol.Chunk {
	out := make(chan protocol.Chunk)
	go func() {
		defer close(out)
		defer cancel()
		for chunk := range in {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done || chunk.Err != "" {
				return
			}
		}
	}()
	return out
}
