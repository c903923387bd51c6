package compact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// Compactor shrinks outbound payloads using per-conversation state: repeated
// tool-schema blocks collapse to a fingerprint reference, and prompt text
// repeated from the previous turn collapses to a prefix marker. Both
// transforms only run against backends that understand the coordinated
// marker format; everything else gets the full payload.
type Compactor struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

type Config struct {
	ToolDedup    bool
	PromptDiff   bool
	MinPrefixLen int
}

func New(store Store, cfg Config, logger *zap.Logger) *Compactor {
	if cfg.MinPrefixLen <= 0 {
		cfg.MinPrefixLen = 64
	}
	return &Compactor{store: store, cfg: cfg, logger: logger}
}

// prefixMarker is the coordinated wire encoding for a deduplicated prompt
// prefix: the receiver substitutes the first <n> bytes of the previous
// turn's prompt.
const (
	prefixMarkerOpen  = "<<pfx:"
	prefixMarkerClose = ">>"
)

func prefixMarker(n int) string {
	return prefixMarkerOpen + strconv.Itoa(n) + prefixMarkerClose
}

// ExpandPrompt reverses a prefix marker against the previous turn's full
// prompt text. Returns the input unchanged when no marker is present.
func ExpandPrompt(previous, compacted string) (string, error) {
	if !strings.HasPrefix(compacted, prefixMarkerOpen) {
		return compacted, nil
	}
	rest := compacted[len(prefixMarkerOpen):]
	end := strings.Index(rest, prefixMarkerClose)
	if end < 0 {
		return "", fmt.Errorf("malformed prefix marker in %q", compacted[:min(32, len(compacted))])
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return "", fmt.Errorf("malformed prefix length: %w", err)
	}
	if n < 0 || n > len(previous) {
		return "", fmt.Errorf("prefix length %d out of range for previous prompt of %d bytes", n, len(previous))
	}
	return previous[:n] + rest[end+len(prefixMarkerClose):], nil
}

// Plan is one dispatch's view of the compaction state. Reading happens once
// per dispatch; Apply mutates per-attempt clones; Commit persists the new
// state only after an attempt succeeded, so a fallback retry never observes
// a half-updated conversation.
type Plan struct {
	c        *Compactor
	session  string
	prev     State
	havePrev bool
	next     State
}

// Plan loads the conversation state for a request and computes what the new
// state would be. Requests without a session key get a nil plan: compaction
// is skipped entirely rather than sharing a default bucket across callers.
func (c *Compactor) Plan(ctx context.Context, req *protocol.NormalizedRequest) *Plan {
	if c == nil || req.SessionID == "" {
		return nil
	}
	if !c.cfg.ToolDedup && !c.cfg.PromptDiff {
		return nil
	}

	prev, ok, err := c.store.Get(ctx, req.SessionID)
	if err != nil {
		// State is an optimization; a failing store must not fail the
		// request.
		c.logger.Warn("compaction state read failed",
			zap.String("session", req.SessionID), zap.Error(err))
		return nil
	}

	next := State{
		ToolFingerprint: prev.ToolFingerprint,
		LastPrompt:      prev.LastPrompt,
	}
	if len(req.Tools) > 0 {
		next.ToolFingerprint = Fingerprint(req.Tools)
	}
	if req.Prompt != "" {
		next.LastPrompt = req.Prompt
	}

	return &Plan{c: c, session: req.SessionID, prev: prev, havePrev: ok, next: next}
}

// Apply rewrites the request in place for one attempt. toolRefs and
// promptDiff state whether the target backend honors the respective
// coordinated encodings; a backend that honors neither receives the payload
// untouched.
func (p *Plan) Apply(req *protocol.NormalizedRequest, toolRefs, promptDiff bool) {
	if p == nil || !p.havePrev {
		return
	}

	if p.c.cfg.ToolDedup && toolRefs && len(req.Tools) > 0 {
		fp := Fingerprint(req.Tools)
		if fp == p.prev.ToolFingerprint {
			req.Tools = nil
			req.ToolsRef = fp
			p.c.logger.Debug("tool schema deduplicated",
				zap.String("session", p.session),
				zap.String("fingerprint", fp[:12]))
		}
	}

	if p.c.cfg.PromptDiff && promptDiff && req.Prompt != "" && p.prev.LastPrompt != "" {
		lcp := commonPrefixLen(p.prev.LastPrompt, req.Prompt)
		if lcp >= p.c.cfg.MinPrefixLen {
			req.CompactedPrefixLen = lcp
			req.Prompt = prefixMarker(lcp) + req.Prompt[lcp:]
			p.c.logger.Debug("prompt prefix compacted",
				zap.String("session", p.session),
				zap.Int("prefix_bytes", lcp))
		}
	}
}

// Commit persists the post-turn state. Called once, after a successful
// attempt.
func (p *Plan) Commit(ctx context.Context) {
	if p == nil {
		return
	}
	if err := p.c.store.Put(ctx, p.session, p.next); err != nil {
		p.c.logger.Warn("compaction state write failed",
			zap.String("session", p.session), zap.Error(err))
	}
}

// Fingerprint computes a stable digest of a tool-definition list. Field
// order inside Parameters is preserved as provided by the client, so two
// byte-identical schema blocks always collide and any field change does not.
func Fingerprint(tools []protocol.Tool) string {
	raw, err := json.Marshal(tools)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
