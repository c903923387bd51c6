package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/backend"
	"github.com/amerfu/ollamux/internal/gateway/compact"
	"github.com/amerfu/ollamux/internal/gateway/pool"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

func newEngine(t *testing.T, groups []config.ModelGroup, compactor *compact.Compactor) *Engine {
	t.Helper()
	p := pool.New(zap.NewNop())
	t.Cleanup(p.Shutdown)
	factory, err := backend.NewFactory(groups, p, zap.NewNop())
	require.NoError(t, err)
	return NewEngine(config.NewModelTable(groups), factory, compactor, zap.NewNop())
}

func mockBackend(name string, extra map[string]string) config.BackendConfig {
	return config.BackendConfig{Name: name, Family: config.FamilyMock, Extra: extra}
}

func groupWith(backends ...config.BackendConfig) []config.ModelGroup {
	return []config.ModelGroup{{
		Name:     "default",
		Models:   map[string]config.ModelSpec{"qwq": {UpstreamModel: "qwen2.5:32b"}},
		Backends: backends,
	}}
}

func userRequest() *protocol.NormalizedRequest {
	return &protocol.NormalizedRequest{
		Model:    "qwq",
		Messages: []protocol.Message{{Role: "user", Content: "ping"}},
	}
}

func TestDispatchFirstBackendWins(t *testing.T) {
	e := newEngine(t, groupWith(
		mockBackend("primary", map[string]string{"response": "from primary"}),
		mockBackend("secondary", map[string]string{"response": "from secondary"}),
	), nil)

	resp, err := e.Dispatch(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, "from primary", resp.Content)
}

func TestDispatchFallsBackOnTransientFailure(t *testing.T) {
	e := newEngine(t, groupWith(
		mockBackend("broken", map[string]string{"fail_status": "500"}),
		mockBackend("rescue", map[string]string{"response": "from rescue"}),
	), nil)

	resp, err := e.Dispatch(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, "from rescue", resp.Content)
}

func TestDispatchStopsOnTerminalFailure(t *testing.T) {
	e := newEngine(t, groupWith(
		mockBackend("rejecting", map[string]string{"fail_status": "400"}),
		mockBackend("rescue", map[string]string{"response": "never reached"}),
	), nil)

	_, err := e.Dispatch(context.Background(), userRequest())
	var agg *Error
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Attempts, 1, "a terminal failure must not advance the chain")
	assert.Equal(t, "rejecting", agg.Attempts[0].Backend)
	assert.Equal(t, ClassTerminal, agg.Attempts[0].Class)
}

func TestDispatchAggregatesAllFailures(t *testing.T) {
	e := newEngine(t, groupWith(
		mockBackend("a", map[string]string{"fail_status": "500"}),
		mockBackend("b", map[string]string{"fail_status": "503"}),
	), nil)

	_, err := e.Dispatch(context.Background(), userRequest())
	var agg *Error
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Attempts, 2)
	assert.Equal(t, "a", agg.Attempts[0].Backend)
	assert.Equal(t, "b", agg.Attempts[1].Backend)
	assert.Contains(t, agg.Error(), "all 2 attempts for model qwq failed")

	var status *backend.StatusError
	assert.ErrorAs(t, err, &status, "attempt errors stay reachable through the aggregate")
}

func TestDispatchRetriesBeforeAdvancing(t *testing.T) {
	backends := groupWith(
		mockBackend("flaky", map[string]string{"fail_status": "500", "fail_first": "1", "response": "from flaky"}),
		mockBackend("rescue", map[string]string{"response": "from rescue"}),
	)
	backends[0].Backends[0].Retries = 2

	e := newEngine(t, backends, nil)
	resp, err := e.Dispatch(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, "from flaky", resp.Content, "second consecutive attempt on the same backend")
}

func TestDispatchCancellationStopsChain(t *testing.T) {
	e := newEngine(t, groupWith(
		mockBackend("slow", map[string]string{"latency": "200ms"}),
		mockBackend("rescue", map[string]string{"response": "never reached"}),
	), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Dispatch(ctx, userRequest())
	require.ErrorIs(t, err, context.Canceled, "cancellation is not a fallback trigger")
}

func TestDispatchUnknownModel(t *testing.T) {
	e := newEngine(t, groupWith(mockBackend("ok", nil)), nil)

	req := userRequest()
	req.Model = "missing"
	_, err := e.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, config.ErrModelNotFound)
}

func TestDispatchValidation(t *testing.T) {
	e := newEngine(t, groupWith(mockBackend("ok", nil)), nil)

	_, err := e.Dispatch(context.Background(), &protocol.NormalizedRequest{Model: "qwq"})
	var validation *protocol.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestDispatchStreamFallsBackBeforeFirstByte(t *testing.T) {
	e := newEngine(t, groupWith(
		mockBackend("broken", map[string]string{"fail_status": "503"}),
		mockBackend("rescue", map[string]string{"response": "streamed reply"}),
	), nil)

	req := userRequest()
	req.Stream = true
	stream, err := e.DispatchStream(context.Background(), req)
	require.NoError(t, err)

	var text string
	var done bool
	for chunk := range stream {
		require.Empty(t, chunk.Err)
		text += chunk.Delta
		done = done || chunk.Done
	}
	assert.Equal(t, "streamed reply", text)
	assert.True(t, done)
}

func TestDispatchCommitsCompactionStateOnSuccess(t *testing.T) {
	store := compact.NewMemoryStore(16, time.Minute)
	compactor := compact.New(store, compact.Config{ToolDedup: true, PromptDiff: true, MinPrefixLen: 8}, zap.NewNop())
	e := newEngine(t, groupWith(mockBackend("ok", nil)), compactor)

	req := userRequest()
	req.SessionID = "s1"
	req.Tools = []protocol.Tool{{
		Type:     "function",
		Function: protocol.ToolFunction{Name: "search", Parameters: json.RawMessage(`{}`)},
	}}

	_, err := e.Dispatch(context.Background(), req)
	require.NoError(t, err)

	st, ok, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, compact.Fingerprint(req.Tools), st.ToolFingerprint)
}

func TestDispatchSkipsCommitOnFailure(t *testing.T) {
	store := compact.NewMemoryStore(16, time.Minute)
	compactor := compact.New(store, compact.Config{ToolDedup: true, PromptDiff: true, MinPrefixLen: 8}, zap.NewNop())
	e := newEngine(t, groupWith(mockBackend("broken", map[string]string{"fail_status": "500"})), compactor)

	req := userRequest()
	req.SessionID = "s1"

	_, err := e.Dispatch(context.Background(), req)
	require.Error(t, err)

	_, ok, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, ok, "failed dispatches leave no session state behind")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"validation", &protocol.ValidationError{Reason: "bad"}, ClassTerminal},
		{"model not found", config.ErrModelNotFound, ClassTerminal},
		{"rate limited", &backend.StatusError{StatusCode: 429}, ClassTransient},
		{"server error", &backend.StatusError{StatusCode: 502}, ClassTransient},
		{"client error", &backend.StatusError{StatusCode: 422}, ClassTerminal},
		{"deadline", context.DeadlineExceeded, ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDispatchStreamMidFailureDoesNotAdvance(t *testing.T) {
	e := newEngine(t, groupWith(
		mockBackend("flaky", map[string]string{"response": "one two three four", "fail_mid_stream": "2"}),
		mockBackend("rescue", map[string]string{"response": "never reached"}),
	), nil)

	req := userRequest()
	req.Stream = true
	stream, err := e.DispatchStream(context.Background(), req)
	require.NoError(t, err)

	var text, errText string
	var done bool
	for chunk := range stream {
		text += chunk.Delta
		done = done || chunk.Done
		if chunk.Err != "" {
			errText = chunk.Err
		}
	}

	assert.Equal(t, "one two ", text, "deltas before the failure reach the caller")
	assert.NotEmpty(t, errText, "the stream ends with a terminal error frame")
	assert.False(t, done)
	assert.NotContains(t, text, "never reached", "no second backend once bytes were handed over")
}

// recordingDaemon plays a plain Ollama upstream and keeps every prompt it was
// sent, so tests can check exactly what went over the wire.
func recordingDaemon(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var prompts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire protocol.OllamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		mu.Lock()
		prompts = append(prompts, wire.Prompt)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(protocol.OllamaGenerateResponse{
			Model:     wire.Model,
			CreatedAt: time.Now().UTC(),
			Response:  "ok",
			Done:      true,
		})
	}))
	t.Cleanup(server.Close)
	return server, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), prompts...)
	}
}

func TestDispatchSendsFullPromptToPlainDaemon(t *testing.T) {
	server, recorded := recordingDaemon(t)

	store := compact.NewMemoryStore(16, time.Minute)
	compactor := compact.New(store, compact.Config{PromptDiff: true, MinPrefixLen: 16}, zap.NewNop())
	e := newEngine(t, groupWith(config.BackendConfig{
		Name:    "local",
		Family:  config.FamilyOllama,
		BaseURL: server.URL,
	}), compactor)

	prefix := strings.Repeat("shared conversation context ", 5)
	for _, question := range []string{"first question", "second question"} {
		req := &protocol.NormalizedRequest{
			Model:     "qwq",
			SessionID: "s1",
			Prompt:    prefix + question,
		}
		_, err := e.Dispatch(context.Background(), req)
		require.NoError(t, err)
	}

	prompts := recorded()
	require.Len(t, prompts, 2)
	assert.Equal(t, prefix+"second question", prompts[1],
		"a stock daemon gets the untransformed prompt on every turn")
	assert.NotContains(t, prompts[1], "<<pfx:")
}

func TestDispatchDiffsPromptForCoordinatedPeer(t *testing.T) {
	server, recorded := recordingDaemon(t)

	store := compact.NewMemoryStore(16, time.Minute)
	compactor := compact.New(store, compact.Config{PromptDiff: true, MinPrefixLen: 16}, zap.NewNop())
	e := newEngine(t, groupWith(config.BackendConfig{
		Name:    "peer",
		Family:  config.FamilyOllama,
		BaseURL: server.URL,
		Extra:   map[string]string{"coordinated_compaction": "true"},
	}), compactor)

	prefix := strings.Repeat("shared conversation context ", 5)
	for _, question := range []string{"first question", "second question"} {
		req := &protocol.NormalizedRequest{
			Model:     "qwq",
			SessionID: "s1",
			Prompt:    prefix + question,
		}
		_, err := e.Dispatch(context.Background(), req)
		require.NoError(t, err)
	}

	prompts := recorded()
	require.Len(t, prompts, 2)
	assert.Equal(t, prefix+"first question", prompts[0])
	assert.Contains(t, prompts[1], "<<pfx:", "the second turn rides on the stored prefix")
	assert.Contains(t, prompts[1], "second question")
}
