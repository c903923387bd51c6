package pool

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAcquireReusesEntry(t *testing.T) {
	p := New(zap.NewNop())
	key := NewKey("http://localhost:11434", "", "", false)

	a := p.Acquire(key)
	b := p.Acquire(key)

	assert.Same(t, a, b)
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, int64(2), a.Uses())
}

func TestAcquireDistinguishesKeys(t *testing.T) {
	p := New(zap.NewNop())

	a := p.Acquire(NewKey("http://localhost:11434", "", "", false))
	b := p.Acquire(NewKey("http://localhost:11434", "", "", true))
	c := p.Acquire(NewKey("http://localhost:11434", "secret", "", false))

	assert.NotSame(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 3, p.Size())
}

func TestNewKeyNormalizesTrailingSlash(t *testing.T) {
	assert.Equal(t,
		NewKey("http://localhost:11434", "", "", false),
		NewKey("http://localhost:11434/", "", "", false))
}

func TestAcquireConcurrent(t *testing.T) {
	p := New(zap.NewNop())
	key := NewKey("http://localhost:11434", "", "", false)

	const workers = 32
	entries := make([]*Entry, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i] = p.Acquire(key)
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, entries[0], entries[i])
	}
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, int64(workers), entries[0].Uses())
}

func TestStatsRedactsCredential(t *testing.T) {
	p := New(zap.NewNop())
	p.Acquire(NewKey("http://one", "sk-secret", "v1", true))

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "http://one", stats[0].BaseURL)
	assert.True(t, stats[0].HasCredential)
	assert.Equal(t, "v1", stats[0].APIVersion)
	assert.True(t, stats[0].Compression)
	assert.Equal(t, int64(1), stats[0].Uses)
}

func TestGzipTransportDecompresses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"ok":true}`))
		require.NoError(t, gz.Close())
	}))
	defer server.Close()

	p := New(zap.NewNop())
	entry := p.Acquire(NewKey(server.URL, "", "", true))

	resp, err := entry.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := make([]byte, 64)
	n, _ := resp.Body.Read(body)
	assert.Equal(t, `{"ok":true}`, string(body[:n]))
	assert.True(t, resp.Uncompressed)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestPlainTransportSkipsGzipHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Accept-Encoding"))
		_, _ = w.Write([]byte("plain"))
	}))
	defer server.Close()

	p := New(zap.NewNop())
	entry := p.Acquire(NewKey(server.URL, "", "", false))

	resp, err := entry.Client().Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestShutdownClearsEntries(t *testing.T) {
	p := New(zap.NewNop())
	p.Acquire(NewKey("http://one", "", "", false))
	p.Acquire(NewKey("http://two", "", "", false))

	p.Shutdown()
	assert.Equal(t, 0, p.Size())
}
