package pool

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Key identifies one reusable transport. Every router whose backend config
// maps to the same key shares the same entry.
type Key struct {
	BaseURL     string
	Credential  string
	APIVersion  string
	Compression bool
}

func NewKey(baseURL, credential, apiVersion string, compression bool) Key {
	return Key{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Credential:  credential,
		APIVersion:  apiVersion,
		Compression: compression,
	}
}

// Entry is a live transport bound to one key. Immutable after construction;
// the embedded http.Client multiplexes concurrent requests internally.
type Entry struct {
	key    Key
	client *http.Client
	uses   atomic.Int64
}

func (e *Entry) Client() *http.Client { return e.client }
func (e *Entry) Key() Key             { return e.key }
func (e *Entry) Uses() int64          { return e.uses.Load() }

// Pool owns the transports to every upstream host. Entries are created on
// first use and live until Shutdown; the map only grows, bounded by the
// number of distinct backend configurations.
type Pool struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Pool {
	return &Pool{
		entries: make(map[Key]*Entry),
		logger:  logger,
	}
}

// Acquire returns the shared transport for a key, creating it on first use.
// Concurrent first-use races resolve to a single entry via a double-checked
// lookup; the write lock is held only during construction, never during use.
func (p *Pool) Acquire(key Key) *Entry {
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		entry.uses.Add(1)
		return entry
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[key]; ok {
		entry.uses.Add(1)
		return entry
	}

	p.logger.Info("creating transport",
		zap.String("base_url", key.BaseURL),
		zap.Bool("compression", key.Compression))

	entry = &Entry{
		key:    key,
		client: newClient(key),
	}
	entry.uses.Add(1)
	p.entries[key] = entry
	return entry
}

func newClient(key Key) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     5 * time.Minute,
		// Compression is negotiated by our own round tripper so the
		// advertisement is a property of the pool key, not of net/http's
		// per-request defaults.
		DisableCompression: true,
	}

	var rt http.RoundTripper = transport
	if key.Compression {
		rt = &gzipRoundTripper{next: transport}
	}

	// No client-level timeout: per-backend timeouts come in through the
	// request context, and streaming responses outlive any fixed deadline.
	return &http.Client{Transport: rt}
}

// KeyStats is one row of the pool introspection output.
type KeyStats struct {
	BaseURL       string `json:"base_url"`
	HasCredential bool   `json:"has_credential"`
	APIVersion    string `json:"api_version,omitempty"`
	Compression   bool   `json:"compression"`
	Uses          int64  `json:"uses"`
}

// Stats returns the current key set with usage counts.
func (p *Pool) Stats() []KeyStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make([]KeyStats, 0, len(p.entries))
	for key, entry := range p.entries {
		stats = append(stats, KeyStats{
			BaseURL:       key.BaseURL,
			HasCredential: key.Credential != "",
			APIVersion:    key.APIVersion,
			Compression:   key.Compression,
			Uses:          entry.Uses(),
		})
	}
	return stats
}

// Size returns the number of live entries.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Shutdown closes the idle connections of every entry. Called once at
// process exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("closing transports", zap.Int("count", len(p.entries)))
	for _, entry := range p.entries {
		entry.client.CloseIdleConnections()
	}
	p.entries = make(map[Key]*Entry)
}

// gzipRoundTripper advertises gzip on every request through the transport
// and transparently decompresses responses.
type gzipRoundTripper struct {
	next http.RoundTripper
}

func (g *gzipRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	resp, err := g.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		resp.Body = &gzipBody{reader: gz, underlying: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	return resp, nil
}

type gzipBody struct {
	reader     *gzip.Reader
	underlying io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.reader.Read(p) }

func (b *gzipBody) Close() error {
	if err := b.reader.Close(); err != nil {
		b.underlying.Close()
		return err
	}
	return b.underlying.Close()
}
