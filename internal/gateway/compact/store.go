package compact

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is what the gateway remembers about one conversation between turns.
type State struct {
	ToolFingerprint string `json:"tool_fingerprint,omitempty"`
	LastPrompt      string `json:"last_prompt,omitempty"`
}

// Store persists per-session compaction state. Implementations must bound
// their memory: the in-memory store evicts by LRU and TTL, the Redis store
// relies on key expiry.
type Store interface {
	Get(ctx context.Context, session string) (State, bool, error)
	Put(ctx context.Context, session string, st State) error
}

// MemoryStore is a process-local Store with an LRU cap and a TTL.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

type memoryEntry struct {
	session string
	state   State
	touched time.Time
}

func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MemoryStore{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, session string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[session]
	if !ok {
		return State{}, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if s.now().Sub(entry.touched) > s.ttl {
		s.order.Remove(el)
		delete(s.entries, session)
		return State{}, false, nil
	}
	s.order.MoveToFront(el)
	return entry.state, true, nil
}

func (s *MemoryStore) Put(_ context.Context, session string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[session]; ok {
		entry := el.Value.(*memoryEntry)
		entry.state = st
		entry.touched = s.now()
		s.order.MoveToFront(el)
		return nil
	}

	el := s.order.PushFront(&memoryEntry{session: session, state: st, touched: s.now()})
	s.entries[session] = el

	for len(s.entries) > s.maxEntries {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*memoryEntry).session)
	}
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisStore keeps compaction state in Redis so several gateway processes
// can share a conversation. Entries expire with the session TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(session string) string {
	return "ollamux:compact:" + session
}

func (s *RedisStore) Get(ctx context.Context, session string) (State, bool, error) {
	raw, err := s.client.Get(ctx, redisKey(session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (s *RedisStore) Put(ctx context.Context, session string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey(session), raw, s.ttl).Err()
}
