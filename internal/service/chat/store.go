package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// SessionStore keeps live conversations until they end or expire.
type SessionStore interface {
	Save(ctx context.Context, conv *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// MemoryStore implements SessionStore in process, expiring entries lazily.
type MemoryStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStore returns a MemoryStore whose entries live for ttl after each save.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Save(_ context.Context, conv *Conversation) error {
	payload, err := json.Marshal(conv)
	if err != nil {
		return errors.Wrap(err, "encode conversation")
	}

	s.mu.Lock()
	s.items[conv.ID] = memoryEntry{payload: payload, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	entry, ok := s.items[id]
	s.mu.RUnlock()

	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, ErrSessionNotFound
	}

	var conv Conversation
	if err := json.Unmarshal(entry.payload, &conv); err != nil {
		return nil, errors.Wrap(err, "decode conversation")
	}
	return &conv, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, entry := range s.items {
		if !now.Before(entry.expiresAt) {
			delete(s.items, id)
			continue
		}
		n++
	}
	return n, nil
}

const redisKeyPrefix = "session:"

// RedisStore implements SessionStore on Redis with a TTL per key.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Ping verifies the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "ping redis")
}

func (s *RedisStore) Save(ctx context.Context, conv *Conversation) error {
	payload, err := json.Marshal(conv)
	if err != nil {
		return errors.Wrap(err, "encode conversation")
	}
	if err := s.client.SetEx(ctx, redisKeyPrefix+conv.ID, payload, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "save conversation")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Conversation, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}

	var conv Conversation
	if err := json.Unmarshal(payload, &conv); err != nil {
		return nil, errors.Wrap(err, "decode conversation")
	}
	return &conv, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return errors.Wrap(s.client.Del(ctx, redisKeyPrefix+id).Err(), "delete conversation")
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, errors.Wrap(err, "scan sessions")
	}
	return n, nil
}
