package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is what is kept per Idempotency-Key. A record without Completed is a request in flight.
type Record struct {
	RequestHash string    `json:"request_hash"`
	Completed   bool      `json:"completed"`
	Status      int       `json:"status,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	// Reserve stores rec only if key is unused and reports whether it did.
	Reserve(ctx context.Context, key string, rec Record, ttl time.Duration) (bool, error)
	// Get returns nil when the key is unknown or expired.
	Get(ctx context.Context, key string) (*Record, error)
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type RedisStore struct {
	client      *redis.Client
	serviceName string
}

func NewRedisStore(client *redis.Client, serviceName string) *RedisStore {
	return &RedisStore{client: client, serviceName: serviceName}
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.serviceName, key)
}

func (s *RedisStore) Reserve(ctx context.Context, key string, rec Record, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("idempotency: failed to marshal record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: failed to reserve key: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: failed to get key: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: corrupt record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: failed to store response: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: failed to release key: %w", err)
	}
	return nil
}

// MemoryStore keeps records in process. Used when no Redis is configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord), now: time.Now}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, rec Record, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.records[key] = memoryRecord{rec: rec, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	rec := r.rec
	return &rec, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{rec: rec, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// live must be called with mu held.
func (s *MemoryStore) live(key string) (memoryRecord, bool) {
	r, ok := s.records[key]
	if !ok {
		return memoryRecord{}, false
	}
	if !s.now().Before(r.expiresAt) {
		delete(s.records, key)
		return memoryRecord{}, false
	}
	return r, true
}
