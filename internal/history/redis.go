package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis, for deployments that want the
// task archive to outlive the process.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all archive keys (default: "webhub:task:").
	Prefix string `yaml:"prefix"`
	// RecordTTL is the record expiry duration (0 = never expire).
	RecordTTL time.Duration `yaml:"record_ttl"`
}

// NewRedisStore creates a new Redis-backed archive.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.RecordTTL), nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "webhub:task:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(taskID string) string {
	return s.prefix + taskID
}

// indexKey is the sorted set ordering records by completion time.
func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

// Archive saves a terminal task record.
func (s *RedisStore) Archive(ctx context.Context, rec *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.TaskID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(rec.TaskID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(rec.CompletedAt.UnixNano()),
		Member: rec.TaskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive record %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get retrieves a record by task id.
func (s *RedisStore) Get(ctx context.Context, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", taskID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", taskID, err)
	}
	return &rec, nil
}

// List returns records matching the options, most recent first.
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Record expired out from under the index.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load record %s: %w", id, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		out = append(out, &rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
var _ Store = (*MemoryStore)(nil)
