// Package counter provides a fast shared counter and key/value service used
// for cheap cross-process tallies (pool-size tracking, current-batch ids).
// Values here are eventually correct at best; financial and status decisions
// always go through the ledger store instead.
package counter

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Counter is an atomic shared counter keyed by string.
type Counter interface {
	Increment(ctx context.Context, key string, n int64) error
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64) error
}

// KV is a small get/set store with a per-owner key prefix, used by
// recruiters to remember the currently open batch/study id.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ErrKeyNotFound is returned by KV.Get for absent keys.
var ErrKeyNotFound = errors.New("counter: key not found")

// RedisCounter backs Counter with Redis INCRBY/GET/SET.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Increment(ctx context.Context, key string, n int64) error {
	return c.client.IncrBy(ctx, key, n).Err()
}

func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (c *RedisCounter) Set(ctx context.Context, key string, value int64) error {
	return c.client.Set(ctx, key, value, 0).Err()
}

// RedisKV backs KV with prefixed Redis string keys.
type RedisKV struct {
	client *redis.Client
	prefix string
}

func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (s *RedisKV) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	return v, err
}

func (s *RedisKV) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

func (s *RedisKV) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// MemCounter is an in-process Counter for tests and the synchronous debug
// path.
type MemCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemCounter() *MemCounter {
	return &MemCounter{values: make(map[string]int64)}
}

func (c *MemCounter) Increment(_ context.Context, key string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] += n
	return nil
}

func (c *MemCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *MemCounter) Set(_ context.Context, key string, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

// MemKV is an in-process KV for tests.
type MemKV struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemKV() *MemKV {
	return &MemKV{values: make(map[string]string)}
}

func (s *MemKV) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (s *MemKV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
