// Package cache holds short-lived lookups shared by request handlers:
// in-process by default, Redis when several proxy replicas must agree on
// invalidations.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a TTL map. Expired entries are dropped on read and by Sweep.
type Memory struct {
	entries sync.Map
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := m.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(memoryEntry)
	if m.now().After(e.expiresAt) {
		m.entries.Delete(key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.entries.Store(key, memoryEntry{value: value, expiresAt: m.now().Add(ttl)})
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.entries.Delete(key)
}

// Sweep removes expired entries.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	m.entries.Range(func(k, v any) bool {
		if now.After(v.(memoryEntry).expiresAt) {
			m.entries.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// Redis stores entries under a key prefix. Failures degrade to cache misses.
type Redis struct {
	client *redis.Client
	prefix string
	onErr  func(op string, err error)
}

func NewRedis(client *redis.Client, prefix string, onErr func(op string, err error)) *Redis {
	if onErr == nil {
		onErr = func(string, error) {}
	}
	return &Redis{client: client, prefix: prefix, onErr: onErr}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.onErr("get", err)
		}
		return nil, false
	}
	return v, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		r.onErr("set", err)
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.onErr("delete", err)
	}
}
