// Package cache holds the key/value caches used in front of the indexer and
// by the quota calculator.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	goredis "github.com/redis/go-redis/v9"
)

// Store is a string cache. Get reports a miss with ok=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// LRU is an in-process Store with a fixed capacity and a single TTL. The ttl
// passed to Set is ignored.
type LRU struct {
	lru *expirable.LRU[string, string]
}

func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 10_000
	}
	return &LRU{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *LRU) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.lru.Add(key, value)
	return nil
}

func (c *LRU) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

func (c *LRU) Len() int { return c.lru.Len() }

// Redis is a Store shared between processes.
type Redis struct {
	Client goredis.UniversalClient
	Prefix string
}

func (c Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.Client.Get(ctx, c.Prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.Client.Set(ctx, c.Prefix+key, value, ttl).Err()
}

func (c Redis) Delete(ctx context.Context, key string) error {
	return c.Client.Del(ctx, c.Prefix+key).Err()
}
