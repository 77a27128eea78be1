// Package cache provides the fabric's Redis-backed distributed cache and
// rate-limit backing: a fixed-window counter store for InteractionControl
// and a document-embedding cache keyed by readable document id.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache wraps a go-redis client with the small set of primitives
// interaction control and discovery need: fixed-window increment/TTL, and
// get/set for cached embedding vectors.
type RedisCache struct {
	client *redis.Client
}

// CacheConfig holds Redis connection configuration.
type CacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisCache creates a new Redis cache client and verifies
// connectivity with a short-lived ping.
func NewRedisCache(config *CacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Increment implements application.WindowStore: it adds delta to key's
// counter, creating the window with the given ttl the first time key is
// observed (INCRBY + EXPIRE).
func (c *RedisCache) Increment(key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	total, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	if total == delta {
		c.client.Expire(ctx, key, ttl)
	}
	return total, nil
}

// TTL implements application.WindowStore.
func (c *RedisCache) TTL(key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.TTL(ctx, key).Result()
}

// Embedding document cache: repeated registrations of an unchanged
// profile skip re-embedding.
const embeddingCachePrefix = "discovery:doc:"

// GetCachedEmbedding fetches a previously cached vector for a readable
// document id, returning ok=false on a cache miss.
func (c *RedisCache) GetCachedEmbedding(docID string) (vector []float64, ok bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, embeddingCachePrefix+docID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(val), &vector); err != nil {
		return nil, false, err
	}
	return vector, true, nil
}

// CacheEmbedding stores a document's vector for ttl.
func (c *RedisCache) CacheEmbedding(docID string, vector []float64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, embeddingCachePrefix+docID, data, ttl).Err()
}

// InvalidateEmbedding removes a cached document vector, called when an
// agent's registration changes and its documents are regenerated.
func (c *RedisCache) InvalidateEmbedding(docID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.Del(ctx, embeddingCachePrefix+docID).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
