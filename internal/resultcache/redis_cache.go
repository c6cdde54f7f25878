// Package resultcache keeps a Redis copy of the most recent debate result
// for cheap reads by clients that only care about the latest debate.
package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clashchat/internal/store"
)

const latestKey = "results:latest"

// resultData is the cached shape of a debate result
type resultData struct {
	TopicID      string    `json:"topic_id"`
	Summary      string    `json:"summary"`
	TopicText    string    `json:"topic_text"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedisCache implements latest-result caching using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis-backed result cache
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, ttl: 24 * time.Hour}, nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, ttl: 24 * time.Hour}
}

// Client exposes the underlying connection for sharing with other
// Redis-backed subsystems.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// SetLatest overwrites the cached latest result
func (c *RedisCache) SetLatest(ctx context.Context, result store.DebateResult) error {
	data := resultData{
		TopicID:      result.TopicID,
		Summary:      result.Summary,
		TopicText:    result.TopicText,
		MessageCount: result.MessageCount,
		CreatedAt:    result.CreatedAt,
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal latest result: %w", err)
	}
	if err := c.client.Set(ctx, latestKey, jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache latest result: %w", err)
	}
	return nil
}

// GetLatest returns the cached latest result; ok is false on a miss.
func (c *RedisCache) GetLatest(ctx context.Context) (store.DebateResult, bool, error) {
	jsonData, err := c.client.Get(ctx, latestKey).Result()
	if err == redis.Nil {
		return store.DebateResult{}, false, nil
	}
	if err != nil {
		return store.DebateResult{}, false, fmt.Errorf("lookup latest result: %w", err)
	}

	var data resultData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.DebateResult{}, false, fmt.Errorf("unmarshal latest result: %w", err)
	}
	return store.DebateResult{
		TopicID:      data.TopicID,
		Summary:      data.Summary,
		TopicText:    data.TopicText,
		MessageCount: data.MessageCount,
		CreatedAt:    data.CreatedAt,
	}, true, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
