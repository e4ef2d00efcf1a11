package suggest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores merged suggestions per study context.
type Cache interface {
	Get(ctx context.Context, key string) ([]Question, bool, error)
	Set(ctx context.Context, key string, questions []Question, ttl time.Duration) error
}

// RedisCache implements Cache on top of Redis string keys with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client), nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "suggest:",
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]Question, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get suggestions: %w", err)
	}

	var questions []Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, false, fmt.Errorf("unmarshal suggestions: %w", err)
	}
	return questions, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, questions []Question, ttl time.Duration) error {
	raw, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("save suggestions: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// cacheKey hashes the normalized context so equivalent requests share an entry.
func cacheKey(c Context) string {
	normalized := Context{
		FunnelStage:   strings.ToLower(strings.TrimSpace(c.FunnelStage)),
		PrimaryKPI:    strings.ToUpper(strings.TrimSpace(c.PrimaryKPI)),
		SecondaryKPIs: make([]string, 0, len(c.SecondaryKPIs)),
		CampaignName:  strings.TrimSpace(c.CampaignName),
	}
	for _, kpi := range c.SecondaryKPIs {
		normalized.SecondaryKPIs = append(normalized.SecondaryKPIs, strings.ToUpper(strings.TrimSpace(kpi)))
	}
	raw, _ := json.Marshal(normalized)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
