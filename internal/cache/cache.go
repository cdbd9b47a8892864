// Package cache provides a two-tier cache for engine results: an in-process LRU in front of
// an optional shared Redis. Keys embed the catalog content digest, so a reload of changed rules
// never serves a result computed under the older ones, whatever the catalog's version string says.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Config holds cache settings.
type Config struct {
	MemorySize int           `json:"memory_size"`
	MemoryTTL  time.Duration `json:"memory_ttl"`
	RedisURL   string        `json:"redis_url"`
	RedisTTL   time.Duration `json:"redis_ttl"`
	KeyPrefix  string        `json:"key_prefix"`
}

// Stats counts lookups per tier.
type Stats struct {
	MemoryHits   int64 `json:"memory_hits"`
	MemoryMisses int64 `json:"memory_misses"`
	RedisHits    int64 `json:"redis_hits"`
	RedisMisses  int64 `json:"redis_misses"`
	Errors       int64 `json:"errors"`
}

// Observer is notified of every tier lookup; used to feed metrics.
type Observer func(tier string, hit bool)

// ResultCache is safe for concurrent use.
type ResultCache struct {
	memory   *expirable.LRU[string, []byte]
	redis    *redis.Client
	redisTTL time.Duration
	prefix   string
	logger   *logrus.Logger
	observer Observer

	memoryHits   atomic.Int64
	memoryMisses atomic.Int64
	redisHits    atomic.Int64
	redisMisses  atomic.Int64
	errors       atomic.Int64
}

func applyDefaults(cfg *Config) {
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = 1000
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = 15 * time.Minute
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dosing:"
	}
}

// New creates a cache. When cfg.RedisURL is set the shared tier is connected and pinged.
func New(cfg Config, logger *logrus.Logger) (*ResultCache, error) {
	if cfg.RedisURL == "" {
		return NewWithClient(cfg, nil, logger), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewWithClient(cfg, client, logger), nil
}

// NewWithClient creates a cache around an existing Redis client, which may be nil.
func NewWithClient(cfg Config, client *redis.Client, logger *logrus.Logger) *ResultCache {
	applyDefaults(&cfg)
	if logger == nil {
		logger = logrus.New()
	}
	return &ResultCache{
		memory:   expirable.NewLRU[string, []byte](cfg.MemorySize, nil, cfg.MemoryTTL),
		redis:    client,
		redisTTL: cfg.RedisTTL,
		prefix:   cfg.KeyPrefix,
		logger:   logger,
	}
}

// SetObserver installs a lookup observer. It must be called before the cache is shared.
func (c *ResultCache) SetObserver(o Observer) {
	c.observer = o
}

// Key derives a cache key from the catalog digest, the operation and its request.
func (c *ResultCache) Key(catalogDigest, operation string, request any) (string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s%s:%s:%s", c.prefix, catalogDigest, operation, hex.EncodeToString(sum[:])), nil
}

// Get looks key up in memory and then in Redis, decoding a hit into dest.
// A Redis hit is promoted into memory. Backend errors count as misses.
func (c *ResultCache) Get(ctx context.Context, key string, dest any) bool {
	if raw, ok := c.memory.Get(key); ok {
		c.memoryHits.Add(1)
		c.observe("memory", true)
		return c.decode(key, raw, dest)
	}
	c.memoryMisses.Add(1)
	c.observe("memory", false)

	if c.redis == nil {
		return false
	}

	raw, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.redisMisses.Add(1)
		c.observe("redis", false)
		return false
	}
	if err != nil {
		c.errors.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("Redis cache lookup failed")
		return false
	}
	c.redisHits.Add(1)
	c.observe("redis", true)
	c.memory.Add(key, raw)
	return c.decode(key, raw, dest)
}

// Set stores value in both tiers. Failures are logged, never returned: the cache is an
// optimization and must not fail a request.
func (c *ResultCache) Set(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.errors.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("Failed to encode cache value")
		return
	}
	c.memory.Add(key, raw)

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.redisTTL).Err(); err != nil {
		c.errors.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("Failed to write Redis cache")
	}
}

// Purge empties the memory tier. Redis entries are keyed by catalog version and age out.
func (c *ResultCache) Purge() {
	c.memory.Purge()
}

// Len returns the number of entries in the memory tier.
func (c *ResultCache) Len() int {
	return c.memory.Len()
}

// Stats returns a snapshot of the lookup counters.
func (c *ResultCache) Stats() Stats {
	return Stats{
		MemoryHits:   c.memoryHits.Load(),
		MemoryMisses: c.memoryMisses.Load(),
		RedisHits:    c.redisHits.Load(),
		RedisMisses:  c.redisMisses.Load(),
		Errors:       c.errors.Load(),
	}
}

// Ping checks the shared tier, if any.
func (c *ResultCache) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (c *ResultCache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *ResultCache) decode(key string, raw []byte, dest any) bool {
	if err := json.Unmarshal(raw, dest); err != nil {
		c.errors.Add(1)
		c.memory.Remove(key)
		c.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable cache entry")
		return false
	}
	return true
}

func (c *ResultCache) observe(tier string, hit bool) {
	if c.observer != nil {
		c.observer(tier, hit)
	}
}
