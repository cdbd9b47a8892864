package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Item string  `json:"item"`
	Dose float64 `json:"dose"`
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestNew_MemoryOnly(t *testing.T) {
	c, err := New(Config{}, quietLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.Ping(context.Background()))
}

func TestNew_InvalidRedisURL(t *testing.T) {
	_, err := New(Config{RedisURL: "://bad"}, quietLogger())
	assert.Error(t, err)
}

func TestResultCache_MemoryTier(t *testing.T) {
	c := NewWithClient(Config{MemorySize: 10}, nil, quietLogger())
	ctx := context.Background()

	var got payload
	assert.False(t, c.Get(ctx, "k1", &got))

	c.Set(ctx, "k1", payload{Item: "bpc-157", Dose: 150})
	require.True(t, c.Get(ctx, "k1", &got))
	assert.Equal(t, payload{Item: "bpc-157", Dose: 150}, got)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.MemoryMisses)
	assert.Zero(t, stats.RedisHits)
}

func TestResultCache_Eviction(t *testing.T) {
	c := NewWithClient(Config{MemorySize: 2}, nil, quietLogger())
	ctx := context.Background()

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	c.Set(ctx, "c", 3)

	var v int
	assert.False(t, c.Get(ctx, "a", &v), "oldest entry should be evicted")
	assert.True(t, c.Get(ctx, "c", &v))
	assert.Equal(t, 2, c.Len())
}

func TestResultCache_Expiry(t *testing.T) {
	c := NewWithClient(Config{MemorySize: 10, MemoryTTL: 20 * time.Millisecond}, nil, quietLogger())
	ctx := context.Background()

	c.Set(ctx, "k", "v")
	assert.Eventually(t, func() bool {
		var s string
		return !c.Get(ctx, "k", &s)
	}, time.Second, 10*time.Millisecond)
}

func TestResultCache_Purge(t *testing.T) {
	c := NewWithClient(Config{}, nil, quietLogger())
	ctx := context.Background()

	c.Set(ctx, "k", "v")
	c.Purge()

	var s string
	assert.False(t, c.Get(ctx, "k", &s))
	assert.Zero(t, c.Len())
}

func TestResultCache_UndecodableEntryIsDropped(t *testing.T) {
	c := NewWithClient(Config{}, nil, quietLogger())
	ctx := context.Background()

	c.Set(ctx, "k", "a string")
	var p payload
	assert.False(t, c.Get(ctx, "k", &p))
	assert.Equal(t, int64(1), c.Stats().Errors)
	assert.Zero(t, c.Len())
}

func TestResultCache_Key(t *testing.T) {
	c := NewWithClient(Config{KeyPrefix: "test:"}, nil, quietLogger())

	req := map[string]any{"item_id": "bpc-157", "age": 40}
	k1, err := c.Key("v1", "calculate", req)
	require.NoError(t, err)
	k2, err := c.Key("v1", "calculate", req)
	require.NoError(t, err)
	k3, err := c.Key("v2", "calculate", req)
	require.NoError(t, err)
	k4, err := c.Key("v1", "batch", req)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3, "catalog digest must be part of the key")
	assert.NotEqual(t, k1, k4)
	assert.Contains(t, k1, "test:v1:calculate:")

	_, err = c.Key("v1", "calculate", make(chan int))
	assert.Error(t, err)
}

func TestResultCache_Observer(t *testing.T) {
	c := NewWithClient(Config{}, nil, quietLogger())
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []string
	)
	c.SetObserver(func(tier string, hit bool) {
		mu.Lock()
		defer mu.Unlock()
		if hit {
			events = append(events, tier+":hit")
		} else {
			events = append(events, tier+":miss")
		}
	})

	var s string
	c.Get(ctx, "k", &s)
	c.Set(ctx, "k", "v")
	c.Get(ctx, "k", &s)

	assert.Equal(t, []string{"memory:miss", "memory:hit"}, events)
}

func TestResultCache_RedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewWithClient(Config{}, client, quietLogger())
	defer c.Close()
	ctx := context.Background()

	var s string
	assert.False(t, c.Get(ctx, "missing", &s))
	assert.Equal(t, int64(1), c.Stats().Errors)

	c.Set(ctx, "k", "v")
	require.True(t, c.Get(ctx, "k", &s), "memory tier still serves when Redis is down")
	assert.Equal(t, "v", s)
	assert.Error(t, c.Ping(ctx))
}

func TestResultCache_RedisTier(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set, skipping Redis tests")
	}

	writer, err := New(Config{RedisURL: redisURL, KeyPrefix: "dosing-test:"}, quietLogger())
	require.NoError(t, err)
	defer writer.Close()
	reader, err := New(Config{RedisURL: redisURL, KeyPrefix: "dosing-test:"}, quietLogger())
	require.NoError(t, err)
	defer reader.Close()

	ctx := context.Background()
	key, err := writer.Key("v1", "calculate", time.Now().UnixNano())
	require.NoError(t, err)

	writer.Set(ctx, key, payload{Item: "tb-500", Dose: 2.5})

	var got payload
	require.True(t, reader.Get(ctx, key, &got), "second instance should hit Redis")
	assert.Equal(t, "tb-500", got.Item)
	assert.Equal(t, int64(1), reader.Stats().RedisHits)

	require.True(t, reader.Get(ctx, key, &got))
	assert.Equal(t, int64(1), reader.Stats().MemoryHits, "redis hit is promoted to memory")
}
