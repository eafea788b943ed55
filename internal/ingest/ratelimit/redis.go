package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow atomically drops the entries older than the window, then records the request if the window has room.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

local current = redis.call('ZCARD', key)
if current < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('EXPIRE', key, ttl)
	return 1
end
return 0
`)

// Redis is a sliding window limiter shared by every ingestion replica.
type Redis struct {
	client *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time

	// instance and seq keep members distinct across replicas and within one millisecond.
	instance string
	seq      atomic.Uint64
}

// NewRedis connects to the Redis server at url and returns a limiter allowing limit requests per window to each sender.
func NewRedis(ctx context.Context, url string, limit int, window time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{
		client:   client,
		limit:    int64(limit),
		window:   window,
		now:      time.Now,
		instance: uuid.NewString(),
	}, nil
}

// Allow records one request of key if the window still has room.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixMilli()
	windowStart := now - r.window.Milliseconds()
	ttl := int64(math.Ceil(r.window.Seconds()))
	member := fmt.Sprintf("%d-%s-%d", now, r.instance, r.seq.Add(1))

	result, err := slidingWindow.Run(ctx, r.client, []string{"ratelimit:" + key}, now, windowStart, r.limit, ttl, member).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return result == 1, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
