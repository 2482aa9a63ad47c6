package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"orbit/api/internal/util"
)

// OpenRedis parses redisURL and verifies the server answers.
func OpenRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Redis keeps one sorted set per key, scored by request time in
// milliseconds, so every instance sees the same window.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *Redis) WithClock(now func() time.Time) *Redis {
	s.now = now
	return s
}

func (s *Redis) key(key string) string {
	return s.prefix + key
}

// Check prunes, records and counts in one MULTI. A rejected request's entry
// is removed again so it does not hold the window open.
func (s *Redis) Check(ctx context.Context, key string, rule Rule) (Result, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - rule.Interval.Milliseconds()
	redisKey := s.key(key)
	member := strconv.FormatInt(nowMs, 10) + "-" + util.NewID("")

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		pipe.PExpire(ctx, redisKey, rule.Interval)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	reset := now.Add(rule.Interval)
	if z := oldest.Val(); len(z) > 0 {
		reset = time.UnixMilli(int64(z[0].Score)).Add(rule.Interval)
	}

	count := int(card.Val())
	if count > rule.Limit {
		if err := s.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
		}
		return Result{Success: false, Limit: rule.Limit, Remaining: 0, Reset: reset}, nil
	}
	return Result{Success: true, Limit: rule.Limit, Remaining: rule.Limit - count, Reset: reset}, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
