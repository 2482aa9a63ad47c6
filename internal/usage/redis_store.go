package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per user and organization and increments it
// under WATCH, so a concurrent writer aborts the transaction and the
// increment is retried against the fresh count.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	now        func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     "chat_usage:",
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
}

func (s *RedisStore) key(userID, orgID string) string {
	return s.prefix + orgID + ":" + userID
}

func (s *RedisStore) Get(ctx context.Context, userID, orgID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(userID, orgID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read usage: %w", err)
	}
	return decodeRecord(userID, orgID, fields)
}

func (s *RedisStore) Increment(ctx context.Context, userID, orgID string, limit int, plan string) (Record, error) {
	key := s.key(userID, orgID)
	var out Record

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read usage: %w", err)
		}
		prev, err := decodeRecord(userID, orgID, fields)
		if err != nil {
			return err
		}
		rec, err := next(prev, limit, plan, s.now())
		if err != nil {
			out = prev
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRecord(rec))
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return out, err
		}
		return out, nil
	}
	return Record{}, ErrConflict
}

func encodeRecord(r Record) map[string]any {
	fields := map[string]any{
		"count": r.Count,
		"limit": r.Limit,
		"plan":  r.Plan,
	}
	if r.FirstMessageAt != nil {
		fields["first_message_at"] = r.FirstMessageAt.UnixMilli()
	}
	if r.LastMessageAt != nil {
		fields["last_message_at"] = r.LastMessageAt.UnixMilli()
	}
	return fields
}

func decodeRecord(userID, orgID string, fields map[string]string) (Record, error) {
	rec := Record{UserID: userID, OrganizationID: orgID, Plan: fields["plan"]}
	var err error
	if v, ok := fields["count"]; ok {
		if rec.Count, err = strconv.Atoi(v); err != nil {
			return Record{}, fmt.Errorf("decode usage count: %w", err)
		}
	}
	if v, ok := fields["limit"]; ok {
		if rec.Limit, err = strconv.Atoi(v); err != nil {
			return Record{}, fmt.Errorf("decode usage limit: %w", err)
		}
	}
	if rec.FirstMessageAt, err = decodeMillis(fields["first_message_at"]); err != nil {
		return Record{}, err
	}
	if rec.LastMessageAt, err = decodeMillis(fields["last_message_at"]); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func decodeMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode usage timestamp: %w", err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
