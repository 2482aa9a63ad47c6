package usage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestRedisIncrementUntilLimit(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for i := 1; i <= 3; i++ {
		rec, err := s.Increment(ctx, "user_a", "org_a", 3, "free")
		require.NoError(t, err)
		assert.Equal(t, i, rec.Count)
		now = now.Add(time.Minute)
	}

	_, err := s.Increment(ctx, "user_a", "org_a", 3, "free")
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Equal(t, 3, limitErr.Record.Count)

	rec, err := s.Get(ctx, "user_a", "org_a")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Count)
	assert.Equal(t, "free", rec.Plan)
	require.NotNil(t, rec.FirstMessageAt)
	require.NotNil(t, rec.LastMessageAt)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), *rec.FirstMessageAt)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 2, 0, 0, time.UTC), *rec.LastMessageAt)
	assert.Equal(t, 0, rec.Remaining(3))

	// Counters are per organization.
	rec, err = s.Increment(ctx, "user_a", "org_b", 3, "free")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
}

func TestRedisConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	s := newRedisStore(t)
	s.maxRetries = 100
	ctx := context.Background()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "user_a", "org_a", 5, "free"); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, "user_a", "org_a")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Count)
	assert.Equal(t, int32(5), accepted.Load())
}

func TestPostgresIncrementInsertsFirstRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	mock.ExpectQuery(`SELECT message_count`).
		WithArgs("user_a", "org_a").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO chat_usage`).
		WithArgs("user_a", "org_a", 1, 50, "free", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := s.Increment(context.Background(), "user_a", "org_a", 50, "free")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementRetriesLostSwap(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	cols := []string{"message_count", "message_limit", "plan", "first_message_at", "last_message_at"}
	first := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`SELECT message_count`).
		WithArgs("user_a", "org_a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(4, 10, "free", first, first))
	mock.ExpectExec(`UPDATE chat_usage`).
		WithArgs("user_a", "org_a", 4, 5, 10, "free", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT message_count`).
		WithArgs("user_a", "org_a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(5, 10, "free", first, first))
	mock.ExpectExec(`UPDATE chat_usage`).
		WithArgs("user_a", "org_a", 5, 6, 10, "free", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := s.Increment(context.Background(), "user_a", "org_a", 10, "free")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Count)
	assert.True(t, rec.FirstMessageAt.Equal(first))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementRejectsAtLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	cols := []string{"message_count", "message_limit", "plan", "first_message_at", "last_message_at"}
	mock.ExpectQuery(`SELECT message_count`).
		WithArgs("user_a", "org_a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(50, 50, "free", nil, nil))

	_, err = s.Increment(context.Background(), "user_a", "org_a", 50, "free")
	assert.True(t, errors.Is(err, ErrLimitReached))
	require.NoError(t, mock.ExpectationsWereMet())
}
