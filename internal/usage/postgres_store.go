package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore increments with a conditional UPDATE on the previously read
// count; zero affected rows means another request won and the read is
// retried.
type PostgresStore struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, maxRetries: DefaultMaxRetries, now: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, userID, orgID string) (Record, error) {
	rec, _, err := s.read(ctx, userID, orgID)
	return rec, err
}

func (s *PostgresStore) read(ctx context.Context, userID, orgID string) (Record, bool, error) {
	rec := Record{UserID: userID, OrganizationID: orgID}
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT message_count, message_limit, plan, first_message_at, last_message_at
		FROM chat_usage
		WHERE user_id=$1 AND organization_id=$2
	`, userID, orgID).Scan(&rec.Count, &rec.Limit, &rec.Plan, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read usage: %w", err)
	}
	if first.Valid {
		rec.FirstMessageAt = &first.Time
	}
	if last.Valid {
		rec.LastMessageAt = &last.Time
	}
	return rec, true, nil
}

func (s *PostgresStore) Increment(ctx context.Context, userID, orgID string, limit int, plan string) (Record, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		prev, exists, err := s.read(ctx, userID, orgID)
		if err != nil {
			return Record{}, err
		}
		rec, err := next(prev, limit, plan, s.now())
		if err != nil {
			return prev, err
		}

		var res sql.Result
		if exists {
			res, err = s.db.ExecContext(ctx, `
				UPDATE chat_usage
				SET message_count=$4, message_limit=$5, plan=$6, first_message_at=$7, last_message_at=$8
				WHERE user_id=$1 AND organization_id=$2 AND message_count=$3
			`, userID, orgID, prev.Count, rec.Count, rec.Limit, rec.Plan, rec.FirstMessageAt, rec.LastMessageAt)
		} else {
			res, err = s.db.ExecContext(ctx, `
				INSERT INTO chat_usage (user_id, organization_id, message_count, message_limit, plan, first_message_at, last_message_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (user_id, organization_id) DO NOTHING
			`, userID, orgID, rec.Count, rec.Limit, rec.Plan, rec.FirstMessageAt, rec.LastMessageAt)
		}
		if err != nil {
			return Record{}, fmt.Errorf("write usage: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Record{}, fmt.Errorf("write usage: %w", err)
		}
		if n == 1 {
			return rec, nil
		}
	}
	return Record{}, ErrConflict
}
