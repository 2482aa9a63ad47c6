package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orbit/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const fileColumns = `id, organization_id, storage_id, created_by_user_id, file_name, mime_type, size_bytes, created_at`

func scanFile(row interface{ Scan(...any) error }) (FileRecord, error) {
	var f FileRecord
	err := row.Scan(&f.ID, &f.OrganizationID, &f.StorageID, &f.CreatedByUserID, &f.FileName, &f.MIMEType, &f.Size, &f.CreatedAt)
	return f, err
}

func (s *PostgresStore) InsertFile(ctx context.Context, f FileRecord) (FileRecord, error) {
	if f.ID == "" {
		f.ID = util.NewID("file")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO files (id, organization_id, storage_id, created_by_user_id, file_name, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+fileColumns,
		f.ID, f.OrganizationID, f.StorageID, f.CreatedByUserID, f.FileName, f.MIMEType, f.Size)
	out, err := scanFile(row)
	if err != nil {
		return FileRecord{}, fmt.Errorf("insert file: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id string) (FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id=$1`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// ListFiles returns the organization's files, newest first.
func (s *PostgresStore) ListFiles(ctx context.Context, orgID string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE organization_id=$1
		ORDER BY created_at DESC, id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountFilesByUploader(ctx context.Context, orgID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM files WHERE organization_id=$1 AND created_by_user_id=$2
	`, orgID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return count, nil
}

// ImageUploadTimes returns the creation times of the uploader's image files
// at or after since, oldest first.
func (s *PostgresStore) ImageUploadTimes(ctx context.Context, orgID, userID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at FROM files
		WHERE organization_id=$1 AND created_by_user_id=$2
			AND lower(mime_type) LIKE 'image/%' AND created_at >= $3
		ORDER BY created_at ASC
	`, orgID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list image uploads: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan image upload: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return expectAffected(res)
}

const threadColumns = `id, organization_id, created_by_user_id, title, last_message_at, created_at`

func scanThread(row interface{ Scan(...any) error }) (ChatThread, error) {
	var t ChatThread
	err := row.Scan(&t.ID, &t.OrganizationID, &t.CreatedByUserID, &t.Title, &t.LastMessageAt, &t.CreatedAt)
	return t, err
}

func (s *PostgresStore) InsertThread(ctx context.Context, t ChatThread) (ChatThread, error) {
	if t.ID == "" {
		t.ID = util.NewID("thr")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_threads (id, organization_id, created_by_user_id, title)
		VALUES ($1, $2, $3, $4)
		RETURNING `+threadColumns,
		t.ID, t.OrganizationID, t.CreatedByUserID, t.Title)
	out, err := scanThread(row)
	if err != nil {
		return ChatThread{}, fmt.Errorf("insert thread: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (ChatThread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM chat_threads WHERE id=$1`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatThread{}, ErrNotFound
	}
	if err != nil {
		return ChatThread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// ListThreads orders by most recent activity.
func (s *PostgresStore) ListThreads(ctx context.Context, orgID string) ([]ChatThread, error) {
	return s.queryThreads(ctx, `
		SELECT `+threadColumns+`
		FROM chat_threads
		WHERE organization_id=$1
		ORDER BY last_message_at DESC, seq DESC
	`, orgID)
}

// OldestThreads returns up to limit threads in creation order.
func (s *PostgresStore) OldestThreads(ctx context.Context, orgID string, limit int) ([]ChatThread, error) {
	return s.queryThreads(ctx, `
		SELECT `+threadColumns+`
		FROM chat_threads
		WHERE organization_id=$1
		ORDER BY seq ASC
		LIMIT $2
	`, orgID, limit)
}

func (s *PostgresStore) queryThreads(ctx context.Context, query string, args ...any) ([]ChatThread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []ChatThread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PatchThread(ctx context.Context, id string, patch ThreadPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_threads
		SET title = COALESCE($2, title),
			last_message_at = COALESCE($3, last_message_at)
		WHERE id=$1
	`, id, patch.Title, patch.LastMessageAt)
	if err != nil {
		return fmt.Errorf("patch thread: %w", err)
	}
	return expectAffected(res)
}

// DeleteThread removes the thread's messages and then the thread in one
// transaction.
func (s *PostgresStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE thread_id=$1`, id); err != nil {
		return fmt.Errorf("delete thread messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_threads WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete thread: %w", err)
	}
	return nil
}

const messageColumns = `id, organization_id, thread_id, created_by_user_id, role, content, created_at`

func scanMessage(row interface{ Scan(...any) error }) (ChatMessage, error) {
	var m ChatMessage
	err := row.Scan(&m.ID, &m.OrganizationID, &m.ThreadID, &m.CreatedByUserID, &m.Role, &m.Content, &m.CreatedAt)
	return m, err
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m ChatMessage) (ChatMessage, error) {
	if m.ID == "" {
		m.ID = util.NewID("msg")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, organization_id, thread_id, created_by_user_id, role, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		m.ID, m.OrganizationID, m.ThreadID, m.CreatedByUserID, m.Role, m.Content)
	out, err := scanMessage(row)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

// ListMessages returns the thread in insertion order.
func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]ChatMessage, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE thread_id=$1
		ORDER BY seq ASC
	`, threadID)
}

func (s *PostgresStore) OldestMessages(ctx context.Context, threadID string, limit int) ([]ChatMessage, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE thread_id=$1
		ORDER BY seq ASC
		LIMIT $2
	`, threadID, limit)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessage is idempotent: an already evicted message is not an error.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
