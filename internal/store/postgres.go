package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, email FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Username, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ThreadBelongsToUser(ctx context.Context, threadID, userID int64) (bool, error) {
	var owned bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chat_threads WHERE id=$1 AND user_id=$2)`, threadID, userID).Scan(&owned)
	if err != nil {
		return false, fmt.Errorf("check thread owner: %w", err)
	}
	return owned, nil
}

// AppendMessage inserts msg and moves the thread's updated_at to the row's
// created_at in one transaction. When ownerID is non-nil the thread must be
// owned by that user, otherwise sql.ErrNoRows is returned and nothing is written.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message, ownerID *int64) (Message, error) {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if ownerID != nil {
			var id int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM chat_threads WHERE id=$1 AND user_id=$2`, msg.ThreadID, *ownerID).Scan(&id)
			if err != nil {
				return err
			}
		}

		var fileID sql.NullInt64
		if msg.FileID != nil {
			fileID = sql.NullInt64{Int64: *msg.FileID, Valid: true}
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO messages (thread_id, content, is_user, file_id)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at
		`, msg.ThreadID, msg.Content, msg.IsUser, fileID).Scan(&msg.ID, &msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		result, err := tx.ExecContext(ctx, `UPDATE chat_threads SET updated_at=$2 WHERE id=$1`, msg.ThreadID, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, m.content, m.is_user, m.file_id, m.created_at,
		       COALESCE(f.original_name, ''), COALESCE(f.mimetype, '')
		FROM messages m
		LEFT JOIN files f ON f.id = m.file_id
		WHERE m.thread_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		var fileID sql.NullInt64
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.Content, &item.IsUser, &fileID, &item.CreatedAt, &item.FileName, &item.FileType); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if fileID.Valid {
			id := fileID.Int64
			item.FileID = &id
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID int64) (File, error) {
	var file File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, filename, original_name, mimetype, size, path, created_at
		FROM files
		WHERE id=$1
	`, fileID).Scan(&file.ID, &file.UserID, &file.Filename, &file.OriginalName, &file.Mimetype, &file.Size, &file.Path, &file.CreatedAt)
	if err != nil {
		return File{}, err
	}
	return file, nil
}
