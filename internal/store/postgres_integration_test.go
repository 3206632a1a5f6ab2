package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ANGIRA_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ANGIRA_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn, DefaultPoolOptions())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedThread(t *testing.T, ctx context.Context, s *PostgresStore, username string) (userID, threadID int64) {
	t.Helper()
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password) VALUES ($1, $1 || '@example.test', 'x') RETURNING id
	`, username).Scan(&userID); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_threads (user_id, title) VALUES ($1, 'Thread') RETURNING id
	`, userID).Scan(&threadID); err != nil {
		t.Fatalf("insert thread: %v", err)
	}
	return userID, threadID
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	s, ctx := openTestStore(t)

	downs, err := migrationFiles(migrationsDir, ".down.sql")
	if err != nil {
		t.Fatalf("migrationFiles() error = %v", err)
	}
	for i := len(downs) - 1; i >= 0; i-- {
		contents, err := os.ReadFile(downs[i])
		if err != nil {
			t.Fatalf("read %s: %v", downs[i], err)
		}
		if _, err := s.db.ExecContext(ctx, string(contents)); err != nil {
			t.Fatalf("apply %s: %v", downs[i], err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	applied, err := ApplyMigrations(ctx, s.db, migrationsDir)
	if err != nil {
		t.Fatalf("ApplyMigrations() second pass error = %v", err)
	}
	if len(applied) != len(downs) {
		t.Fatalf("expected %d migrations re-applied, got %v", len(downs), applied)
	}
}

func TestAppendMessageOrdersAndTouchesThread(t *testing.T) {
	s, ctx := openTestStore(t)
	userID, threadID := seedThread(t, ctx, s, "avery")

	first, err := s.AppendMessage(ctx, Message{ThreadID: threadID, Content: "one", IsUser: true}, &userID)
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	second, err := s.AppendMessage(ctx, Message{ThreadID: threadID, Content: "two", IsUser: false}, nil)
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if second.ID <= first.ID || second.CreatedAt.Before(first.CreatedAt) {
		t.Fatalf("expected increasing id/created_at, got %+v then %+v", first, second)
	}

	var updatedAt time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM chat_threads WHERE id=$1`, threadID).Scan(&updatedAt); err != nil {
		t.Fatalf("read updated_at: %v", err)
	}
	if !updatedAt.Equal(second.CreatedAt) {
		t.Fatalf("expected updated_at %v, got %v", second.CreatedAt, updatedAt)
	}

	items, err := s.ListMessages(ctx, threadID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(items) != 2 || items[0].Content != "one" || items[1].Content != "two" {
		t.Fatalf("unexpected history: %+v", items)
	}
}

func TestAppendMessageRejectsForeignThread(t *testing.T) {
	s, ctx := openTestStore(t)
	_, threadID := seedThread(t, ctx, s, "owner")
	strangerID, _ := seedThread(t, ctx, s, "stranger")

	_, err := s.AppendMessage(ctx, Message{ThreadID: threadID, Content: "hi", IsUser: true}, &strangerID)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	items, err := s.ListMessages(ctx, threadID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no rows written, got %d", len(items))
	}
}
