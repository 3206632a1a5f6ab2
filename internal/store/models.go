package store

import "time"

// User is created by the external auth component; this service only reads it.
type User struct {
	ID       int64
	Username string
	Email    string
}

// Message rows are append-only. FileName and FileType are only populated by
// history reads that join the files table.
type Message struct {
	ID        int64
	ThreadID  int64
	Content   string
	IsUser    bool
	FileID    *int64
	FileName  string
	FileType  string
	CreatedAt time.Time
}

type File struct {
	ID           int64
	UserID       int64
	Filename     string
	OriginalName string
	Mimetype     string
	Size         int64
	Path         string
	CreatedAt    time.Time
}
