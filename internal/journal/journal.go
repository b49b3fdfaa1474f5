// Package journal keeps an append-only record of finished episodes for
// operators: what ran, when, how many attempts, and how it ended. It is
// diagnostic only. The engine never reads it back, so losing or clearing
// the journal cannot change which files get processed.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry is one finished episode.
type Entry struct {
	ID         string        `json:"id"`
	Folder     string        `json:"folder"`
	File       string        `json:"file"`
	Size       int64         `json:"size"`
	Status     string        `json:"status"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

type Journal interface {
	Record(ctx context.Context, e Entry) error
	// Recent returns the newest entries first, filtered to one folder when
	// folder is non-empty.
	Recent(ctx context.Context, folder string, limit int) ([]Entry, error)
	// Reset deletes entries, scoped to one folder when folder is non-empty.
	Reset(ctx context.Context, folder string) error
	Close() error
}

// Open picks the backend from the DSN: postgres:// goes to Postgres,
// everything else is treated as a SQLite file path (with an optional
// sqlite:// prefix).
func Open(dsn string) (Journal, error) {
	switch {
	case dsn == "":
		return nil, errors.New("journal: empty dsn")
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return openPostgres(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return openSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return openSQLite(dsn)
	}
}
