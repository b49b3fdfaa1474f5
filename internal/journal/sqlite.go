package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS episodes (
	id          TEXT PRIMARY KEY,
	folder      TEXT NOT NULL,
	file        TEXT NOT NULL,
	size        INTEGER NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	error       TEXT,
	duration_ms INTEGER NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS episodes_folder_time ON episodes(folder, finished_at);
`

type sqliteJournal struct {
	db *sql.DB
}

func openSQLite(path string) (*sqliteJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("journal: create directory for %s: %w", path, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: initialize schema: %w", err)
	}
	return &sqliteJournal{db: db}, nil
}

func (j *sqliteJournal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO episodes (id, folder, file, size, status, attempts, error, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Folder, e.File, e.Size, e.Status, e.Attempts, e.Error,
		e.Duration.Milliseconds(), e.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("journal: record episode: %w", err)
	}
	return nil
}

func (j *sqliteJournal) Recent(ctx context.Context, folder string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, folder, file, size, status, attempts, error, duration_ms, finished_at
		FROM episodes`
	args := []any{}
	if folder != "" {
		query += ` WHERE folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY finished_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query episodes: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (j *sqliteJournal) Reset(ctx context.Context, folder string) error {
	var err error
	if folder != "" {
		_, err = j.db.ExecContext(ctx, `DELETE FROM episodes WHERE folder = ?`, folder)
	} else {
		_, err = j.db.ExecContext(ctx, `DELETE FROM episodes`)
	}
	if err != nil {
		return fmt.Errorf("journal: reset: %w", err)
	}
	return nil
}

func (j *sqliteJournal) Close() error { return j.db.Close() }

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var errMsg sql.NullString
		var durMS int64
		var finished time.Time
		if err := rows.Scan(&e.ID, &e.Folder, &e.File, &e.Size, &e.Status,
			&e.Attempts, &errMsg, &durMS, &finished); err != nil {
			return nil, fmt.Errorf("journal: scan episode: %w", err)
		}
		e.Error = errMsg.String
		e.Duration = time.Duration(durMS) * time.Millisecond
		e.FinishedAt = finished
		out = append(out, e)
	}
	return out, rows.Err()
}
