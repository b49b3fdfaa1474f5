package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS hotfold_episodes (
	id          TEXT PRIMARY KEY,
	folder      TEXT NOT NULL,
	file        TEXT NOT NULL,
	size        BIGINT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	error       TEXT,
	duration_ms BIGINT NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS hotfold_episodes_folder_time ON hotfold_episodes(folder, finished_at);
`

// postgresJournal defers schema creation until first use so that opening a
// DSN does not require the database to be reachable yet.
type postgresJournal struct {
	db       *sql.DB
	initOnce sync.Once
	initErr  error
}

func openPostgres(dsn string) (*postgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open postgres: %w", err)
	}
	return &postgresJournal{db: db}, nil
}

func (j *postgresJournal) ensureReady(ctx context.Context) error {
	j.initOnce.Do(func() {
		if _, err := j.db.ExecContext(ctx, postgresSchema); err != nil {
			j.initErr = fmt.Errorf("journal: initialize postgres schema: %w", err)
		}
	})
	return j.initErr
}

func (j *postgresJournal) Record(ctx context.Context, e Entry) error {
	if err := j.ensureReady(ctx); err != nil {
		return err
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO hotfold_episodes (id, folder, file, size, status, attempts, error, duration_ms, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Folder, e.File, e.Size, e.Status, e.Attempts, e.Error,
		e.Duration.Milliseconds(), e.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("journal: record episode: %w", err)
	}
	return nil
}

func (j *postgresJournal) Recent(ctx context.Context, folder string, limit int) ([]Entry, error) {
	if err := j.ensureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if folder != "" {
		rows, err = j.db.QueryContext(ctx, `
			SELECT id, folder, file, size, status, attempts, error, duration_ms, finished_at
			FROM hotfold_episodes WHERE folder = $1
			ORDER BY finished_at DESC, id LIMIT $2`, folder, limit)
	} else {
		rows, err = j.db.QueryContext(ctx, `
			SELECT id, folder, file, size, status, attempts, error, duration_ms, finished_at
			FROM hotfold_episodes
			ORDER BY finished_at DESC, id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: query episodes: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (j *postgresJournal) Reset(ctx context.Context, folder string) error {
	if err := j.ensureReady(ctx); err != nil {
		return err
	}
	var err error
	if folder != "" {
		_, err = j.db.ExecContext(ctx, `DELETE FROM hotfold_episodes WHERE folder = $1`, folder)
	} else {
		_, err = j.db.ExecContext(ctx, `DELETE FROM hotfold_episodes`)
	}
	if err != nil {
		return fmt.Errorf("journal: reset: %w", err)
	}
	return nil
}

func (j *postgresJournal) Close() error { return j.db.Close() }
