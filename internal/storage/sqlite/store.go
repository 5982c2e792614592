package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"apifallback/internal/models"
	"apifallback/internal/storage"
)

const queryTimeout = 5 * time.Second

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on top of an SQLite database file.
type Store struct {
	db         *sql.DB
	maxEntries int
}

// New opens (or creates) the database at path and runs migrations.
// maxEntries <= 0 keeps every entry.
func New(ctx context.Context, path string, maxEntries int) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// a single connection serialises writers
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &Store{db: db, maxEntries: maxEntries}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS status_entries (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        TEXT NOT NULL,
	mode      TEXT NOT NULL,
	selected  TEXT NOT NULL,
	role      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS probe_results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id    INTEGER NOT NULL,
	url         TEXT NOT NULL,
	reachable   INTEGER NOT NULL,
	elapsed_ms  INTEGER NOT NULL,
	http_status INTEGER,
	error       TEXT NOT NULL,
	checked_at  TEXT NOT NULL,
	FOREIGN KEY(entry_id) REFERENCES status_entries(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_probe_results_entry_id ON probe_results (entry_id);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append stores entry and its probe results in one transaction.
func (s *Store) Append(entry models.StatusEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO status_entries (ts, mode, selected, role) VALUES (?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Mode, entry.Selected, string(entry.Role))
	if err != nil {
		return fmt.Errorf("failed to insert status entry: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read status entry id: %w", err)
	}

	for _, c := range entry.Checks {
		var status sql.NullInt64
		if c.HTTPStatus != nil {
			status = sql.NullInt64{Int64: int64(*c.HTTPStatus), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO probe_results (entry_id, url, reachable, elapsed_ms, http_status, error, checked_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entryID, c.URL, c.Reachable, c.ElapsedMillis, status, c.Error, c.CheckedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert probe result: %w", err)
		}
	}

	if s.maxEntries > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM status_entries WHERE id <= (
	SELECT id FROM status_entries ORDER BY id DESC LIMIT 1 OFFSET ?
)`, s.maxEntries); err != nil {
			return fmt.Errorf("failed to prune status entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM probe_results WHERE entry_id NOT IN (SELECT id FROM status_entries)`); err != nil {
			return fmt.Errorf("failed to prune probe results: %w", err)
		}
	}

	return tx.Commit()
}

// Latest returns the most recent entry if any.
func (s *Store) Latest() (models.StatusEntry, bool) {
	entries, err := s.query(1)
	if err != nil || len(entries) == 0 {
		return models.StatusEntry{}, false
	}
	return entries[0], true
}

// HistoryN returns the most recent limit entries, oldest first. Query errors
// yield an empty history.
func (s *Store) HistoryN(limit int) []models.StatusEntry {
	entries, err := s.query(limit)
	if err != nil {
		return []models.StatusEntry{}
	}
	return entries
}

func (s *Store) query(limit int) ([]models.StatusEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT e.id, e.ts, e.mode, e.selected, e.role,
       r.url, r.reachable, r.elapsed_ms, r.http_status, r.error, r.checked_at
FROM (SELECT * FROM status_entries ORDER BY id DESC LIMIT ?) e
LEFT JOIN probe_results r ON r.entry_id = e.id
ORDER BY e.id ASC, r.id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []models.StatusEntry{}
	lastID := int64(-1)
	for rows.Next() {
		var (
			id                       int64
			ts, mode, selected, role string
			url, errMsg, checkedAt   sql.NullString
			reachable                sql.NullBool
			elapsed, status          sql.NullInt64
		)
		if err := rows.Scan(&id, &ts, &mode, &selected, &role, &url, &reachable, &elapsed, &status, &errMsg, &checkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if id != lastID {
			stamp, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, fmt.Errorf("failed to parse timestamp: %w", err)
			}
			entries = append(entries, models.StatusEntry{
				Timestamp: stamp,
				Mode:      mode,
				Selected:  selected,
				Role:      models.Role(role),
				Checks:    []models.ProbeResult{},
			})
			lastID = id
		}
		if !url.Valid {
			continue
		}

		check := models.ProbeResult{
			URL:           url.String,
			Reachable:     reachable.Bool,
			ElapsedMillis: elapsed.Int64,
			Error:         errMsg.String,
		}
		if status.Valid {
			code := int(status.Int64)
			check.HTTPStatus = &code
		}
		if t, err := time.Parse(time.RFC3339Nano, checkedAt.String); err == nil {
			check.CheckedAt = t
		}
		last := &entries[len(entries)-1]
		last.Checks = append(last.Checks, check)
	}
	return entries, rows.Err()
}
