package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/telecast-labs/inputbroker/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS programs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		UNIQUE(channel_id, start_time)
	);
	CREATE INDEX IF NOT EXISTS idx_programs_window ON programs(channel_id, start_time, end_time);

	CREATE TABLE IF NOT EXISTS watch_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL,
		watch_start INTEGER NOT NULL,
		watch_end INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		program_start INTEGER NOT NULL DEFAULT 0,
		program_end INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_watch_history_start ON watch_history(watch_start);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// millis converts a time to UTC milliseconds, mapping the zero time to 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of millis: 0 maps back to the zero time.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertWatchEntry inserts a new open watch-history row.
func (s *SQLiteStore) InsertWatchEntry(ctx context.Context, channelID int64, watchStart time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watch_history (channel_id, watch_start, watch_end) VALUES (?, ?, 0)`,
		channelID, millis(watchStart),
	)
	if err != nil {
		return 0, fmt.Errorf("insert watch entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("watch entry id: %w", err)
	}
	return id, nil
}

// GetWatchEntry retrieves a watch-history row by id.
func (s *SQLiteStore) GetWatchEntry(ctx context.Context, id int64) (*domain.WatchEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, watch_start, watch_end, title, description, program_start, program_end
		FROM watch_history WHERE id = ?`, id)
	return scanWatchEntry(row)
}

func scanWatchEntry(row *sql.Row) (*domain.WatchEntry, error) {
	var e domain.WatchEntry
	var watchStart, watchEnd, programStart, programEnd int64

	err := row.Scan(&e.ID, &e.ChannelID, &watchStart, &watchEnd,
		&e.Title, &e.Description, &programStart, &programEnd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan watch entry row: %w", err)
	}

	e.WatchStart = fromMillis(watchStart)
	e.WatchEnd = fromMillis(watchEnd)
	e.ProgramStart = fromMillis(programStart)
	e.ProgramEnd = fromMillis(programEnd)
	return &e, nil
}

// SetWatchEntryProgram fills program metadata on an existing row.
func (s *SQLiteStore) SetWatchEntryProgram(ctx context.Context, id int64, p *domain.Program) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE watch_history
		SET title = ?, description = ?, program_start = ?, program_end = ?
		WHERE id = ?`,
		p.Title, p.Description, millis(p.StartTime), millis(p.EndTime), id,
	)
	if err != nil {
		return fmt.Errorf("set watch entry program: %w", err)
	}
	return nil
}

// CloseWatchEntry writes the end timestamp of a watch-history row.
func (s *SQLiteStore) CloseWatchEntry(ctx context.Context, id int64, watchEnd time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watch_history SET watch_end = ? WHERE id = ?`,
		millis(watchEnd), id,
	)
	if err != nil {
		return fmt.Errorf("close watch entry %d: %w", id, err)
	}
	return nil
}

// InsertWatchHistory inserts a completed historical row.
func (s *SQLiteStore) InsertWatchHistory(ctx context.Context, e *domain.WatchEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_history (channel_id, watch_start, watch_end, title, description, program_start, program_end)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ChannelID, millis(e.WatchStart), millis(e.WatchEnd),
		e.Title, e.Description, millis(e.ProgramStart), millis(e.ProgramEnd),
	)
	if err != nil {
		return fmt.Errorf("insert watch history: %w", err)
	}
	return nil
}

// ListWatchHistory returns the most recent rows, newest first.
func (s *SQLiteStore) ListWatchHistory(ctx context.Context, limit int) ([]*domain.WatchEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, watch_start, watch_end, title, description, program_start, program_end
		FROM watch_history ORDER BY watch_start DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list watch history: %w", err)
	}
	defer rows.Close()

	var entries []*domain.WatchEntry
	for rows.Next() {
		var e domain.WatchEntry
		var watchStart, watchEnd, programStart, programEnd int64
		if err := rows.Scan(&e.ID, &e.ChannelID, &watchStart, &watchEnd,
			&e.Title, &e.Description, &programStart, &programEnd); err != nil {
			return nil, fmt.Errorf("scan watch history row: %w", err)
		}
		e.WatchStart = fromMillis(watchStart)
		e.WatchEnd = fromMillis(watchEnd)
		e.ProgramStart = fromMillis(programStart)
		e.ProgramEnd = fromMillis(programEnd)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watch history: %w", err)
	}
	return entries, nil
}

// FindProgramAt returns the program airing on a channel at the given time.
func (s *SQLiteStore) FindProgramAt(ctx context.Context, channelID int64, at time.Time) (*domain.Program, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, title, description, start_time, end_time
		FROM programs
		WHERE channel_id = ? AND start_time <= ? AND end_time > ?
		ORDER BY start_time ASC LIMIT 1`,
		channelID, millis(at), millis(at))

	var p domain.Program
	var start, end int64
	err := row.Scan(&p.ID, &p.ChannelID, &p.Title, &p.Description, &start, &end)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan program row: %w", err)
	}
	p.StartTime = fromMillis(start)
	p.EndTime = fromMillis(end)
	return &p, nil
}

// UpsertProgram creates or replaces a program guide entry.
func (s *SQLiteStore) UpsertProgram(ctx context.Context, p *domain.Program) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs (channel_id, title, description, start_time, end_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, start_time) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			end_time = excluded.end_time`,
		p.ChannelID, p.Title, p.Description, millis(p.StartTime), millis(p.EndTime),
	)
	if err != nil {
		return fmt.Errorf("upsert program: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
