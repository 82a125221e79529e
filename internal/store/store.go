// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/telecast-labs/inputbroker/internal/domain"
)

// Repository defines the interface for persisting program guide data and
// watch-history rows.
type Repository interface {
	// InsertWatchEntry inserts a new open watch-history row (end timestamp
	// unset) and returns its store-assigned id.
	InsertWatchEntry(ctx context.Context, channelID int64, watchStart time.Time) (int64, error)

	// GetWatchEntry retrieves a watch-history row by id. Returns (nil, nil)
	// if no row exists.
	GetWatchEntry(ctx context.Context, id int64) (*domain.WatchEntry, error)

	// SetWatchEntryProgram fills the descriptive program metadata of an
	// existing watch-history row.
	SetWatchEntryProgram(ctx context.Context, id int64, p *domain.Program) error

	// CloseWatchEntry writes the end timestamp of a watch-history row.
	CloseWatchEntry(ctx context.Context, id int64, watchEnd time.Time) error

	// InsertWatchHistory inserts a completed historical row as-is.
	InsertWatchHistory(ctx context.Context, e *domain.WatchEntry) error

	// ListWatchHistory returns the most recent watch-history rows, newest
	// first.
	ListWatchHistory(ctx context.Context, limit int) ([]*domain.WatchEntry, error)

	// FindProgramAt returns the program whose scheduled window contains the
	// given time on the given channel, or (nil, nil) if none is known.
	FindProgramAt(ctx context.Context, channelID int64, at time.Time) (*domain.Program, error)

	// UpsertProgram creates or replaces a program guide entry.
	UpsertProgram(ctx context.Context, p *domain.Program) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
