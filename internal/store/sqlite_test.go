package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/telecast-labs/inputbroker/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestWatchEntryLifecycle(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	start := time.UnixMilli(1000)

	id, err := repo.InsertWatchEntry(ctx, 5, start)
	if err != nil {
		t.Fatalf("InsertWatchEntry failed: %v", err)
	}

	e, err := repo.GetWatchEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetWatchEntry failed: %v", err)
	}
	if e == nil {
		t.Fatal("expected entry, got nil")
	}
	if !e.IsOpen() {
		t.Fatal("freshly inserted entry should be open")
	}
	if e.ChannelID != 5 || !e.WatchStart.Equal(start) {
		t.Fatalf("unexpected entry: %+v", e)
	}

	prog := &domain.Program{
		ChannelID:   5,
		Title:       "Evening News",
		Description: "Daily news.",
		StartTime:   time.UnixMilli(900),
		EndTime:     time.UnixMilli(1200),
	}
	if err := repo.SetWatchEntryProgram(ctx, id, prog); err != nil {
		t.Fatalf("SetWatchEntryProgram failed: %v", err)
	}

	if err := repo.CloseWatchEntry(ctx, id, time.UnixMilli(1200)); err != nil {
		t.Fatalf("CloseWatchEntry failed: %v", err)
	}

	e, err = repo.GetWatchEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetWatchEntry after close failed: %v", err)
	}
	if e.IsOpen() {
		t.Fatal("entry should be closed")
	}
	if e.Title != "Evening News" || !e.ProgramEnd.Equal(prog.EndTime) {
		t.Fatalf("program metadata not persisted: %+v", e)
	}
}

func TestGetWatchEntryMissingReturnsNil(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	e, err := repo.GetWatchEntry(context.Background(), 12345)
	if err != nil {
		t.Fatalf("GetWatchEntry failed: %v", err)
	}
	if e != nil {
		t.Fatalf("expected nil for missing entry, got %+v", e)
	}
}

func TestFindProgramAtWindowBounds(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	prog := &domain.Program{
		ChannelID: 7,
		Title:     "Morning Show",
		StartTime: time.UnixMilli(900),
		EndTime:   time.UnixMilli(1200),
	}
	if err := repo.UpsertProgram(ctx, prog); err != nil {
		t.Fatalf("UpsertProgram failed: %v", err)
	}

	got, err := repo.FindProgramAt(ctx, 7, time.UnixMilli(1000))
	if err != nil {
		t.Fatalf("FindProgramAt failed: %v", err)
	}
	if got == nil || got.Title != "Morning Show" {
		t.Fatalf("expected program inside window, got %+v", got)
	}

	// The window is half-open: the end instant belongs to the next program.
	got, err = repo.FindProgramAt(ctx, 7, time.UnixMilli(1200))
	if err != nil {
		t.Fatalf("FindProgramAt at window end failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no program at window end, got %+v", got)
	}

	got, err = repo.FindProgramAt(ctx, 8, time.UnixMilli(1000))
	if err != nil {
		t.Fatalf("FindProgramAt wrong channel failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no program on other channel, got %+v", got)
	}
}

func TestListWatchHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.InsertWatchHistory(ctx, &domain.WatchEntry{
			ChannelID:  int64(i),
			WatchStart: time.UnixMilli(int64(1000 + i*100)),
			WatchEnd:   time.UnixMilli(int64(1100 + i*100)),
		}); err != nil {
			t.Fatalf("InsertWatchHistory failed: %v", err)
		}
	}

	entries, err := repo.ListWatchHistory(ctx, 2)
	if err != nil {
		t.Fatalf("ListWatchHistory failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ChannelID != 2 || entries[1].ChannelID != 1 {
		t.Fatalf("expected newest first, got channels %d, %d", entries[0].ChannelID, entries[1].ChannelID)
	}
}

func TestUpsertProgramReplacesWindow(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	first := &domain.Program{ChannelID: 3, Title: "Pilot", StartTime: time.UnixMilli(100), EndTime: time.UnixMilli(200)}
	if err := repo.UpsertProgram(ctx, first); err != nil {
		t.Fatalf("UpsertProgram failed: %v", err)
	}
	second := &domain.Program{ChannelID: 3, Title: "Pilot (revised)", StartTime: time.UnixMilli(100), EndTime: time.UnixMilli(250)}
	if err := repo.UpsertProgram(ctx, second); err != nil {
		t.Fatalf("UpsertProgram replace failed: %v", err)
	}

	got, err := repo.FindProgramAt(ctx, 3, time.UnixMilli(220))
	if err != nil {
		t.Fatalf("FindProgramAt failed: %v", err)
	}
	if got == nil || got.Title != "Pilot (revised)" {
		t.Fatalf("expected revised program, got %+v", got)
	}
}
