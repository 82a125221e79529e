// Package watchlog maintains the watch-history log off the broker's critical
// path. A single worker goroutine consumes open/update/close messages so that
// store I/O and rollover timers never run inline with client-facing calls.
package watchlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/shared"
)

const defaultQueueSize = 256

// Store is the subset of the repository the logger needs.
type Store interface {
	GetWatchEntry(ctx context.Context, id int64) (*domain.WatchEntry, error)
	SetWatchEntryProgram(ctx context.Context, id int64, p *domain.Program) error
	CloseWatchEntry(ctx context.Context, id int64, watchEnd time.Time) error
	InsertWatchHistory(ctx context.Context, e *domain.WatchEntry) error
	FindProgramAt(ctx context.Context, channelID int64, at time.Time) (*domain.Program, error)
}

// Config controls queue sizing and, for tests, time injection.
type Config struct {
	QueueSize int

	// Now and AfterFunc default to the real clock when nil.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) *time.Timer
}

type msgKind int

const (
	msgOpen msgKind = iota + 1
	msgUpdate
	msgClose
)

type message struct {
	kind      msgKind
	entryID   int64
	channelID int64
	at        time.Time
}

// Logger is the asynchronous watch-history pipeline. Messages are processed
// in enqueue order by a single worker goroutine.
type Logger struct {
	repo      Store
	logger    *slog.Logger
	queue     chan message
	done      chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
}

// New creates a Logger and starts its worker goroutine.
func New(repo Store, cfg Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = time.AfterFunc
	}

	l := &Logger{
		repo:      repo,
		logger:    logger,
		queue:     make(chan message, cfg.QueueSize),
		done:      make(chan struct{}),
		now:       cfg.Now,
		afterFunc: cfg.AfterFunc,
		timers:    make(map[*time.Timer]struct{}),
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// OpenEntry queues program-metadata resolution for a freshly inserted open
// watch-history row.
func (l *Logger) OpenEntry(entryID, channelID int64, watchStart time.Time) {
	l.enqueue(message{kind: msgOpen, entryID: entryID, channelID: channelID, at: watchStart})
}

// CloseEntry queues writing the end timestamp of a watch-history row. Called
// on session release and on tune-away.
func (l *Logger) CloseEntry(entryID int64, watchEnd time.Time) {
	l.enqueue(message{kind: msgClose, entryID: entryID, at: watchEnd})
}

// Close stops the worker after draining already queued messages and cancels
// pending rollover timers.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()

	l.timerMu.Lock()
	for t := range l.timers {
		t.Stop()
	}
	l.timers = nil
	l.timerMu.Unlock()
	return nil
}

func (l *Logger) enqueue(m message) {
	select {
	case l.queue <- m:
	case <-l.done:
		l.logger.Debug("watch log closed, dropping message", "entry_id", m.entryID, "kind", int(m.kind))
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case m := <-l.queue:
			l.handle(m)
		case <-l.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case m := <-l.queue:
					l.handle(m)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) handle(m message) {
	switch m.kind {
	case msgOpen:
		l.handleOpen(m.entryID, m.channelID, m.at)
	case msgUpdate:
		l.handleUpdate(m.entryID, m.channelID, m.at)
	case msgClose:
		l.handleClose(m.entryID, m.at)
	default:
		l.logger.Warn("unhandled watch log message kind", "kind", int(m.kind))
	}
}

// handleOpen fills the entry with the program airing at watchStart and
// schedules a rollover update for the program's scheduled end.
func (l *Logger) handleOpen(entryID, channelID int64, watchStart time.Time) {
	ctx := context.Background()

	prog, err := l.repo.FindProgramAt(ctx, channelID, watchStart)
	if err != nil {
		l.logger.Warn("program lookup failed", "entry_id", entryID, "channel_id", channelID, "error", err)
		return
	}
	if prog == nil {
		// No guide data for this window; the entry stays bare.
		return
	}

	if err := l.withRetry(func() error {
		return l.repo.SetWatchEntryProgram(ctx, entryID, prog)
	}); err != nil {
		l.logger.Warn("failed to set entry program", "entry_id", entryID, "error", err)
		return
	}

	delay := prog.EndTime.Sub(l.now())
	if delay < 0 {
		delay = 0
	}
	endTime := prog.EndTime

	l.timerMu.Lock()
	if l.timers == nil {
		l.timerMu.Unlock()
		return
	}
	var timer *time.Timer
	timer = l.afterFunc(delay, func() {
		l.timerMu.Lock()
		if l.timers != nil {
			delete(l.timers, timer)
		}
		l.timerMu.Unlock()
		l.enqueue(message{kind: msgUpdate, entryID: entryID, channelID: channelID, at: endTime})
	})
	if timer != nil {
		l.timers[timer] = struct{}{}
	}
	l.timerMu.Unlock()
}

// handleUpdate rolls an entry forward when its logged program ends: the
// superseded program becomes a closed historical row and the same entry is
// reopened against whatever is airing now. A stale update racing a manual
// close is a no-op.
func (l *Logger) handleUpdate(entryID, channelID int64, firedAt time.Time) {
	ctx := context.Background()

	e, err := l.repo.GetWatchEntry(ctx, entryID)
	if err != nil {
		l.logger.Warn("watch entry lookup failed", "entry_id", entryID, "error", err)
		return
	}
	if e == nil || !e.IsOpen() {
		return
	}

	hist := *e
	hist.ID = 0
	hist.WatchEnd = firedAt
	if err := l.withRetry(func() error {
		return l.repo.InsertWatchHistory(ctx, &hist)
	}); err != nil {
		l.logger.Warn("failed to finalize superseded program", "entry_id", entryID, "error", err)
	}

	// Explicit close-then-open transition: re-run the open logic on this
	// same worker invocation rather than re-enqueueing.
	l.handleOpen(entryID, channelID, firedAt)
}

func (l *Logger) handleClose(entryID int64, watchEnd time.Time) {
	ctx := context.Background()
	if err := l.withRetry(func() error {
		return l.repo.CloseWatchEntry(ctx, entryID, watchEnd)
	}); err != nil {
		l.logger.Warn("failed to close watch entry", "entry_id", entryID, "error", err)
	}
}

// withRetry retries store writes that fail with SQLite concurrency errors,
// with exponential backoff.
func (l *Logger) withRetry(fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<i))
	}
	return err
}
