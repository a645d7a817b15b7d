package db

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peacock0803sz/orthrus/internal/event"
)

const (
	defaultJournalBuffer = 256
	journalWriteTimeout  = 5 * time.Second
)

// Journal is an event.Sink that records lifecycle events. Emit never blocks:
// events arriving while the buffer is full are dropped and counted. Terminal
// output is not journaled.
type Journal struct {
	repo *EventRepo
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan event.Event
	done   chan struct{}

	dropped atomic.Int64
}

// NewJournal starts the background writer. buffer <= 0 uses the default.
func NewJournal(repo *EventRepo, buffer int, logger *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = defaultJournalBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		repo:  repo,
		log:   logger.With("component", "journal"),
		queue: make(chan event.Event, buffer),
		done:  make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) Emit(e event.Event) {
	if !e.Lifecycle() {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- event.Stamp(e):
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.log.Warn("journal buffer full, dropping events", "dropped", n)
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be written.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		<-j.done
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		err := j.repo.Insert(ctx, &SessionEvent{
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Text:      e.Text,
			Code:      e.Code,
			Port:      e.Port,
			CreatedAt: e.Time,
		})
		cancel()
		if err != nil {
			j.log.Warn("failed to journal event", "session_id", e.SessionID, "type", e.Type, "error", err)
		}
	}
}
