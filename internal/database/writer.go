package database

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/go-syncroom/internal/stats"
	"github.com/npezzotti/go-syncroom/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultWriteQueueSize = 1024
	writeTimeout          = 5 * time.Second
	initialRetryDelay     = 250 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
	maxWriteAttempts      = 6
)

type writeOp struct {
	kind   string
	roomId string
	fn     func(ctx context.Context) error
	// done, if set, runs once the write succeeded or was given up on.
	done func()
}

// Writer applies room mutations to the repository in the order they were
// queued, off the caller's goroutine. Failed writes are retried with a
// doubling delay. The in-memory state stays authoritative while a write is
// pending, so a full queue drops the write instead of blocking.
type Writer struct {
	repo       Repository
	log        zerolog.Logger
	stats      stats.StatsProvider
	queue      chan writeOp
	mu         sync.RWMutex
	closed     bool
	stop       chan struct{}
	done       chan struct{}
	retryDelay time.Duration
}

func NewWriter(repo Repository, logger zerolog.Logger, st stats.StatsProvider, size int) *Writer {
	if size <= 0 {
		size = DefaultWriteQueueSize
	}

	return &Writer{
		repo:       repo,
		log:        logger.With().Str("component", "writer").Logger(),
		stats:      st,
		queue:      make(chan writeOp, size),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		retryDelay: initialRetryDelay,
	}
}

func (w *Writer) SaveRoom(room types.RoomState) {
	room = room.Clone()
	w.enqueue(writeOp{kind: "save_room", roomId: room.RoomId, fn: func(ctx context.Context) error {
		return w.repo.SaveRoom(ctx, room)
	}})
}

// DeleteRoom queues the removal of roomId. done may be nil.
func (w *Writer) DeleteRoom(roomId string, done func()) {
	w.enqueue(writeOp{kind: "delete_room", roomId: roomId, done: done, fn: func(ctx context.Context) error {
		return w.repo.DeleteRoom(ctx, roomId)
	}})
}

func (w *Writer) UpsertParticipation(p types.Participation) {
	w.enqueue(writeOp{kind: "upsert_participation", roomId: p.RoomId, fn: func(ctx context.Context) error {
		return w.repo.UpsertParticipation(ctx, p)
	}})
}

func (w *Writer) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.log.Warn().Str("op", op.kind).Str("room_id", op.roomId).Msg("writer closed, dropping write")
		w.drop(op)
		return
	}

	select {
	case w.queue <- op:
	default:
		w.log.Warn().Str("op", op.kind).Str("room_id", op.roomId).Msg("write queue full, dropping write")
		w.drop(op)
	}
}

func (w *Writer) drop(op writeOp) {
	w.stats.Incr(stats.PersistenceDropped)
	if op.done != nil {
		op.done()
	}
}

// Run applies queued writes until Close is called and the queue is drained.
func (w *Writer) Run() {
	defer close(w.done)

	for op := range w.queue {
		w.apply(op)
	}
}

func (w *Writer) apply(op writeOp) {
	if op.done != nil {
		defer op.done()
	}

	delay := w.retryDelay
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := op.fn(ctx)
		cancel()
		if err == nil {
			return
		}

		logger := w.log.With().Err(err).Str("op", op.kind).Str("room_id", op.roomId).Int("attempt", attempt).Logger()
		if attempt >= maxWriteAttempts {
			logger.Error().Msg("giving up on write")
			w.stats.Incr(stats.PersistenceDropped)
			return
		}

		logger.Warn().Dur("retry_in", delay).Msg("write failed")
		w.stats.Incr(stats.PersistenceRetries)

		select {
		case <-w.stop:
			logger.Error().Msg("writer stopping, abandoning write")
			w.stats.Incr(stats.PersistenceDropped)
			return
		case <-time.After(delay):
		}

		if delay < maxRetryDelay {
			delay = min(delay*2, maxRetryDelay)
		}
	}
}

// Close stops accepting writes and waits until the queued ones have been
// attempted or ctx expires. Retries are abandoned once Close is called.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.stop)
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
