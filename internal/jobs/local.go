package jobs

import (
	"context"
	"log/slog"
	"sync"
)

// LocalQueue delivers events to in-process goroutines.
type LocalQueue struct {
	events      chan Event
	concurrency int
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalQueue creates a queue with the given worker count and buffer size.
func NewLocalQueue(concurrency, buffer int, logger *slog.Logger) *LocalQueue {
	if concurrency <= 0 {
		concurrency = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalQueue{
		events:      make(chan Event, buffer),
		concurrency: concurrency,
		logger:      logger.With("component", "jobs", "transport", "local"),
	}
}

func (q *LocalQueue) Enqueue(_ context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.events <- ev:
		q.logger.Debug("event queued", "event", ev.Name, "lesson_id", ev.LessonID, "event_id", ev.ID)
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *LocalQueue) Start(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-q.events:
					if ctx.Err() != nil {
						return
					}
					dispatch(ctx, q.logger, h, ev)
				}
			}
		}()
	}
	q.logger.Info("workers started", "concurrency", q.concurrency)
	return nil
}

func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	q.wg.Wait()
	if n := len(q.events); n > 0 {
		q.logger.Warn("dropping undelivered events", "count", n)
	}
	return nil
}

// dispatch runs h for one event, converting a panic into a logged error.
func dispatch(ctx context.Context, logger *slog.Logger, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "event", ev.Name, "lesson_id", ev.LessonID, "panic", r)
		}
	}()
	if err := h(ctx, ev); err != nil {
		logger.Warn("handler failed", "event", ev.Name, "lesson_id", ev.LessonID, "error", err)
	}
}
