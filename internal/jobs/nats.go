package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL         string        // e.g. "nats://localhost:4222"
	Subject     string        // default "lessonforge.events"
	QueueGroup  string        // default "lessonforge-workers"
	Token       string        // event key, sent as the NATS auth token
	Concurrency int           // handlers running at once per process
	Timeout     time.Duration // connect timeout
}

// NATSQueue publishes events to a NATS subject and consumes them through a
// queue group, so each event reaches one worker across all processes.
type NATSQueue struct {
	conn   *nats.Conn
	cfg    NATSConfig
	logger *slog.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewNATSQueue connects to NATS.
func NewNATSQueue(cfg NATSConfig, logger *slog.Logger) (*NATSQueue, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "lessonforge.events"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "lessonforge-workers"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs", "transport", "nats")

	opts := []nats.Option{
		nats.Name("lessonforge"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrl(), "subject", cfg.Subject)

	return &NATSQueue{
		conn:   nc,
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.Concurrency),
	}, nil
}

func (q *NATSQueue) Enqueue(ctx context.Context, ev Event) error {
	if q.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := q.conn.Publish(q.cfg.Subject, data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	if err := q.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing event: %w", err)
	}
	q.logger.Debug("event published", "event", ev.Name, "lesson_id", ev.LessonID, "event_id", ev.ID)
	return nil
}

func (q *NATSQueue) Start(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)

	sub, err := q.conn.QueueSubscribe(q.cfg.Subject, q.cfg.QueueGroup, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			q.logger.Warn("discarding malformed event", "error", err)
			return
		}
		// Blocking here holds back further deliveries to this process.
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			dispatch(ctx, q.logger, h, ev)
		}()
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing to %s: %w", q.cfg.Subject, err)
	}

	q.mu.Lock()
	q.sub = sub
	q.cancel = cancel
	q.mu.Unlock()
	q.logger.Info("workers started", "queue_group", q.cfg.QueueGroup, "concurrency", q.cfg.Concurrency)
	return nil
}

func (q *NATSQueue) Close() error {
	q.mu.Lock()
	sub, cancel := q.sub, q.cancel
	q.sub, q.cancel = nil, nil
	q.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			q.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.conn.Close()
	return nil
}
