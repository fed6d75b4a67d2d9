package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ExpiredLister is a provider that can enumerate its own expired sandboxes.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	Kill(ctx context.Context, id string) error
}

// Reaper periodically removes sandboxes past their lifetime. Containers
// stop on their own at expiry; the reaper reclaims what they leave behind.
type Reaper struct {
	lister ExpiredLister
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	// OnReap, when set, is called with the number removed by each sweep.
	OnReap func(n int)
}

// NewReaper schedules Sweep on schedule, e.g. "@every 1m" or "*/5 * * * *".
func NewReaper(lister ExpiredLister, schedule string, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		lister: lister,
		cron:   cron.New(),
		logger: logger.With("component", "reaper"),
		now:    time.Now,
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Warn("sweep failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins the schedule.
func (r *Reaper) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep removes every expired sandbox once and returns how many were
// removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ids, err := r.lister.ListExpired(ctx, r.now())
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, id := range ids {
		if err := r.lister.Kill(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("reaped expired sandboxes", "count", removed)
	}
	if r.OnReap != nil {
		r.OnReap(removed)
	}
	return removed, errors.Join(errs...)
}
