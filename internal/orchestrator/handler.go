package orchestrator

import (
	"context"
	"fmt"

	"github.com/michaelbrown/lessonforge/internal/jobs"
)

// ModeForEvent maps a job event name to a run mode.
func ModeForEvent(name string) (Mode, error) {
	switch name {
	case jobs.EventExecute:
		return ModeExecute, nil
	case jobs.EventRecreate:
		return ModeRecreate, nil
	}
	return "", fmt.Errorf("%w: event %q", ErrUnknownMode, name)
}

// Handler adapts o to the job queue. An unsuccessful run is returned as an
// error so the queue logs it; it is never redelivered.
func Handler(o *Orchestrator) jobs.Handler {
	return func(ctx context.Context, ev jobs.Event) error {
		mode, err := ModeForEvent(ev.Name)
		if err != nil {
			return err
		}
		res := o.Run(ctx, ev.LessonID, mode)
		if !res.Success {
			return fmt.Errorf("%s for lesson %s failed at %s: %w", mode, ev.LessonID, res.FailedStep, res.Err)
		}
		return nil
	}
}
