// Package jobs carries lesson execution events from the API to background
// workers.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	EventExecute  = "lesson/execute"
	EventRecreate = "lesson/recreate"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
	// ErrQueueFull is returned when the local buffer has no room.
	ErrQueueFull = errors.New("queue full")
)

// Event asks a worker to run the pipeline for one lesson.
type Event struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LessonID string    `json:"lessonId"`
	SentAt   time.Time `json:"sentAt"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(name, lessonID string) Event {
	return Event{
		ID:       uuid.NewString(),
		Name:     name,
		LessonID: lessonID,
		SentAt:   time.Now().UTC(),
	}
}

// Handler processes one event. Events are delivered at most once; a
// returned error is logged and not retried.
type Handler func(ctx context.Context, ev Event) error

// Queue is an event transport with a bounded worker pool.
type Queue interface {
	// Enqueue hands off ev without waiting for it to run.
	Enqueue(ctx context.Context, ev Event) error
	// Start begins delivering events to h. It returns once workers are running.
	Start(ctx context.Context, h Handler) error
	// Close stops delivery and waits for running handlers to return.
	Close() error
}
