package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no lesson matches an id or id prefix.
var ErrNotFound = errors.New("lesson not found")

// ErrAmbiguous is returned when an id prefix matches more than one lesson.
var ErrAmbiguous = errors.New("ambiguous lesson id prefix")

// Status represents the lifecycle state of a lesson.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusGenerated  Status = "generated"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusGenerating, StatusGenerated, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic progress is expected.
func (s Status) Terminal() bool {
	return s == StatusGenerated || s == StatusFailed
}

// CanTransition reports whether a client may move a lesson from one status
// to another. Moving a failed lesson back to generating is reserved for an
// explicit retry and is not accepted here.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusGenerating && (to == StatusGenerated || to == StatusFailed)
}

// TraceEntry is one step of a lesson's generation audit trail.
type TraceEntry struct {
	Step      string         `json:"step" yaml:"step"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Lesson is the persistent record for one submitted outline.
type Lesson struct {
	ID              string       `json:"id" yaml:"id"`
	Title           string       `json:"title" yaml:"title"`
	Outline         string       `json:"outline" yaml:"outline"`
	Content         string       `json:"content,omitempty" yaml:"content,omitempty"`
	Status          Status       `json:"status" yaml:"status"`
	ErrorMessage    string       `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	AIPrompt        string       `json:"ai_prompt,omitempty" yaml:"ai_prompt,omitempty"`
	AIResponse      string       `json:"ai_response,omitempty" yaml:"ai_response,omitempty"`
	GenerationTrace []TraceEntry `json:"generation_trace,omitempty" yaml:"generation_trace,omitempty"`
	SandboxID       string       `json:"sandbox_id,omitempty" yaml:"sandbox_id,omitempty"`
	SandboxURL      string       `json:"sandbox_url,omitempty" yaml:"sandbox_url,omitempty"`
	ExecutedAt      *time.Time   `json:"executed_at,omitempty" yaml:"executed_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" yaml:"updated_at"`
}

// titleWords is how many outline words a derived title keeps.
const titleWords = 6

// DeriveTitle returns the first six words of outline, followed by "..."
// when the outline is longer.
func DeriveTitle(outline string) string {
	words := strings.Fields(outline)
	if len(words) <= titleWords {
		return strings.TrimSpace(outline)
	}
	return strings.Join(words[:titleWords], " ") + "..."
}

// NewLesson builds an unsaved lesson for outline in the generating state.
func NewLesson(outline string) *Lesson {
	return &Lesson{
		ID:      uuid.NewString(),
		Title:   DeriveTitle(outline),
		Outline: outline,
		Status:  StatusGenerating,
	}
}

// LessonUpdate is a partial update. Nil fields are left unchanged.
type LessonUpdate struct {
	Title           *string
	Content         *string
	Status          *Status
	ErrorMessage    *string
	AIPrompt        *string
	AIResponse      *string
	GenerationTrace []TraceEntry
	SandboxID       *string
	SandboxURL      *string
	ExecutedAt      *time.Time
}

// Apply copies the set fields of u onto l.
func (u LessonUpdate) Apply(l *Lesson) {
	if u.Title != nil {
		l.Title = *u.Title
	}
	if u.Content != nil {
		l.Content = *u.Content
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.ErrorMessage != nil {
		l.ErrorMessage = *u.ErrorMessage
	}
	if u.AIPrompt != nil {
		l.AIPrompt = *u.AIPrompt
	}
	if u.AIResponse != nil {
		l.AIResponse = *u.AIResponse
	}
	if u.GenerationTrace != nil {
		l.GenerationTrace = u.GenerationTrace
	}
	if u.SandboxID != nil {
		l.SandboxID = *u.SandboxID
	}
	if u.SandboxURL != nil {
		l.SandboxURL = *u.SandboxURL
	}
	if u.ExecutedAt != nil {
		t := u.ExecutedAt.UTC()
		l.ExecutedAt = &t
	}
}

// ListOptions controls filtering and pagination for ListLessons.
type ListOptions struct {
	Status Status
	Limit  int
	Offset int
}

// DefaultListLimit applies when ListOptions.Limit is not positive.
const DefaultListLimit = 50

// Store is the persistence interface for lessons.
type Store interface {
	// CreateLesson inserts a new lesson. The ID field must be set by the caller.
	CreateLesson(ctx context.Context, l *Lesson) error

	// GetLesson returns a lesson by ID or ID prefix.
	GetLesson(ctx context.Context, id string) (*Lesson, error)

	// ListLessons returns lessons ordered by created_at descending.
	ListLessons(ctx context.Context, opts ListOptions) ([]Lesson, error)

	// UpdateLesson applies u to the lesson with the exact id and returns
	// the stored result.
	UpdateLesson(ctx context.Context, id string, u LessonUpdate) (*Lesson, error)

	// Close releases resources.
	Close() error
}

// Ptr returns a pointer to v, for building LessonUpdate values.
func Ptr[T any](v T) *T { return &v }
