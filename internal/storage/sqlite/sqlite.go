package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/lessonforge/internal/storage"

	_ "modernc.org/sqlite"
)

// timeLayout keeps a fixed-width fraction so stored timestamps sort
// lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const lessonColumns = `id, title, outline, content, status, error_message,
	ai_prompt, ai_response, generation_trace, sandbox_id, sandbox_url,
	executed_at, created_at, updated_at`

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serialises writers and keeps a :memory: database
	// shared across callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateLesson(ctx context.Context, l *storage.Lesson) error {
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.Status == "" {
		l.Status = storage.StatusGenerating
	}

	trace, err := encodeTrace(l.GenerationTrace)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lessons (`+lessonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Title, l.Outline, l.Content, string(l.Status), l.ErrorMessage,
		l.AIPrompt, l.AIResponse, trace, l.SandboxID, l.SandboxURL,
		formatTime(l.ExecutedAt), now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting lesson: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLesson(ctx context.Context, id string) (*storage.Lesson, error) {
	// Try exact match first, then prefix match
	l, err := s.getLessonExact(ctx, s.db, id)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lessonColumns+` FROM lessons WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escapeLike(id)+"%")
	if err != nil {
		return nil, fmt.Errorf("querying lesson: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w %q", storage.ErrAmbiguous, id)
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getLessonExact(ctx context.Context, q querier, id string) (*storage.Lesson, error) {
	row := q.QueryRowContext(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE id = ?`, id)
	l, err := scanLesson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return l, err
}

func (s *SQLiteStore) ListLessons(ctx context.Context, opts storage.ListOptions) ([]storage.Lesson, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	query := `SELECT ` + lessonColumns + ` FROM lessons`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing lessons: %w", err)
	}
	defer rows.Close()

	lessons := []storage.Lesson{}
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, *l)
	}
	return lessons, rows.Err()
}

func (s *SQLiteStore) UpdateLesson(ctx context.Context, id string, u storage.LessonUpdate) (*storage.Lesson, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning update: %w", err)
	}
	defer tx.Rollback()

	l, err := s.getLessonExact(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	u.Apply(l)
	l.UpdatedAt = time.Now().UTC()

	trace, err := encodeTrace(l.GenerationTrace)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE lessons SET title = ?, content = ?, status = ?, error_message = ?,
			ai_prompt = ?, ai_response = ?, generation_trace = ?,
			sandbox_id = ?, sandbox_url = ?, executed_at = ?, updated_at = ?
		WHERE id = ?`,
		l.Title, l.Content, string(l.Status), l.ErrorMessage,
		l.AIPrompt, l.AIResponse, trace,
		l.SandboxID, l.SandboxURL, formatTime(l.ExecutedAt), l.UpdatedAt.Format(timeLayout),
		l.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating lesson: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}
	return l, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanLesson(s scanner) (*storage.Lesson, error) {
	var l storage.Lesson
	var status, trace, createdAt, updatedAt string
	var executedAt sql.NullString
	err := s.Scan(&l.ID, &l.Title, &l.Outline, &l.Content, &status, &l.ErrorMessage,
		&l.AIPrompt, &l.AIResponse, &trace, &l.SandboxID, &l.SandboxURL,
		&executedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = storage.Status(status)
	if trace != "" {
		if err := json.Unmarshal([]byte(trace), &l.GenerationTrace); err != nil {
			return nil, fmt.Errorf("decoding generation trace: %w", err)
		}
	}
	if executedAt.Valid {
		if t, err := time.Parse(timeLayout, executedAt.String); err == nil {
			l.ExecutedAt = &t
		}
	}
	l.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	l.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &l, nil
}

func encodeTrace(trace []storage.TraceEntry) (string, error) {
	if trace == nil {
		return "[]", nil
	}
	data, err := json.Marshal(trace)
	if err != nil {
		return "", fmt.Errorf("encoding generation trace: %w", err)
	}
	return string(data), nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

// escapeLike quotes LIKE wildcards so an id prefix matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
