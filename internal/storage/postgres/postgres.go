// Package postgres implements storage.Store on PostgreSQL using GORM.
// All GORM usage is confined to this package; storage.Lesson stays ORM-free.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/michaelbrown/lessonforge/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 10
	ConnMaxLifetime time.Duration // Default: 30m
}

// LessonModel maps to the "lessons" table.
type LessonModel struct {
	ID              string `gorm:"primaryKey"`
	Title           string `gorm:"not null;default:''"`
	Outline         string `gorm:"not null"`
	Content         string `gorm:"not null;default:''"`
	Status          string `gorm:"not null;default:'generating';index"`
	ErrorMessage    string `gorm:"not null;default:''"`
	AIPrompt        string `gorm:"column:ai_prompt;not null;default:''"`
	AIResponse      string `gorm:"column:ai_response;not null;default:''"`
	GenerationTrace string `gorm:"not null;default:'[]'"`
	SandboxID       string `gorm:"not null;default:''"`
	SandboxURL      string `gorm:"column:sandbox_url;not null;default:''"`
	ExecutedAt      *time.Time
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}

func (LessonModel) TableName() string { return "lessons" }

// Store implements storage.Store with GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL, configures the pool and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	s, err := New(postgres.Open(cfg.DSN), slogger)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	s.logger.Info("postgres connected", slog.Int("max_open_conns", maxOpen))
	return s, nil
}

// New opens a Store over any GORM dialector and runs AutoMigrate.
func New(dialector gorm.Dialector, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&LessonModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}
	return &Store{db: db, logger: slogger.With("component", "store")}, nil
}

func (s *Store) CreateLesson(ctx context.Context, l *storage.Lesson) error {
	if l.Status == "" {
		l.Status = storage.StatusGenerating
	}
	model, err := toModel(l)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting lesson: %w", err)
	}
	l.CreatedAt = model.CreatedAt
	l.UpdatedAt = model.UpdatedAt
	return nil
}

func (s *Store) GetLesson(ctx context.Context, id string) (*storage.Lesson, error) {
	var model LessonModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err == nil {
		return toDomain(&model)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("querying lesson: %w", err)
	}

	var matches []LessonModel
	if err := s.db.WithContext(ctx).
		Where("id LIKE ?", escapeLike(id)+"%").
		Limit(2).
		Find(&matches).Error; err != nil {
		return nil, fmt.Errorf("querying lesson: %w", err)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return toDomain(&matches[0])
	default:
		return nil, fmt.Errorf("%w %q", storage.ErrAmbiguous, id)
	}
}

func (s *Store) ListLessons(ctx context.Context, opts storage.ListOptions) ([]storage.Lesson, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	q := s.db.WithContext(ctx).Model(&LessonModel{})
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}

	var models []LessonModel
	if err := q.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(opts.Offset).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing lessons: %w", err)
	}

	lessons := make([]storage.Lesson, 0, len(models))
	for i := range models {
		l, err := toDomain(&models[i])
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, *l)
	}
	return lessons, nil
}

func (s *Store) UpdateLesson(ctx context.Context, id string, u storage.LessonUpdate) (*storage.Lesson, error) {
	var out *storage.Lesson
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model LessonModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
			}
			return fmt.Errorf("querying lesson: %w", err)
		}
		l, err := toDomain(&model)
		if err != nil {
			return err
		}
		u.Apply(l)

		updated, err := toModel(l)
		if err != nil {
			return err
		}
		updated.CreatedAt = model.CreatedAt
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("updating lesson: %w", err)
		}
		l.UpdatedAt = updated.UpdatedAt
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks the database connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(l *storage.Lesson) (LessonModel, error) {
	trace := "[]"
	if l.GenerationTrace != nil {
		data, err := json.Marshal(l.GenerationTrace)
		if err != nil {
			return LessonModel{}, fmt.Errorf("encoding generation trace: %w", err)
		}
		trace = string(data)
	}
	return LessonModel{
		ID:              l.ID,
		Title:           l.Title,
		Outline:         l.Outline,
		Content:         l.Content,
		Status:          string(l.Status),
		ErrorMessage:    l.ErrorMessage,
		AIPrompt:        l.AIPrompt,
		AIResponse:      l.AIResponse,
		GenerationTrace: trace,
		SandboxID:       l.SandboxID,
		SandboxURL:      l.SandboxURL,
		ExecutedAt:      l.ExecutedAt,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}, nil
}

func toDomain(m *LessonModel) (*storage.Lesson, error) {
	l := &storage.Lesson{
		ID:           m.ID,
		Title:        m.Title,
		Outline:      m.Outline,
		Content:      m.Content,
		Status:       storage.Status(m.Status),
		ErrorMessage: m.ErrorMessage,
		AIPrompt:     m.AIPrompt,
		AIResponse:   m.AIResponse,
		SandboxID:    m.SandboxID,
		SandboxURL:   m.SandboxURL,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
	if m.ExecutedAt != nil {
		t := m.ExecutedAt.UTC()
		l.ExecutedAt = &t
	}
	if m.GenerationTrace != "" {
		if err := json.Unmarshal([]byte(m.GenerationTrace), &l.GenerationTrace); err != nil {
			return nil, fmt.Errorf("decoding generation trace: %w", err)
		}
	}
	return l, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
