// Package generator turns a lesson outline into React component source by
// prompting an LLM.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/michaelbrown/lessonforge/internal/llm"
)

// Config holds the model parameters for generation.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
}

// Usage records the model and token accounting for one generation.
type Usage struct {
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Generation is a successful result. Content is the raw model text.
type Generation struct {
	Content      string
	SystemPrompt string
	UserPrompt   string
	Usage        Usage
}

// Failure is returned for every unsuccessful generation.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("generation failed: %s: %v", f.Reason, f.Err)
	}
	return "generation failed: " + f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// Generator prompts the LLM for lesson components.
type Generator struct {
	client llm.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Generator.
func New(client llm.Client, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "generator"),
	}
}

// Generate produces component source for outline. Any error is a *Failure.
func (g *Generator) Generate(ctx context.Context, outline string) (*Generation, error) {
	return g.generate(ctx, outline, nil)
}

// GenerateStream is Generate with text deltas forwarded to onDelta as the
// model produces them.
func (g *Generator) GenerateStream(ctx context.Context, outline string, onDelta llm.StreamHandler) (*Generation, error) {
	return g.generate(ctx, outline, onDelta)
}

func (g *Generator) generate(ctx context.Context, outline string, onDelta llm.StreamHandler) (gen *Generation, err error) {
	defer func() {
		if r := recover(); r != nil {
			gen, err = nil, &Failure{Reason: "unexpected error", Err: fmt.Errorf("%v", r)}
		}
	}()

	if strings.TrimSpace(outline) == "" {
		return nil, &Failure{Reason: "outline is empty"}
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		System:      SystemPrompt,
		User:        UserPrompt(outline),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}

	g.logger.Info("generating lesson", "outline", outline, "model", g.cfg.Model)
	start := time.Now()

	var out *llm.Completion
	if onDelta != nil {
		out, err = g.client.CompleteStream(ctx, req, onDelta)
	} else {
		out, err = g.client.Complete(ctx, req)
	}
	if err != nil {
		g.logger.Warn("generation failed", "error", err, "elapsed", time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Failure{Reason: "timed out", Err: err}
		}
		return nil, &Failure{Reason: "model request failed", Err: err}
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, &Failure{Reason: "empty response"}
	}

	model := out.Model
	if model == "" {
		model = g.cfg.Model
	}
	usage := Usage{
		Model:            model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
		GeneratedAt:      time.Now().UTC(),
	}
	g.logger.Info("generation completed",
		"model", usage.Model,
		"total_tokens", usage.TotalTokens,
		"finish_reason", out.FinishReason,
		"elapsed", time.Since(start),
	)

	return &Generation{
		Content:      out.Text,
		SystemPrompt: req.System,
		UserPrompt:   req.User,
		Usage:        usage,
	}, nil
}
