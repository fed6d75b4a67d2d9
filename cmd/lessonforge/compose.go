package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/lessonforge/internal/generator"
	"github.com/michaelbrown/lessonforge/internal/orchestrator"
	"github.com/michaelbrown/lessonforge/internal/sanitize"
	"github.com/michaelbrown/lessonforge/internal/storage"
)

var noDeployFlag bool

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Interactively write lessons and watch them generate",
	Long: `Start an interactive session. Each line you enter is a lesson outline:
the component is streamed to the terminal as the model writes it, then
deployed to a sandbox.

Examples:
  lessonforge compose
  lessonforge compose --no-deploy`,
	RunE: runCompose,
}

func init() {
	composeCmd.Flags().BoolVar(&noDeployFlag, "no-deploy", false, "Generate and store lessons without deploying them")
	rootCmd.AddCommand(composeCmd)
}

func runCompose(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("LessonForge - Compose\n")
	fmt.Printf("Model: %s | Sandbox: %s\n", a.cfg.LLM.Model, a.cfg.Sandbox.Provider)
	fmt.Printf("Type an outline to create a lesson, /help for commands, /quit to exit\n\n")

	historyFile := filepath.Join(os.TempDir(), "lessonforge_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36moutline>\033[0m ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Per-request cancellation: Ctrl+C cancels the active generation,
	// not the whole app. A second Ctrl+C while idle exits.
	var (
		mu        sync.Mutex
		reqCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if reqCancel != nil {
				reqCancel()
			}
			mu.Unlock()
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		reqCtx, cancel := context.WithCancel(ctx)
		mu.Lock()
		reqCancel = cancel
		mu.Unlock()

		var quit bool
		if strings.HasPrefix(input, "/") {
			quit = a.handleComposeCommand(reqCtx, input)
		} else {
			a.compose(reqCtx, input)
		}

		mu.Lock()
		reqCancel = nil
		mu.Unlock()
		cancel()

		if quit {
			fmt.Println("Goodbye!")
			return nil
		}
	}
}

// compose creates, streams, stores and deploys one lesson.
func (a *app) compose(ctx context.Context, outline string) {
	l := storage.NewLesson(outline)
	if err := a.store.CreateLesson(ctx, l); err != nil {
		fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
		return
	}
	a.metrics.LessonCreated()
	fmt.Printf("\n\033[90mlesson %s - %s\033[0m\n\n", l.ID[:8], l.Title)

	gen, err := a.generator.GenerateStream(ctx, outline, func(delta string) {
		fmt.Print(delta)
	})
	fmt.Println()
	if err != nil {
		msg := "Lesson generation failed."
		var f *generator.Failure
		if errors.As(err, &f) {
			msg = "Lesson generation failed: " + f.Reason + "."
		}
		a.metrics.Generation("error", "", 0, 0)
		if ctx.Err() != nil {
			// Interrupted: leave the lesson generating so it can be executed later.
			fmt.Println("(interrupted)")
			return
		}
		a.store.UpdateLesson(ctx, l.ID, storage.LessonUpdate{
			Status:       storage.Ptr(storage.StatusFailed),
			ErrorMessage: storage.Ptr(msg),
			GenerationTrace: []storage.TraceEntry{{
				Step:      "generate",
				Timestamp: time.Now().UTC(),
				Error:     err.Error(),
			}},
		})
		fmt.Printf("\033[31m%s\033[0m\n\n", msg)
		return
	}
	a.metrics.Generation("ok", gen.Usage.Model, gen.Usage.PromptTokens, gen.Usage.CompletionTokens)

	content := sanitize.Sanitize(gen.Content)
	_, err = a.store.UpdateLesson(ctx, l.ID, storage.LessonUpdate{
		Content:    storage.Ptr(content),
		AIPrompt:   storage.Ptr(gen.UserPrompt),
		AIResponse: storage.Ptr(gen.Content),
		GenerationTrace: []storage.TraceEntry{{
			Step:      "generate",
			Timestamp: gen.Usage.GeneratedAt,
			Details: map[string]any{
				"model":             gen.Usage.Model,
				"prompt_tokens":     gen.Usage.PromptTokens,
				"completion_tokens": gen.Usage.CompletionTokens,
				"total_tokens":      gen.Usage.TotalTokens,
				"generated_at":      gen.Usage.GeneratedAt.Format(time.RFC3339),
			},
		}},
	})
	if err != nil {
		fmt.Printf("\033[31merror saving lesson: %s\033[0m\n\n", err)
		return
	}
	fmt.Printf("\n\033[90m%s, %d tokens\033[0m\n", gen.Usage.Model, gen.Usage.TotalTokens)

	if noDeployFlag {
		fmt.Printf("Saved. Deploy later with: lessonforge lessons execute %s\n\n", l.ID[:8])
		return
	}
	if err := a.runAndReport(ctx, l.ID, orchestrator.ModeExecute); err != nil {
		fmt.Printf("\033[31m%s\033[0m\n", err)
	}
	fmt.Println()
}

// handleComposeCommand runs a slash command and reports whether to quit.
func (a *app) handleComposeCommand(ctx context.Context, input string) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		return true
	case "/list":
		lessons, err := a.store.ListLessons(ctx, storage.ListOptions{Limit: 10})
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			return false
		}
		for _, l := range lessons {
			fmt.Printf("  %s  %-10s %s\n", l.ID[:8], l.Status, truncate(l.Title, 50))
		}
		fmt.Println()
	case "/recreate":
		if len(fields) < 2 {
			fmt.Println("Usage: /recreate <lesson-id>")
			fmt.Println()
			return false
		}
		l, err := a.store.GetLesson(ctx, fields[1])
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			return false
		}
		if err := a.runAndReport(ctx, l.ID, orchestrator.ModeRecreate); err != nil {
			fmt.Printf("\033[31m%s\033[0m\n", err)
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help            - Show this help")
		fmt.Println("  /list            - Show recent lessons")
		fmt.Println("  /recreate <id>   - Redeploy a lesson into a fresh sandbox")
		fmt.Println("  /quit            - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
