package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/lessonforge/internal/jobs"
	"github.com/michaelbrown/lessonforge/internal/orchestrator"
	"github.com/michaelbrown/lessonforge/internal/storage"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	runFlag      bool
	queueFlag    bool
	jsonFlag     bool
)

var lessonsCmd = &cobra.Command{
	Use:     "lessons",
	Aliases: []string{"lesson", "l"},
	Short:   "Manage lessons",
}

var lessonsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lessons, newest first",
	RunE:  runLessonsList,
}

var lessonsShowCmd = &cobra.Command{
	Use:   "show <lesson-id>",
	Short: "Show lesson details and its generation trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runLessonsShow,
}

var lessonsCreateCmd = &cobra.Command{
	Use:   "create <outline...>",
	Short: "Create a lesson from an outline",
	Long: `Create a lesson from an outline.

With --run the lesson is generated and deployed before the command returns.

Examples:
  lessonforge lessons create "Long division explanation"
  lessonforge lessons create --run Fractions with pizza slices`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLessonsCreate,
}

var lessonsExecuteCmd = &cobra.Command{
	Use:   "execute <lesson-id>",
	Short: "Generate (if needed) and deploy a lesson",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(args[0], orchestrator.ModeExecute)
	},
}

var lessonsRecreateCmd = &cobra.Command{
	Use:   "recreate <lesson-id>",
	Short: "Deploy a lesson's stored content into a fresh sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(args[0], orchestrator.ModeRecreate)
	},
}

var lessonsExportCmd = &cobra.Command{
	Use:   "export <lesson-id>",
	Short: "Export a lesson as markdown, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runLessonsExport,
}

func init() {
	rootCmd.AddCommand(lessonsCmd)
	lessonsCmd.AddCommand(lessonsListCmd, lessonsShowCmd, lessonsCreateCmd, lessonsExecuteCmd, lessonsRecreateCmd, lessonsExportCmd)

	lessonsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (generating, generated, failed)")
	lessonsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max lessons to show")

	lessonsShowCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the lesson as JSON")

	lessonsCreateCmd.Flags().BoolVar(&runFlag, "run", false, "Generate and deploy before returning")

	for _, c := range []*cobra.Command{lessonsExecuteCmd, lessonsRecreateCmd} {
		c.Flags().BoolVar(&queueFlag, "queue", false, "Publish the event for remote workers instead of running here (NATS backend)")
	}

	lessonsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	lessonsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

// storeOnly opens just the lesson store, for read-only commands.
func storeOnly() (storage.Store, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg, logger)
}

func runLessonsList(cmd *cobra.Command, args []string) error {
	store, err := storeOnly()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.ListOptions{
		Status: storage.Status(statusFilter),
		Limit:  limitFlag,
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return fmt.Errorf("unknown status %q", statusFilter)
	}

	lessons, err := store.ListLessons(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(lessons) == 0 {
		fmt.Println("No lessons found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-11s %-44s %s\n", "ID", "STATUS", "TITLE", "UPDATED")
	fmt.Println(strings.Repeat("─", 80))

	for _, l := range lessons {
		fmt.Printf("%-10s %-11s %-44s %s\n",
			l.ID[:8], l.Status, truncate(l.Title, 42), timeAgo(l.UpdatedAt))
	}

	return nil
}

func runLessonsShow(cmd *cobra.Command, args []string) error {
	store, err := storeOnly()
	if err != nil {
		return err
	}
	defer store.Close()

	l, err := store.GetLesson(context.Background(), args[0])
	if err != nil {
		return err
	}

	if jsonFlag {
		data, err := storage.ExportJSON(l)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	printLesson(l)

	if len(l.GenerationTrace) > 0 {
		fmt.Printf("\nTrace:\n")
		for _, e := range l.GenerationTrace {
			line := fmt.Sprintf("  %s  %-10s", e.Timestamp.Format(time.RFC3339), e.Step)
			if e.Error != "" {
				line += "  \033[31m" + truncate(e.Error, 80) + "\033[0m"
			} else if model, ok := e.Details["model"]; ok {
				line += fmt.Sprintf("  %v, %v tokens", model, e.Details["total_tokens"])
			}
			fmt.Println(line)
		}
	}
	if l.Content != "" {
		fmt.Printf("\nContent: %d bytes (use 'lessons export' to see it)\n", len(l.Content))
	}
	return nil
}

func printLesson(l *storage.Lesson) {
	fmt.Printf("Lesson:   %s\n", l.ID)
	fmt.Printf("Title:    %s\n", l.Title)
	fmt.Printf("Outline:  %s\n", l.Outline)
	fmt.Printf("Status:   %s\n", l.Status)
	if l.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", l.ErrorMessage)
	}
	if l.SandboxURL != "" {
		fmt.Printf("Sandbox:  %s (%s)\n", l.SandboxURL, l.SandboxID)
	}
	if l.ExecutedAt != nil {
		fmt.Printf("Deployed: %s\n", l.ExecutedAt.Format(time.RFC3339))
	}
	fmt.Printf("Created:  %s\n", l.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", l.UpdatedAt.Format(time.RFC3339))
}

func runLessonsCreate(cmd *cobra.Command, args []string) error {
	outline := strings.TrimSpace(strings.Join(args, " "))
	if outline == "" {
		return fmt.Errorf("outline is empty")
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	l := storage.NewLesson(outline)
	if err := a.store.CreateLesson(ctx, l); err != nil {
		return err
	}
	a.metrics.LessonCreated()
	fmt.Printf("Created lesson %s - %q\n", l.ID[:8], l.Title)

	if !runFlag {
		return nil
	}
	return a.runAndReport(ctx, l.ID, orchestrator.ModeExecute)
}

// runPipeline runs mode for id in this process, or publishes it with --queue.
func runPipeline(id string, mode orchestrator.Mode) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.store.GetLesson(ctx, id)
	if err != nil {
		return err
	}

	if queueFlag {
		if a.cfg.Jobs.Backend != "nats" {
			return fmt.Errorf("--queue needs jobs.backend=nats")
		}
		event := jobs.EventExecute
		if mode == orchestrator.ModeRecreate {
			event = jobs.EventRecreate
		}
		if err := a.queue.Enqueue(ctx, jobs.NewEvent(event, l.ID)); err != nil {
			return err
		}
		fmt.Printf("Queued %s for lesson %s\n", event, l.ID[:8])
		return nil
	}

	return a.runAndReport(ctx, l.ID, mode)
}

func (a *app) runAndReport(ctx context.Context, id string, mode orchestrator.Mode) error {
	fmt.Printf("Running %s for lesson %s...\n", mode, id[:8])
	start := time.Now()
	res := a.orchestrator.Run(ctx, id, mode)
	elapsed := time.Since(start).Round(time.Millisecond)

	if !res.Success {
		return fmt.Errorf("%s failed at %s after %s: %s", mode, res.FailedStep, elapsed, res.Error)
	}
	fmt.Printf("\033[32mReady\033[0m in %s: %s\n", elapsed, res.SandboxURL)
	for _, w := range res.Warnings {
		fmt.Printf("\033[33mwarning:\033[0m %s\n", w)
	}
	return nil
}

func runLessonsExport(cmd *cobra.Command, args []string) error {
	store, err := storeOnly()
	if err != nil {
		return err
	}
	defer store.Close()

	l, err := store.GetLesson(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output []byte
	switch exportFormat {
	case "json":
		output, err = storage.ExportJSON(l)
	case "yaml", "yml":
		output, err = storage.ExportYAML(l)
	case "md", "markdown":
		output = []byte(storage.ExportMarkdown(l))
	default:
		return fmt.Errorf("unknown export format %q", exportFormat)
	}
	if err != nil {
		return err
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, output, 0o644)
	}

	os.Stdout.Write(output)
	return nil
}

// resultJSON renders a pipeline result for machine consumers.
func resultJSON(res orchestrator.Result) string {
	data, _ := json.MarshalIndent(res, "", "  ")
	return string(data)
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
