// Package orchestrator runs the generate, sanitize, provision, deploy and
// persist pipeline for one lesson as an explicit state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/michaelbrown/lessonforge/internal/generator"
	"github.com/michaelbrown/lessonforge/internal/observability"
	"github.com/michaelbrown/lessonforge/internal/sandbox"
	"github.com/michaelbrown/lessonforge/internal/sanitize"
	"github.com/michaelbrown/lessonforge/internal/storage"
)

// Mode selects how a run treats stored content.
type Mode string

const (
	// ModeExecute generates content when the lesson has none.
	ModeExecute Mode = "execute"
	// ModeRecreate redeploys stored content into a fresh sandbox.
	ModeRecreate Mode = "recreate"
)

// State is a step of the pipeline.
type State string

const (
	StateFetchingLesson         State = "fetching_lesson"
	StateGeneratingOrValidating State = "generating_or_validating"
	StateProvisioningSandbox    State = "provisioning_sandbox"
	StateDeploying              State = "deploying"
	StatePersistingResult       State = "persisting_result"
	StateDone                   State = "done"
	StateFailed                 State = "failed"
)

var (
	ErrLessonNotFound = errors.New("lesson not found")
	ErrContentMissing = errors.New("lesson has no content to deploy")
	ErrRunInProgress  = errors.New("a run for this lesson is already in progress")
	ErrUnknownMode    = errors.New("unknown run mode")
	ErrShuttingDown   = errors.New("orchestrator is shutting down")
)

// PersistWarning is recorded when the sandbox is live but the lesson
// record could not be updated with it.
type PersistWarning struct {
	LessonID  string
	SandboxID string
	Err       error
}

func (w *PersistWarning) Error() string {
	return fmt.Sprintf("persisting sandbox %s for lesson %s: %v", w.SandboxID, w.LessonID, w.Err)
}

func (w *PersistWarning) Unwrap() error { return w.Err }

// Result is the outcome of one run. Error is safe to show to users; Err
// keeps the underlying cause for classification.
type Result struct {
	LessonID   string   `json:"lessonId"`
	SandboxID  string   `json:"sandboxId,omitempty"`
	SandboxURL string   `json:"sandboxUrl,omitempty"`
	Success    bool     `json:"success"`
	State      State    `json:"state"`
	FailedStep State    `json:"failedStep,omitempty"`
	Error      string   `json:"error,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Err        error    `json:"-"`
}

// Generator produces raw component source for an outline.
type Generator interface {
	Generate(ctx context.Context, outline string) (*generator.Generation, error)
}

// Provisioner creates sandboxes and deploys content into them.
type Provisioner interface {
	Create(ctx context.Context, template string) (*sandbox.Info, error)
	Deploy(ctx context.Context, id, path, content string) error
	Kill(ctx context.Context, id string) error
}

// Options configures an Orchestrator. Zero values are usable.
type Options struct {
	// SingleFlight rejects a run while another for the same lesson is in
	// flight. Without it concurrent runs race and the last write wins.
	SingleFlight bool

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Orchestrator drives lessons through the pipeline. Each run is strictly
// sequential and is never retried automatically.
type Orchestrator struct {
	store       storage.Store
	generator   Generator
	provisioner Provisioner
	tracker     *RunTracker
	opts        Options
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// New creates an Orchestrator.
func New(store storage.Store, gen Generator, prov Provisioner, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Orchestrator{
		store:       store,
		generator:   gen,
		provisioner: prov,
		tracker:     NewRunTracker(),
		opts:        opts,
		logger:      logger.With("component", "orchestrator"),
		tracer:      tracer,
		now:         time.Now,
	}
}

// Tracker exposes the in-flight run registry.
func (o *Orchestrator) Tracker() *RunTracker { return o.tracker }

// Shutdown cancels in-flight runs and waits for them to return. Cancelled
// lessons are left in whatever state they had reached.
func (o *Orchestrator) Shutdown() {
	o.tracker.CloseAll()
	o.tracker.Wait()
}

// run carries state between steps.
type run struct {
	lessonID string // as requested; may be a prefix until fetched
	mode     Mode
	lesson   *storage.Lesson
	content  string // sanitized content to deploy
	info     *sandbox.Info
	warnings []string
	logger   *slog.Logger
}

type step struct {
	state State
	fn    func(ctx context.Context, r *run) error
}

// Run executes the pipeline for lessonID. It never panics and never
// returns an error; the outcome is described by the Result.
func (o *Orchestrator) Run(ctx context.Context, lessonID string, mode Mode) (res Result) {
	res = Result{LessonID: lessonID, State: StateFetchingLesson}

	if mode != ModeExecute && mode != ModeRecreate {
		return failed(res, ErrUnknownMode, "Unknown run mode.")
	}

	// The run guard is keyed on the full id, so prefixes resolve first.
	// Lookup errors are left to fetchLesson.
	if l, err := o.store.GetLesson(ctx, lessonID); err == nil {
		lessonID = l.ID
		res.LessonID = l.ID
	}

	ctx, done, err := o.tracker.Begin(ctx, lessonID, mode, o.opts.SingleFlight)
	if err != nil {
		return failed(res, err, userMessage(err))
	}
	defer done()

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("lesson.id", lessonID),
		attribute.String("run.mode", string(mode)),
	))
	defer span.End()

	o.opts.Metrics.RunStarted()
	start := time.Now()
	r := &run{lessonID: lessonID, mode: mode, logger: o.logger.With("lesson_id", lessonID, "mode", mode)}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "panic", p)
			res = failed(res, fmt.Errorf("panic: %v", p), "An unexpected error occurred.")
		}
		outcome := "success"
		if !res.Success {
			outcome = "failure"
			span.SetStatus(codes.Error, res.Error)
		}
		o.opts.Metrics.RunFinished(string(mode), outcome)
		r.logger.Info("run finished",
			"success", res.Success,
			"state", res.State,
			"failed_step", res.FailedStep,
			"sandbox_id", res.SandboxID,
			"elapsed", time.Since(start),
		)
	}()

	r.logger.Info("run started")

	steps := []step{
		{StateFetchingLesson, o.fetchLesson},
		{StateGeneratingOrValidating, o.generateOrValidate},
		{StateProvisioningSandbox, o.provisionSandbox},
		{StateDeploying, o.deploy},
		{StatePersistingResult, o.persistResult},
	}
	for _, s := range steps {
		res.State = s.state
		stepStart := time.Now()
		stepCtx, stepSpan := o.tracer.Start(ctx, "orchestrator."+string(s.state))
		err := s.fn(stepCtx, r)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, err.Error())
		}
		stepSpan.End()
		o.opts.Metrics.StepDuration(string(s.state), time.Since(stepStart))

		if err != nil {
			return o.fail(ctx, r, res, err)
		}
	}

	res.State = StateDone
	res.Success = true
	res.SandboxID = r.info.ID
	res.SandboxURL = r.info.URL
	res.Warnings = r.warnings
	return res
}

func (o *Orchestrator) fetchLesson(ctx context.Context, r *run) error {
	l, err := o.store.GetLesson(ctx, r.lessonID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrLessonNotFound
		}
		return fmt.Errorf("fetching lesson: %w", err)
	}
	r.lesson = l
	r.logger = r.logger.With("lesson_id", l.ID)

	if r.mode == ModeRecreate && l.Content == "" {
		return ErrContentMissing
	}

	// A failed lesson re-entering the pipeline is an explicit retry.
	if l.Status == storage.StatusFailed {
		updated, err := o.store.UpdateLesson(ctx, l.ID, storage.LessonUpdate{
			Status:       storage.Ptr(storage.StatusGenerating),
			ErrorMessage: storage.Ptr(""),
		})
		if err != nil {
			return fmt.Errorf("resetting failed lesson: %w", err)
		}
		r.lesson = updated
		r.logger.Info("retrying failed lesson")
	}
	return nil
}

func (o *Orchestrator) generateOrValidate(ctx context.Context, r *run) error {
	if r.lesson.Content != "" {
		r.content = sanitize.Sanitize(r.lesson.Content)
		return nil
	}

	gen, err := o.generator.Generate(ctx, r.lesson.Outline)
	if err != nil {
		o.opts.Metrics.Generation("error", "", 0, 0)
		return err
	}
	o.opts.Metrics.Generation("ok", gen.Usage.Model, gen.Usage.PromptTokens, gen.Usage.CompletionTokens)

	r.content = sanitize.Sanitize(gen.Content)
	now := o.now().UTC()
	entries := append(r.lesson.GenerationTrace,
		storage.TraceEntry{
			Step:      "generate",
			Timestamp: gen.Usage.GeneratedAt,
			Details: map[string]any{
				"model":             gen.Usage.Model,
				"prompt_tokens":     gen.Usage.PromptTokens,
				"completion_tokens": gen.Usage.CompletionTokens,
				"total_tokens":      gen.Usage.TotalTokens,
				"generated_at":      gen.Usage.GeneratedAt.Format(time.RFC3339),
			},
		},
		storage.TraceEntry{
			Step:      "sanitize",
			Timestamp: now,
			Details: map[string]any{
				"raw_bytes":       len(gen.Content),
				"sanitized_bytes": len(r.content),
			},
		},
	)

	updated, err := o.store.UpdateLesson(ctx, r.lesson.ID, storage.LessonUpdate{
		Content:         storage.Ptr(r.content),
		AIPrompt:        storage.Ptr(gen.UserPrompt),
		AIResponse:      storage.Ptr(gen.Content),
		GenerationTrace: entries,
	})
	if err != nil {
		return fmt.Errorf("storing generated content: %w", err)
	}
	r.lesson = updated
	r.logger.Info("content generated", "model", gen.Usage.Model, "bytes", len(r.content))
	return nil
}

func (o *Orchestrator) provisionSandbox(ctx context.Context, r *run) error {
	info, err := o.provisioner.Create(ctx, "")
	o.opts.Metrics.SandboxOp("create", err)
	if err != nil {
		return err
	}
	r.info = info
	r.logger = r.logger.With("sandbox_id", info.ID)
	return nil
}

func (o *Orchestrator) deploy(ctx context.Context, r *run) error {
	err := o.provisioner.Deploy(ctx, r.info.ID, "", r.content)
	o.opts.Metrics.SandboxOp("deploy", err)
	if err == nil {
		return nil
	}

	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	kerr := o.provisioner.Kill(killCtx, r.info.ID)
	o.opts.Metrics.SandboxOp("kill", kerr)
	if kerr != nil {
		r.logger.Warn("failed to kill sandbox after deploy failure", "error", kerr)
	}
	return err
}

func (o *Orchestrator) persistResult(ctx context.Context, r *run) error {
	executedAt := o.now().UTC()
	u := storage.LessonUpdate{
		SandboxID:    storage.Ptr(r.info.ID),
		SandboxURL:   storage.Ptr(r.info.URL),
		ExecutedAt:   &executedAt,
		Status:       storage.Ptr(storage.StatusGenerated),
		ErrorMessage: storage.Ptr(""),
	}
	if r.content != r.lesson.Content {
		u.Content = storage.Ptr(r.content)
	}

	if _, err := o.store.UpdateLesson(ctx, r.lesson.ID, u); err != nil {
		w := &PersistWarning{LessonID: r.lesson.ID, SandboxID: r.info.ID, Err: err}
		r.logger.Warn("sandbox is live but the lesson was not updated", "error", w)
		r.warnings = append(r.warnings, w.Error())
	}
	return nil
}

// fail converts a step error into a failed Result and, where the lesson is
// still generating, records the failure on the lesson.
func (o *Orchestrator) fail(ctx context.Context, r *run, res Result, err error) Result {
	res = failed(res, err, userMessage(err))

	if ctx.Err() != nil {
		res.Error = "The run was cancelled."
		r.logger.Warn("run cancelled", "step", res.FailedStep)
		return res
	}
	r.logger.Warn("run failed", "step", res.FailedStep, "error", err)

	if r.lesson == nil || errors.Is(err, ErrContentMissing) {
		return res
	}

	current, gerr := o.store.GetLesson(ctx, r.lesson.ID)
	if gerr != nil {
		r.logger.Warn("could not reload lesson to record failure", "error", gerr)
		return res
	}
	if current.Status != storage.StatusGenerating {
		return res
	}

	u := storage.LessonUpdate{
		Status:       storage.Ptr(storage.StatusFailed),
		ErrorMessage: storage.Ptr(res.Error),
	}
	var f *generator.Failure
	if errors.As(err, &f) {
		u.GenerationTrace = append(current.GenerationTrace, storage.TraceEntry{
			Step:      "generate",
			Timestamp: o.now().UTC(),
			Error:     f.Error(),
		})
	}
	if _, uerr := o.store.UpdateLesson(ctx, r.lesson.ID, u); uerr != nil {
		r.logger.Warn("could not record failure on lesson", "error", uerr)
	}
	return res
}

func failed(res Result, err error, msg string) Result {
	if res.State != StateFailed {
		res.FailedStep = res.State
	}
	res.State = StateFailed
	res.Success = false
	res.Err = err
	res.Error = msg
	res.SandboxID = ""
	res.SandboxURL = ""
	return res
}

// userMessage maps an error to text that is safe to store on the lesson.
func userMessage(err error) string {
	var (
		gf *generator.Failure
		pe *sandbox.ProvisionError
		de *sandbox.DeployError
	)
	switch {
	case errors.Is(err, ErrLessonNotFound):
		return "Lesson not found."
	case errors.Is(err, ErrContentMissing):
		return "This lesson has no generated content yet."
	case errors.Is(err, ErrRunInProgress):
		return "This lesson is already being prepared."
	case errors.Is(err, ErrShuttingDown):
		return "The service is shutting down."
	case errors.As(err, &gf):
		return "Lesson generation failed: " + gf.Reason + "."
	case errors.As(err, &de):
		return "Could not deploy the lesson to its sandbox."
	case errors.As(err, &pe):
		return "Could not start a sandbox for this lesson."
	}
	return "An unexpected error occurred while preparing the lesson."
}
