package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"pixpress-go/internal/codec"
	"pixpress-go/internal/conflict"
	"pixpress-go/internal/logger"
	"pixpress-go/internal/planner"
	"pixpress-go/internal/stats"

	"github.com/sirupsen/logrus"
)

// Run states. A worker moves Idle -> Running -> Completed or Cancelled
// and is never restarted.
const (
	StateIdle int32 = iota
	StateRunning
	StateCompleted
	StateCancelled
)

// ErrAlreadyRunning is returned when Start is called on a running worker.
var ErrAlreadyRunning = errors.New("batch already running")

// defaultExtensions is the accepted source container allow-list when
// the caller does not supply one.
var defaultExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Options configures one batch run.
type Options struct {
	Inputs   []string
	Settings planner.Settings
	Strategy planner.Strategy
	// AllowedExtensions restricts which source files pre-flight accepts.
	// Empty falls back to the built-in .jpg/.jpeg/.png list.
	AllowedExtensions []string
	// StrategyOverrides resolves individual inputs differently from the
	// run-level strategy ("decide per file"). Keys are input paths.
	// Overrides are fixed before Start, so every job executes with
	// exactly one resolved strategy.
	StrategyOverrides map[string]planner.Strategy
}

// Worker executes one batch run on its own goroutine. The caller
// observes it only through the event channel and the cancel flag.
type Worker struct {
	inputs    []string
	settings  planner.Settings
	strategy  planner.Strategy
	overrides map[string]planner.Strategy
	allowed   map[string]bool

	planner *planner.Planner
	codec   codec.Codec
	log     *logrus.Logger
	batch   *stats.Batch

	state     atomic.Int32
	cancelled atomic.Bool
	events    chan Event
	done      chan struct{}
	summary   Summary
}

// New builds a Worker over a snapshot of the given options. The input
// list and settings are copied so caller-side mutation after Start is
// never observed mid-run.
func New(opts Options, c codec.Codec, log *logrus.Logger) *Worker {
	inputs := make([]string, len(opts.Inputs))
	copy(inputs, opts.Inputs)

	overrides := make(map[string]planner.Strategy, len(opts.StrategyOverrides))
	for path, s := range opts.StrategyOverrides {
		overrides[path] = s
	}

	settings := opts.Settings
	settings.Quality = planner.ClampQuality(settings.Quality)

	allowed := make(map[string]bool, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}
	if len(allowed) == 0 {
		allowed = defaultExtensions
	}

	checker := conflict.NewChecker()
	return &Worker{
		inputs:    inputs,
		settings:  settings,
		strategy:  opts.Strategy,
		overrides: overrides,
		allowed:   allowed,
		planner:   planner.NewPlanner(checker.Exists),
		codec:     c,
		log:       log,
		batch:     stats.NewBatch(len(inputs)),
		// Buffered for the whole run (started + completed + progress per
		// job, plus the final summary) so emission never blocks and the
		// ordering guarantee cannot deadlock against a slow consumer.
		events: make(chan Event, len(inputs)*3+1),
		done:   make(chan struct{}),
	}
}

// Events returns the channel the run's events are delivered on.
// It is closed after the final BatchFinished event.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Stats exposes the live counters for status reporting.
func (w *Worker) Stats() *stats.Batch {
	return w.batch
}

// State returns the current run state.
func (w *Worker) State() int32 {
	return w.state.Load()
}

// IsRunning reports whether the batch loop is active.
func (w *Worker) IsRunning() bool {
	return w.state.Load() == StateRunning
}

// Cancel requests a cooperative stop. No new job starts after the flag
// is observed; a job already inside the codec is allowed to finish.
func (w *Worker) Cancel() {
	w.cancelled.Store(true)
}

// Start validates the run pre-flight and launches the batch loop on its
// own goroutine. A second Start while running is rejected, not queued.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(StateIdle, StateRunning) {
		return ErrAlreadyRunning
	}

	if err := w.preflight(); err != nil {
		w.state.Store(StateIdle)
		return err
	}

	go w.run()
	return nil
}

// Wait blocks until the run finishes and returns the final summary.
func (w *Worker) Wait() Summary {
	<-w.done
	return w.summary
}

// preflight rejects a run before any job starts: the input list must be
// non-empty, every path must exist with an allow-listed extension, and
// the output folder must be creatable.
func (w *Worker) preflight() error {
	if len(w.inputs) == 0 {
		return errors.New("no input files")
	}
	for _, input := range w.inputs {
		info, err := os.Stat(input)
		if err != nil || info.IsDir() {
			return fmt.Errorf("input file does not exist: %s", input)
		}
		ext := strings.ToLower(filepath.Ext(input))
		if !w.allowed[ext] {
			return fmt.Errorf("unsupported source format %q: %s", ext, input)
		}
	}
	if err := os.MkdirAll(w.settings.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output folder: %w", err)
	}
	return nil
}

// run is the batch loop. Jobs execute strictly in input order so the
// progress and log output of a run are reproducible.
func (w *Worker) run() {
	total := len(w.inputs)
	w.log.WithField("total", total).Info("Batch run started")

	interrupted := false
	for i, input := range w.inputs {
		if w.cancelled.Load() {
			w.log.WithField("remaining", total-i).Warn("Batch cancelled, stopping before next job")
			interrupted = true
			break
		}
		w.processJob(input)
		w.emit(Event{Kind: EventProgress, Percent: w.progress(i+1, total)})
	}

	w.finish(interrupted)
}

// processJob runs one input through plan -> codec and emits its result.
// Every failure is swallowed here and surfaced as data; the loop itself
// never raises.
func (w *Worker) processJob(input string) {
	name := filepath.Base(input)
	w.emit(Event{Kind: EventFileStarted, File: name})

	job, skipped, err := w.planner.Plan(input, w.settings, w.strategyFor(input))
	if err != nil {
		w.fail(name, err)
		return
	}
	if skipped {
		w.batch.RecordSkip()
		w.log.WithField("file", input).Info("Skipped: output already exists")
		w.emit(Event{
			Kind:    EventFileCompleted,
			File:    name,
			Skipped: true,
			Message: "skipped: output already exists",
		})
		return
	}

	result, err := w.codec.Process(context.Background(), job)
	if err != nil {
		w.fail(name, err)
		return
	}

	fileStats := &FileStats{
		OriginalSize: result.OriginalSize,
		NewSize:      result.NewSize,
		ReductionPct: reductionPct(result.OriginalSize, result.NewSize),
	}
	w.batch.RecordSuccess(result.OriginalSize, result.NewSize)

	message := resultMessage(job, fileStats)
	logger.WithJob(w.log, input, job.Operation.String()).
		WithField("output", job.OutputPath).
		Info(message)

	w.emit(Event{
		Kind:    EventFileCompleted,
		File:    name,
		Success: true,
		Message: message,
		Stats:   fileStats,
	})
}

// fail records one per-job failure without aborting the batch.
func (w *Worker) fail(name string, err error) {
	w.batch.RecordFailure(fmt.Sprintf("%s: %v", name, err))
	w.log.WithField("file", name).Errorf("Processing failed: %v", err)
	w.emit(Event{
		Kind:    EventFileCompleted,
		File:    name,
		Message: err.Error(),
	})
}

// finish emits the single BatchFinished event and closes the channel.
func (w *Worker) finish(interrupted bool) {
	w.batch.Finalize()

	counts := w.batch.Snapshot()
	w.summary = Summary{
		Successful: int(counts["succeeded"]),
		Failed:     int(counts["failed"]),
		Skipped:    int(counts["skipped"]),
		Failures:   w.batch.Failures(),
		Cancelled:  interrupted,
	}

	if interrupted {
		w.state.Store(StateCancelled)
		w.log.Warn("Batch run cancelled")
	} else {
		w.state.Store(StateCompleted)
		w.log.Info("Batch run completed")
	}

	summary := w.summary
	w.emit(Event{Kind: EventBatchFinished, Summary: &summary})
	close(w.events)
	close(w.done)
}

// strategyFor resolves the conflict strategy in effect for one input.
func (w *Worker) strategyFor(input string) planner.Strategy {
	if s, ok := w.overrides[input]; ok {
		return s
	}
	return w.strategy
}

func (w *Worker) emit(ev Event) {
	w.events <- ev
}

// progress is attempted/total as a rounded integer percentage.
func (w *Worker) progress(attempted, total int) int {
	return int(math.Round(float64(attempted) / float64(total) * 100))
}

// reductionPct is (1 - new/original) * 100, clamped to zero so an output
// that grew is reported as 0% reduction, never negative.
func reductionPct(originalSize, newSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	pct := (1 - float64(newSize)/float64(originalSize)) * 100
	if pct < 0 {
		return 0
	}
	return pct
}

// resultMessage formats a per-file outcome the way it is shown to users,
// e.g. "Compressed: 2.0 MB -> 1.2 MB (40.0% reduction)".
func resultMessage(job planner.Job, fs *FileStats) string {
	verb := "Compressed"
	if job.Operation == planner.OpConvert {
		verb = "Converted to " + strings.ToUpper(job.TargetFormat)
	}
	return fmt.Sprintf("%s: %s -> %s (%.1f%% reduction)",
		verb,
		conflict.FormatSize(fs.OriginalSize),
		conflict.FormatSize(fs.NewSize),
		fs.ReductionPct,
	)
}
