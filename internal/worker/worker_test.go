package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pixpress-go/internal/codec"
	"pixpress-go/internal/planner"

	"github.com/sirupsen/logrus"
)

// fakeCodec writes a fixed payload to the job's output path and reports
// configurable sizes, standing in for the real image codec.
type fakeCodec struct {
	mu        sync.Mutex
	processed []string

	failFor map[string]error    // base name -> error to return
	sizes   map[string][2]int64 // base name -> {original, new}
	payload []byte

	started chan string   // receives the base name when a job enters the codec
	release chan struct{} // blocks the codec call until readable/closed
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{
		failFor: make(map[string]error),
		sizes:   make(map[string][2]int64),
		payload: []byte("processed"),
	}
}

func (f *fakeCodec) Process(ctx context.Context, job planner.Job) (codec.Stats, error) {
	name := filepath.Base(job.InputPath)

	f.mu.Lock()
	f.processed = append(f.processed, name)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- name
	}
	if f.release != nil {
		<-f.release
	}

	if err, ok := f.failFor[name]; ok {
		return codec.Stats{}, err
	}
	if err := os.WriteFile(job.OutputPath, f.payload, 0644); err != nil {
		return codec.Stats{}, err
	}

	if sizes, ok := f.sizes[name]; ok {
		return codec.Stats{OriginalSize: sizes[0], NewSize: sizes[1]}, nil
	}
	return codec.Stats{OriginalSize: 1000, NewSize: 600}, nil
}

func (f *fakeCodec) processedFiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.processed))
	copy(out, f.processed)
	return out
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func makeInputs(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	inputs := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("source bytes"), 0644); err != nil {
			t.Fatalf("write input %s: %v", name, err)
		}
		inputs = append(inputs, path)
	}
	return inputs
}

func defaultSettings(dir string) planner.Settings {
	return planner.Settings{
		OutputDir:    filepath.Join(dir, "out"),
		Quality:      85,
		TargetFormat: planner.KeepOriginal,
	}
}

func runBatch(t *testing.T, opts Options, c codec.Codec) (Summary, []Event) {
	t.Helper()
	w := New(opts, c, quietLogger())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	summary := w.Wait()

	var events []Event
	for ev := range w.Events() {
		events = append(events, ev)
	}
	return summary, events
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestWorker_SuccessfulRun(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg", "b.png")

	settings := defaultSettings(dir)
	settings.TargetFormat = "webp"
	settings.StripMetadata = true

	summary, events := runBatch(t, Options{Inputs: inputs, Settings: settings, Strategy: planner.StrategyReplace}, newFakeCodec())

	if summary.Successful != 2 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("summary = %+v, want 2/0/0", summary)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("expected no failure messages, got %v", summary.Failures)
	}

	completed := eventsOfKind(events, EventFileCompleted)
	if len(completed) != 2 {
		t.Fatalf("expected 2 FileCompleted events, got %d", len(completed))
	}
	if completed[0].File != "a.jpg" || completed[1].File != "b.png" {
		t.Errorf("events out of input order: %s, %s", completed[0].File, completed[1].File)
	}
	for _, ev := range completed {
		if !ev.Success || ev.Stats == nil {
			t.Errorf("expected success with stats for %s", ev.File)
		}
	}

	progress := eventsOfKind(events, EventProgress)
	if len(progress) != 2 || progress[0].Percent != 50 || progress[1].Percent != 100 {
		t.Errorf("expected progress [50 100], got %v", progress)
	}

	for _, name := range []string{"a.webp", "b.webp"} {
		if _, err := os.Stat(filepath.Join(settings.OutputDir, name)); err != nil {
			t.Errorf("expected converted output %s: %v", name, err)
		}
	}

	finished := eventsOfKind(events, EventBatchFinished)
	if len(finished) != 1 {
		t.Fatalf("expected exactly one BatchFinished, got %d", len(finished))
	}
	if events[len(events)-1].Kind != EventBatchFinished {
		t.Error("BatchFinished must be the final event")
	}
}

func TestWorker_FailureDoesNotAbortBatch(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg", "b.png")

	fake := newFakeCodec()
	fake.failFor["a.jpg"] = errors.New("decode a.jpg: invalid JPEG format")

	summary, events := runBatch(t, Options{Inputs: inputs, Settings: defaultSettings(dir), Strategy: planner.StrategyReplace}, fake)

	if summary.Successful != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 success / 1 failure", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0] != "a.jpg: decode a.jpg: invalid JPEG format" {
		t.Errorf("failures = %v", summary.Failures)
	}

	completed := eventsOfKind(events, EventFileCompleted)
	if completed[0].Success || completed[0].File != "a.jpg" {
		t.Errorf("expected a.jpg failure first, got %+v", completed[0])
	}
	if !completed[1].Success || completed[1].File != "b.png" {
		t.Errorf("expected b.png success second, got %+v", completed[1])
	}

	progress := eventsOfKind(events, EventProgress)
	if progress[len(progress)-1].Percent != 100 {
		t.Error("progress must still reach 100 when some jobs fail")
	}
}

func TestWorker_SkipLeavesExistingFileUntouched(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg")

	settings := defaultSettings(dir)
	if err := os.MkdirAll(settings.OutputDir, 0755); err != nil {
		t.Fatalf("mkdir out: %v", err)
	}
	existing := filepath.Join(settings.OutputDir, "a.jpg")
	if err := os.WriteFile(existing, []byte("old content"), 0644); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	fake := newFakeCodec()
	summary, events := runBatch(t, Options{Inputs: inputs, Settings: settings, Strategy: planner.StrategySkip}, fake)

	if summary.Skipped != 1 || summary.Successful != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want skipped=1", summary)
	}
	if len(fake.processedFiles()) != 0 {
		t.Error("codec must not be invoked for a skipped job")
	}

	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "old content" {
		t.Errorf("pre-existing file changed: %q, %v", data, err)
	}

	completed := eventsOfKind(events, EventFileCompleted)
	if len(completed) != 1 || !completed[0].Skipped || completed[0].Success {
		t.Errorf("expected a distinct skipped outcome, got %+v", completed)
	}

	progress := eventsOfKind(events, EventProgress)
	if len(progress) != 1 || progress[0].Percent != 100 {
		t.Errorf("skips must count toward progress, got %v", progress)
	}
}

func TestWorker_ReplaceOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg")

	settings := defaultSettings(dir)
	if err := os.MkdirAll(settings.OutputDir, 0755); err != nil {
		t.Fatalf("mkdir out: %v", err)
	}
	existing := filepath.Join(settings.OutputDir, "a.jpg")
	if err := os.WriteFile(existing, []byte("old content"), 0644); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	summary, _ := runBatch(t, Options{Inputs: inputs, Settings: settings, Strategy: planner.StrategyReplace}, newFakeCodec())
	if summary.Successful != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	data, err := os.ReadFile(existing)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "processed" {
		t.Errorf("output content = %q, want the new job's content only", data)
	}
}

func TestWorker_AutoRenameWritesDisambiguatedPath(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "photo.jpg")

	settings := defaultSettings(dir)
	if err := os.MkdirAll(settings.OutputDir, 0755); err != nil {
		t.Fatalf("mkdir out: %v", err)
	}
	for _, name := range []string{"photo.jpg", "photo (1).jpg"} {
		if err := os.WriteFile(filepath.Join(settings.OutputDir, name), []byte("old"), 0644); err != nil {
			t.Fatalf("write existing %s: %v", name, err)
		}
	}

	summary, _ := runBatch(t, Options{Inputs: inputs, Settings: settings, Strategy: planner.StrategyAutoRename}, newFakeCodec())
	if summary.Successful != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	data, err := os.ReadFile(filepath.Join(settings.OutputDir, "photo (2).jpg"))
	if err != nil {
		t.Fatalf("expected output at photo (2).jpg: %v", err)
	}
	if string(data) != "processed" {
		t.Errorf("renamed output content = %q", data)
	}
}

func TestWorker_ReductionNeverNegative(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg")

	fake := newFakeCodec()
	fake.sizes["a.jpg"] = [2]int64{1000, 1500} // output grew

	_, events := runBatch(t, Options{Inputs: inputs, Settings: defaultSettings(dir), Strategy: planner.StrategyReplace}, fake)

	completed := eventsOfKind(events, EventFileCompleted)
	if len(completed) != 1 || completed[0].Stats == nil {
		t.Fatalf("expected one completed event with stats, got %+v", completed)
	}
	if completed[0].Stats.ReductionPct != 0 {
		t.Errorf("ReductionPct = %v, want 0 when output is larger than input", completed[0].Stats.ReductionPct)
	}
}

func TestWorker_CancelStopsBeforeNextJob(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg", "b.jpg", "c.jpg")

	fake := newFakeCodec()
	fake.started = make(chan string)
	fake.release = make(chan struct{})

	w := New(Options{Inputs: inputs, Settings: defaultSettings(dir), Strategy: planner.StrategyReplace}, fake, quietLogger())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for job 1 to enter the codec, cancel mid-call, then let it finish.
	<-fake.started
	w.Cancel()
	close(fake.release)

	summary := w.Wait()

	if !summary.Cancelled {
		t.Error("expected Cancelled=true in summary")
	}
	if got := summary.Successful + summary.Failed + summary.Skipped; got != 1 {
		t.Errorf("attempted = %d, want 1 (the in-flight job only)", got)
	}
	if processed := fake.processedFiles(); len(processed) != 1 || processed[0] != "a.jpg" {
		t.Errorf("jobs after the cancel point must never execute, codec saw %v", processed)
	}
	if w.State() != StateCancelled {
		t.Errorf("state = %d, want StateCancelled", w.State())
	}
}

func TestWorker_SecondStartRejected(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg")

	fake := newFakeCodec()
	fake.started = make(chan string, 1)
	fake.release = make(chan struct{})

	w := New(Options{Inputs: inputs, Settings: defaultSettings(dir), Strategy: planner.StrategyReplace}, fake, quietLogger())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-fake.started

	if err := w.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	close(fake.release)
	w.Wait()
}

func TestWorker_StrategyOverridePerFile(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg", "b.jpg")

	settings := defaultSettings(dir)
	if err := os.MkdirAll(settings.OutputDir, 0755); err != nil {
		t.Fatalf("mkdir out: %v", err)
	}
	for _, name := range []string{"a.jpg", "b.jpg"} {
		if err := os.WriteFile(filepath.Join(settings.OutputDir, name), []byte("old"), 0644); err != nil {
			t.Fatalf("write existing: %v", err)
		}
	}

	summary, _ := runBatch(t, Options{
		Inputs:            inputs,
		Settings:          settings,
		Strategy:          planner.StrategySkip,
		StrategyOverrides: map[string]planner.Strategy{inputs[1]: planner.StrategyReplace},
	}, newFakeCodec())

	if summary.Skipped != 1 || summary.Successful != 1 {
		t.Errorf("summary = %+v, want one skip (run strategy) and one replace (override)", summary)
	}
}

func TestWorker_PreflightErrors(t *testing.T) {
	dir := t.TempDir()

	// Empty input list.
	w := New(Options{Settings: defaultSettings(dir)}, newFakeCodec(), quietLogger())
	if err := w.Start(); err == nil {
		t.Error("expected error for empty input list")
	}

	// Missing file.
	w = New(Options{
		Inputs:   []string{filepath.Join(dir, "nope.jpg")},
		Settings: defaultSettings(dir),
	}, newFakeCodec(), quietLogger())
	if err := w.Start(); err == nil {
		t.Error("expected error for missing input file")
	}

	// Unsupported extension.
	bad := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(bad, []byte("x"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	w = New(Options{Inputs: []string{bad}, Settings: defaultSettings(dir)}, newFakeCodec(), quietLogger())
	if err := w.Start(); err == nil {
		t.Error("expected error for unsupported source extension")
	}
}

func TestWorker_AllowedExtensionsFromOptions(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.png")

	// A configured allow-list replaces the built-in one entirely.
	w := New(Options{
		Inputs:            inputs,
		Settings:          defaultSettings(dir),
		AllowedExtensions: []string{".jpg"},
	}, newFakeCodec(), quietLogger())
	if err := w.Start(); err == nil {
		t.Error("expected .png to be rejected when the allow-list is [.jpg]")
	}

	// Case-insensitive match against the configured list.
	w = New(Options{
		Inputs:            inputs,
		Settings:          defaultSettings(dir),
		AllowedExtensions: []string{".PNG"},
	}, newFakeCodec(), quietLogger())
	if err := w.Start(); err != nil {
		t.Errorf("expected .png to be accepted with allow-list [.PNG]: %v", err)
	} else {
		w.Wait()
	}

	// Empty list falls back to the defaults.
	inputs = makeInputs(t, dir, "b.jpeg")
	summary, _ := runBatch(t, Options{Inputs: inputs, Settings: defaultSettings(dir), Strategy: planner.StrategyReplace}, newFakeCodec())
	if summary.Successful != 1 {
		t.Errorf("default allow-list rejected .jpeg: %+v", summary)
	}
}

func TestEvent_WireFormatKeepsOutcomeFields(t *testing.T) {
	// A failed completion and a 0% progress event must still carry their
	// success/percent keys so consumers never have to infer absent fields.
	failed, err := json.Marshal(Event{Kind: EventFileCompleted, File: "a.jpg", Message: "decode failed"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"success":false`, `"percent":0`} {
		if !strings.Contains(string(failed), key) {
			t.Errorf("serialized event missing %s: %s", key, failed)
		}
	}
}

func TestWorker_OutputDirCreated(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg")

	settings := defaultSettings(dir)
	settings.OutputDir = filepath.Join(dir, "deep", "nested", "out")

	summary, _ := runBatch(t, Options{Inputs: inputs, Settings: settings, Strategy: planner.StrategyReplace}, newFakeCodec())
	if summary.Successful != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, err := os.Stat(settings.OutputDir); err != nil {
		t.Errorf("output folder was not created: %v", err)
	}
}

func TestWorker_SettingsSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	names := []string{"a.jpg", "b.jpg"}
	inputs := makeInputs(t, dir, names...)

	opts := Options{Inputs: inputs, Settings: defaultSettings(dir), Strategy: planner.StrategyReplace}
	fake := newFakeCodec()
	fake.started = make(chan string, len(names))
	fake.release = make(chan struct{})

	w := New(opts, fake, quietLogger())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Caller-side mutation after Start must not be observed mid-run.
	opts.Inputs[1] = filepath.Join(dir, "hijacked.jpg")
	close(fake.release)

	summary := w.Wait()
	if summary.Successful != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if processed := fake.processedFiles(); processed[1] != "b.jpg" {
		t.Errorf("worker observed caller mutation: %v", processed)
	}
}

func TestWorker_ProgressMonotonic(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg", "b.jpg", "c.jpg")

	fake := newFakeCodec()
	fake.failFor["b.jpg"] = errors.New("encode failure")

	_, events := runBatch(t, Options{Inputs: inputs, Settings: defaultSettings(dir), Strategy: planner.StrategyReplace}, fake)

	last := -1
	for _, ev := range eventsOfKind(events, EventProgress) {
		if ev.Percent < last {
			t.Fatalf("progress decreased: %d after %d", ev.Percent, last)
		}
		last = ev.Percent
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
}

func TestWorker_WaitReturnsPromptly(t *testing.T) {
	dir := t.TempDir()
	inputs := makeInputs(t, dir, "a.jpg")

	w := New(Options{Inputs: inputs, Settings: defaultSettings(dir), Strategy: planner.StrategyReplace}, newFakeCodec(), quietLogger())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish; emission may be blocking on the event channel")
	}
}
