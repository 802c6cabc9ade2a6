package worker

// EventKind discriminates the events a batch run emits.
type EventKind string

const (
	// EventFileStarted is emitted once per job, before planning begins.
	EventFileStarted EventKind = "file_started"
	// EventFileCompleted is emitted once per job with its outcome.
	EventFileCompleted EventKind = "file_completed"
	// EventProgress is emitted after every job, successful or not.
	EventProgress EventKind = "progress"
	// EventBatchFinished is emitted exactly once, as the final event.
	EventBatchFinished EventKind = "batch_finished"
)

// FileStats carries the size measurements of one successful job.
type FileStats struct {
	OriginalSize int64   `json:"original_size"`
	NewSize      int64   `json:"new_size"`
	ReductionPct float64 `json:"reduction_pct"`
}

// Summary is the final tally of a batch run. Failures holds one
// "file: cause" entry per failed job, in input order.
type Summary struct {
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Failures   []string `json:"failures"`
	Cancelled  bool     `json:"cancelled"`
}

// Event is one message on the worker's event channel. Which fields are
// populated depends on Kind; the channel delivers events strictly in
// emission order, one FileCompleted per input, with BatchFinished last.
type Event struct {
	Kind    EventKind  `json:"kind"`
	File    string     `json:"file,omitempty"`
	Success bool       `json:"success"`
	Skipped bool       `json:"skipped,omitempty"`
	Message string     `json:"message,omitempty"`
	Stats   *FileStats `json:"stats,omitempty"`
	Percent int        `json:"percent"`
	Summary *Summary   `json:"summary,omitempty"`
}
