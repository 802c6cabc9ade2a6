package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Batch accumulates counters for one batch run. Counter fields are
// updated atomically so the web status endpoint can read them while
// the worker goroutine is still writing.
type Batch struct {
	TotalJobs int64
	Attempted int64
	Succeeded int64
	Failed    int64
	Skipped   int64
	BytesIn   int64
	BytesOut  int64
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	mutex    sync.Mutex
	failures []string
}

// NewBatch returns a Batch for a run over total jobs.
func NewBatch(total int) *Batch {
	return &Batch{
		TotalJobs: int64(total),
		StartTime: time.Now(),
	}
}

// RecordSuccess counts one successful job and its byte sizes.
func (b *Batch) RecordSuccess(originalSize, newSize int64) {
	atomic.AddInt64(&b.Attempted, 1)
	atomic.AddInt64(&b.Succeeded, 1)
	atomic.AddInt64(&b.BytesIn, originalSize)
	atomic.AddInt64(&b.BytesOut, newSize)
}

// RecordFailure counts one failed job and keeps its message in input order.
func (b *Batch) RecordFailure(message string) {
	atomic.AddInt64(&b.Attempted, 1)
	atomic.AddInt64(&b.Failed, 1)

	b.mutex.Lock()
	b.failures = append(b.failures, message)
	b.mutex.Unlock()
}

// RecordSkip counts one skipped job.
func (b *Batch) RecordSkip() {
	atomic.AddInt64(&b.Attempted, 1)
	atomic.AddInt64(&b.Skipped, 1)
}

// Failures returns the ordered failure messages recorded so far.
func (b *Batch) Failures() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]string, len(b.failures))
	copy(out, b.failures)
	return out
}

// Finalize stamps the end time and duration. Called exactly once per run.
func (b *Batch) Finalize() {
	b.EndTime = time.Now()
	b.Duration = b.EndTime.Sub(b.StartTime)
}

// Snapshot returns a consistent copy of the counters for serialization.
func (b *Batch) Snapshot() map[string]int64 {
	return map[string]int64{
		"total":     atomic.LoadInt64(&b.TotalJobs),
		"attempted": atomic.LoadInt64(&b.Attempted),
		"succeeded": atomic.LoadInt64(&b.Succeeded),
		"failed":    atomic.LoadInt64(&b.Failed),
		"skipped":   atomic.LoadInt64(&b.Skipped),
		"bytes_in":  atomic.LoadInt64(&b.BytesIn),
		"bytes_out": atomic.LoadInt64(&b.BytesOut),
	}
}

// GetSummary renders a human-readable end-of-run report.
func (b *Batch) GetSummary() string {
	var sb strings.Builder
	sb.WriteString("Batch summary\n")
	sb.WriteString(fmt.Sprintf("  Processed: %d/%d\n", atomic.LoadInt64(&b.Attempted), atomic.LoadInt64(&b.TotalJobs)))
	sb.WriteString(fmt.Sprintf("  Succeeded: %d\n", atomic.LoadInt64(&b.Succeeded)))
	sb.WriteString(fmt.Sprintf("  Failed:    %d\n", atomic.LoadInt64(&b.Failed)))
	sb.WriteString(fmt.Sprintf("  Skipped:   %d\n", atomic.LoadInt64(&b.Skipped)))

	in := atomic.LoadInt64(&b.BytesIn)
	out := atomic.LoadInt64(&b.BytesOut)
	if in > 0 && out > 0 && out < in {
		saved := float64(in-out) * 100 / float64(in)
		sb.WriteString(fmt.Sprintf("  Space saved: %.1f%%\n", saved))
	}
	if !b.EndTime.IsZero() {
		sb.WriteString(fmt.Sprintf("  Duration: %s\n", b.Duration.Round(time.Millisecond)))
	}

	failures := b.Failures()
	if len(failures) > 0 {
		sb.WriteString("  Errors:\n")
		for _, msg := range failures {
			sb.WriteString("    - " + msg + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
