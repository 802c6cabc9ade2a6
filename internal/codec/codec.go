package codec

import (
	"context"

	"pixpress-go/internal/planner"
)

// Stats reports the byte sizes measured for one successful job.
type Stats struct {
	OriginalSize int64
	NewSize      int64
}

// Codec decodes, optionally strips metadata from, and re-encodes a
// single image file. Implementations must return errors with a
// human-readable cause instead of panicking: one malformed file must
// never take down a batch run.
type Codec interface {
	// Process executes one planned job and reports the resulting sizes.
	Process(ctx context.Context, job planner.Job) (Stats, error)
}
