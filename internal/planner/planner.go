package planner

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Operation identifies what the codec should do with a single file.
type Operation int

const (
	// OpCompress re-encodes the file in its original container format.
	OpCompress Operation = iota
	// OpConvert re-encodes the file into a different container format.
	OpConvert
)

// String returns a human-readable operation name.
func (op Operation) String() string {
	if op == OpConvert {
		return "convert"
	}
	return "compress"
}

// Strategy selects how an output-path collision is resolved.
type Strategy int

const (
	// StrategyReplace keeps the derived path and overwrites the existing file.
	StrategyReplace Strategy = iota
	// StrategySkip leaves the existing file untouched and skips the input.
	StrategySkip
	// StrategyAutoRename appends " (N)" to the base name until a free path is found.
	StrategyAutoRename
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "replace", "overwrite":
		return StrategyReplace, nil
	case "skip":
		return StrategySkip, nil
	case "rename", "auto-rename", "auto_rename":
		return StrategyAutoRename, nil
	default:
		return StrategyReplace, fmt.Errorf("unknown conflict strategy: %q (valid: replace, skip, rename)", s)
	}
}

// String returns the canonical configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategySkip:
		return "skip"
	case StrategyAutoRename:
		return "rename"
	default:
		return "replace"
	}
}

// KeepOriginal is the target format value meaning "no format conversion".
const KeepOriginal = "keep-original"

// canonicalExtensions maps a target format name to its output extension.
var canonicalExtensions = map[string]string{
	"jpeg": ".jpg",
	"jpg":  ".jpg",
	"png":  ".png",
	"webp": ".webp",
}

// TargetFormats lists the supported conversion targets.
func TargetFormats() []string {
	return []string{"jpeg", "png", "webp"}
}

// IsValidTargetFormat reports whether name is KeepOriginal or a supported target.
func IsValidTargetFormat(name string) bool {
	if strings.EqualFold(name, KeepOriginal) {
		return true
	}
	_, ok := canonicalExtensions[strings.ToLower(name)]
	return ok
}

// Settings is the per-run configuration shared by every job in a batch.
// It is treated as an immutable snapshot once a run starts.
type Settings struct {
	OutputDir     string
	Quality       int
	TargetFormat  string // KeepOriginal or one of TargetFormats()
	StripMetadata bool
}

// Job is the unit of work: one input file, one output file, one operation.
// Jobs are immutable once planned and consumed exactly once by the worker.
type Job struct {
	InputPath     string
	OutputPath    string
	Operation     Operation
	TargetFormat  string // set only when Operation == OpConvert
	Quality       int
	StripMetadata bool
}

// ClampQuality forces a quality value into the valid [1,100] range.
// The clamp is idempotent so a caller-side slider glitch can never
// push an out-of-range value into the codec.
func ClampQuality(quality int) int {
	if quality < 1 {
		return 1
	}
	if quality > 100 {
		return 100
	}
	return quality
}

// maxRenameAttempts bounds the auto-rename probe so a pathological
// directory cannot send planning into an unbounded loop.
const maxRenameAttempts = 10000

// ErrRenameExhausted is returned when no free path is found within
// maxRenameAttempts probes.
var ErrRenameExhausted = errors.New("exhausted rename attempts")

// Planner derives the output path and operation for each input file.
// The exists probe is its only filesystem touch point, which keeps
// planning testable without real collisions.
type Planner struct {
	exists func(path string) bool
}

// NewPlanner returns a Planner using the given path-existence probe.
func NewPlanner(exists func(path string) bool) *Planner {
	return &Planner{exists: exists}
}

// DerivePath computes the candidate output path for an input file:
// base name from the input, directory from the settings, extension
// swapped to the target format's canonical extension when converting.
// Compress-in-place never changes the extension.
func DerivePath(inputPath string, settings Settings) string {
	name := filepath.Base(inputPath)
	if !strings.EqualFold(settings.TargetFormat, KeepOriginal) && settings.TargetFormat != "" {
		ext := canonicalExtensions[strings.ToLower(settings.TargetFormat)]
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ext
	}
	return filepath.Join(settings.OutputDir, name)
}

// Plan turns one input path plus the batch settings into a concrete Job.
// skipped is true when the strategy is Skip and the derived path collides;
// such inputs count as neither success nor failure.
func (p *Planner) Plan(inputPath string, settings Settings, strategy Strategy) (Job, bool, error) {
	job := Job{
		InputPath:     inputPath,
		Quality:       ClampQuality(settings.Quality),
		StripMetadata: settings.StripMetadata,
	}
	if strings.EqualFold(settings.TargetFormat, KeepOriginal) || settings.TargetFormat == "" {
		job.Operation = OpCompress
	} else {
		job.Operation = OpConvert
		job.TargetFormat = strings.ToLower(settings.TargetFormat)
	}

	outputPath := DerivePath(inputPath, settings)
	if p.exists(outputPath) {
		switch strategy {
		case StrategySkip:
			return Job{}, true, nil
		case StrategyAutoRename:
			renamed, err := p.autoRename(outputPath)
			if err != nil {
				return Job{}, false, err
			}
			outputPath = renamed
		case StrategyReplace:
			// Keep the derived path; the codec overwrites the existing file.
		}
	}

	job.OutputPath = outputPath
	return job, false, nil
}

// autoRename appends a numeric disambiguator ("name (1).ext", "name (2).ext", ...)
// until an unused path is found.
func (p *Planner) autoRename(basePath string) (string, error) {
	dir := filepath.Dir(basePath)
	ext := filepath.Ext(basePath)
	stem := strings.TrimSuffix(filepath.Base(basePath), ext)

	for n := 1; n <= maxRenameAttempts; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if !p.exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w for %s after %d attempts", ErrRenameExhausted, basePath, maxRenameAttempts)
}
