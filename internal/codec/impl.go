package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"pixpress-go/internal/metadata"
	"pixpress-go/internal/planner"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// DefaultCodec is the imaging-based implementation of the Codec interface.
// JPEG and PNG are encoded in-process; WebP is produced by the cwebp binary.
type DefaultCodec struct {
	log *logrus.Logger
}

// NewDefaultCodec creates a new DefaultCodec instance.
func NewDefaultCodec(log *logrus.Logger) *DefaultCodec {
	return &DefaultCodec{log: log}
}

// Process decodes the input, re-encodes it at the requested quality and
// writes the result to the job's output path. The output is written to a
// temporary file first and renamed into place, so a failure never leaves
// a partial file at the destination and Replace overwrites atomically.
func (c *DefaultCodec) Process(ctx context.Context, job planner.Job) (Stats, error) {
	info, err := os.Stat(job.InputPath)
	if err != nil {
		return Stats{}, fmt.Errorf("stat input: %w", err)
	}
	stats := Stats{OriginalSize: info.Size()}

	img, err := imaging.Open(job.InputPath)
	if err != nil {
		return Stats{}, fmt.Errorf("decode %s: %w", filepath.Base(job.InputPath), err)
	}

	tmpPath := job.OutputPath + ".tmp"
	defer os.Remove(tmpPath)

	if c.targetFormatName(job) == "webp" {
		// cwebp re-reads the source itself; the decode above already
		// rejected corrupt inputs before anything touches the output dir.
		err = c.encodeWebP(ctx, job, tmpPath)
	} else {
		err = c.encodeNative(job, img, tmpPath)
	}
	if err != nil {
		return Stats{}, err
	}

	if err := os.Rename(tmpPath, job.OutputPath); err != nil {
		return Stats{}, fmt.Errorf("write output: %w", err)
	}

	outInfo, err := os.Stat(job.OutputPath)
	if err != nil {
		return Stats{}, fmt.Errorf("stat output: %w", err)
	}
	stats.NewSize = outInfo.Size()
	return stats, nil
}

// targetFormatName resolves the container format the output is encoded in.
func (c *DefaultCodec) targetFormatName(job planner.Job) string {
	if job.Operation == planner.OpConvert {
		return job.TargetFormat
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(job.InputPath)), ".")
	if ext == "jpg" {
		return "jpeg"
	}
	return ext
}

// encodeNative re-encodes via the imaging library (JPEG, PNG).
func (c *DefaultCodec) encodeNative(job planner.Job, img image.Image, tmpPath string) error {
	name := c.targetFormatName(job)
	format, err := imaging.FormatFromExtension(name)
	if err != nil {
		return fmt.Errorf("unsupported target format %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, encodeOptions(format, job.Quality)...); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write tmp file: %w", err)
	}

	c.restoreTags(job, format, tmpPath)
	return nil
}

// restoreTags copies EXIF back onto the re-encoded file when the job did
// not ask for stripping. Only JPEG outputs can carry EXIF here, and a copy
// failure downgrades to a warning: the pixels are already safe on disk.
func (c *DefaultCodec) restoreTags(job planner.Job, format imaging.Format, tmpPath string) {
	if job.StripMetadata || format != imaging.JPEG {
		return
	}
	if !metadata.HasEXIF(job.InputPath) {
		return
	}
	if err := metadata.CopyTags(job.InputPath, tmpPath); err != nil && c.log != nil {
		c.log.WithField("file", job.InputPath).Warnf("metadata not preserved: %v", err)
	}
}

// encodeWebP shells out to cwebp, which reads JPEG and PNG sources directly.
func (c *DefaultCodec) encodeWebP(ctx context.Context, job planner.Job, tmpPath string) error {
	if _, err := exec.LookPath("cwebp"); err != nil {
		return fmt.Errorf("webp encoder not available: install cwebp")
	}

	meta := "all"
	if job.StripMetadata {
		meta = "none"
	}
	cmd := exec.CommandContext(ctx, "cwebp",
		"-quiet",
		"-q", strconv.Itoa(job.Quality),
		"-metadata", meta,
		job.InputPath,
		"-o", tmpPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("encode webp: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// encodeOptions maps the job quality onto the format's native parameter.
// PNG has no lossy knob, so quality selects the compression effort instead.
func encodeOptions(format imaging.Format, quality int) []imaging.EncodeOption {
	switch format {
	case imaging.JPEG:
		return []imaging.EncodeOption{imaging.JPEGQuality(quality)}
	case imaging.PNG:
		level := png.DefaultCompression
		if quality < 75 {
			level = png.BestCompression
		}
		return []imaging.EncodeOption{imaging.PNGCompressionLevel(level)}
	default:
		return nil
	}
}
