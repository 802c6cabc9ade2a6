package conflict

import (
	"fmt"
	"os"
	"time"
)

// Info describes whether a candidate output path collides with an
// existing filesystem entry, and if so what is already there.
type Info struct {
	Path       string    `json:"path"`
	Exists     bool      `json:"exists"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// Checker classifies candidate output paths as fresh or colliding.
// It only reads the filesystem; it never creates, deletes or locks files.
type Checker struct{}

// NewChecker returns a new Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Check stats every candidate path and reports collision metadata.
// An unreadable stat is treated as "no conflict" so a single bad path
// cannot block detection for the rest of the batch.
func (c *Checker) Check(paths []string) map[string]Info {
	infos := make(map[string]Info, len(paths))
	for _, path := range paths {
		infos[path] = c.stat(path)
	}
	return infos
}

// Exists reports whether a filesystem entry occupies the exact path.
func (c *Checker) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (c *Checker) stat(path string) Info {
	info := Info{Path: path}
	fi, err := os.Stat(path)
	if err != nil {
		return info
	}
	info.Exists = true
	info.Size = fi.Size()
	info.ModifiedAt = fi.ModTime()
	return info
}

// FormatSize renders a byte count in a human-readable form, e.g. "2.4 MB".
func FormatSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	case size < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(size)/(1024*1024*1024))
	}
}

// FormatModified renders a modification time, e.g. "Jan 12, 2026 14:30".
func FormatModified(t time.Time) string {
	if t.IsZero() {
		return "Unknown"
	}
	return t.Format("Jan 2, 2006 15:04")
}
