package metadata

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
)

// HasEXIF reports whether the file carries decodable EXIF metadata.
// Any open or decode failure is treated as "no metadata".
func HasEXIF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	_, err = exif.Decode(f)
	return err == nil
}

// CopyTags copies all embedded metadata tags from src onto dst in place
// using the exiftool binary. Re-encoding drops tags, so this is how a
// processed file keeps its metadata when stripping is not requested.
func CopyTags(src, dst string) error {
	cmd := exec.Command("exiftool", "-TagsFromFile", src, "-overwrite_original", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("exiftool copy failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Inspect extracts all metadata fields from a file via exiftool and
// returns them as sorted "key: value" lines for display.
func Inspect(path string) ([]string, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("initialize exiftool: %w", err)
	}
	defer et.Close()

	files := et.ExtractMetadata(path)
	if len(files) == 0 {
		return nil, fmt.Errorf("no metadata extracted from %s", path)
	}
	if files[0].Err != nil {
		return nil, fmt.Errorf("extract metadata: %w", files[0].Err)
	}

	lines := make([]string, 0, len(files[0].Fields))
	for key, value := range files[0].Fields {
		lines = append(lines, fmt.Sprintf("%s: %v", key, value))
	}
	sort.Strings(lines)
	return lines, nil
}
