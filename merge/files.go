package merge

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/onnwee/rec-tender/session"
)

// MergedPath returns path with "_merged" inserted before its extension.
func MergedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_merged" + ext
}

// AnnotationPath returns the same-stem .xml path for a media file.
func AnnotationPath(mediaPath string) string {
	return strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + ".xml"
}

// Largest picks the segment whose media file is biggest on disk, the best
// guess for the most complete capture. Segments that cannot be stat'ed are
// skipped; if none can, the first segment is returned.
func Largest(segs []session.Segment) (session.Segment, error) {
	if len(segs) == 0 {
		return session.Segment{}, ErrNoSegments
	}
	best := -1
	var bestSize int64 = -1
	for i, s := range segs {
		fi, err := os.Stat(s.MediaPath)
		if err != nil {
			slog.Warn("fallback stat failed", slog.String("component", "segment_merger"), slog.String("path", s.MediaPath), slog.Any("err", err))
			continue
		}
		if fi.Size() > bestSize {
			best, bestSize = i, fi.Size()
		}
	}
	if best < 0 {
		return segs[0], nil
	}
	return segs[best], nil
}

// Largest is the Merger-bound form of the package-level Largest.
func (m *Merger) Largest(segs []session.Segment) (session.Segment, error) { return Largest(segs) }

// findCover looks for an image next to mediaPath sharing its stem, either
// "<stem><ext>" or "<stem>.cover<ext>".
func (m *Merger) findCover(mediaPath string) (string, bool) {
	stem := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath))
	for _, ext := range m.opts.CoverExts {
		for _, cand := range []string{stem + ext, stem + ".cover" + ext} {
			if fi, err := os.Stat(cand); err == nil && !fi.IsDir() {
				return cand, true
			}
		}
	}
	return "", false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
