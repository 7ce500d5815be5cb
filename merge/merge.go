// Package merge stitches a broadcast's recorded segments into one artifact: a
// single media file (stream-copied, with black/silent filler spliced into gaps)
// and a single danmaku XML track whose timestamps are shifted onto the merged
// timeline.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/onnwee/rec-tender/session"
	"github.com/onnwee/rec-tender/telemetry"
)

var (
	// ErrTimeout is returned (wrapped) when a bounded external call exceeds its window.
	ErrTimeout = errors.New("operation timed out")
	// ErrNoSegments is returned when there is nothing to merge.
	ErrNoSegments = errors.New("no segments")
	// ErrNoAnnotations is returned when no segment's annotation track could be read.
	ErrNoAnnotations = errors.New("no readable annotation tracks")
)

// Runner executes an external program and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	return cmd.CombinedOutput()
}

// Options tunes merging. Zero timeouts disable the bound.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	FillGaps    bool
	// MinGap is the smallest inter-segment gap that gets a filler clip. Zero
	// fills every positive gap.
	MinGap        time.Duration
	ProbeTimeout  time.Duration
	ParseTimeout  time.Duration
	ConcatTimeout time.Duration
	CopyCover     bool
	Backup        bool
	CoverExts     []string
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		FFmpegPath:    "ffmpeg",
		FFprobePath:   "ffprobe",
		FillGaps:      true,
		MinGap:        0,
		ProbeTimeout:  30 * time.Second,
		ParseTimeout:  60 * time.Second,
		ConcatTimeout: 30 * time.Minute,
		CopyCover:     true,
		CoverExts:     []string{".jpg", ".png", ".webp"},
	}
}

// Merger merges segments using external ffmpeg/ffprobe binaries.
type Merger struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

// New returns a Merger. A nil runner uses ExecRunner.
func New(runner Runner, opts Options) *Merger {
	if runner == nil {
		runner = ExecRunner{}
	}
	def := DefaultOptions()
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = def.FFmpegPath
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = def.FFprobePath
	}
	if len(opts.CoverExts) == 0 {
		opts.CoverExts = def.CoverExts
	}
	return &Merger{
		runner: runner,
		opts:   opts,
		logger: slog.Default().With(slog.String("component", "segment_merger")),
	}
}

// Result describes a successful merge.
type Result struct {
	MediaPath      string
	AnnotationPath string
	// CoverPath is empty when no cover image was found or copying is disabled.
	CoverPath   string
	Duration    time.Duration
	Segments    int
	Fillers     int
	Annotations AnnotationStats
}

// Merge plans, concatenates and merges annotations for segs. Cover copy and
// backup of the originals only happen after both merges succeed.
func (m *Merger) Merge(ctx context.Context, segs []session.Segment) (Result, error) {
	if len(segs) == 0 {
		return Result{}, ErrNoSegments
	}
	ctx, span := telemetry.StartSpan(ctx, "merge", "merge.segments", telemetry.IntAttr("segments", len(segs)))
	defer span.End()
	start := time.Now()

	tl := m.Plan(ctx, segs, m.opts.FillGaps)
	first := tl.Parts[0].Segment
	mediaOut := MergedPath(first.MediaPath)
	annOut := AnnotationPath(mediaOut)
	logger := m.logger.With(slog.String("output", mediaOut), slog.Int("segments", len(segs)))
	logger.Info("merge starting", slog.Duration("timeline", tl.Total), slog.Int("fillers", tl.Fillers()))

	var err error
	concat := telemetry.TimeFunc(telemetry.ConcatDuration, func() { err = m.MergeMedia(ctx, tl, mediaOut) })
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, fmt.Errorf("merge media: %w", err)
	}
	logger.Debug("media concatenated", slog.Duration("elapsed", concat))
	stats, err := m.MergeAnnotations(ctx, tl, annOut)
	if err != nil {
		_ = os.Remove(mediaOut)
		telemetry.RecordError(span, err)
		return Result{}, fmt.Errorf("merge annotations: %w", err)
	}

	res := Result{
		MediaPath:      mediaOut,
		AnnotationPath: annOut,
		Duration:       tl.Total,
		Segments:       len(tl.Parts),
		Fillers:        tl.Fillers(),
		Annotations:    stats,
	}
	if m.opts.CopyCover {
		if cover, ok := m.findCover(first.MediaPath); ok {
			dst := MergedPath(cover)
			if err := copyFile(cover, dst); err != nil {
				logger.Warn("cover copy failed", slog.String("cover", cover), slog.Any("err", err))
			} else {
				res.CoverPath = dst
			}
		}
	}
	if m.opts.Backup {
		m.backup(tl)
	}
	telemetry.ObserveMerge(time.Since(start))
	telemetry.SetSpanSuccess(span)
	logger.Info("merge complete",
		slog.Duration("duration", res.Duration),
		slog.Int("entries", stats.Entries),
		slog.Int("failed_tracks", stats.FailedSegments),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// backup moves the original segment files into a bak/ directory next to them.
func (m *Merger) backup(tl Timeline) {
	for _, p := range tl.Parts {
		files := []string{p.Segment.MediaPath, p.Segment.AnnotationPath}
		if cover, ok := m.findCover(p.Segment.MediaPath); ok {
			files = append(files, cover)
		}
		for _, f := range files {
			if f == "" {
				continue
			}
			dir := filepath.Join(filepath.Dir(f), "bak")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				m.logger.Warn("backup mkdir failed", slog.String("dir", dir), slog.Any("err", err))
				continue
			}
			if err := os.Rename(f, filepath.Join(dir, filepath.Base(f))); err != nil {
				m.logger.Warn("backup move failed", slog.String("path", f), slog.Any("err", err))
			}
		}
	}
}

// bounded runs fn under a timeout of d and maps an expired deadline to ErrTimeout.
// fn runs on its own goroutine so a call that ignores ctx cannot block the caller.
func bounded(ctx context.Context, d time.Duration, op string, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(cctx) }()
	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s after %s: %w", op, d, ErrTimeout)
		}
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s after %s: %w", op, d, ErrTimeout)
	}
}
