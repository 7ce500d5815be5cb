package merge

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MergeMedia concatenates the timeline's segments into outputPath with stream
// copy, splicing filler clips where the plan has them. The output is written
// to a temporary name and renamed, so a failure never leaves a partial file at
// outputPath.
func (m *Merger) MergeMedia(ctx context.Context, tl Timeline, outputPath string) error {
	if len(tl.Parts) == 0 {
		return ErrNoSegments
	}
	return bounded(ctx, m.opts.ConcatTimeout, "concat "+outputPath, func(ctx context.Context) error {
		return m.mergeMedia(ctx, tl, outputPath)
	})
}

func (m *Merger) mergeMedia(ctx context.Context, tl Timeline, outputPath string) error {
	outDir := filepath.Dir(outputPath)
	work, err := os.MkdirTemp(outDir, ".merge-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			m.logger.Warn("work dir cleanup failed", slog.String("dir", work), slog.Any("err", err))
		}
	}()

	ext := filepath.Ext(outputPath)
	var params *streamParams
	inputs := make([]string, 0, len(tl.Parts)*2)
	for i, p := range tl.Parts {
		if p.Filler > 0 {
			if params == nil {
				sp := m.probeStreams(ctx, tl.Parts[0].Segment.MediaPath)
				params = &sp
			}
			filler := filepath.Join(work, fmt.Sprintf("filler_%03d%s", i, ext))
			if err := m.makeFiller(ctx, filler, p.Filler, *params); err != nil {
				return fmt.Errorf("filler before segment %d: %w", i, err)
			}
			inputs = append(inputs, filler)
		}
		abs, err := filepath.Abs(p.Segment.MediaPath)
		if err != nil {
			return err
		}
		inputs = append(inputs, abs)
	}

	list := filepath.Join(work, "concat.txt")
	if err := writeConcatList(list, inputs); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	partial := strings.TrimSuffix(outputPath, ext) + ".partial" + ext
	out, err := m.runner.Run(ctx, m.opts.FFmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", list,
		"-map", "0", "-c", "copy",
		partial)
	if err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("ffmpeg concat: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, outputPath); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("rename merged output: %w", err)
	}
	m.logger.Info("media concatenated", slog.String("output", outputPath), slog.Int("inputs", len(inputs)))
	return nil
}

// makeFiller encodes a black, silent clip of length d matching params.
func (m *Merger) makeFiller(ctx context.Context, path string, d time.Duration, params streamParams) error {
	secs := strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
	layout := "stereo"
	if params.Channels == 1 {
		layout = "mono"
	}
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%s", params.Width, params.Height, params.FrameRate),
		"-f", "lavfi", "-i", fmt.Sprintf("anullsrc=r=%d:cl=%s", params.SampleRate, layout),
		"-t", secs,
		"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		path,
	}
	out, err := m.runner.Run(ctx, m.opts.FFmpegPath, args...)
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("ffmpeg filler: %w: %s", err, strings.TrimSpace(string(out)))
	}
	m.logger.Debug("filler generated", slog.String("path", path), slog.Duration("duration", d))
	return nil
}

// writeConcatList writes an ffmpeg concat demuxer script.
func writeConcatList(path string, inputs []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, in := range inputs {
		fmt.Fprintf(w, "file '%s'\n", strings.ReplaceAll(in, "'", `'\''`))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
