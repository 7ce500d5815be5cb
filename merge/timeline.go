package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/rec-tender/session"
	"github.com/onnwee/rec-tender/telemetry"
)

// Part is one segment placed on the merged timeline.
type Part struct {
	Segment session.Segment
	// Duration is the probed media duration, or the recorder's close-open
	// estimate when Probed is false.
	Duration time.Duration
	Probed   bool
	// GapBefore is the wall-clock gap since the previous segment closed.
	GapBefore time.Duration
	// Filler is the blank clip length inserted before this segment.
	Filler time.Duration
	// Offset is where this segment's content starts in the merged output.
	Offset time.Duration
}

// Timeline is the ordered merge plan shared by the media and annotation steps.
type Timeline struct {
	Parts []Part
	Total time.Duration
}

// Fillers returns the number of filler clips the plan inserts.
func (t Timeline) Fillers() int {
	n := 0
	for _, p := range t.Parts {
		if p.Filler > 0 {
			n++
		}
	}
	return n
}

// Plan orders segs by FileOpenTime, probes each duration and lays out offsets.
// When fillGaps is set, gaps of at least MinGap become filler and push later
// offsets forward by the gap length.
func (m *Merger) Plan(ctx context.Context, segs []session.Segment, fillGaps bool) Timeline {
	sorted := append([]session.Segment(nil), segs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FileOpenTime.Before(sorted[j].FileOpenTime)
	})
	tl := Timeline{Parts: make([]Part, 0, len(sorted))}
	var offset time.Duration
	for i, seg := range sorted {
		p := Part{Segment: seg}
		d, err := m.ProbeDuration(ctx, seg.MediaPath)
		if err != nil {
			p.Duration = estimateDuration(seg)
			telemetry.IncProbeFailure()
			m.logger.Warn("duration probe failed, using recorder timestamps",
				slog.String("path", seg.MediaPath),
				slog.Duration("estimate", p.Duration),
				slog.Any("err", err))
		} else {
			p.Duration = d
			p.Probed = true
		}
		if i > 0 {
			prev := sorted[i-1]
			if !prev.FileCloseTime.IsZero() && !seg.FileOpenTime.IsZero() {
				if gap := seg.FileOpenTime.Sub(prev.FileCloseTime); gap > 0 {
					p.GapBefore = gap
					if fillGaps && gap >= m.opts.MinGap {
						p.Filler = gap
						offset += gap
					}
				}
			}
		}
		p.Offset = offset
		offset += p.Duration
		tl.Parts = append(tl.Parts, p)
	}
	tl.Total = offset
	return tl
}

func estimateDuration(seg session.Segment) time.Duration {
	if seg.FileOpenTime.IsZero() || seg.FileCloseTime.IsZero() {
		return 0
	}
	if d := seg.FileCloseTime.Sub(seg.FileOpenTime); d > 0 {
		return d
	}
	return 0
}

// ProbeDuration asks ffprobe for the container duration of path.
func (m *Merger) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	var out []byte
	err := bounded(ctx, m.opts.ProbeTimeout, "probe "+path, func(ctx context.Context) error {
		var err error
		out, err = m.runner.Run(ctx, m.opts.FFprobePath,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path)
		if err != nil {
			return fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("ffprobe duration %q: unparseable", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// streamParams describes what a filler clip must match to be concat-compatible.
type streamParams struct {
	Width      int
	Height     int
	FrameRate  string
	SampleRate int
	Channels   int
}

var defaultStreamParams = streamParams{Width: 1920, Height: 1080, FrameRate: "30", SampleRate: 44100, Channels: 2}

// probeStreams reads video and audio parameters of path, falling back to defaults
// for anything ffprobe does not report.
func (m *Merger) probeStreams(ctx context.Context, path string) streamParams {
	params := defaultStreamParams
	var out []byte
	err := bounded(ctx, m.opts.ProbeTimeout, "probe streams "+path, func(ctx context.Context) error {
		var err error
		out, err = m.runner.Run(ctx, m.opts.FFprobePath,
			"-v", "error",
			"-show_entries", "stream=codec_type,width,height,r_frame_rate,sample_rate,channels",
			"-of", "json",
			path)
		return err
	})
	if err != nil {
		m.logger.Warn("stream probe failed, using default filler parameters", slog.String("path", path), slog.Any("err", err))
		return params
	}
	var parsed struct {
		Streams []struct {
			CodecType  string `json:"codec_type"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			RFrameRate string `json:"r_frame_rate"`
			SampleRate string `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		m.logger.Warn("stream probe output unparseable", slog.String("path", path), slog.Any("err", err))
		return params
	}
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if s.Width > 0 && s.Height > 0 {
				params.Width, params.Height = s.Width, s.Height
			}
			if s.RFrameRate != "" && s.RFrameRate != "0/0" {
				params.FrameRate = s.RFrameRate
			}
		case "audio":
			if n, err := strconv.Atoi(s.SampleRate); err == nil && n > 0 {
				params.SampleRate = n
			}
			if s.Channels > 0 {
				params.Channels = s.Channels
			}
		}
	}
	return params
}
