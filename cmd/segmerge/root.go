package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/rec-tender/merge"
	"github.com/onnwee/rec-tender/session"
)

type Dependencies struct {
	Out io.Writer
	// Runner executes ffmpeg/ffprobe; nil uses merge.ExecRunner.
	Runner merge.Runner
	// Location interprets the wall-clock stamps in recorder file names.
	Location *time.Location
}

// 录制-12345-20240501-100000-123-title.flv
var stampPattern = regexp.MustCompile(`([0-9]{8}-[0-9]{6})(?:-([0-9]{3}))?`)

func NewRootCmd(deps *Dependencies) *cobra.Command {
	opts := merge.DefaultOptions()
	var (
		noFillGaps bool
		noCover    bool
		dryRun     bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "segmerge <media-file>...",
		Short: "Merge recorded segments into one media and one annotation file",
		Long: "Merges recorder segments ordered by the timestamp in their file names. " +
			"Each media file's same-stem .xml annotation track is merged alongside it.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			opts.FillGaps = !noFillGaps
			opts.CopyCover = !noCover
			loc := deps.Location
			if loc == nil {
				loc = time.Local
			}
			segs, err := segmentsFromFiles(args, loc)
			if err != nil {
				return err
			}
			m := merge.New(deps.Runner, opts)
			ctx := cmd.Context()

			if dryRun {
				tl := m.Plan(ctx, segs, opts.FillGaps)
				for _, p := range tl.Parts {
					fmt.Fprintf(deps.Out, "%-12s filler=%-10s dur=%-12s %s\n",
						p.Offset.Round(time.Millisecond), p.Filler.Round(time.Millisecond),
						p.Duration.Round(time.Millisecond), p.Segment.MediaPath)
				}
				fmt.Fprintf(deps.Out, "total %s, %d fillers\n", tl.Total.Round(time.Millisecond), tl.Fillers())
				return nil
			}

			res, err := m.Merge(ctx, segs)
			if err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "media:       %s\n", res.MediaPath)
			fmt.Fprintf(deps.Out, "annotations: %s (%d entries)\n", res.AnnotationPath, res.Annotations.Entries)
			if res.CoverPath != "" {
				fmt.Fprintf(deps.Out, "cover:       %s\n", res.CoverPath)
			}
			fmt.Fprintf(deps.Out, "duration:    %s, %d segments, %d fillers\n",
				res.Duration.Round(time.Millisecond), res.Segments, res.Fillers)
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&noFillGaps, "no-fill-gaps", false, "concatenate without blank filler between segments")
	f.DurationVar(&opts.MinGap, "min-gap", opts.MinGap, "smallest gap that gets a filler clip")
	f.BoolVar(&opts.Backup, "backup", false, "move the original segments to bak/ after merging")
	f.BoolVar(&noCover, "no-cover", false, "do not copy the first segment's cover image")
	f.StringVar(&opts.FFmpegPath, "ffmpeg", opts.FFmpegPath, "ffmpeg binary")
	f.StringVar(&opts.FFprobePath, "ffprobe", opts.FFprobePath, "ffprobe binary")
	f.DurationVar(&opts.ConcatTimeout, "concat-timeout", opts.ConcatTimeout, "bound on the ffmpeg concat step")
	f.BoolVar(&dryRun, "dry-run", false, "print the merge plan without writing anything")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	return cmd
}

// segmentsFromFiles builds segments from media paths. Open times come from the
// recorder's file name stamp and close times from the file's modification
// time; files without a stamp keep their argument order and get no gap filler.
func segmentsFromFiles(paths []string, loc *time.Location) ([]session.Segment, error) {
	segs := make([]session.Segment, 0, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("segment %s: is a directory", p)
		}
		seg := session.Segment{MediaPath: abs}
		if ann := merge.AnnotationPath(abs); ann != abs {
			if _, err := os.Stat(ann); err == nil {
				seg.AnnotationPath = ann
			}
		}
		if open, ok := parseStamp(filepath.Base(abs), loc); ok {
			seg.FileOpenTime = open
			seg.FileCloseTime = info.ModTime()
		} else {
			seg.FileOpenTime = time.Unix(0, int64(i))
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func parseStamp(name string, loc *time.Location) (time.Time, bool) {
	m := stampPattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102-150405", m[1], loc)
	if err != nil {
		return time.Time{}, false
	}
	if m[2] != "" {
		if ms, err := strconv.Atoi(m[2]); err == nil {
			t = t.Add(time.Duration(ms) * time.Millisecond)
		}
	}
	return t, true
}
