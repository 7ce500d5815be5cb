// Package dispatch hands a finished artifact to the downstream pipeline. The
// pipeline runs once per call; retry policy belongs to the pipeline itself.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/rec-tender/telemetry"
)

var (
	// ErrNoPipeline is returned when no pipeline command is configured.
	ErrNoPipeline = errors.New("no pipeline command configured")
	// ErrPipelineTimeout is returned (wrapped) when the pipeline exceeds its timeout.
	ErrPipelineTimeout = errors.New("pipeline timed out")
)

// Result labels used in metrics and the journal.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultTimeout  = "timeout"
	ResultSkipped  = "skipped"
	ResultCanceled = "canceled"
)

// outputTail bounds how much pipeline output is kept for logs and the journal.
const outputTail = 4096

// Artifact is what the pipeline receives.
type Artifact struct {
	RoomID         string
	RoomName       string
	Title          string
	MediaPath      string
	AnnotationPath string
	// Merged is set when MediaPath is a merge output rather than a raw segment.
	Merged bool
	// Standalone is set for files processed without a session.
	Standalone bool
}

// Record describes one pipeline run.
type Record struct {
	ID        string
	Artifact  Artifact
	Result    string
	Error     string
	Output    string
	StartedAt time.Time
	Duration  time.Duration
}

// Recorder persists dispatch records. Failures are logged, never returned to callers.
type Recorder interface {
	RecordDispatch(ctx context.Context, rec Record) error
}

// Options configures a Dispatcher.
type Options struct {
	// Command is split on whitespace; the first field is the program.
	Command string
	// Timeout bounds a single run; zero means no bound.
	Timeout time.Duration
	// Env is appended to the service's own environment.
	Env      []string
	Recorder Recorder
}

// Dispatcher runs the downstream pipeline.
type Dispatcher struct {
	argv   []string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // dispatch id -> cancel
}

// New returns a Dispatcher for opts.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		argv:   strings.Fields(opts.Command),
		opts:   opts,
		logger: slog.Default().With(slog.String("component", "dispatcher")),
		active: make(map[string]context.CancelFunc),
	}
}

// Configured reports whether a pipeline command is set.
func (d *Dispatcher) Configured() bool { return len(d.argv) > 0 }

// Dispatch runs the pipeline once for a and waits for it. The returned error
// describes how the run failed; callers decide what that means for the session.
func (d *Dispatcher) Dispatch(ctx context.Context, a Artifact) error {
	rec := Record{ID: uuid.NewString(), Artifact: a, StartedAt: time.Now()}
	logger := d.logger.With(
		slog.String("dispatch_id", rec.ID),
		slog.String("room_id", a.RoomID),
		slog.String("media", a.MediaPath))

	if !d.Configured() {
		rec.Result = ResultSkipped
		rec.Error = ErrNoPipeline.Error()
		logger.Warn("pipeline not configured, artifact left in place", slog.String("annotation", a.AnnotationPath))
		d.finish(ctx, rec)
		return ErrNoPipeline
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch", "dispatch.pipeline", telemetry.RoomAttr(a.RoomID))
	defer span.End()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if d.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	d.mu.Lock()
	d.active[rec.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, rec.ID)
		d.mu.Unlock()
	}()

	args := append(append([]string(nil), d.argv[1:]...),
		"--video", a.MediaPath,
		"--danmaku", a.AnnotationPath,
		"--room-id", a.RoomID)
	cmd := exec.CommandContext(runCtx, d.argv[0], args...)
	cmd.Env = append(os.Environ(), d.opts.Env...)
	cmd.Env = append(cmd.Env,
		"REC_ROOM_ID="+a.RoomID,
		"REC_ROOM_NAME="+a.RoomName,
		"REC_TITLE="+a.Title,
		"REC_DISPATCH_ID="+rec.ID,
	)
	// pipeline children may keep stdout open after the parent is killed
	cmd.WaitDelay = 10 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Info("pipeline starting", slog.Bool("merged", a.Merged), slog.Bool("standalone", a.Standalone))
	err := cmd.Run()
	rec.Duration = time.Since(rec.StartedAt)
	rec.Output = tail(out.Bytes(), outputTail)

	switch {
	case err == nil:
		rec.Result = ResultOK
		telemetry.SetSpanSuccess(span)
		logger.Info("pipeline finished", slog.Duration("elapsed", rec.Duration))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		rec.Result = ResultTimeout
		err = fmt.Errorf("%w after %s", ErrPipelineTimeout, d.opts.Timeout)
	case ctx.Err() != nil || errors.Is(runCtx.Err(), context.Canceled):
		rec.Result = ResultCanceled
		err = fmt.Errorf("pipeline canceled: %w", context.Canceled)
	default:
		rec.Result = ResultFailed
		err = fmt.Errorf("pipeline: %w", err)
	}
	if err != nil {
		rec.Error = err.Error()
		telemetry.RecordError(span, err)
		logger.Error("pipeline failed",
			slog.String("result", rec.Result),
			slog.Duration("elapsed", rec.Duration),
			slog.String("output", rec.Output),
			slog.Any("err", err))
	}
	d.finish(ctx, rec)
	return err
}

func (d *Dispatcher) finish(ctx context.Context, rec Record) {
	telemetry.ObserveDispatch(rec.Result, rec.Duration)
	if d.opts.Recorder == nil {
		return
	}
	// journal even when the caller's ctx is already done
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.opts.Recorder.RecordDispatch(jctx, rec); err != nil {
		d.logger.Warn("dispatch journal write failed", slog.String("dispatch_id", rec.ID), slog.Any("err", err))
	}
}

// Active returns the number of pipeline runs in progress.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// CancelAll kills every running pipeline and returns how many were signalled.
func (d *Dispatcher) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.active {
		cancel()
	}
	return len(d.active)
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
