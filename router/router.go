// Package router is the per-room state machine that turns recorder events into
// settled sessions. Each room is served by its own mailbox: events and timer
// fires for a room run one at a time in arrival order, while different rooms
// proceed independently.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/rec-tender/delay"
	"github.com/onnwee/rec-tender/dispatch"
	"github.com/onnwee/rec-tender/merge"
	"github.com/onnwee/rec-tender/session"
	"github.com/onnwee/rec-tender/telemetry"
	"github.com/onnwee/rec-tender/webhook"
)

// ErrClosed is returned by Submit and Settle after Close.
var ErrClosed = errors.New("router closed")

// ErrOutsideBase is returned for media paths that escape the recording root.
var ErrOutsideBase = errors.New("path outside base directory")

// Settle outcomes, also used as metric labels.
const (
	OutcomeMerged    = "merged"
	OutcomeSingle    = "single"
	OutcomeFallback  = "fallback"
	OutcomeAbandoned = "abandoned"
)

// Merger produces a merged artifact or picks a fallback segment.
type Merger interface {
	Merge(ctx context.Context, segs []session.Segment) (merge.Result, error)
	Largest(segs []session.Segment) (session.Segment, error)
}

// Dispatcher hands an artifact to the downstream pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, a dispatch.Artifact) error
}

// Journal records settled sessions. Optional.
type Journal interface {
	RecordSession(ctx context.Context, s session.Session, outcome string) error
}

// Options configures a Router.
type Options struct {
	// BasePath is joined with each event's relative media path.
	BasePath string
	// MinFileSize is the smallest media file accepted as a segment.
	MinFileSize int64
	Journal     Journal
}

// Router routes webhook events into the session store and timer registry.
type Router struct {
	store      *session.Store
	pending    *session.PendingQueue
	timers     *delay.Registry
	merger     Merger
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*mailbox
	closed bool
	wg     sync.WaitGroup
}

type task func(ctx context.Context)

// mailbox is a room's FIFO of pending work; running is true while a drain
// goroutine owns it.
type mailbox struct {
	roomID  string
	queue   []task
	running bool
}

// New returns a Router over the given collaborators.
func New(store *session.Store, pending *session.PendingQueue, timers *delay.Registry, merger Merger, dispatcher Dispatcher, opts Options) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		store:      store,
		pending:    pending,
		timers:     timers,
		merger:     merger,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     slog.Default().With(slog.String("component", "event_router")),
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[string]*mailbox),
	}
}

// Submit queues ev on its room's mailbox and returns immediately.
func (r *Router) Submit(ev webhook.Event) error {
	roomID := ev.Info().RoomID
	if !r.enqueue(roomID, func(ctx context.Context) { r.handle(ctx, ev) }) {
		return ErrClosed
	}
	return nil
}

// Settle runs the terminal transition for roomID on its mailbox and waits for
// it to finish. It is a no-op for rooms that are not collecting.
func (r *Router) Settle(ctx context.Context, roomID string) error {
	done := make(chan struct{})
	if !r.enqueue(roomID, func(ctx context.Context) {
		defer close(done)
		r.settle(ctx, roomID, "manual")
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rooms returns the number of rooms with queued or running work.
func (r *Router) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close stops accepting work, cancels timers and waits for running mailboxes
// to drain or for ctx to expire.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.timers.Stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		// abort in-flight merges and pipelines
		r.cancel()
		<-done
		err = ctx.Err()
	}
	r.cancel()
	// tasks drained above may have armed new timers
	r.timers.Stop()
	return err
}

func (r *Router) enqueue(roomID string, t task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	mb, ok := r.rooms[roomID]
	if !ok {
		mb = &mailbox{roomID: roomID}
		r.rooms[roomID] = mb
	}
	mb.queue = append(mb.queue, t)
	if !mb.running {
		mb.running = true
		r.wg.Add(1)
		go r.drain(mb)
	}
	return true
}

func (r *Router) drain(mb *mailbox) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(r.rooms, mb.roomID)
			r.mu.Unlock()
			return
		}
		t := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		r.mu.Unlock()
		r.run(mb.roomID, t)
	}
}

func (r *Router) run(roomID string, t task) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("room task panicked", slog.String("room_id", roomID), slog.Any("panic", p))
		}
		r.updateGauges()
	}()
	t(r.ctx)
}

func (r *Router) updateGauges() {
	telemetry.SetActiveSessions(r.store.CountActive())
	telemetry.SetPendingFiles(r.pending.Total())
	telemetry.SetArmedTimers(r.timers.Len())
}

// arm (re)starts the kind timer for roomID. The fire is delivered through the
// room mailbox and dropped there if a later arm or cancel superseded it.
func (r *Router) arm(roomID string, kind delay.Kind, desc string) {
	var gen atomic.Uint64
	g := r.timers.Start(roomID, kind, func() {
		r.enqueue(roomID, func(ctx context.Context) { r.fired(ctx, roomID, kind, gen.Load()) })
	}, desc)
	gen.Store(g)
}

func (r *Router) fired(ctx context.Context, roomID string, kind delay.Kind, gen uint64) {
	if !r.timers.Current(roomID, kind, gen) {
		r.logger.Debug("superseded timer fire ignored", slog.String("room_id", roomID), slog.String("kind", kind.String()))
		return
	}
	switch kind {
	case delay.SegmentCollectionDebounce, delay.StreamEndedDebounce, delay.SessionEndedWithSession:
		r.settle(ctx, roomID, kind.String())
	case delay.FileWithoutSession, delay.SessionEndedWithoutSession:
		r.processPending(ctx, roomID, kind)
	}
}

func (r *Router) handle(ctx context.Context, ev webhook.Event) {
	meta := ev.Info()
	telemetry.IncWebhookEvent(string(ev.Type()))
	logger := r.logger.With(slog.String("room_id", meta.RoomID), slog.String("event", string(ev.Type())))
	_, hasSession := r.store.Active(meta.RoomID)

	switch e := ev.(type) {
	case webhook.SessionStarted:
		r.store.CreateOrGet(meta.RoomID, meta.RoomName, meta.Title)
		r.timers.Cancel(meta.RoomID, delay.SessionEndedWithoutSession)
		r.timers.Cancel(meta.RoomID, delay.SessionEndedWithSession)
		r.replayPending(ctx, meta.RoomID)

	case webhook.FileOpening:
		kinds := []delay.Kind{delay.SessionEndedWithoutSession, delay.FileWithoutSession, delay.SegmentCollectionDebounce}
		if hasSession {
			// a file opened after SessionEnded means the broadcast resumed
			kinds = append(kinds, delay.SessionEndedWithSession)
		}
		for _, kind := range kinds {
			r.timers.Cancel(meta.RoomID, kind)
		}
		logger.Debug("recording continues", slog.String("path", e.RelativePath))

	case webhook.FileClosed:
		media, err := r.resolve(e.RelativePath)
		if err != nil {
			logger.Warn("file closed event dropped", slog.String("path", e.RelativePath), slog.Any("err", err))
			return
		}
		open, closed := segmentTimes(e)
		if !hasSession {
			if r.settledFile(meta.RoomID, media) {
				logger.Debug("file already settled, duplicate ignored", slog.String("path", media))
				return
			}
			r.pending.Enqueue(meta.RoomID, session.PendingFile{
				MediaPath:     media,
				FileOpenTime:  open,
				FileCloseTime: closed,
				ReceivedAt:    meta.ReceivedAt,
				RoomName:      meta.RoomName,
				Title:         meta.Title,
				Payload:       meta.Raw,
			})
			r.arm(meta.RoomID, delay.FileWithoutSession, "file closed without session")
			return
		}
		r.addFile(ctx, meta.RoomID, session.Segment{
			MediaPath:      media,
			FileOpenTime:   open,
			FileCloseTime:  closed,
			EventTimestamp: meta.ReceivedAt,
		})
		if r.store.SegmentCount(meta.RoomID) > 0 {
			r.arm(meta.RoomID, delay.SegmentCollectionDebounce, "waiting for more segments")
		}

	case webhook.StreamEnded:
		if !hasSession {
			logger.Debug("stream ended without session")
			return
		}
		r.arm(meta.RoomID, delay.StreamEndedDebounce, "stream ended, waiting for final segment")

	case webhook.SessionEnded:
		if hasSession {
			r.arm(meta.RoomID, delay.SessionEndedWithSession, "session ended, waiting for restart")
		} else {
			r.arm(meta.RoomID, delay.SessionEndedWithoutSession, "session ended without session start")
		}
	}
}

// replayPending moves files that arrived before the session into it.
func (r *Router) replayPending(ctx context.Context, roomID string) {
	files := r.pending.Drain(roomID)
	if len(files) == 0 {
		return
	}
	r.timers.Cancel(roomID, delay.FileWithoutSession)
	added := 0
	for _, f := range files {
		if r.addFile(ctx, roomID, session.Segment{
			MediaPath:      f.MediaPath,
			FileOpenTime:   f.FileOpenTime,
			FileCloseTime:  f.FileCloseTime,
			EventTimestamp: f.ReceivedAt,
		}) {
			added++
		}
	}
	r.logger.Info("pending files replayed into session",
		slog.String("room_id", roomID),
		slog.Int("files", len(files)),
		slog.Int("added", added))
	if r.store.SegmentCount(roomID) > 0 {
		r.arm(roomID, delay.SegmentCollectionDebounce, "replayed pending files")
	}
}

// addFile validates seg's media and annotation files and adds it to the session.
func (r *Router) addFile(_ context.Context, roomID string, seg session.Segment) bool {
	seg.AnnotationPath = merge.AnnotationPath(seg.MediaPath)
	if err := r.validate(seg); err != nil {
		r.logger.Warn("segment rejected", slog.String("room_id", roomID), slog.String("path", seg.MediaPath), slog.Any("err", err))
		return false
	}
	return r.store.AddSegment(roomID, seg)
}

func (r *Router) validate(seg session.Segment) error {
	fi, err := os.Stat(seg.MediaPath)
	if err != nil {
		return fmt.Errorf("stat media: %w", err)
	}
	if fi.Size() < r.opts.MinFileSize {
		return fmt.Errorf("media is %d bytes, below minimum %d", fi.Size(), r.opts.MinFileSize)
	}
	if _, err := os.Stat(seg.AnnotationPath); err != nil {
		return fmt.Errorf("stat annotation: %w", err)
	}
	return nil
}

// settledFile reports whether media belongs to the room's completed session.
func (r *Router) settledFile(roomID, media string) bool {
	s, ok := r.store.Get(roomID)
	if !ok || s.Status != session.StatusCompleted {
		return false
	}
	for _, seg := range s.Segments {
		if seg.MediaPath == media {
			return true
		}
	}
	return false
}

// resolve joins rel onto BasePath. Paths that land outside BasePath are refused.
func (r *Router) resolve(rel string) (string, error) {
	if r.opts.BasePath == "" {
		return filepath.Clean(rel), nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrOutsideBase, rel)
	}
	abs := filepath.Join(r.opts.BasePath, rel)
	out, err := filepath.Rel(filepath.Clean(r.opts.BasePath), abs)
	if err != nil || out == ".." || strings.HasPrefix(out, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideBase, rel)
	}
	return abs, nil
}

// segmentTimes fills in missing recorder bounds from the reported duration and
// the event timestamp.
func segmentTimes(e webhook.FileClosed) (open, closed time.Time) {
	open, closed = e.FileOpenTime, e.FileCloseTime
	if closed.IsZero() {
		closed = e.Timestamp
		if closed.IsZero() {
			closed = e.ReceivedAt
		}
	}
	if open.IsZero() && e.Duration > 0 {
		open = closed.Add(-time.Duration(e.Duration * float64(time.Second)))
	}
	return open, closed
}

// settle is the terminal transition. All timers for the room are cancelled
// before anything else so concurrent fires already queued become no-ops.
func (r *Router) settle(ctx context.Context, roomID, reason string) {
	cancelled := r.timers.CancelAll(roomID)
	defer r.timers.Forget(roomID)
	sess, ok := r.store.Active(roomID)
	if !ok || sess.Status != session.StatusCollecting {
		r.logger.Debug("settle skipped", slog.String("room_id", roomID), slog.String("reason", reason), slog.Bool("has_session", ok))
		return
	}
	ctx, span := telemetry.StartSpan(ctx, "router", "router.settle",
		telemetry.RoomAttr(roomID),
		telemetry.IntAttr("segments", len(sess.Segments)))
	defer span.End()
	logger := r.logger.With(slog.String("room_id", roomID), slog.String("reason", reason))
	logger.Info("settling session", slog.Int("segments", len(sess.Segments)), slog.Int("timers_cancelled", cancelled))

	art := dispatch.Artifact{RoomID: roomID, RoomName: sess.RoomName, Title: sess.Title}
	var outcome string
	switch {
	case len(sess.Segments) == 0:
		logger.Warn("session has no segments, abandoning")
		r.store.Remove(roomID)
		r.record(ctx, sess, OutcomeAbandoned)
		telemetry.IncSettle(OutcomeAbandoned)
		telemetry.SetSpanSuccess(span)
		return

	case !r.store.ShouldMerge(roomID):
		outcome = OutcomeSingle
		seg := sess.Segments[0]
		art.MediaPath, art.AnnotationPath = seg.MediaPath, seg.AnnotationPath
		r.must(r.store.MarkAsProcessing(roomID))

	default:
		r.must(r.store.MarkAsMerging(roomID))
		res, err := r.merger.Merge(ctx, sess.Segments)
		if err == nil {
			outcome = OutcomeMerged
			art.MediaPath, art.AnnotationPath, art.Merged = res.MediaPath, res.AnnotationPath, true
			r.must(r.store.MarkAsProcessing(roomID))
			break
		}
		outcome = OutcomeFallback
		telemetry.RecordError(span, err)
		seg, lerr := r.merger.Largest(sess.Segments)
		if lerr != nil {
			seg = sess.Segments[0]
		}
		logger.Warn("merge failed, falling back to largest segment", slog.String("path", seg.MediaPath), slog.Any("err", err))
		art.MediaPath, art.AnnotationPath = seg.MediaPath, seg.AnnotationPath
		r.must(r.store.ResetToCollecting(roomID))
		r.must(r.store.MarkAsProcessing(roomID))
	}

	if err := r.dispatcher.Dispatch(ctx, art); err != nil {
		logger.Error("dispatch failed, completing session anyway", slog.String("outcome", outcome), slog.Any("err", err))
	}
	r.must(r.store.MarkAsCompleted(roomID))
	if done, ok := r.store.Get(roomID); ok {
		sess = done
	}
	r.record(ctx, sess, outcome)
	telemetry.IncSettle(outcome)
	logger.Info("session settled", slog.String("outcome", outcome), slog.String("media", art.MediaPath))
}

// processPending dispatches queued files one by one when the room still has no
// session after a no-session timeout.
func (r *Router) processPending(ctx context.Context, roomID string, kind delay.Kind) {
	if _, ok := r.store.Active(roomID); ok {
		r.logger.Debug("session appeared, pending timeout ignored", slog.String("room_id", roomID), slog.String("kind", kind.String()))
		return
	}
	files := r.pending.Drain(roomID)
	if len(files) == 0 {
		r.logger.Info("no-session timeout with nothing pending", slog.String("room_id", roomID), slog.String("kind", kind.String()))
		r.timers.Forget(roomID)
		return
	}
	r.logger.Info("processing files without session", slog.String("room_id", roomID), slog.Int("files", len(files)))
	for _, f := range files {
		seg := session.Segment{MediaPath: f.MediaPath, AnnotationPath: merge.AnnotationPath(f.MediaPath)}
		if err := r.validate(seg); err != nil {
			r.logger.Warn("standalone file rejected", slog.String("room_id", roomID), slog.String("path", f.MediaPath), slog.Any("err", err))
			continue
		}
		telemetry.IncStandalone()
		err := r.dispatcher.Dispatch(ctx, dispatch.Artifact{
			RoomID:         roomID,
			RoomName:       f.RoomName,
			Title:          f.Title,
			MediaPath:      seg.MediaPath,
			AnnotationPath: seg.AnnotationPath,
			Standalone:     true,
		})
		if err != nil {
			r.logger.Error("standalone dispatch failed", slog.String("room_id", roomID), slog.String("path", f.MediaPath), slog.Any("err", err))
		}
	}
}

func (r *Router) record(ctx context.Context, s session.Session, outcome string) {
	if r.opts.Journal == nil {
		return
	}
	if err := r.opts.Journal.RecordSession(context.WithoutCancel(ctx), s, outcome); err != nil {
		r.logger.Warn("session journal write failed", slog.String("room_id", s.RoomID), slog.Any("err", err))
	}
}

// must logs a transition error. Transitions only fail for a missing session,
// which cannot happen while the room's mailbox holds the session.
func (r *Router) must(err error) {
	if err != nil {
		r.logger.Error("session transition failed", slog.Any("err", err))
	}
}
