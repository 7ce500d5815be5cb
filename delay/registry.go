// Package delay provides a per-(room, kind) cancellable timer registry used for
// debouncing and timeout fallbacks. Arming a key that already has a live timer
// cancels and replaces it, so only the last call's deadline and callback matter.
package delay

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names the purpose of a delayed action.
type Kind int

const (
	StreamEndedDebounce Kind = iota
	SessionEndedWithSession
	SessionEndedWithoutSession
	FileWithoutSession
	SegmentCollectionDebounce
)

// Kinds lists every Kind, in declaration order.
var Kinds = []Kind{
	StreamEndedDebounce,
	SessionEndedWithSession,
	SessionEndedWithoutSession,
	FileWithoutSession,
	SegmentCollectionDebounce,
}

func (k Kind) String() string {
	switch k {
	case StreamEndedDebounce:
		return "stream_ended_debounce"
	case SessionEndedWithSession:
		return "session_ended_with_session"
	case SessionEndedWithoutSession:
		return "session_ended_without_session"
	case FileWithoutSession:
		return "file_without_session"
	case SegmentCollectionDebounce:
		return "segment_collection_debounce"
	default:
		return "unknown"
	}
}

type key struct {
	room string
	kind Kind
}

type entry struct {
	timer *time.Timer
	gen   uint64
	desc  string
}

// Registry tracks at most one live timer per (room, kind).
type Registry struct {
	mu       sync.Mutex
	timers   map[key]*entry
	latest   map[key]uint64
	seq      uint64
	delays   map[Kind]time.Duration
	fallback time.Duration
	logger   *slog.Logger
}

// New returns a registry using delays per kind, or fallback for kinds not listed.
func New(delays map[Kind]time.Duration, fallback time.Duration) *Registry {
	d := make(map[Kind]time.Duration, len(delays))
	for k, v := range delays {
		d[k] = v
	}
	return &Registry{
		timers:   make(map[key]*entry),
		latest:   make(map[key]uint64),
		delays:   d,
		fallback: fallback,
		logger:   slog.Default().With(slog.String("component", "delay_registry")),
	}
}

// Delay returns the window used for kind.
func (r *Registry) Delay(kind Kind) time.Duration {
	if d, ok := r.delays[kind]; ok && d > 0 {
		return d
	}
	return r.fallback
}

// Start cancels any live timer for (roomID, kind) and arms a new one. When it
// fires, the entry is removed and fn runs on its own goroutine. The returned
// generation identifies this arming for Current.
func (r *Registry) Start(roomID string, kind Kind, fn func(), description string) uint64 {
	k := key{room: roomID, kind: kind}
	d := r.Delay(kind)

	r.mu.Lock()
	defer r.mu.Unlock()
	replaced := false
	if old, ok := r.timers[k]; ok {
		old.timer.Stop()
		replaced = true
	}
	r.seq++
	gen := r.seq
	e := &entry{gen: gen, desc: description}
	e.timer = time.AfterFunc(d, func() { r.fire(k, gen, fn) })
	r.timers[k] = e
	r.latest[k] = gen
	r.logger.Debug("delayed action armed",
		slog.String("room_id", roomID),
		slog.String("kind", kind.String()),
		slog.String("description", description),
		slog.Duration("delay", d),
		slog.Bool("replaced", replaced))
	return gen
}

func (r *Registry) fire(k key, gen uint64, fn func()) {
	r.mu.Lock()
	e, ok := r.timers[k]
	if !ok || e.gen != gen {
		// replaced or cancelled after the runtime already scheduled us
		r.mu.Unlock()
		return
	}
	delete(r.timers, k)
	r.mu.Unlock()
	r.logger.Debug("delayed action fired",
		slog.String("room_id", k.room),
		slog.String("kind", k.kind.String()),
		slog.String("description", e.desc))
	fn()
}

// Cancel stops and removes the timer for (roomID, kind), reporting whether one existed.
func (r *Registry) Cancel(roomID string, kind Kind) bool {
	k := key{room: roomID, kind: kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.latest[k] = r.seq
	e, ok := r.timers[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.timers, k)
	r.logger.Debug("delayed action cancelled",
		slog.String("room_id", roomID),
		slog.String("kind", kind.String()),
		slog.String("description", e.desc))
	return true
}

// CancelAll cancels every timer for roomID and returns how many were live.
func (r *Registry) CancelAll(roomID string) int {
	n := 0
	for _, kind := range Kinds {
		if r.Cancel(roomID, kind) {
			n++
		}
	}
	return n
}

// Current reports whether gen is still the latest Start for (roomID, kind),
// i.e. no later Start or Cancel has happened for the key.
func (r *Registry) Current(roomID string, kind Kind, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest[key{room: roomID, kind: kind}] == gen
}

// Forget drops generation bookkeeping for a room with no live timers.
func (r *Registry) Forget(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range Kinds {
		k := key{room: roomID, kind: kind}
		if _, live := r.timers[k]; !live {
			delete(r.latest, k)
		}
	}
}

// Len returns the number of armed timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels every armed timer.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.timers {
		e.timer.Stop()
		delete(r.timers, k)
	}
}
