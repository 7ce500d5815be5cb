package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store owns the live sessions keyed by room id.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   slog.Default().With(slog.String("component", "session_store")),
	}
}

// CreateOrGet returns the room's non-completed session, creating a new one in
// Collecting state when there is none. A completed session is replaced.
func (s *Store) CreateOrGet(roomID, roomName, title string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[roomID]; ok && cur.Status != StatusCompleted {
		if roomName != "" {
			cur.RoomName = roomName
		}
		if title != "" {
			cur.Title = title
		}
		return cur.clone()
	}
	sess := &Session{
		RoomID:    roomID,
		RoomName:  roomName,
		Title:     title,
		Status:    StatusCollecting,
		StartTime: s.now(),
	}
	s.sessions[roomID] = sess
	s.logger.Info("session created", slog.String("room_id", roomID), slog.String("room_name", roomName), slog.String("title", title))
	return sess.clone()
}

// Get returns the room's session in any status.
func (s *Store) Get(roomID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[roomID]
	if !ok {
		return Session{}, false
	}
	return cur.clone(), true
}

// Active returns the room's session only if it is not completed.
func (s *Store) Active(roomID string) (Session, bool) {
	sess, ok := s.Get(roomID)
	if !ok || sess.Status == StatusCompleted {
		return Session{}, false
	}
	return sess, true
}

// AddSegment inserts seg keeping segments ordered by FileOpenTime. It returns
// false when the room has no active session or the media path is already known.
func (s *Store) AddSegment(roomID string, seg Segment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[roomID]
	if !ok || cur.Status == StatusCompleted {
		s.logger.Warn("add segment without active session", slog.String("room_id", roomID), slog.String("path", seg.MediaPath))
		return false
	}
	for _, existing := range cur.Segments {
		if existing.MediaPath == seg.MediaPath {
			s.logger.Debug("duplicate segment ignored", slog.String("room_id", roomID), slog.String("path", seg.MediaPath))
			return false
		}
	}
	i := sort.Search(len(cur.Segments), func(i int) bool {
		return cur.Segments[i].FileOpenTime.After(seg.FileOpenTime)
	})
	cur.Segments = append(cur.Segments, Segment{})
	copy(cur.Segments[i+1:], cur.Segments[i:])
	cur.Segments[i] = seg
	s.logger.Info("segment added",
		slog.String("room_id", roomID),
		slog.String("path", seg.MediaPath),
		slog.Int("position", i),
		slog.Int("segments", len(cur.Segments)))
	return true
}

// ShouldMerge reports whether the room's session has two or more segments.
func (s *Store) ShouldMerge(roomID string) bool {
	return s.SegmentCount(roomID) >= 2
}

// SegmentCount returns the number of segments in the room's session.
func (s *Store) SegmentCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[roomID]; ok {
		return len(cur.Segments)
	}
	return 0
}

func (s *Store) transition(roomID string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[roomID]
	if !ok {
		return fmt.Errorf("%s: %w", roomID, ErrSessionNotFound)
	}
	from := cur.Status
	cur.Status = to
	if to == StatusCompleted {
		t := s.now()
		cur.EndTime = &t
	}
	s.logger.Info("session status changed",
		slog.String("room_id", roomID),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	return nil
}

// MarkAsMerging moves the session into Merging.
func (s *Store) MarkAsMerging(roomID string) error { return s.transition(roomID, StatusMerging) }

// MarkAsProcessing moves the session into Processing.
func (s *Store) MarkAsProcessing(roomID string) error { return s.transition(roomID, StatusProcessing) }

// MarkAsCompleted moves the session into Completed and stamps EndTime.
func (s *Store) MarkAsCompleted(roomID string) error { return s.transition(roomID, StatusCompleted) }

// ResetToCollecting is used by the merge fallback before re-advancing.
func (s *Store) ResetToCollecting(roomID string) error {
	return s.transition(roomID, StatusCollecting)
}

// Remove drops the room's session regardless of status.
func (s *Store) Remove(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[roomID]; ok {
		delete(s.sessions, roomID)
		s.logger.Info("session removed", slog.String("room_id", roomID))
	}
}

// CleanupExpired removes completed sessions whose EndTime is older than maxAge
// and returns how many were removed. Active sessions are never touched.
func (s *Store) CleanupExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for id, cur := range s.sessions {
		if cur.Status != StatusCompleted || cur.EndTime == nil {
			continue
		}
		if cur.EndTime.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired sessions cleaned up", slog.Int("removed", removed), slog.Duration("max_age", maxAge))
	}
	return removed
}

// List returns snapshots of all sessions ordered by room id.
func (s *Store) List() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, cur := range s.sessions {
		out = append(out, cur.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// CountActive returns the number of non-completed sessions.
func (s *Store) CountActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cur := range s.sessions {
		if cur.Status != StatusCompleted {
			n++
		}
	}
	return n
}
