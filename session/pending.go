package session

import (
	"log/slog"
	"sync"
)

// PendingQueue holds files waiting for a room's session to appear.
type PendingQueue struct {
	mu    sync.Mutex
	files map[string][]PendingFile
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{files: make(map[string][]PendingFile)}
}

// Enqueue appends f for roomID; a media path already queued for the room is ignored.
func (q *PendingQueue) Enqueue(roomID string, f PendingFile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.files[roomID] {
		if existing.MediaPath == f.MediaPath {
			return false
		}
	}
	q.files[roomID] = append(q.files[roomID], f)
	slog.Info("file queued without session",
		slog.String("component", "pending_files"),
		slog.String("room_id", roomID),
		slog.String("path", f.MediaPath),
		slog.Int("queued", len(q.files[roomID])))
	return true
}

// Drain removes and returns every queued file for roomID in arrival order.
func (q *PendingQueue) Drain(roomID string) []PendingFile {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.files[roomID]
	delete(q.files, roomID)
	return out
}

// Len returns the number of files queued for roomID.
func (q *PendingQueue) Len(roomID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.files[roomID])
}

// Total returns the number of queued files across all rooms.
func (q *PendingQueue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, fs := range q.files {
		n += len(fs)
	}
	return n
}
