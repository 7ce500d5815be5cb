// Package session holds the in-memory record of live broadcasts: one Session per
// room with its recorded segments, plus a queue of files that arrived before the
// room had a session.
package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned by status transitions for rooms without a session.
var ErrSessionNotFound = errors.New("session not found")

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusCollecting Status = iota
	StatusMerging
	StatusProcessing
	StatusCompleted
)

// String returns the lower-case name used in logs and the status API.
func (s Status) String() string {
	switch s {
	case StatusCollecting:
		return "collecting"
	case StatusMerging:
		return "merging"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText lets Status render as its name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a name produced by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusCollecting; st <= StatusCompleted; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", b)
}

// Segment is one contiguous recorded file pair.
type Segment struct {
	MediaPath      string    `json:"media_path"`
	AnnotationPath string    `json:"annotation_path"`
	FileOpenTime   time.Time `json:"file_open_time"`
	FileCloseTime  time.Time `json:"file_close_time"`
	// EventTimestamp is when the closing event was observed; diagnostics only.
	EventTimestamp time.Time `json:"event_timestamp"`
}

// Session is one broadcast spanning one or more segments.
type Session struct {
	RoomID    string     `json:"room_id"`
	RoomName  string     `json:"room_name"`
	Title     string     `json:"title"`
	Status    Status     `json:"status"`
	Segments  []Segment  `json:"segments"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// clone returns a deep copy so callers never share the store's slices.
func (s *Session) clone() Session {
	out := *s
	out.Segments = append([]Segment(nil), s.Segments...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return out
}

// PendingFile is a closed file received for a room that had no session yet.
type PendingFile struct {
	MediaPath     string
	FileOpenTime  time.Time
	FileCloseTime time.Time
	ReceivedAt    time.Time
	RoomName      string
	Title         string
	// Payload is the raw webhook body, kept for diagnostics and replay.
	Payload []byte
}
