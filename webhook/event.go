// Package webhook turns recorder webhook bodies into typed events. Nothing past
// this package sees raw JSON.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingRoomID    = errors.New("missing room id")
	ErrMissingPath      = errors.New("missing relative path")
)

// Type is the recorder's event type name.
type Type string

const (
	TypeSessionStarted Type = "SessionStarted"
	TypeSessionEnded   Type = "SessionEnded"
	TypeStreamEnded    Type = "StreamEnded"
	TypeFileOpening    Type = "FileOpening"
	TypeFileClosed     Type = "FileClosed"
)

// Event is one of SessionStarted, SessionEnded, StreamEnded, FileOpening, FileClosed.
type Event interface {
	Type() Type
	Info() Meta
}

// Meta carries the fields every event variant has.
type Meta struct {
	RoomID   string
	RoomName string
	Title    string
	EventID  string
	// SessionID is the recorder's own session token, informational only.
	SessionID string
	// Timestamp is the recorder-reported event time; ReceivedAt is ours.
	Timestamp  time.Time
	ReceivedAt time.Time
	Raw        []byte
}

type SessionStarted struct{ Meta }

type SessionEnded struct{ Meta }

type StreamEnded struct{ Meta }

type FileOpening struct {
	Meta
	RelativePath string
	FileOpenTime time.Time
}

type FileClosed struct {
	Meta
	RelativePath  string
	FileSize      int64
	Duration      float64
	FileOpenTime  time.Time
	FileCloseTime time.Time
}

func (e SessionStarted) Type() Type { return TypeSessionStarted }
func (e SessionEnded) Type() Type   { return TypeSessionEnded }
func (e StreamEnded) Type() Type    { return TypeStreamEnded }
func (e FileOpening) Type() Type    { return TypeFileOpening }
func (e FileClosed) Type() Type     { return TypeFileClosed }

func (m Meta) Info() Meta { return m }

// roomID accepts both JSON numbers and strings.
type roomID string

func (r *roomID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = roomID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("room id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*r = roomID(strconv.FormatInt(i, 10))
		return nil
	}
	*r = roomID(n.String())
	return nil
}

type envelope struct {
	EventType      string          `json:"EventType"`
	EventTimestamp time.Time       `json:"EventTimestamp"`
	EventID        string          `json:"EventId"`
	EventData      json.RawMessage `json:"EventData"`
}

type eventData struct {
	RoomID        roomID    `json:"RoomId"`
	ShortID       roomID    `json:"ShortId"`
	Name          string    `json:"Name"`
	Title         string    `json:"Title"`
	SessionID     string    `json:"SessionId"`
	RelativePath  string    `json:"RelativePath"`
	FileSize      int64     `json:"FileSize"`
	Duration      float64   `json:"Duration"`
	FileOpenTime  time.Time `json:"FileOpenTime"`
	FileCloseTime time.Time `json:"FileCloseTime"`
}

// Parse decodes a recorder webhook body into a typed Event.
func Parse(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var data eventData
	if len(env.EventData) > 0 {
		if err := json.Unmarshal(env.EventData, &data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
	}
	meta := Meta{
		RoomID:     string(data.RoomID),
		RoomName:   data.Name,
		Title:      data.Title,
		EventID:    env.EventID,
		SessionID:  data.SessionID,
		Timestamp:  env.EventTimestamp,
		ReceivedAt: time.Now(),
		Raw:        append([]byte(nil), body...),
	}
	relPath := strings.TrimSpace(data.RelativePath)
	if meta.RoomID == "" && relPath != "" {
		if id, ok := RoomIDFromPath(relPath); ok {
			meta.RoomID = id
		}
	}
	if meta.RoomID == "" {
		meta.RoomID = string(data.ShortID)
	}

	t := Type(env.EventType)
	switch t {
	case TypeSessionStarted, TypeSessionEnded, TypeStreamEnded, TypeFileOpening, TypeFileClosed:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
	if meta.RoomID == "" {
		return nil, fmt.Errorf("%s: %w", t, ErrMissingRoomID)
	}

	switch t {
	case TypeSessionStarted:
		return SessionStarted{Meta: meta}, nil
	case TypeSessionEnded:
		return SessionEnded{Meta: meta}, nil
	case TypeStreamEnded:
		return StreamEnded{Meta: meta}, nil
	case TypeFileOpening:
		if relPath == "" {
			return nil, fmt.Errorf("%s: %w", t, ErrMissingPath)
		}
		return FileOpening{Meta: meta, RelativePath: relPath, FileOpenTime: data.FileOpenTime}, nil
	default:
		if relPath == "" {
			return nil, fmt.Errorf("%s: %w", t, ErrMissingPath)
		}
		return FileClosed{
			Meta:          meta,
			RelativePath:  relPath,
			FileSize:      data.FileSize,
			Duration:      data.Duration,
			FileOpenTime:  data.FileOpenTime,
			FileCloseTime: data.FileCloseTime,
		}, nil
	}
}
