package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/rec-tender/dispatch"
	"github.com/onnwee/rec-tender/session"
)

// Journal writes settled sessions and dispatch records to Postgres.
type Journal struct{ DB *sql.DB }

// RecordSession stores the final snapshot of a settled or abandoned session.
func (j *Journal) RecordSession(ctx context.Context, s session.Session, outcome string) error {
	segs, err := json.Marshal(s.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	var ended sql.NullTime
	if s.EndTime != nil {
		ended = sql.NullTime{Time: *s.EndTime, Valid: true}
	}
	_, err = j.DB.ExecContext(ctx, `INSERT INTO recording_sessions
		(room_id, room_name, title, outcome, segment_count, segments, started_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.RoomID, s.RoomName, s.Title, outcome, len(s.Segments), segs, s.StartTime, ended)
	return err
}

// RecordDispatch stores one pipeline run.
func (j *Journal) RecordDispatch(ctx context.Context, rec dispatch.Record) error {
	_, err := j.DB.ExecContext(ctx, `INSERT INTO dispatches
		(id, room_id, media_path, annotation_path, merged, standalone, result, error, output, started_at, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Artifact.RoomID, rec.Artifact.MediaPath, rec.Artifact.AnnotationPath,
		rec.Artifact.Merged, rec.Artifact.Standalone, rec.Result, rec.Error, rec.Output,
		rec.StartedAt, rec.Duration.Milliseconds())
	return err
}

// RecentDispatches returns up to limit dispatch records, newest first,
// optionally filtered to one room.
func (j *Journal) RecentDispatches(ctx context.Context, roomID string, limit int) ([]dispatch.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.DB.QueryContext(ctx, `SELECT id, room_id, media_path, COALESCE(annotation_path,''),
			merged, standalone, result, COALESCE(error,''), COALESCE(output,''), started_at, duration_ms
		FROM dispatches
		WHERE ($1 = '' OR room_id = $1)
		ORDER BY started_at DESC
		LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Record
	for rows.Next() {
		var (
			rec dispatch.Record
			ms  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Artifact.RoomID, &rec.Artifact.MediaPath, &rec.Artifact.AnnotationPath,
			&rec.Artifact.Merged, &rec.Artifact.Standalone, &rec.Result, &rec.Error, &rec.Output,
			&rec.StartedAt, &ms); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
