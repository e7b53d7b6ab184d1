package anchordb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/worldlock/internal/spatial"
)

// NativeRecord is the provider-side persisted form of one native anchor.
type NativeRecord struct {
	AnchorID  int64
	Pose      spatial.Pose
	SessionID string
	SavedAt   time.Time
}

// PutNative inserts or replaces the record for r.AnchorID.
func (db *DB) PutNative(ctx context.Context, r NativeRecord) error {
	w, x, y, z := r.Pose.Quaternion()
	_, err := db.ExecContext(ctx, `
		INSERT INTO native_anchors (anchor_id, x, y, z, qw, qx, qy, qz, session_id, saved_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(anchor_id) DO UPDATE SET
			x = excluded.x, y = excluded.y, z = excluded.z,
			qw = excluded.qw, qx = excluded.qx, qy = excluded.qy, qz = excluded.qz,
			session_id = excluded.session_id,
			saved_unix_nanos = excluded.saved_unix_nanos`,
		r.AnchorID, r.Pose.Position.X, r.Pose.Position.Y, r.Pose.Position.Z,
		w, x, y, z, r.SessionID, r.SavedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put native anchor %d: %w", r.AnchorID, err)
	}
	return nil
}

// GetNative returns the record for id, wrapping ErrNotFound when absent.
func (db *DB) GetNative(ctx context.Context, id int64) (NativeRecord, error) {
	row := db.QueryRowContext(ctx, `
		SELECT anchor_id, x, y, z, qw, qx, qy, qz, session_id, saved_unix_nanos
		FROM native_anchors WHERE anchor_id = ?`, id)
	r, err := scanNative(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NativeRecord{}, fmt.Errorf("native anchor %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return NativeRecord{}, fmt.Errorf("get native anchor %d: %w", id, err)
	}
	return r, nil
}

// DeleteNative removes the record for id. Deleting a missing id is not an
// error.
func (db *DB) DeleteNative(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM native_anchors WHERE anchor_id = ?`, id); err != nil {
		return fmt.Errorf("delete native anchor %d: %w", id, err)
	}
	return nil
}

// ListNative returns every native record ordered by id.
func (db *DB) ListNative(ctx context.Context) ([]NativeRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT anchor_id, x, y, z, qw, qx, qy, qz, session_id, saved_unix_nanos
		FROM native_anchors ORDER BY anchor_id`)
	if err != nil {
		return nil, fmt.Errorf("list native anchors: %w", err)
	}
	defer rows.Close()

	var out []NativeRecord
	for rows.Next() {
		r, err := scanNative(rows)
		if err != nil {
			return nil, fmt.Errorf("list native anchors: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNative(s scanner) (NativeRecord, error) {
	var r NativeRecord
	var x, y, z, qw, qx, qy, qz float64
	var nanos int64
	if err := s.Scan(&r.AnchorID, &x, &y, &z, &qw, &qx, &qy, &qz, &r.SessionID, &nanos); err != nil {
		return NativeRecord{}, err
	}
	r.Pose = spatial.NewPose(x, y, z, qw, qx, qy, qz)
	r.SavedAt = time.Unix(0, nanos).UTC()
	return r, nil
}
