package anchordb

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/worldlock/internal/spatial"
)

// FrozenRecord is one anchor of the frozen registry.
type FrozenRecord struct {
	AnchorID  int64
	Pose      spatial.Pose
	UpdatedAt time.Time
}

// FrozenEdge links two frozen anchors. A < B is enforced on write.
type FrozenEdge struct {
	A, B int64
}

// ReplaceFrozen atomically replaces the whole frozen registry. Edges whose
// endpoints are not in anchors are rejected by the foreign keys.
func (db *DB) ReplaceFrozen(ctx context.Context, anchors []FrozenRecord, edges []FrozenEdge) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace frozen registry: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM frozen_edges`); err != nil {
		return fmt.Errorf("clear frozen edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM frozen_anchors`); err != nil {
		return fmt.Errorf("clear frozen anchors: %w", err)
	}

	anchorStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO frozen_anchors (anchor_id, x, y, z, qw, qx, qy, qz, updated_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare frozen anchor insert: %w", err)
	}
	defer anchorStmt.Close()
	for _, a := range anchors {
		w, x, y, z := a.Pose.Quaternion()
		p := a.Pose.Position
		if _, err := anchorStmt.ExecContext(ctx, a.AnchorID, p.X, p.Y, p.Z, w, x, y, z, a.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert frozen anchor %d: %w", a.AnchorID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO frozen_edges (anchor_a, anchor_b) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare frozen edge insert: %w", err)
	}
	defer edgeStmt.Close()
	for _, e := range edges {
		a, b := e.A, e.B
		if b < a {
			a, b = b, a
		}
		if _, err := edgeStmt.ExecContext(ctx, a, b); err != nil {
			return fmt.Errorf("insert frozen edge %d-%d: %w", a, b, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit frozen registry: %w", err)
	}
	return nil
}

// ListFrozen returns the frozen anchors ordered by id.
func (db *DB) ListFrozen(ctx context.Context) ([]FrozenRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT anchor_id, x, y, z, qw, qx, qy, qz, updated_unix_nanos
		FROM frozen_anchors ORDER BY anchor_id`)
	if err != nil {
		return nil, fmt.Errorf("list frozen anchors: %w", err)
	}
	defer rows.Close()

	var out []FrozenRecord
	for rows.Next() {
		var r FrozenRecord
		var x, y, z, qw, qx, qy, qz float64
		var nanos int64
		if err := rows.Scan(&r.AnchorID, &x, &y, &z, &qw, &qx, &qy, &qz, &nanos); err != nil {
			return nil, fmt.Errorf("scan frozen anchor: %w", err)
		}
		r.Pose = spatial.NewPose(x, y, z, qw, qx, qy, qz)
		r.UpdatedAt = time.Unix(0, nanos).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListFrozenEdges returns the frozen edges ordered by (A, B).
func (db *DB) ListFrozenEdges(ctx context.Context) ([]FrozenEdge, error) {
	rows, err := db.QueryContext(ctx, `SELECT anchor_a, anchor_b FROM frozen_edges ORDER BY anchor_a, anchor_b`)
	if err != nil {
		return nil, fmt.Errorf("list frozen edges: %w", err)
	}
	defer rows.Close()

	var out []FrozenEdge
	for rows.Next() {
		var e FrozenEdge
		if err := rows.Scan(&e.A, &e.B); err != nil {
			return nil, fmt.Errorf("scan frozen edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteFrozen removes one frozen anchor and, through the foreign keys,
// its edges. It reports whether a row was deleted.
func (db *DB) DeleteFrozen(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM frozen_anchors WHERE anchor_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete frozen anchor %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete frozen anchor %d: %w", id, err)
	}
	return n > 0, nil
}
