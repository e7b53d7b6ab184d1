// Package alignment keeps the frozen registry: a copy of the anchor graph in
// a stable "frozen" space that does not drift with the tracker. Each
// located anchor is frozen once, at the pose the current frozen-from-spongy
// transform maps it to, and the transform is re-derived every frame from the
// anchor nearest the head.
package alignment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/anchordb"
	"github.com/banshee-data/worldlock/internal/monitoring"
	"github.com/banshee-data/worldlock/internal/spatial"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

// FrozenStore persists the registry. *anchordb.DB implements it.
type FrozenStore interface {
	ReplaceFrozen(ctx context.Context, anchors []anchordb.FrozenRecord, edges []anchordb.FrozenEdge) error
	ListFrozen(ctx context.Context) ([]anchordb.FrozenRecord, error)
	ListFrozenEdges(ctx context.Context) ([]anchordb.FrozenEdge, error)
}

var _ FrozenStore = (*anchordb.DB)(nil)

type frozenAnchor struct {
	record anchordb.FrozenRecord
}

// Engine is both the anchor manager's frozen registry and one of its
// publishers.
type Engine struct {
	clock timeutil.Clock

	mu               sync.RWMutex
	frozen           map[anchor.AnchorID]frozenAnchor
	edges            map[anchor.Edge]struct{}
	frozenFromSpongy spatial.Pose
	reference        anchor.AnchorID
	dirty            bool
}

var (
	_ anchor.FrozenRegistry = (*Engine)(nil)
	_ anchor.Publisher      = (*Engine)(nil)
)

// NewEngine creates an empty registry with an identity transform.
func NewEngine(clock timeutil.Clock) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		clock:            clock,
		frozen:           make(map[anchor.AnchorID]frozenAnchor),
		edges:            make(map[anchor.Edge]struct{}),
		frozenFromSpongy: spatial.Identity,
	}
}

// Publish updates the transform from the most significant anchor, freezes
// newly located anchors and records edges between frozen anchors.
func (e *Engine) Publish(snap *anchor.Snapshot) {
	if snap == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if ref, ok := snap.Anchor(snap.MostSignificant); ok && ref.Located {
		if f, ok := e.frozen[ref.ID]; ok {
			e.frozenFromSpongy = spatial.Compose(f.record.Pose, ref.Pose.Inverse())
			e.reference = ref.ID
		}
	}

	now := e.clock.Now()
	for _, a := range snap.Anchors {
		if !a.Located {
			continue
		}
		if _, ok := e.frozen[a.ID]; ok {
			continue
		}
		e.frozen[a.ID] = frozenAnchor{record: anchordb.FrozenRecord{
			AnchorID:  int64(a.ID),
			Pose:      spatial.Compose(e.frozenFromSpongy, a.Pose),
			UpdatedAt: now,
		}}
		e.dirty = true
	}

	// A reference frozen just now already agrees with the transform.
	if _, ok := e.frozen[snap.MostSignificant]; ok && e.reference != snap.MostSignificant {
		if ref, ok := snap.Anchor(snap.MostSignificant); ok && ref.Located {
			e.reference = ref.ID
		}
	}

	for _, edge := range snap.Edges {
		if _, ok := e.edges[edge]; ok {
			continue
		}
		_, okA := e.frozen[edge.A]
		_, okB := e.frozen[edge.B]
		if okA && okB {
			e.edges[edge] = struct{}{}
			e.dirty = true
		}
	}
}

func (e *Engine) FrozenAnchorIDs() []anchor.AnchorID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]anchor.AnchorID, 0, len(e.frozen))
	for id := range e.frozen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) FrozenPose(id anchor.AnchorID) (spatial.Pose, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.frozen[id]
	return f.record.Pose, ok
}

// RemoveFrozenAnchor drops id and every frozen edge touching it.
func (e *Engine) RemoveFrozenAnchor(id anchor.AnchorID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.frozen[id]; !ok {
		return
	}
	delete(e.frozen, id)
	for edge := range e.edges {
		if edge.Touches(id) {
			delete(e.edges, edge)
		}
	}
	if e.reference == id {
		e.reference = anchor.InvalidID
	}
	e.dirty = true
	monitoring.Logf("[Alignment] removed frozen anchor %d", id)
}

// FrozenFromSpongy maps spongy (tracker) space into frozen space.
func (e *Engine) FrozenFromSpongy() spatial.Pose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frozenFromSpongy
}

// Reference is the anchor the current transform was derived from.
func (e *Engine) Reference() anchor.AnchorID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reference
}

// Edges returns the frozen edges sorted by (A, B).
func (e *Engine) Edges() []anchor.Edge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	edges := make([]anchor.Edge, 0, len(e.edges))
	for edge := range e.edges {
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	return edges
}

// Dirty reports whether the registry changed since the last save or load.
func (e *Engine) Dirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}

// SaveTo replaces the stored registry with the in-memory one.
func (e *Engine) SaveTo(ctx context.Context, store FrozenStore) error {
	e.mu.RLock()
	anchors := make([]anchordb.FrozenRecord, 0, len(e.frozen))
	for _, f := range e.frozen {
		anchors = append(anchors, f.record)
	}
	edges := make([]anchordb.FrozenEdge, 0, len(e.edges))
	for edge := range e.edges {
		edges = append(edges, anchordb.FrozenEdge{A: int64(edge.A), B: int64(edge.B)})
	}
	e.mu.RUnlock()

	sort.Slice(anchors, func(i, j int) bool { return anchors[i].AnchorID < anchors[j].AnchorID })
	if err := store.ReplaceFrozen(ctx, anchors, edges); err != nil {
		return fmt.Errorf("save frozen registry: %w", err)
	}

	e.mu.Lock()
	e.dirty = false
	e.mu.Unlock()
	monitoring.Logf("[Alignment] saved %d frozen anchors and %d edges", len(anchors), len(edges))
	return nil
}

// LoadFrom replaces the in-memory registry with the stored one and resets
// the transform to identity.
func (e *Engine) LoadFrom(ctx context.Context, store FrozenStore) error {
	records, err := store.ListFrozen(ctx)
	if err != nil {
		return fmt.Errorf("load frozen anchors: %w", err)
	}
	stored, err := store.ListFrozenEdges(ctx)
	if err != nil {
		return fmt.Errorf("load frozen edges: %w", err)
	}

	frozen := make(map[anchor.AnchorID]frozenAnchor, len(records))
	for _, r := range records {
		frozen[anchor.AnchorID(r.AnchorID)] = frozenAnchor{record: r}
	}
	edges := make(map[anchor.Edge]struct{}, len(stored))
	for _, s := range stored {
		edge := anchor.NewEdge(anchor.AnchorID(s.A), anchor.AnchorID(s.B))
		_, okA := frozen[edge.A]
		_, okB := frozen[edge.B]
		if edge.A == edge.B || !okA || !okB {
			monitoring.Logf("[Alignment] skipping stored edge %s", edge)
			continue
		}
		edges[edge] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.frozen = frozen
	e.edges = edges
	e.frozenFromSpongy = spatial.Identity
	e.reference = anchor.InvalidID
	e.dirty = false
	monitoring.Logf("[Alignment] loaded %d frozen anchors and %d edges", len(frozen), len(edges))
	return nil
}
