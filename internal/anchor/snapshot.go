package anchor

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/banshee-data/worldlock/internal/spatial"
)

// AnchorState is one anchor as published in a Snapshot. Anchors still in
// their debounce window are published with Located false.
type AnchorState struct {
	ID         AnchorID      `json:"id"`
	Pose       spatial.Pose  `json:"pose"`
	Located    bool          `json:"located"`
	Saved      bool          `json:"saved"`
	FrozenPose *spatial.Pose `json:"frozen_pose,omitempty"`
}

// Snapshot is the immutable per-frame view of the graph. Consumers must not
// modify it.
type Snapshot struct {
	Frame     uint64       `json:"frame"`
	Timestamp time.Time    `json:"timestamp"`
	State     State        `json:"state"`
	Tracking  bool         `json:"tracking"`
	Head      spatial.Pose `json:"head"`

	Anchors []AnchorState `json:"anchors"`
	Edges   []Edge        `json:"edges"`

	// MostSignificant is the located anchor closest to the head, InvalidID
	// when no anchor is located.
	MostSignificant AnchorID `json:"most_significant"`

	// Fragments are the connected components of the located sub-graph,
	// each sorted by id, ordered by their first id.
	Fragments [][]AnchorID `json:"fragments"`
}

// Anchor looks up an anchor by id.
func (s *Snapshot) Anchor(id AnchorID) (AnchorState, bool) {
	i := sort.Search(len(s.Anchors), func(i int) bool { return s.Anchors[i].ID >= id })
	if i < len(s.Anchors) && s.Anchors[i].ID == id {
		return s.Anchors[i], true
	}
	return AnchorState{}, false
}

// LocatedCount returns the number of located anchors.
func (s *Snapshot) LocatedCount() int {
	n := 0
	for _, a := range s.Anchors {
		if a.Located {
			n++
		}
	}
	return n
}

// buildSnapshot copies the store into a new Snapshot. located holds the
// debounced state sampled this frame.
func buildSnapshot(store *Store, located map[AnchorID]bool, head spatial.Pose) *Snapshot {
	snap := &Snapshot{Head: head}

	best := -1.0
	for _, a := range store.AllAnchors() {
		st := AnchorState{
			ID:      a.ID,
			Pose:    a.Spongy.RawPose(),
			Located: located[a.ID],
			Saved:   a.Spongy.IsSaved(),
		}
		if a.FrozenPose != nil {
			fp := *a.FrozenPose
			st.FrozenPose = &fp
		}
		snap.Anchors = append(snap.Anchors, st)

		if st.Located {
			d := spatial.Distance(st.Pose, head)
			if best < 0 || d < best {
				best = d
				snap.MostSignificant = a.ID
			}
		}
	}
	snap.Edges = store.Edges()
	snap.Fragments = fragments(snap.Anchors, snap.Edges)
	return snap
}

// fragments returns the connected components of the located sub-graph.
func fragments(anchors []AnchorState, edges []Edge) [][]AnchorID {
	g := simple.NewUndirectedGraph()
	located := make(map[AnchorID]bool, len(anchors))
	for _, a := range anchors {
		if !a.Located {
			continue
		}
		located[a.ID] = true
		g.AddNode(simple.Node(a.ID))
	}
	if len(located) == 0 {
		return nil
	}
	for _, e := range edges {
		if located[e.A] && located[e.B] {
			g.SetEdge(simple.Edge{F: simple.Node(e.A), T: simple.Node(e.B)})
		}
	}

	var out [][]AnchorID
	for _, comp := range topo.ConnectedComponents(g) {
		ids := make([]AnchorID, len(comp))
		for i, n := range comp {
			ids[i] = AnchorID(n.ID())
		}
		sortIDs(ids)
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
