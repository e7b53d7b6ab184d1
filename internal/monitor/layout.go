package monitor

import (
	"fmt"

	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/anchordb"
)

// LayoutNode is one anchor projected onto the floor plane.
type LayoutNode struct {
	ID          anchor.AnchorID
	X, Z        float64
	Located     bool
	Significant bool
}

// LayoutLink joins two nodes by id.
type LayoutLink struct {
	A, B anchor.AnchorID
}

// GraphLayout is the top-down view drawn by both the chart page and the
// PNG renderer. Links whose endpoints are missing are skipped when drawn.
type GraphLayout struct {
	Title    string
	Subtitle string
	Nodes    []LayoutNode
	Links    []LayoutLink
}

// LayoutFromSnapshot projects the spongy poses of snap.
func LayoutFromSnapshot(snap *anchor.Snapshot) GraphLayout {
	l := GraphLayout{
		Title: "Anchor graph",
		Subtitle: fmt.Sprintf("frame %d, %s, %d/%d located, %d fragments",
			snap.Frame, snap.State, snap.LocatedCount(), len(snap.Anchors), len(snap.Fragments)),
	}
	for _, a := range snap.Anchors {
		l.Nodes = append(l.Nodes, LayoutNode{
			ID:          a.ID,
			X:           a.Pose.Position.X,
			Z:           a.Pose.Position.Z,
			Located:     a.Located,
			Significant: a.ID == snap.MostSignificant,
		})
	}
	for _, e := range snap.Edges {
		l.Links = append(l.Links, LayoutLink{A: e.A, B: e.B})
	}
	return l
}

// LayoutFromFrozen projects a persisted frozen registry. Every frozen
// anchor is drawn as located.
func LayoutFromFrozen(anchors []anchordb.FrozenRecord, edges []anchordb.FrozenEdge) GraphLayout {
	l := GraphLayout{
		Title:    "Frozen anchor graph",
		Subtitle: fmt.Sprintf("%d anchors, %d edges", len(anchors), len(edges)),
	}
	for _, a := range anchors {
		l.Nodes = append(l.Nodes, LayoutNode{
			ID:      anchor.AnchorID(a.AnchorID),
			X:       a.Pose.Position.X,
			Z:       a.Pose.Position.Z,
			Located: true,
		})
	}
	for _, e := range edges {
		l.Links = append(l.Links, LayoutLink{A: anchor.AnchorID(e.A), B: anchor.AnchorID(e.B)})
	}
	return l
}

func (l GraphLayout) index() map[anchor.AnchorID]LayoutNode {
	byID := make(map[anchor.AnchorID]LayoutNode, len(l.Nodes))
	for _, n := range l.Nodes {
		byID[n.ID] = n
	}
	return byID
}
