package anchor

import (
	"fmt"
	"sort"
)

// AnchorID identifies an anchor for the lifetime of a session and across
// save/load cycles. Ids are issued in increasing order and never reused.
type AnchorID int64

const (
	// InvalidID is the zero value and never names an anchor.
	InvalidID AnchorID = 0
	// FirstValidID is the first id issued to a fresh store.
	FirstValidID AnchorID = 1
)

func (id AnchorID) IsValid() bool { return id >= FirstValidID }

func (id AnchorID) String() string { return fmt.Sprintf("anchor-%d", int64(id)) }

// Edge is an unordered pair of anchor ids, normalised so A < B.
type Edge struct {
	A AnchorID `json:"a"`
	B AnchorID `json:"b"`
}

// NewEdge returns the normalised edge between a and b.
func NewEdge(a, b AnchorID) Edge {
	if b < a {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// Touches reports whether id is one of the endpoints.
func (e Edge) Touches(id AnchorID) bool { return e.A == id || e.B == id }

func (e Edge) String() string { return fmt.Sprintf("%d-%d", int64(e.A), int64(e.B)) }

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
}

func sortIDs(ids []AnchorID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
