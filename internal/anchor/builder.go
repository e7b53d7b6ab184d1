package anchor

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/worldlock/internal/spatial"
)

// Reference density parameters. A 0.2m margin cannot be crossed within one
// frame at any plausible head speed.
const (
	DefaultMinRadius  = 1.0
	DefaultEdgeMargin = 0.2
)

// StepResult describes the topology changes of one Builder step.
type StepResult struct {
	// Created is the new anchor's id, InvalidID when none was created.
	Created AnchorID
	// CreationErr is set when the MIN region was empty but the provider
	// refused a new anchor. The region stays uncovered and the next step
	// retries.
	CreationErr error
	EdgesAdded  []Edge
	// ClusterSize is the number of located anchors within MIN.
	ClusterSize int
	// FailureStreak counts consecutive steps with a creation failure,
	// including this one.
	FailureStreak int
}

// Builder applies the density rules to a Store. Decisions depend only on
// the current anchors and tracked position; the failure streak is kept for
// reporting and never changes what a step does.
type Builder struct {
	store     *Store
	minRadius float64
	maxRadius float64
	streak    int
}

// NewBuilder returns a Builder with the given MIN and MAX radii. A MAX
// below MIN is raised to MIN.
func NewBuilder(store *Store, minRadius, maxRadius float64) *Builder {
	if maxRadius < minRadius {
		maxRadius = minRadius
	}
	return &Builder{store: store, minRadius: minRadius, maxRadius: maxRadius}
}

func (b *Builder) MinRadius() float64 { return b.minRadius }
func (b *Builder) MaxRadius() float64 { return b.maxRadius }

type candidate struct {
	id   AnchorID
	dist float64
}

// Step runs one frame of the topology rules at tracked position pos.
// Only located anchors take part.
//
//   - no located anchor within MIN: create one at pos and link it to every
//     located anchor within MAX
//   - two or more within MIN: link the closest (lowest id on a tie) to each
//     other member lacking an edge
//   - exactly one within MIN: nothing to do
func (b *Builder) Step(pos r3.Vec) StepResult {
	var inMin, inMax []candidate
	for _, a := range b.store.AllAnchors() {
		if !a.Spongy.IsLocated() {
			continue
		}
		d := a.Spongy.RawPose().DistanceTo(pos)
		if d < b.minRadius {
			inMin = append(inMin, candidate{a.ID, d})
		}
		if d < b.maxRadius {
			inMax = append(inMax, candidate{a.ID, d})
		}
	}

	res := StepResult{ClusterSize: len(inMin)}
	switch {
	case len(inMin) == 0:
		b.create(pos, inMax, &res)
	case len(inMin) >= 2:
		b.star(inMin, &res)
	}

	if res.CreationErr != nil {
		b.streak++
	} else {
		b.streak = 0
	}
	res.FailureStreak = b.streak
	return res
}

func (b *Builder) create(pos r3.Vec, neighbours []candidate, res *StepResult) {
	a, err := b.store.CreateAnchor(b.store.NextID(), spatial.At(pos.X, pos.Y, pos.Z))
	if err != nil {
		res.CreationErr = err
		return
	}
	res.Created = a.ID
	for _, n := range neighbours {
		if added, err := b.store.AddEdge(a.ID, n.id); err == nil && added {
			res.EdgesAdded = append(res.EdgesAdded, NewEdge(a.ID, n.id))
		}
	}
}

func (b *Builder) star(cluster []candidate, res *StepResult) {
	sort.Slice(cluster, func(i, j int) bool {
		if cluster[i].dist != cluster[j].dist {
			return cluster[i].dist < cluster[j].dist
		}
		return cluster[i].id < cluster[j].id
	})
	hub := cluster[0].id
	for _, c := range cluster[1:] {
		if added, err := b.store.AddEdge(hub, c.id); err == nil && added {
			res.EdgesAdded = append(res.EdgesAdded, NewEdge(hub, c.id))
		}
	}
}
