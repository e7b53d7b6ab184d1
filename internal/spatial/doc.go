// Package spatial holds the rigid pose type shared by the anchor graph,
// the pose feed and the alignment engine.
//
// Positions are gonum r3 vectors in metres and orientations are unit
// quaternions wrapped as r3.Rotation. All poses are expressed in a single
// right-handed frame; which frame (spongy or frozen) is a property of the
// caller, not of the value.
package spatial
