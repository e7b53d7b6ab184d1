package spatial

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity is the pose with no translation and no rotation.
var Identity = Pose{Rotation: r3.Rotation{Real: 1}}

// Pose is a rigid transform: rotate by Rotation, then translate by Position.
type Pose struct {
	Position r3.Vec
	Rotation r3.Rotation
}

// NewPose builds a pose from a position and a (w, x, y, z) quaternion.
// The quaternion is normalised; a zero quaternion is treated as identity.
func NewPose(x, y, z, qw, qx, qy, qz float64) Pose {
	return Pose{
		Position: r3.Vec{X: x, Y: y, Z: z},
		Rotation: normalise(r3.Rotation{Real: qw, Imag: qx, Jmag: qy, Kmag: qz}),
	}
}

// At returns an unrotated pose at the given position.
func At(x, y, z float64) Pose {
	return Pose{Position: r3.Vec{X: x, Y: y, Z: z}, Rotation: Identity.Rotation}
}

// Distance is the Euclidean distance between the positions of a and b.
func Distance(a, b Pose) float64 {
	return r3.Norm(r3.Sub(a.Position, b.Position))
}

// DistanceTo is the Euclidean distance from the pose position to p.
func (p Pose) DistanceTo(v r3.Vec) float64 {
	return r3.Norm(r3.Sub(p.Position, v))
}

// Compose returns a∘b: the pose that applies b first and then a.
func Compose(a, b Pose) Pose {
	ra := a.rotation()
	rb := b.rotation()
	return Pose{
		Position: r3.Add(a.Position, ra.Rotate(b.Position)),
		Rotation: normalise(r3.Rotation(quat.Mul(quat.Number(ra), quat.Number(rb)))),
	}
}

// Inverse returns the pose q such that Compose(p, q) is the identity.
func (p Pose) Inverse() Pose {
	inv := r3.Rotation(quat.Conj(quat.Number(p.rotation())))
	return Pose{
		Position: r3.Scale(-1, inv.Rotate(p.Position)),
		Rotation: inv,
	}
}

// Transform maps a point through the pose.
func (p Pose) Transform(v r3.Vec) r3.Vec {
	return r3.Add(p.Position, p.rotation().Rotate(v))
}

// ApproxEqual reports whether the positions differ by at most posTol metres
// and the orientations by at most rotTol radians.
func ApproxEqual(a, b Pose, posTol, rotTol float64) bool {
	if Distance(a, b) > posTol {
		return false
	}
	return AngleBetween(a, b) <= rotTol
}

// AngleBetween is the smallest rotation angle (radians) taking a's
// orientation to b's.
func AngleBetween(a, b Pose) float64 {
	qa := quat.Number(a.rotation())
	qb := quat.Number(b.rotation())
	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	dot = math.Min(1, math.Abs(dot))
	return 2 * math.Acos(dot)
}

// IsFinite reports whether every component of the pose is finite.
func (p Pose) IsFinite() bool {
	for _, v := range []float64{
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Quaternion returns the orientation as (w, x, y, z).
func (p Pose) Quaternion() (w, x, y, z float64) {
	r := p.rotation()
	return r.Real, r.Imag, r.Jmag, r.Kmag
}

func (p Pose) String() string {
	w, x, y, z := p.Quaternion()
	return fmt.Sprintf("pos=(%.3f, %.3f, %.3f) rot=(%.4f, %.4f, %.4f, %.4f)",
		p.Position.X, p.Position.Y, p.Position.Z, w, x, y, z)
}

// rotation treats the zero quaternion as identity so that a zero Pose is
// usable.
func (p Pose) rotation() r3.Rotation {
	if p.Rotation == (r3.Rotation{}) {
		return Identity.Rotation
	}
	return p.Rotation
}

func normalise(r r3.Rotation) r3.Rotation {
	n := quat.Abs(quat.Number(r))
	if n == 0 || math.IsNaN(n) {
		return Identity.Rotation
	}
	if n == 1 {
		return r
	}
	return r3.Rotation(quat.Scale(1/n, quat.Number(r)))
}
