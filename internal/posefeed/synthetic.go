package posefeed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/worldlock/internal/spatial"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

// Walk generates a wandering head pose inside a square room. It is
// deterministic for a given seed.
type Walk struct {
	// Configuration
	StepM         float64 // metres moved per sample
	HeadHeightM   float64 // constant y of the head
	HalfExtentM   float64 // room half-width; the walk turns back at the wall
	TurnStdDevRad float64 // heading noise per sample
	DropoutEvery  int     // every N samples tracking drops out; 0 disables
	DropoutLength int     // samples per dropout

	clock   timeutil.Clock
	rng     *rand.Rand
	x, z    float64
	heading float64
	n       int
}

// NewWalk creates a walk starting at the origin facing -z.
func NewWalk(seed int64, clock timeutil.Clock) *Walk {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Walk{
		StepM:         0.02,
		HeadHeightM:   1.6,
		HalfExtentM:   5,
		TurnStdDevRad: 0.05,
		clock:         clock,
		rng:           rand.New(rand.NewSource(seed)),
		heading:       math.Pi,
	}
}

// Next advances the walk by one step.
func (w *Walk) Next() Sample {
	w.heading += w.rng.NormFloat64() * w.TurnStdDevRad

	// Bounce off the walls one axis at a time.
	if math.Abs(w.x+w.StepM*math.Sin(w.heading)) > w.HalfExtentM {
		w.heading = -w.heading
	}
	if math.Abs(w.z+w.StepM*math.Cos(w.heading)) > w.HalfExtentM {
		w.heading = math.Pi - w.heading
	}
	w.x += w.StepM * math.Sin(w.heading)
	w.z += w.StepM * math.Cos(w.heading)

	tracking := true
	if w.DropoutEvery > 0 && w.n%w.DropoutEvery >= w.DropoutEvery-w.DropoutLength {
		tracking = false
	}
	w.n++

	// Yaw about +y.
	half := w.heading / 2
	return Sample{
		Time:     w.clock.Now(),
		Pose:     spatial.NewPose(w.x, w.HeadHeightM, w.z, math.Cos(half), 0, math.Sin(half), 0),
		Tracking: tracking,
	}
}

// Run emits one sample per interval until ctx is done.
func (w *Walk) Run(ctx context.Context, interval time.Duration, sink Sink) error {
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			sink(w.Next())
		}
	}
}
