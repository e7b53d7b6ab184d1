package anchor

import (
	"time"

	"github.com/banshee-data/worldlock/internal/spatial"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

// DefaultTrackingStartDelay covers the pose easing providers apply right
// after re-acquiring an anchor.
const DefaultTrackingStartDelay = 300 * time.Millisecond

// SpongyAnchor wraps one native anchor and debounces its located bit.
//
// IsLocated is true only when the native anchor reports reliably located
// and strictly more than the start delay has passed since the last
// unreliable reading. A zero lastNotLocated means the anchor has never been
// seen unreliable.
type SpongyAnchor struct {
	native         NativeAnchor
	clock          timeutil.Clock
	delay          time.Duration
	lastNotLocated time.Time
	saved          bool
}

// NewSpongyAnchor wraps native. A nil clock uses the wall clock.
func NewSpongyAnchor(native NativeAnchor, clock timeutil.Clock, delay time.Duration) *SpongyAnchor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SpongyAnchor{native: native, clock: clock, delay: delay}
}

// RawPose returns the native pose in provider coordinates.
func (s *SpongyAnchor) RawPose() spatial.Pose { return s.native.RawPose() }

// Observe samples the native located bit and records the time of an
// unreliable reading. The manager calls it once per frame so the debounce
// window advances even when nobody asks IsLocated.
func (s *SpongyAnchor) Observe() bool {
	if s.native.IsReliablyLocated() {
		return true
	}
	s.lastNotLocated = s.clock.Now()
	return false
}

// IsLocated reports the debounced located state.
func (s *SpongyAnchor) IsLocated() bool {
	if !s.Observe() {
		return false
	}
	if s.lastNotLocated.IsZero() {
		return true
	}
	return s.clock.Since(s.lastNotLocated) > s.delay
}

// IsLost reports permanent loss of the native anchor.
func (s *SpongyAnchor) IsLost() bool { return s.native.IsLost() }

// IsSaved reports whether the native anchor is known to be persisted.
func (s *SpongyAnchor) IsSaved() bool { return s.saved }

func (s *SpongyAnchor) setSaved(v bool) { s.saved = v }

// Reinitialize clears the saved flag of an anchor that has been seen
// unreliable since it was persisted, so the anchor is persisted again once
// it settles.
//
// The debounce window restarts at the current time rather than being
// cleared: a reinitialized anchor stays not located for a full
// TrackingStartDelay, even if its native anchor already reports reliable.
// Clearing the window would let a pose captured during the outage be
// published and re-saved before the tracker has settled.
func (s *SpongyAnchor) Reinitialize() {
	if s.saved && !s.lastNotLocated.IsZero() {
		s.saved = false
		s.lastNotLocated = s.clock.Now()
	}
}

// Native returns the wrapped handle.
func (s *SpongyAnchor) Native() NativeAnchor { return s.native }

func (s *SpongyAnchor) release() {
	if s.native != nil {
		s.native.Release()
	}
}
