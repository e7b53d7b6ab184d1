package anchor

import (
	"context"

	"github.com/banshee-data/worldlock/internal/spatial"
)

// NativeAnchor is a platform anchor handle.
type NativeAnchor interface {
	// RawPose is the anchor's pose in provider coordinates.
	RawPose() spatial.Pose
	// IsReliablyLocated is the provider's instantaneous tracking bit.
	IsReliablyLocated() bool
	// IsLost reports permanent loss. A transient tracking gap is not loss.
	IsLost() bool
	// Release frees the platform resources. The handle must not be used
	// afterwards.
	Release()
}

// Provider is the tracking platform. Implementations must tolerate
// AttemptLoadNativeAnchor and PersistNativeAnchor being called from a
// goroutine other than the frame goroutine.
type Provider interface {
	CurrentTrackedPose() spatial.Pose
	IsTrackingAvailable() bool
	AttemptCreateNativeAnchor(pose spatial.Pose) (NativeAnchor, error)
	AttemptLoadNativeAnchor(ctx context.Context, id AnchorID) (NativeAnchor, error)
	PersistNativeAnchor(ctx context.Context, id AnchorID, native NativeAnchor) error
}

// FrozenRegistry is the alignment engine's set of frozen-space anchors.
// Load restores exactly the ids it holds. FrozenAnchorIDs may be called
// from a load goroutine.
type FrozenRegistry interface {
	FrozenAnchorIDs() []AnchorID
	FrozenPose(id AnchorID) (spatial.Pose, bool)
	RemoveFrozenAnchor(id AnchorID)
}

// Publisher receives every frame's snapshot on the frame goroutine.
// Implementations must not block.
type Publisher interface {
	Publish(snap *Snapshot)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(*Snapshot)

func (f PublisherFunc) Publish(snap *Snapshot) { f(snap) }
