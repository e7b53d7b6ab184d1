package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/worldlock/internal/monitoring"
	"github.com/banshee-data/worldlock/internal/spatial"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

var errFake = errors.New("fake provider failure")

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeNative struct {
	mu       sync.Mutex
	pose     spatial.Pose
	reliable bool
	lost     bool
	released bool
}

func (n *fakeNative) RawPose() spatial.Pose {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pose
}

func (n *fakeNative) IsReliablyLocated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reliable && !n.lost
}

func (n *fakeNative) IsLost() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost
}

func (n *fakeNative) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = true
}

func (n *fakeNative) setReliable(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reliable = v
}

func (n *fakeNative) setLost() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lost = true
}

func (n *fakeNative) isReleased() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.released
}

// fakeProvider is an in-memory Provider. persistGate, when set, blocks
// PersistNativeAnchor until it is closed or ctx ends.
type fakeProvider struct {
	mu           sync.Mutex
	head         spatial.Pose
	tracking     bool
	rejectCreate bool
	natives      map[AnchorID]*fakeNative
	created      []*fakeNative
	persisted    map[AnchorID]spatial.Pose
	failPersist  map[AnchorID]bool
	failLoad     map[AnchorID]bool
	persistGate  chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		head:        spatial.Identity,
		tracking:    true,
		natives:     make(map[AnchorID]*fakeNative),
		persisted:   make(map[AnchorID]spatial.Pose),
		failPersist: make(map[AnchorID]bool),
		failLoad:    make(map[AnchorID]bool),
	}
}

func (p *fakeProvider) CurrentTrackedPose() spatial.Pose {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head
}

func (p *fakeProvider) IsTrackingAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracking
}

func (p *fakeProvider) AttemptCreateNativeAnchor(pose spatial.Pose) (NativeAnchor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectCreate {
		return nil, errFake
	}
	n := &fakeNative{pose: pose, reliable: true}
	p.created = append(p.created, n)
	return n, nil
}

func (p *fakeProvider) AttemptLoadNativeAnchor(ctx context.Context, id AnchorID) (NativeAnchor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failLoad[id] {
		return nil, fmt.Errorf("anchor %d: %w", id, errFake)
	}
	pose, ok := p.persisted[id]
	if !ok {
		return nil, fmt.Errorf("anchor %d not persisted", id)
	}
	n := &fakeNative{pose: pose, reliable: true}
	p.natives[id] = n
	return n, nil
}

func (p *fakeProvider) PersistNativeAnchor(ctx context.Context, id AnchorID, native NativeAnchor) error {
	p.mu.Lock()
	gate := p.persistGate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPersist[id] {
		return errFake
	}
	p.persisted[id] = native.RawPose()
	return nil
}

func (p *fakeProvider) setHead(x, y, z float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = spatial.At(x, y, z)
}

func (p *fakeProvider) setTracking(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracking = v
}

func (p *fakeProvider) setRejectCreate(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectCreate = v
}

func (p *fakeProvider) setFailPersist(id AnchorID, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPersist[id] = v
}

func (p *fakeProvider) setPersistGate(ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persistGate = ch
}

func (p *fakeProvider) persistedIDs() map[AnchorID]spatial.Pose {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[AnchorID]spatial.Pose, len(p.persisted))
	for id, pose := range p.persisted {
		out[id] = pose
	}
	return out
}

type fakeRegistry struct {
	mu    sync.Mutex
	poses map[AnchorID]spatial.Pose
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{poses: make(map[AnchorID]spatial.Pose)}
}

func (r *fakeRegistry) FrozenAnchorIDs() []AnchorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]AnchorID, 0, len(r.poses))
	for id := range r.poses {
		ids = append(ids, id)
	}
	return ids
}

func (r *fakeRegistry) FrozenPose(id AnchorID) (spatial.Pose, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.poses[id]
	return p, ok
}

func (r *fakeRegistry) RemoveFrozenAnchor(id AnchorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.poses, id)
}

func (r *fakeRegistry) freeze(id AnchorID, pose spatial.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poses[id] = pose
}

func (r *fakeRegistry) has(id AnchorID) bool {
	_, ok := r.FrozenPose(id)
	return ok
}

// newTestStore returns a store on a mock clock with a recording reporter.
func newTestStore(t *testing.T, p Provider, reg FrozenRegistry) (*Store, *timeutil.MockClock, *monitoring.Recorder) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	rec := monitoring.NewRecorder(64)
	s := NewStore(p, StoreOptions{
		Registry:           reg,
		Clock:              clock,
		TrackingStartDelay: DefaultTrackingStartDelay,
		Reporter:           rec,
	})
	return s, clock, rec
}

func mustCreate(t *testing.T, s *Store, x, y, z float64) *Anchor {
	t.Helper()
	a, err := s.CreateAnchor(s.NextID(), spatial.At(x, y, z))
	if err != nil {
		t.Fatalf("CreateAnchor(%v, %v, %v): %v", x, y, z, err)
	}
	return a
}

func nativeOf(a *Anchor) *fakeNative { return a.Spongy.Native().(*fakeNative) }
