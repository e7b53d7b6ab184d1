// Package simprovider is a tracking platform driven by a pose feed. Native
// anchors are plain poses in tracker space; faults such as tracking
// dropouts, lost anchors, a creation ceiling and persistence failures can be
// injected at runtime.
package simprovider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/anchordb"
	"github.com/banshee-data/worldlock/internal/monitoring"
	"github.com/banshee-data/worldlock/internal/posefeed"
	"github.com/banshee-data/worldlock/internal/spatial"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

var (
	ErrNotTracking   = errors.New("tracking unavailable")
	ErrCapacity      = errors.New("native anchor capacity reached")
	ErrPersistFailed = errors.New("persist failed")
	ErrReleased      = errors.New("native anchor already released")
	ErrForeignNative = errors.New("native anchor not created by this provider")
)

// DefaultStaleAfter is how old the newest sample may be before tracking is
// considered unavailable.
const DefaultStaleAfter = 250 * time.Millisecond

// Options configures a Provider. Zero values select defaults.
type Options struct {
	Clock      timeutil.Clock
	StaleAfter time.Duration
	// Store defaults to a MemoryStore.
	Store NativeStore
	// SessionID tags persisted rows; a random UUID when empty.
	SessionID string
	// Capacity bounds live native anchors; 0 is unlimited.
	Capacity int
}

// Provider implements anchor.Provider on top of the latest pose sample.
type Provider struct {
	feed       *posefeed.Latest
	clock      timeutil.Clock
	staleAfter time.Duration
	store      NativeStore
	sessionID  string

	mu          sync.Mutex
	dropout     bool
	capacity    int
	live        map[*native]struct{}
	failPersist map[anchor.AnchorID]struct{}
	created     uint64
}

var _ anchor.Provider = (*Provider)(nil)

// New creates a Provider reading head poses from feed.
func New(feed *posefeed.Latest, opts Options) *Provider {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return &Provider{
		feed:        feed,
		clock:       opts.Clock,
		staleAfter:  opts.StaleAfter,
		store:       opts.Store,
		sessionID:   opts.SessionID,
		capacity:    opts.Capacity,
		live:        make(map[*native]struct{}),
		failPersist: make(map[anchor.AnchorID]struct{}),
	}
}

// SessionID tags every row this provider persists.
func (p *Provider) SessionID() string { return p.sessionID }

// CurrentTrackedPose returns the newest head pose, or the identity before
// any sample has arrived.
func (p *Provider) CurrentTrackedPose() spatial.Pose {
	s, ok := p.feed.Get()
	if !ok {
		return spatial.Identity
	}
	return s.Pose
}

// IsTrackingAvailable requires a fresh sample flagged as tracking and no
// injected dropout.
func (p *Provider) IsTrackingAvailable() bool {
	p.mu.Lock()
	dropout := p.dropout
	p.mu.Unlock()
	if dropout {
		return false
	}
	s, ok := p.feed.Get()
	if !ok || !s.Tracking {
		return false
	}
	return p.feed.Age() <= p.staleAfter
}

func (p *Provider) AttemptCreateNativeAnchor(pose spatial.Pose) (anchor.NativeAnchor, error) {
	if !p.IsTrackingAvailable() {
		return nil, ErrNotTracking
	}
	return p.newNative(pose)
}

func (p *Provider) AttemptLoadNativeAnchor(ctx context.Context, id anchor.AnchorID) (anchor.NativeAnchor, error) {
	rec, err := p.store.GetNative(ctx, int64(id))
	if err != nil {
		return nil, err
	}
	return p.newNative(rec.Pose)
}

func (p *Provider) PersistNativeAnchor(ctx context.Context, id anchor.AnchorID, na anchor.NativeAnchor) error {
	n, ok := na.(*native)
	if !ok || n.provider != p {
		return ErrForeignNative
	}
	if n.isReleased() {
		return fmt.Errorf("persist anchor %d: %w", id, ErrReleased)
	}
	p.mu.Lock()
	_, fail := p.failPersist[id]
	p.mu.Unlock()
	if fail {
		return fmt.Errorf("persist anchor %d: %w", id, ErrPersistFailed)
	}
	return p.store.PutNative(ctx, anchordb.NativeRecord{
		AnchorID:  int64(id),
		Pose:      n.RawPose(),
		SessionID: p.sessionID,
		SavedAt:   p.clock.Now(),
	})
}

func (p *Provider) newNative(pose spatial.Pose) (*native, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacity > 0 && len(p.live) >= p.capacity {
		return nil, ErrCapacity
	}
	n := &native{provider: p, pose: pose}
	p.live[n] = struct{}{}
	p.created++
	return n, nil
}

func (p *Provider) release(n *native) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, n)
}

// SetDropout forces tracking unavailable while on.
func (p *Provider) SetDropout(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropout != on {
		monitoring.Logf("[SimProvider] tracking dropout %t", on)
	}
	p.dropout = on
}

// SetCapacity changes the live native anchor ceiling; 0 is unlimited.
func (p *Provider) SetCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = n
}

// FailPersist makes persisting id fail while on.
func (p *Provider) FailPersist(id anchor.AnchorID, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.failPersist[id] = struct{}{}
	} else {
		delete(p.failPersist, id)
	}
}

// MarkLostWithin marks every live native anchor within radius of center as
// permanently lost and returns how many were marked.
func (p *Provider) MarkLostWithin(center r3.Vec, radius float64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	marked := 0
	for n := range p.live {
		if n.RawPose().DistanceTo(center) <= radius && n.markLost() {
			marked++
		}
	}
	if marked > 0 {
		monitoring.Logf("[SimProvider] marked %d native anchors lost near %v", marked, center)
	}
	return marked
}

// LiveCount is the number of unreleased native anchors.
func (p *Provider) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// CreatedCount is the number of native anchors ever created or loaded.
func (p *Provider) CreatedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

type native struct {
	provider *Provider
	pose     spatial.Pose

	mu       sync.Mutex
	lost     bool
	released bool
}

func (n *native) RawPose() spatial.Pose { return n.pose }

func (n *native) IsReliablyLocated() bool {
	if n.IsLost() {
		return false
	}
	return n.provider.IsTrackingAvailable()
}

func (n *native) IsLost() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost
}

func (n *native) Release() {
	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return
	}
	n.released = true
	n.mu.Unlock()
	n.provider.release(n)
}

func (n *native) markLost() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lost {
		return false
	}
	n.lost = true
	return true
}

func (n *native) isReleased() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.released
}
