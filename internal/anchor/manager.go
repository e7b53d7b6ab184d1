package anchor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/worldlock/internal/config"
	"github.com/banshee-data/worldlock/internal/monitoring"
	"github.com/banshee-data/worldlock/internal/spatial"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

// Config holds the manager parameters.
type Config struct {
	MinRadius          float64
	MaxRadius          float64
	TrackingStartDelay time.Duration
	PersistenceEnabled bool
	SaveInterval       time.Duration
	// MaxLocalAnchors caps the number of live anchors; 0 is unlimited.
	MaxLocalAnchors int
	// CreationFailureWarnFrames is the consecutive creation failure count
	// that triggers a warning, repeated at every multiple; 0 never warns.
	CreationFailureWarnFrames int
}

// DefaultConfig returns the reference parameters.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyConfig())
}

// ConfigFromTuning builds a Config from a loaded configuration file.
func ConfigFromTuning(c *config.AnchorConfig) Config {
	return Config{
		MinRadius:                 c.GetMinRadius(),
		MaxRadius:                 c.GetMaxRadius(),
		TrackingStartDelay:        c.GetTrackingStartDelay(),
		PersistenceEnabled:        c.GetPersistenceEnabled(),
		SaveInterval:              c.GetSaveInterval(),
		MaxLocalAnchors:           c.GetMaxLocalAnchors(),
		CreationFailureWarnFrames: c.GetCreationFailureWarnFrames(),
	}
}

// Options carries the manager's collaborators. Zero values select
// defaults.
type Options struct {
	Registry   FrozenRegistry
	Publishers []Publisher
	Clock      timeutil.Clock
	Reporter   monitoring.Reporter
}

// Manager drives the anchor graph lifecycle:
//
//	Uninitialized -> Loading -> Tracking <-> Saving, and ShutDown from any.
//
// Update, Start and Shutdown serialise on an internal mutex and are meant to
// be called from the frame goroutine. State, CurrentGraph and RequestReset
// are safe from any goroutine.
type Manager struct {
	cfg      Config
	provider Provider
	registry FrozenRegistry
	clock    timeutil.Clock
	reporter monitoring.Reporter
	store    *Store
	builder  *Builder

	mu         sync.Mutex
	publishers []Publisher
	frame      uint64
	ctx        context.Context
	cancel     context.CancelFunc

	loadCh     chan loadResult // nil when no load is in flight
	loadCancel context.CancelFunc
	orphans    []chan loadResult
	saveCh     chan []SaveResult // nil when no save is in flight

	lastSave     time.Time
	lastHead     spatial.Pose
	trackingLost bool

	state          atomic.Int32
	resetRequested atomic.Bool
	current        atomic.Pointer[Snapshot]
}

// NewManager returns a manager in the Uninitialized state.
func NewManager(provider Provider, cfg Config, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Reporter == nil {
		opts.Reporter = monitoring.LogReporter{Prefix: "[AnchorManager]"}
	}
	store := NewStore(provider, StoreOptions{
		Registry:           opts.Registry,
		Clock:              opts.Clock,
		TrackingStartDelay: cfg.TrackingStartDelay,
		Reporter:           opts.Reporter,
	})
	return &Manager{
		cfg:        cfg,
		provider:   provider,
		registry:   opts.Registry,
		clock:      opts.Clock,
		reporter:   opts.Reporter,
		store:      store,
		builder:    NewBuilder(store, cfg.MinRadius, cfg.MaxRadius),
		publishers: append([]Publisher(nil), opts.Publishers...),
		lastHead:   spatial.Identity,
	}
}

// AddPublisher registers p to receive every subsequent snapshot.
func (m *Manager) AddPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, p)
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) { m.state.Store(int32(s)) }

// CurrentGraph returns the latest published snapshot, nil before the first
// frame.
func (m *Manager) CurrentGraph() *Snapshot { return m.current.Load() }

// RequestReset queues a reset. On the next frame the graph is cleared and
// the manager reloads from persistence.
func (m *Manager) RequestReset() { m.resetRequested.Store(true) }

// Start moves the manager to Loading and dispatches the initial load. The
// background work outlives cancellation of ctx; it is stopped by Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateUninitialized:
	case StateShutDown:
		return ErrShutDown
	default:
		return ErrAlreadyStarted
	}

	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.setState(StateLoading)
	m.dispatchLoad()
	monitoring.Logf("[AnchorManager] started: min=%.2fm max=%.2fm delay=%s persistence=%t",
		m.cfg.MinRadius, m.cfg.MaxRadius, m.cfg.TrackingStartDelay, m.cfg.PersistenceEnabled)
	return nil
}

// Update runs one frame and returns the snapshot it published.
func (m *Manager) Update(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateUninitialized:
		return nil, ErrNotStarted
	case StateShutDown:
		return nil, ErrShutDown
	}

	m.frame++
	now := m.clock.Now()

	if m.resetRequested.Swap(false) {
		m.reset()
	}
	m.collect()

	tracking := m.provider.IsTrackingAvailable()
	if tracking {
		m.lastHead = m.provider.CurrentTrackedPose()
	}

	var located map[AnchorID]bool
	if m.State() != StateLoading {
		m.trackOutage(tracking)
		m.observe()
		if tracking {
			res := m.builder.Step(m.lastHead.Position)
			m.afterStep(res)
		}
		located = m.sampleLocated()
		m.maybeSave(now, located)
	}
	m.refreshFrozen()

	snap := buildSnapshot(m.store, located, m.lastHead)
	snap.Frame = m.frame
	snap.Timestamp = now
	snap.State = m.State()
	snap.Tracking = tracking

	m.current.Store(snap)
	for _, p := range m.publishers {
		p.Publish(snap)
	}
	return snap, nil
}

// Shutdown waits for an in-flight save until ctx ends, then abandons it.
// The in-memory graph is left intact and the last snapshot stays
// available from CurrentGraph.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateShutDown:
		return nil
	case StateUninitialized:
		m.setState(StateShutDown)
		return nil
	}

	var err error
	if m.saveCh != nil {
		select {
		case results := <-m.saveCh:
			m.saveCh = nil
			saved, failed := m.store.applySaveResults(results)
			monitoring.Logf("[AnchorManager] final save settled: %d saved, %d failed", saved, failed)
		case <-ctx.Done():
			monitoring.Warnf("[AnchorManager] abandoning in-flight save: %v", ctx.Err())
			err = fmt.Errorf("shutdown: save abandoned: %w", ctx.Err())
		}
	}

	m.cancel()
	m.setState(StateShutDown)
	if cur := m.current.Load(); cur != nil {
		final := *cur
		final.State = StateShutDown
		m.current.Store(&final)
	}
	monitoring.Logf("[AnchorManager] shut down after %d frames with %d anchors", m.frame, m.store.Len())
	return err
}

// ----------------------------------------------------------------------------
// Persistence

func (m *Manager) dispatchLoad() {
	ch := make(chan loadResult, 1)
	m.loadCh = ch
	startingID := m.store.NextID()
	if !m.cfg.PersistenceEnabled {
		// Nothing is restored, so new ids must stay clear of anchors the
		// registry still remembers from earlier sessions.
		ch <- loadResult{startingID: m.idAboveRegistry(startingID)}
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.loadCancel = cancel
	go func() {
		defer cancel()
		ch <- m.store.fetch(ctx, startingID)
	}()
}

func (m *Manager) idAboveRegistry(id AnchorID) AnchorID {
	if m.registry == nil {
		return id
	}
	for _, frozen := range m.registry.FrozenAnchorIDs() {
		if frozen >= id {
			id = frozen + 1
		}
	}
	return id
}

func (m *Manager) dispatchSave(targets []saveTarget) {
	ch := make(chan []SaveResult, 1)
	m.saveCh = ch
	m.setState(StateSaving)
	ctx := m.ctx
	go func() {
		ch <- m.store.persist(ctx, targets)
	}()
}

// collect applies settled asynchronous results on the frame goroutine.
func (m *Manager) collect() {
	m.drainOrphans()

	if m.loadCh != nil {
		select {
		case res := <-m.loadCh:
			m.loadCh = nil
			m.loadCancel = nil
			m.finishLoad(res)
		default:
		}
	}

	if m.saveCh != nil {
		select {
		case results := <-m.saveCh:
			m.saveCh = nil
			saved, failed := m.store.applySaveResults(results)
			if failed > 0 {
				monitoring.Warnf("[AnchorManager] save pass: %d saved, %d failed; retrying next pass", saved, failed)
			}
			if m.State() == StateSaving {
				m.setState(StateTracking)
			}
		default:
		}
	}
}

func (m *Manager) finishLoad(res loadResult) {
	anchors, err := m.store.adopt(res)
	for _, a := range anchors {
		a.Spongy.Reinitialize()
	}
	if err != nil {
		monitoring.Warnf("[AnchorManager] load incomplete: %v", err)
	}
	if len(anchors) > 0 || len(res.failed) > 0 {
		monitoring.Logf("[AnchorManager] loaded %d anchors, %d failed, next id %d",
			len(anchors), len(res.failed), m.store.NextID())
	}
	m.setState(StateTracking)
}

// drainOrphans releases native anchors fetched by loads abandoned on reset.
func (m *Manager) drainOrphans() {
	kept := m.orphans[:0]
	for _, ch := range m.orphans {
		select {
		case res := <-ch:
			for _, ln := range res.loaded {
				ln.native.Release()
			}
		default:
			kept = append(kept, ch)
		}
	}
	m.orphans = kept
}

func (m *Manager) maybeSave(now time.Time, located map[AnchorID]bool) {
	if !m.cfg.PersistenceEnabled || m.saveCh != nil || m.State() != StateTracking {
		return
	}
	if !m.lastSave.IsZero() && now.Sub(m.lastSave) < m.cfg.SaveInterval {
		return
	}
	m.lastSave = now

	var dirty []*Anchor
	for _, a := range m.store.AllAnchors() {
		if located[a.ID] && !a.Spongy.IsSaved() {
			dirty = append(dirty, a)
		}
	}
	if len(dirty) == 0 {
		return
	}
	m.dispatchSave(saveTargets(dirty))
}

// ----------------------------------------------------------------------------
// Frame steps

func (m *Manager) reset() {
	if m.loadCh != nil {
		if m.loadCancel != nil {
			m.loadCancel()
		}
		m.orphans = append(m.orphans, m.loadCh)
		m.loadCh = nil
		m.loadCancel = nil
	}
	n := m.store.Len()
	m.store.Clear()
	m.lastSave = time.Time{}
	m.trackingLost = false
	m.setState(StateLoading)
	m.dispatchLoad()
	monitoring.Logf("[AnchorManager] reset: released %d anchors, reloading", n)
}

// trackOutage re-initialises every anchor when provider tracking comes
// back after a gap.
func (m *Manager) trackOutage(tracking bool) {
	if !tracking {
		if !m.trackingLost {
			monitoring.Logf("[AnchorManager] provider tracking lost at frame %d", m.frame)
		}
		m.trackingLost = true
		return
	}
	if !m.trackingLost {
		return
	}
	m.trackingLost = false
	for _, a := range m.store.AllAnchors() {
		a.Spongy.Reinitialize()
	}
	monitoring.Logf("[AnchorManager] provider tracking resumed at frame %d", m.frame)
}

// observe samples every anchor and destroys the permanently lost ones.
func (m *Manager) observe() {
	for _, a := range m.store.AllAnchors() {
		if a.Spongy.IsLost() {
			m.report(monitoring.KindAnchorLost, monitoring.SeverityWarning, a.ID, "native anchor permanently lost")
			if err := m.store.DestroyAnchor(a.ID); err != nil {
				monitoring.Logf("[AnchorManager] destroy lost anchor: %v", err)
			}
			continue
		}
		a.Spongy.Observe()
	}
}

func (m *Manager) afterStep(res StepResult) {
	if res.CreationErr != nil {
		w := m.cfg.CreationFailureWarnFrames
		if w > 0 && res.FailureStreak%w == 0 {
			monitoring.Warnf("[AnchorManager] anchor creation failing for %d consecutive frames: %v",
				res.FailureStreak, res.CreationErr)
			m.report(monitoring.KindCreationRejected, monitoring.SeverityWarning, InvalidID,
				fmt.Sprintf("%d consecutive failures: %v", res.FailureStreak, res.CreationErr))
		}
		return
	}
	if res.Created.IsValid() {
		m.trim(res.Created)
	}
}

// trim destroys the anchors farthest from the head until the local
// ceiling holds. Ties go to the lowest id. keep is never trimmed.
func (m *Manager) trim(keep AnchorID) {
	limit := m.cfg.MaxLocalAnchors
	for limit > 0 && m.store.Len() > limit {
		victim := InvalidID
		worst := -1.0
		for _, a := range m.store.AllAnchors() {
			if a.ID == keep {
				continue
			}
			if d := spatial.Distance(a.Spongy.RawPose(), m.lastHead); d > worst {
				worst = d
				victim = a.ID
			}
		}
		if !victim.IsValid() {
			return
		}
		if err := m.store.DestroyAnchor(victim); err != nil {
			return
		}
		m.report(monitoring.KindAnchorTrimmed, monitoring.SeverityInfo, victim,
			fmt.Sprintf("local anchor ceiling %d reached, %.2fm from head", limit, worst))
	}
}

func (m *Manager) sampleLocated() map[AnchorID]bool {
	located := make(map[AnchorID]bool, m.store.Len())
	for _, a := range m.store.AllAnchors() {
		located[a.ID] = a.Spongy.IsLocated()
	}
	return located
}

func (m *Manager) refreshFrozen() {
	if m.registry == nil {
		return
	}
	for _, a := range m.store.AllAnchors() {
		if p, ok := m.registry.FrozenPose(a.ID); ok {
			a.FrozenPose = &p
		}
	}
}

func (m *Manager) report(kind monitoring.DiagnosticKind, sev monitoring.Severity, id AnchorID, msg string) {
	m.reporter.Report(monitoring.Diagnostic{
		Time:     m.clock.Now(),
		Kind:     kind,
		Severity: sev,
		AnchorID: int64(id),
		Message:  msg,
	})
}
