package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/worldlock/internal/monitoring"
	"github.com/banshee-data/worldlock/internal/spatial"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

// Anchor is one record in the store's arena.
type Anchor struct {
	ID     AnchorID
	Spongy *SpongyAnchor
	// FrozenPose is the last frozen-space pose the alignment engine
	// reported for this anchor, nil until it has been frozen.
	FrozenPose *spatial.Pose
}

// SaveResult is the outcome of persisting one anchor.
type SaveResult struct {
	ID  AnchorID
	Err error
}

// StoreOptions configures a Store. Zero values select defaults.
type StoreOptions struct {
	Registry           FrozenRegistry
	Clock              timeutil.Clock
	TrackingStartDelay time.Duration
	Reporter           monitoring.Reporter
}

// Store owns the anchors and edges of the graph. It is not safe for
// concurrent use; persist and fetch are the only methods that may run off
// the frame goroutine, and they touch no graph state.
type Store struct {
	provider Provider
	registry FrozenRegistry
	clock    timeutil.Clock
	delay    time.Duration
	reporter monitoring.Reporter

	anchors map[AnchorID]*Anchor
	edges   map[Edge]struct{}
	nextID  AnchorID
}

// NewStore returns an empty store backed by provider.
func NewStore(provider Provider, opts StoreOptions) *Store {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Reporter == nil {
		opts.Reporter = monitoring.LogReporter{Prefix: "[AnchorStore]"}
	}
	return &Store{
		provider: provider,
		registry: opts.Registry,
		clock:    opts.Clock,
		delay:    opts.TrackingStartDelay,
		reporter: opts.Reporter,
		anchors:  make(map[AnchorID]*Anchor),
		edges:    make(map[Edge]struct{}),
		nextID:   FirstValidID,
	}
}

// NextID returns the id the next created anchor should use.
func (s *Store) NextID() AnchorID { return s.nextID }

func (s *Store) Len() int { return len(s.anchors) }

func (s *Store) EdgeCount() int { return len(s.edges) }

// CreateAnchor asks the provider for a native anchor at pose and registers
// it under id. Nothing is registered when the provider refuses.
func (s *Store) CreateAnchor(id AnchorID, pose spatial.Pose) (*Anchor, error) {
	if _, ok := s.anchors[id]; ok {
		return nil, s.invalid(id, fmt.Errorf("create anchor %d: %w", id, ErrDuplicateAnchor))
	}
	if !id.IsValid() || id < s.nextID {
		return nil, s.invalid(id, fmt.Errorf("create anchor %d (next %d): %w", id, s.nextID, ErrInvalidID))
	}

	native, err := s.provider.AttemptCreateNativeAnchor(pose)
	if err != nil {
		return nil, fmt.Errorf("create anchor %d: %w: %w", id, ErrCreationRejected, err)
	}
	if native == nil {
		return nil, fmt.Errorf("create anchor %d: %w: provider returned no handle", id, ErrCreationRejected)
	}

	a := &Anchor{ID: id, Spongy: NewSpongyAnchor(native, s.clock, s.delay)}
	s.anchors[id] = a
	s.nextID = id + 1
	return a, nil
}

// DestroyAnchor releases the native anchor and removes every edge touching
// id.
func (s *Store) DestroyAnchor(id AnchorID) error {
	a, ok := s.anchors[id]
	if !ok {
		return s.invalid(id, fmt.Errorf("destroy anchor %d: %w", id, ErrAnchorNotFound))
	}
	a.Spongy.release()
	delete(s.anchors, id)
	for e := range s.edges {
		if e.Touches(id) {
			delete(s.edges, e)
		}
	}
	return nil
}

// GetAnchor returns the anchor with the given id.
func (s *Store) GetAnchor(id AnchorID) (*Anchor, error) {
	a, ok := s.anchors[id]
	if !ok {
		return nil, fmt.Errorf("get anchor %d: %w", id, ErrAnchorNotFound)
	}
	return a, nil
}

// AllAnchors returns every anchor in ascending id order.
func (s *Store) AllAnchors() []*Anchor {
	ids := make([]AnchorID, 0, len(s.anchors))
	for id := range s.anchors {
		ids = append(ids, id)
	}
	sortIDs(ids)
	out := make([]*Anchor, len(ids))
	for i, id := range ids {
		out[i] = s.anchors[id]
	}
	return out
}

// AddEdge links a and b. It reports false when the edge already exists.
func (s *Store) AddEdge(a, b AnchorID) (bool, error) {
	if a == b {
		return false, s.invalid(a, fmt.Errorf("add edge %d-%d: %w", a, b, ErrSelfEdge))
	}
	for _, id := range []AnchorID{a, b} {
		if _, ok := s.anchors[id]; !ok {
			return false, s.invalid(id, fmt.Errorf("add edge %d-%d: %w", a, b, ErrAnchorNotFound))
		}
	}
	e := NewEdge(a, b)
	if _, ok := s.edges[e]; ok {
		return false, nil
	}
	s.edges[e] = struct{}{}
	return true, nil
}

func (s *Store) HasEdge(a, b AnchorID) bool {
	_, ok := s.edges[NewEdge(a, b)]
	return ok
}

// Edges returns every edge sorted by (A, B).
func (s *Store) Edges() []Edge {
	out := make([]Edge, 0, len(s.edges))
	for e := range s.edges {
		out = append(out, e)
	}
	sortEdges(out)
	return out
}

// Clear releases every native anchor and drops all anchors and edges. The
// id counter is kept so ids are not reused within the session.
func (s *Store) Clear() {
	for _, a := range s.anchors {
		a.Spongy.release()
	}
	s.anchors = make(map[AnchorID]*Anchor)
	s.edges = make(map[Edge]struct{})
}

// ----------------------------------------------------------------------------
// Save

type saveTarget struct {
	id     AnchorID
	native NativeAnchor
}

// Save persists each anchor independently and marks the successful ones
// saved. A failure on one anchor never stops the others.
func (s *Store) Save(ctx context.Context, anchors []*Anchor) []SaveResult {
	results := s.persist(ctx, saveTargets(anchors))
	s.applySaveResults(results)
	return results
}

func saveTargets(anchors []*Anchor) []saveTarget {
	targets := make([]saveTarget, 0, len(anchors))
	for _, a := range anchors {
		targets = append(targets, saveTarget{id: a.ID, native: a.Spongy.Native()})
	}
	return targets
}

// persist performs the provider I/O only and may run off the frame
// goroutine.
func (s *Store) persist(ctx context.Context, targets []saveTarget) []SaveResult {
	results := make([]SaveResult, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			results = append(results, SaveResult{ID: t.id, Err: fmt.Errorf("save anchor %d: %w", t.id, err)})
			continue
		}
		var err error
		if perr := s.provider.PersistNativeAnchor(ctx, t.id, t.native); perr != nil {
			err = fmt.Errorf("save anchor %d: %w", t.id, perr)
		}
		results = append(results, SaveResult{ID: t.id, Err: err})
	}
	return results
}

// applySaveResults updates saved flags. Results for anchors destroyed while
// the save was in flight are dropped.
func (s *Store) applySaveResults(results []SaveResult) (saved, failed int) {
	for _, r := range results {
		a, ok := s.anchors[r.ID]
		if !ok {
			continue
		}
		if r.Err != nil {
			failed++
			a.Spongy.setSaved(false)
			s.report(monitoring.KindSaveFailed, monitoring.SeverityWarning, r.ID, r.Err.Error())
			continue
		}
		saved++
		a.Spongy.setSaved(true)
	}
	return saved, failed
}

// ----------------------------------------------------------------------------
// Load

type loadedNative struct {
	id     AnchorID
	native NativeAnchor
	frozen *spatial.Pose
}

type loadFailure struct {
	id  AnchorID
	err error
}

type loadResult struct {
	startingID AnchorID
	loaded     []loadedNative
	failed     []loadFailure
	err        error
}

// Load restores the anchors named by the frozen registry. Anchors whose
// native counterpart cannot be restored are dropped from the registry too.
// The returned error is non-nil only when ctx ended before every id was
// attempted; anchors restored up to that point are still registered.
func (s *Store) Load(ctx context.Context, startingID AnchorID) ([]*Anchor, error) {
	return s.adopt(s.fetch(ctx, startingID))
}

// fetch performs the provider I/O only and may run off the frame goroutine.
func (s *Store) fetch(ctx context.Context, startingID AnchorID) loadResult {
	res := loadResult{startingID: startingID}
	if s.registry == nil {
		return res
	}
	ids := s.registry.FrozenAnchorIDs()
	sortIDs(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.err = fmt.Errorf("load anchors: %w", err)
			return res
		}
		native, err := s.provider.AttemptLoadNativeAnchor(ctx, id)
		if err == nil && native == nil {
			err = errors.New("provider returned no handle")
		}
		if err != nil {
			res.failed = append(res.failed, loadFailure{id: id, err: err})
			continue
		}
		ln := loadedNative{id: id, native: native}
		if p, ok := s.registry.FrozenPose(id); ok {
			ln.frozen = &p
		}
		res.loaded = append(res.loaded, ln)
	}
	return res
}

// adopt registers fetched anchors on the frame goroutine.
func (s *Store) adopt(res loadResult) ([]*Anchor, error) {
	for _, f := range res.failed {
		s.report(monitoring.KindLoadFailed, monitoring.SeverityWarning, f.id, f.err.Error())
		if s.registry != nil {
			s.registry.RemoveFrozenAnchor(f.id)
		}
	}

	next := s.nextID
	if res.startingID > next {
		next = res.startingID
	}

	out := make([]*Anchor, 0, len(res.loaded))
	for _, ln := range res.loaded {
		if !ln.id.IsValid() {
			ln.native.Release()
			s.report(monitoring.KindLoadFailed, monitoring.SeverityError, ln.id, "invalid id in frozen registry")
			continue
		}
		if _, ok := s.anchors[ln.id]; ok {
			ln.native.Release()
			s.invalid(ln.id, fmt.Errorf("load anchor %d: %w", ln.id, ErrDuplicateAnchor))
			continue
		}
		spongy := NewSpongyAnchor(ln.native, s.clock, s.delay)
		spongy.setSaved(true)
		a := &Anchor{ID: ln.id, Spongy: spongy, FrozenPose: ln.frozen}
		s.anchors[ln.id] = a
		out = append(out, a)
		if ln.id >= next {
			next = ln.id + 1
		}
	}
	s.nextID = next
	return out, res.err
}

// ----------------------------------------------------------------------------
// Diagnostics

func (s *Store) report(kind monitoring.DiagnosticKind, sev monitoring.Severity, id AnchorID, msg string) {
	s.reporter.Report(monitoring.Diagnostic{
		Time:     s.clock.Now(),
		Kind:     kind,
		Severity: sev,
		AnchorID: int64(id),
		Message:  msg,
	})
}

// invalid reports a contract violation and returns err unchanged.
func (s *Store) invalid(id AnchorID, err error) error {
	s.report(monitoring.KindInvalidOperation, monitoring.SeverityError, id, err.Error())
	return err
}
