package posefeed

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/worldlock/internal/timeutil"
)

// Sink receives parsed samples. It is called from the feed goroutine and
// must not block for long.
type Sink func(Sample)

// Latest keeps the most recent sample and when it arrived. Age is measured
// on the local clock at receipt, so tracker clock skew does not matter.
type Latest struct {
	clock timeutil.Clock

	mu       sync.RWMutex
	sample   Sample
	received time.Time
	have     bool
	count    uint64
}

// NewLatest creates an empty holder. A nil clock uses wall time.
func NewLatest(clock timeutil.Clock) *Latest {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Latest{clock: clock}
}

// Update records s as the newest sample. It has the Sink signature.
func (l *Latest) Update(s Sample) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sample = s
	l.received = now
	l.have = true
	l.count++
}

// Get returns the newest sample and whether one has arrived yet.
func (l *Latest) Get() (Sample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sample, l.have
}

// Age is the time since the newest sample arrived, or the maximum duration
// when nothing has arrived.
func (l *Latest) Age() time.Duration {
	l.mu.RLock()
	received, have := l.received, l.have
	l.mu.RUnlock()
	if !have {
		return time.Duration(math.MaxInt64)
	}
	return l.clock.Since(received)
}

// Count is the number of samples received.
func (l *Latest) Count() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
