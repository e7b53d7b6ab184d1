package monitoring

import (
	"fmt"
	"sync"
	"time"
)

// DiagnosticKind classifies a per-anchor failure.
type DiagnosticKind string

const (
	KindCreationRejected DiagnosticKind = "creation_rejected"
	KindSaveFailed       DiagnosticKind = "save_failed"
	KindLoadFailed       DiagnosticKind = "load_failed"
	KindAnchorLost       DiagnosticKind = "anchor_lost"
	KindAnchorTrimmed    DiagnosticKind = "anchor_trimmed"
	KindInvalidOperation DiagnosticKind = "invalid_operation"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is a single isolated failure. AnchorID is zero when the
// failure is not tied to one anchor.
type Diagnostic struct {
	Time     time.Time      `json:"time"`
	Kind     DiagnosticKind `json:"kind"`
	Severity Severity       `json:"severity"`
	AnchorID int64          `json:"anchor_id,omitempty"`
	Message  string         `json:"message"`
}

func (d Diagnostic) String() string {
	if d.AnchorID != 0 {
		return fmt.Sprintf("%s %s anchor=%d: %s", d.Severity, d.Kind, d.AnchorID, d.Message)
	}
	return fmt.Sprintf("%s %s: %s", d.Severity, d.Kind, d.Message)
}

// Reporter receives diagnostics. Implementations must not block the caller.
type Reporter interface {
	Report(Diagnostic)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Diagnostic)

// Report calls f(d).
func (f ReporterFunc) Report(d Diagnostic) { f(d) }

// LogReporter writes every diagnostic through Logf.
type LogReporter struct {
	Prefix string
}

// Report logs d.
func (r LogReporter) Report(d Diagnostic) {
	if d.Severity == SeverityWarning || d.Severity == SeverityError {
		Warnf("%s%s", r.Prefix, d)
		return
	}
	Logf("%s%s", r.Prefix, d)
}

// MultiReporter fans a diagnostic out to several reporters.
type MultiReporter []Reporter

// Report forwards d to every non-nil reporter.
func (m MultiReporter) Report(d Diagnostic) {
	for _, r := range m {
		if r != nil {
			r.Report(d)
		}
	}
}

// Recorder keeps the most recent diagnostics in a fixed-size ring.
type Recorder struct {
	mu    sync.Mutex
	ring  []Diagnostic
	next  int
	full  bool
	total uint64
}

// NewRecorder creates a Recorder holding up to capacity diagnostics.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recorder{ring: make([]Diagnostic, capacity)}
}

// Report stores d, evicting the oldest entry when full.
func (r *Recorder) Report(d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = d
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.total++
}

// Recent returns the stored diagnostics, oldest first.
func (r *Recorder) Recent() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Diagnostic, r.next)
		copy(out, r.ring[:r.next])
		return out
	}
	out := make([]Diagnostic, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}

// Total is the number of diagnostics ever reported.
func (r *Recorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Count returns how many stored diagnostics have the given kind.
func (r *Recorder) Count(kind DiagnosticKind) int {
	n := 0
	for _, d := range r.Recent() {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
