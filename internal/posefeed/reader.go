package posefeed

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/worldlock/internal/monitoring"
)

// malformedLogEvery limits how often malformed lines are logged.
const malformedLogEvery = 100

// Stats counts what a feed has seen. It is safe for concurrent use.
type Stats struct {
	lines     atomic.Uint64
	samples   atomic.Uint64
	malformed atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Lines     uint64 `json:"lines"`
	Samples   uint64 `json:"samples"`
	Malformed uint64 `json:"malformed"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Lines:     s.lines.Load(),
		Samples:   s.samples.Load(),
		Malformed: s.malformed.Load(),
	}
}

// handleLine parses line and forwards it to sink. Blank lines and lines
// starting with '#' are skipped silently.
func (s *Stats) handleLine(source, line string, sink Sink) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	s.lines.Add(1)
	sample, err := ParseLine(line)
	if err != nil {
		if n := s.malformed.Add(1); n == 1 || n%malformedLogEvery == 0 {
			monitoring.Logf("[PoseFeed] %s: skipping malformed line (%d so far): %v", source, n, err)
		}
		return
	}
	s.samples.Add(1)
	sink(sample)
}

// handlePayload splits a datagram that may carry several lines.
func (s *Stats) handlePayload(source string, payload []byte, sink Sink) {
	for _, line := range strings.Split(string(payload), "\n") {
		s.handleLine(source, line, sink)
	}
}

// ReadLines parses every line of r into sink until EOF, a read error or ctx
// cancellation. EOF returns nil.
func ReadLines(ctx context.Context, r io.Reader, stats *Stats, sink Sink) error {
	if stats == nil {
		stats = &Stats{}
	}
	scan := bufio.NewScanner(r)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			stats.handleLine("reader", line, sink)
		}
	}
}

// LineSource is satisfied by serialmux.SerialMux.
type LineSource interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// FromSerial subscribes to a serial mux and parses its lines into sink until
// ctx is done or the mux closes the subscription.
func FromSerial(ctx context.Context, src LineSource, stats *Stats, sink Sink) error {
	if stats == nil {
		stats = &Stats{}
	}
	id, lines := src.Subscribe()
	defer src.Unsubscribe(id)

	monitoring.Logf("[PoseFeed] reading head poses from serial subscription %s", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			stats.handleLine("serial", line, sink)
		}
	}
}
