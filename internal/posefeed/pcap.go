package posefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/worldlock/internal/monitoring"
)

// PCAPOptions controls a capture replay.
type PCAPOptions struct {
	// Port keeps only UDP packets sent to this destination port. Zero keeps
	// every UDP packet.
	Port uint16
	// Realtime paces delivery by the capture timestamps instead of
	// replaying as fast as possible.
	Realtime bool
	// Speed scales realtime pacing; values <= 0 mean 1.
	Speed float64
}

// ReplayPCAPFile opens a classic pcap file and replays it through sink.
func ReplayPCAPFile(ctx context.Context, path string, opts PCAPOptions, stats *Stats, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open pcap: %w", err)
	}
	defer f.Close()

	monitoring.Logf("[PoseFeed] replaying %s (udp port %d, realtime=%t)", path, opts.Port, opts.Realtime)
	err = ReplayPCAP(ctx, f, opts, stats, sink)
	if stats != nil {
		snap := stats.Snapshot()
		monitoring.Logf("[PoseFeed] replay of %s finished: %d samples, %d malformed", path, snap.Samples, snap.Malformed)
	}
	return err
}

// ReplayPCAP decodes UDP payloads from a pcap stream and parses them as
// pose lines. Non-UDP packets and packets for other ports are skipped.
func ReplayPCAP(ctx context.Context, r io.Reader, opts PCAPOptions, stats *Stats, sink Sink) error {
	if stats == nil {
		stats = &Stats{}
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("read pcap header: %w", err)
	}

	var (
		first    time.Time
		started  time.Time
		skipped  int
		accepted int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read packet %d: %w", accepted+skipped+1, err)
		}

		packet := gopacket.NewPacket(data, pr.LinkType(), gopacket.NoCopy)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			skipped++
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if opts.Port != 0 && uint16(udp.DstPort) != opts.Port {
			skipped++
			continue
		}
		accepted++

		if opts.Realtime {
			if first.IsZero() {
				first, started = ci.Timestamp, time.Now()
			}
			offset := time.Duration(float64(ci.Timestamp.Sub(first)) / speed)
			if err := sleepUntil(ctx, started.Add(offset)); err != nil {
				return err
			}
		}
		stats.handlePayload("pcap", udp.Payload, sink)
	}

	if skipped > 0 {
		monitoring.Logf("[PoseFeed] pcap replay skipped %d packets", skipped)
	}
	return nil
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
