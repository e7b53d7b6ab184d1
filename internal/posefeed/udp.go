package posefeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/worldlock/internal/monitoring"
)

const (
	udpBufferSize   = 2048
	udpReadDeadline = 100 * time.Millisecond
)

// UDPConn is the part of *net.UDPConn the listener uses.
type UDPConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// ListenUDP binds address and serves pose datagrams from it until ctx is
// done.
func ListenUDP(ctx context.Context, address string, rcvBuf int, stats *Stats, sink Sink) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if rcvBuf > 0 {
		if err := conn.SetReadBuffer(rcvBuf); err != nil {
			monitoring.Logf("[PoseFeed] failed to set UDP receive buffer to %d: %v", rcvBuf, err)
		}
	}
	monitoring.Logf("[PoseFeed] UDP pose listener on %s", conn.LocalAddr())
	return ServeUDP(ctx, conn, stats, sink)
}

// ServeUDP reads datagrams from conn until ctx is done, then closes conn.
// Each datagram may hold one or more newline separated samples.
func ServeUDP(ctx context.Context, conn UDPConn, stats *Stats, sink Sink) error {
	if stats == nil {
		stats = &Stats{}
	}
	defer conn.Close()

	buf := make([]byte, udpBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A short deadline lets the loop notice cancellation.
		conn.SetReadDeadline(time.Now().Add(udpReadDeadline))

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("UDP read: %w", err)
		}
		stats.handlePayload("udp "+from.String(), buf[:n], sink)
	}
}
