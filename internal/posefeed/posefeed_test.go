package posefeed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/worldlock/internal/spatial"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// collector is a concurrency-safe Sink.
type collector struct {
	mu      sync.Mutex
	samples []Sample
}

func (c *collector) sink(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collector) all() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.samples...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// ----------------------------------------------------------------------------
// ParseLine
// ----------------------------------------------------------------------------

func TestParseLineCSV(t *testing.T) {
	t.Parallel()
	s, err := ParseLine(" 1717243200000000000, 0.5,1.6,-2, 1,0,0,0, true ")
	require.NoError(t, err)

	assert.Equal(t, int64(1717243200000000000), s.Time.UnixNano())
	assert.Equal(t, 0.5, s.Pose.Position.X)
	assert.Equal(t, 1.6, s.Pose.Position.Y)
	assert.Equal(t, -2.0, s.Pose.Position.Z)
	assert.True(t, s.Tracking)
}

func TestParseLineJSON(t *testing.T) {
	t.Parallel()
	s, err := ParseLine(`{"t":42,"pos":[1,2,3],"rot":[0,0,2,0],"tracking":false}`)
	require.NoError(t, err)

	assert.Equal(t, int64(42), s.Time.UnixNano())
	assert.Equal(t, 3.0, s.Pose.Position.Z)
	w, x, y, z := s.Pose.Quaternion()
	assert.Equal(t, [4]float64{0, 0, 1, 0}, [4]float64{w, x, y, z}, "rotation is normalised")
	assert.False(t, s.Tracking)

	s, err = ParseLine(`{"t":42,"pos":[1,2,3],"rot":[1,0,0,0]}`)
	require.NoError(t, err)
	assert.True(t, s.Tracking, "missing flag means tracking")
}

func TestParseLineErrors(t *testing.T) {
	t.Parallel()
	for name, line := range map[string]string{
		"empty":          "   ",
		"too few fields": "1,2,3",
		"bad timestamp":  "x,0,0,0,1,0,0,0,1",
		"bad float":      "1,0,abc,0,1,0,0,0,1",
		"bad flag":       "1,0,0,0,1,0,0,0,maybe",
		"non-finite":     "1,NaN,0,0,1,0,0,0,1",
		"nan rotation":   "1,0,0,0,NaN,0,0,0,true",
		"inf rotation":   "1,0,0,0,1,+Inf,0,0,true",
		"zero rotation":  "1,0,0,0,0,0,0,0,true",
		"zero json rot":  `{"t":1,"pos":[1,2,3],"rot":[0,0,0,0]}`,
		"bad json":       `{"t":`,
		"short pos":      `{"t":1,"pos":[1,2],"rot":[1,0,0,0]}`,
		"short rot":      `{"t":1,"pos":[1,2,3],"rot":[1,0,0]}`,
	} {
		_, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestFormatCSVParses(t *testing.T) {
	t.Parallel()
	in := Sample{Time: epoch, Pose: spatial.At(1.25, 1.5, -0.75), Tracking: true}
	out, err := ParseLine(FormatCSV(in))
	require.NoError(t, err)
	assert.True(t, out.Time.Equal(in.Time))
	assert.Equal(t, in.Pose.Position, out.Pose.Position)
	assert.Equal(t, in.Tracking, out.Tracking)
}

// ----------------------------------------------------------------------------
// Latest
// ----------------------------------------------------------------------------

func TestLatest(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	l := NewLatest(clock)

	_, ok := l.Get()
	assert.False(t, ok)
	assert.Equal(t, time.Duration(math.MaxInt64), l.Age())

	l.Update(Sample{Pose: spatial.At(1, 0, 0), Tracking: true})
	clock.Advance(40 * time.Millisecond)
	l.Update(Sample{Pose: spatial.At(2, 0, 0), Tracking: true})
	clock.Advance(10 * time.Millisecond)

	s, ok := l.Get()
	require.True(t, ok)
	assert.Equal(t, 2.0, s.Pose.Position.X)
	assert.Equal(t, 10*time.Millisecond, l.Age())
	assert.Equal(t, uint64(2), l.Count())
}

// ----------------------------------------------------------------------------
// Line readers
// ----------------------------------------------------------------------------

func TestReadLines(t *testing.T) {
	t.Parallel()
	input := strings.Join([]string{
		"# recorded session",
		"1,0,1.6,0,1,0,0,0,1",
		"",
		"garbage",
		`{"t":2,"pos":[0.1,1.6,0],"rot":[1,0,0,0]}`,
	}, "\n")

	var c collector
	var stats Stats
	require.NoError(t, ReadLines(context.Background(), strings.NewReader(input), &stats, c.sink))

	got := c.all()
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[1].Time.UnixNano())
	assert.Equal(t, StatsSnapshot{Lines: 3, Samples: 2, Malformed: 1}, stats.Snapshot())
}

func TestReadLinesReadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("device gone")
	r := io.MultiReader(strings.NewReader("1,0,1.6,0,1,0,0,0,1\n"), iotestErrReader{boom})

	var c collector
	err := ReadLines(context.Background(), r, nil, c.sink)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.len())
}

func TestReadLinesCancel(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ReadLines(ctx, pr, nil, func(Sample) {})
	assert.ErrorIs(t, err, context.Canceled)
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

type fakeLineSource struct {
	mu          sync.Mutex
	ch          chan string
	unsubscribe bool
}

func (f *fakeLineSource) Subscribe() (string, chan string) { return "probe", f.ch }

func (f *fakeLineSource) Unsubscribe(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribe = true
}

func TestFromSerial(t *testing.T) {
	t.Parallel()
	src := &fakeLineSource{ch: make(chan string, 4)}
	src.ch <- "1,0,1.6,0,1,0,0,0,1"
	src.ch <- "2,0,1.6,0,1,0,0,0,0"
	close(src.ch)

	var c collector
	require.NoError(t, FromSerial(context.Background(), src, nil, c.sink))
	got := c.all()
	require.Len(t, got, 2)
	assert.False(t, got[1].Tracking)
	assert.True(t, src.unsubscribe)
}

// ----------------------------------------------------------------------------
// UDP
// ----------------------------------------------------------------------------

func TestServeUDP(t *testing.T) {
	t.Parallel()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var c collector
	var stats Stats
	done := make(chan error, 1)
	go func() { done <- ServeUDP(ctx, conn, &stats, c.sink) }()

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("1,0,1.6,0,1,0,0,0,1\n2,0.1,1.6,0,1,0,0,0,1\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, uint64(2), stats.Snapshot().Samples)
}

// ----------------------------------------------------------------------------
// PCAP replay
// ----------------------------------------------------------------------------

func writeUDPPacket(t *testing.T, w *pcapgo.Writer, ts time.Time, dstPort uint16, payload string) {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 20),
		DstIP:    net.IPv4(192, 168, 1, 10),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

	data := buf.Bytes()
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data))
}

func buildCapture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	writeUDPPacket(t, w, epoch, 5005, "1,0,1.6,0,1,0,0,0,1\n")
	writeUDPPacket(t, w, epoch.Add(10*time.Millisecond), 9999, "2,9,9,9,1,0,0,0,1\n")
	writeUDPPacket(t, w, epoch.Add(20*time.Millisecond), 5005, `{"t":3,"pos":[0.2,1.6,0],"rot":[1,0,0,0]}`)
	return &buf
}

func TestReplayPCAPFiltersPort(t *testing.T) {
	t.Parallel()
	var c collector
	err := ReplayPCAP(context.Background(), buildCapture(t), PCAPOptions{Port: 5005}, nil, c.sink)
	require.NoError(t, err)

	got := c.all()
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Time.UnixNano())
	assert.Equal(t, int64(3), got[1].Time.UnixNano())
	assert.Equal(t, 0.2, got[1].Pose.Position.X)
}

func TestReplayPCAPAllPorts(t *testing.T) {
	t.Parallel()
	var c collector
	require.NoError(t, ReplayPCAP(context.Background(), buildCapture(t), PCAPOptions{}, nil, c.sink))
	assert.Equal(t, 3, c.len())
}

func TestReplayPCAPRealtime(t *testing.T) {
	t.Parallel()
	var c collector
	start := time.Now()
	opts := PCAPOptions{Port: 5005, Realtime: true, Speed: 2}
	require.NoError(t, ReplayPCAP(context.Background(), buildCapture(t), opts, nil, c.sink))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "20ms of capture at 2x")
	assert.Equal(t, 2, c.len())
}

func TestReplayPCAPBadHeader(t *testing.T) {
	t.Parallel()
	err := ReplayPCAP(context.Background(), strings.NewReader("not a capture"), PCAPOptions{}, nil, func(Sample) {})
	assert.Error(t, err)
}

func TestReplayPCAPFileMissing(t *testing.T) {
	t.Parallel()
	err := ReplayPCAPFile(context.Background(), t.TempDir()+"/missing.pcap", PCAPOptions{}, nil, func(Sample) {})
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Synthetic walk
// ----------------------------------------------------------------------------

func TestWalkDeterministic(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	a, b := NewWalk(7, clock), NewWalk(7, clock)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Next().Pose, b.Next().Pose)
	}
}

func TestWalkStaysInRoom(t *testing.T) {
	t.Parallel()
	w := NewWalk(3, timeutil.NewMockClock(epoch))
	w.StepM = 0.2
	w.HalfExtentM = 1
	prev := w.Next()
	for i := 0; i < 2000; i++ {
		s := w.Next()
		p := s.Pose.Position
		require.LessOrEqual(t, math.Abs(p.X), w.HalfExtentM+w.StepM)
		require.LessOrEqual(t, math.Abs(p.Z), w.HalfExtentM+w.StepM)
		require.InDelta(t, w.StepM, spatial.Distance(prev.Pose, s.Pose), 1e-9)
		assert.Equal(t, w.HeadHeightM, p.Y)
		prev = s
	}
}

func TestWalkDropouts(t *testing.T) {
	t.Parallel()
	w := NewWalk(1, timeutil.NewMockClock(epoch))
	w.DropoutEvery = 10
	w.DropoutLength = 3

	var flags []bool
	for i := 0; i < 20; i++ {
		flags = append(flags, w.Next().Tracking)
	}
	for i, tracking := range flags {
		assert.Equal(t, i%10 < 7, tracking, "sample %d", i)
	}
}

func TestWalkRun(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	w := NewWalk(1, clock)

	ctx, cancel := context.WithCancel(context.Background())
	var c collector
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, 16*time.Millisecond, c.sink) }()

	require.Eventually(t, func() bool {
		clock.Advance(16 * time.Millisecond)
		return c.len() >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
