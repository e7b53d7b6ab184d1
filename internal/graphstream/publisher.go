// Package graphstream streams anchor graph snapshots to remote viewers over
// gRPC. The service is worldlock.AnchorGraph with a single server-streaming
// method, StreamGraphs; messages are google.protobuf.Struct so no generated
// code is needed on either side.
package graphstream

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/monitoring"
)

// Config holds configuration for the snapshot stream server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the per-client queue depth; slow clients drop frames
	ClientBuffer int

	// StatsInterval is how often throughput is logged; 0 disables
	StatsInterval time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "localhost:50061",
		MaxClients:    8,
		ClientBuffer:  8,
		StatsInterval: 30 * time.Second,
	}
}

// Publisher is an anchor.Publisher that fans snapshots out to gRPC clients.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	snapChan  chan *anchor.Snapshot
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	latest    atomic.Pointer[anchor.Snapshot]

	// Stats
	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32
	lastStats     time.Time
	lastFrames    uint64

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ anchor.Publisher = (*Publisher)(nil)

type clientStream struct {
	id     string
	every  uint64
	snapCh chan *anchor.Snapshot
}

// NewPublisher creates a stopped publisher.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		config:   cfg,
		snapChan: make(chan *anchor.Snapshot, 64),
		clients:  make(map[string]*clientStream),
		stopCh:   make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on lis in the background. The publisher owns lis afterwards.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	p.server.RegisterService(&ServiceDesc, p)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[GraphStream] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[GraphStream] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends every stream and waits for the server goroutines.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.Stop()
	p.wg.Wait()
	monitoring.Logf("[GraphStream] gRPC server stopped")
}

// Publish queues snap for every client. It never blocks; when the queue is
// full the snapshot is dropped.
func (p *Publisher) Publish(snap *anchor.Snapshot) {
	if snap == nil {
		return
	}
	p.latest.Store(snap)
	if !p.running.Load() {
		return
	}
	select {
	case p.snapChan <- snap:
		p.logPeriodicStats(p.frameCount.Add(1))
	default:
		if dropped := p.droppedFrames.Add(1); dropped == 1 || dropped%100 == 0 {
			monitoring.Logf("[GraphStream] dropped frame %d (total dropped: %d), queue full", snap.Frame, dropped)
		}
	}
}

func (p *Publisher) logPeriodicStats(frames uint64) {
	if p.config.StatsInterval <= 0 {
		return
	}
	now := time.Now()
	if p.lastStats.IsZero() {
		p.lastStats, p.lastFrames = now, frames
		return
	}
	if elapsed := now.Sub(p.lastStats); elapsed >= p.config.StatsInterval {
		fps := float64(frames-p.lastFrames) / elapsed.Seconds()
		monitoring.Logf("[GraphStream] Stats: fps=%.1f dropped=%d clients=%d",
			fps, p.droppedFrames.Load(), p.clientCount.Load())
		p.lastStats, p.lastFrames = now, frames
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case snap := <-p.snapChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				if c.every > 1 && snap.Frame%c.every != 0 {
					continue
				}
				select {
				case c.snapCh <- snap:
				default:
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a stream, refusing when MaxClients are connected.
func (p *Publisher) addClient(id string, every uint64) (*clientStream, bool) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, false
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, taken := p.clients[id]; taken {
		id = id + "-" + uuid.NewString()[:8]
	}
	c := &clientStream{
		id:     id,
		every:  every,
		snapCh: make(chan *anchor.Snapshot, p.config.ClientBuffer),
	}
	p.clients[id] = c
	n := p.clientCount.Add(1)
	monitoring.Logf("[GraphStream] Client connected: %s (total: %d)", id, n)
	return c, true
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; !ok {
		return
	}
	delete(p.clients, id)
	n := p.clientCount.Add(-1)
	monitoring.Logf("[GraphStream] Client disconnected: %s (remaining: %d)", id, n)
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
	Running       bool   `json:"running"`
}
