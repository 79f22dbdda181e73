// Package visualiser streams overlay batches to external viewers over
// gRPC. A Publisher is an overlay.Renderer: every batch it renders is
// queued, then fanned out to each connected client's buffer. Slow clients
// lose batches rather than stall the pipeline.
package visualiser

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/quadtrack/internal/scan/overlay"
)

// Config holds configuration for the overlay gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g. "localhost:50061").
	ListenAddr string

	// MaxClients caps concurrent streams; further clients are refused.
	MaxClients int

	// QueueSize is the depth of the shared broadcast queue.
	QueueSize int

	// ClientBuffer is each client's private buffer depth.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   5,
		QueueSize:    32,
		ClientBuffer: 8,
	}
}

// Publisher manages the gRPC server and batch streaming.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	batchCh   chan overlay.Batch
	clients   map[uint64]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientDrops atomic.Uint64
	clientCount atomic.Int32

	lastStatsMu   sync.Mutex
	lastStatsTime time.Time
	lastPublished uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// clientStream is one connected viewer.
type clientStream struct {
	id      uint64
	filter  streamFilter
	batchCh chan overlay.Batch
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	// Published counts batches accepted into the broadcast queue.
	Published uint64
	// Dropped counts batches refused because the queue was full.
	Dropped uint64
	// ClientDrops counts per-client deliveries skipped for slow readers.
	ClientDrops uint64
	Clients     int32
	Running     bool
}

// NewPublisher creates a Publisher. Nothing listens until Start.
func NewPublisher(cfg Config) *Publisher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ClientBuffer < 1 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		batchCh: make(chan overlay.Batch, cfg.QueueSize),
		clients: make(map[uint64]*clientStream),
		stopCh:  make(chan struct{}),
	}
}

// Start binds ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}
	return p.Serve(lis)
}

// Serve serves the overlay service on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	p.server.RegisterService(&serviceDesc, &overlayService{publisher: p})

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		diagf("gRPC overlay stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
	diagf("gRPC overlay stream stopped")
}

// Render implements overlay.Renderer. It never blocks: a full queue drops
// the batch.
func (p *Publisher) Render(b overlay.Batch) {
	if !p.running.Load() {
		return
	}
	select {
	case p.batchCh <- b:
		n := p.published.Add(1)
		p.logPeriodicStats(n)
	default:
		dropped := p.dropped.Add(1)
		opsf("dropped batch for frame %d (total dropped: %d), queue full", b.FrameSeq, dropped)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published:   p.published.Load(),
		Dropped:     p.dropped.Load(),
		ClientDrops: p.clientDrops.Load(),
		Clients:     p.clientCount.Load(),
		Running:     p.running.Load(),
	}
}

func (p *Publisher) logPeriodicStats(published uint64) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime, p.lastPublished = now, published
		return
	}
	elapsed := now.Sub(p.lastStatsTime)
	if elapsed < 5*time.Second {
		return
	}
	rate := float64(published-p.lastPublished) / elapsed.Seconds()
	tracef("stats: rate=%.1f/s published=%d dropped=%d client_drops=%d clients=%d queue=%d/%d",
		rate, published, p.dropped.Load(), p.clientDrops.Load(), p.clientCount.Load(), len(p.batchCh), cap(p.batchCh))
	p.lastStatsTime, p.lastPublished = now, published
}

// broadcastLoop distributes batches to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case b := <-p.batchCh:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.batchCh <- b:
				default:
					p.clientDrops.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a stream, or returns nil when MaxClients is reached.
func (p *Publisher) addClient(f streamFilter) *clientStream {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil
	}
	c := &clientStream{
		id:      p.nextID.Add(1),
		filter:  f,
		batchCh: make(chan overlay.Batch, p.config.ClientBuffer),
	}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	diagf("client %d connected (total: %d)", c.id, n)
	return c
}

func (p *Publisher) removeClient(id uint64) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; !ok {
		return
	}
	delete(p.clients, id)
	n := p.clientCount.Add(-1)
	diagf("client %d disconnected (remaining: %d)", id, n)
}
