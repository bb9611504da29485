package discovery

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/RAttab/slick-network/logger"
	"github.com/RAttab/slick-network/metrics"
	"github.com/RAttab/slick-network/transport"
)

// Defaults for the engine tunables.
const (
	DefaultPort          = 18888
	DefaultTTL           = 8 * time.Hour
	DefaultPeriod        = time.Minute
	DefaultConnExpThresh = 10 * time.Second

	// edgeTarget is the soft target for the gossip edge set. Random
	// disconnect shaves above it, random connect grows below it.
	edgeTarget = 4

	maxFetchDelay = 30 * time.Second
)

// Endpoint is the message-oriented duplex the engine drives. Implemented
// by transport.Endpoint; tests substitute an in-memory fake.
type Endpoint interface {
	Start(h transport.Handler)
	Connect(node transport.NodeAddress) (int, error)
	Send(fd int, payload []byte) error
	CloseConn(fd int)
	Shutdown() error
}

// Engine is a single node of the discovery fabric.
//
// All state below the rng field is owned by the run goroutine; nothing else
// may touch it. Facade methods and endpoint callbacks enqueue onto the
// command queue and are executed in order on that goroutine.
type Engine struct {
	ttl           time.Duration
	period        time.Duration
	connExpThresh time.Duration

	myID   uuid.UUID
	myNode transport.NodeAddress

	endpoint Endpoint
	clock    clock.Clock
	mets     *metrics.Metrics

	queue     *cmdQueue
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	rng *mrand.Rand

	nodes *itemSet
	seeds []transport.Address

	connections    map[int]*connState
	connectedNodes map[uuid.UUID]int
	connExpiration []connExpItem
	edges          intSet
	nextConnID     uint64

	fetches         map[string]map[uuid.UUID]*fetch
	fetchExpiration []fetchExp

	keys    map[string]*itemSet
	watches map[string]map[WatchHandle]WatchFn
	data    map[string]dataRec
}

// Option tunes an Engine at construction time.
type Option func(*Engine)

// WithTTL sets the advertisement TTL attached to gossiped items.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// WithPeriod sets the base maintenance period. Each tick is scheduled at a
// uniformly random point in [period/2, period*3/2] to keep clusters from
// synchronizing.
func WithPeriod(period time.Duration) Option {
	return func(e *Engine) { e.period = period }
}

// WithConnExpThresh sets the handshake probation window.
func WithConnExpThresh(thresh time.Duration) Option {
	return func(e *Engine) { e.connExpThresh = thresh }
}

// WithClock injects the clock; tests use clock.NewMock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRandSeed seeds the engine RNG deterministically; tests only.
func WithRandSeed(seed int64) Option {
	return func(e *Engine) { e.rng = mrand.New(mrand.NewSource(seed)) }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.mets = m }
}

// New builds an engine identified by a fresh UUID, reachable at self, and
// bootstrapped from seeds. The endpoint must be bound but not started.
func New(seeds []transport.Address, self transport.NodeAddress, ep Endpoint, opts ...Option) *Engine {
	e := &Engine{
		ttl:           DefaultTTL,
		period:        DefaultPeriod,
		connExpThresh: DefaultConnExpThresh,

		myID:   uuid.New(),
		myNode: self,

		endpoint: ep,
		clock:    clock.New(),

		queue: newCmdQueue(),
		done:  make(chan struct{}),

		nodes: &itemSet{},
		seeds: seeds,

		connections:    make(map[int]*connState),
		connectedNodes: make(map[uuid.UUID]int),
		nextConnID:     1,

		fetches: make(map[string]map[uuid.UUID]*fetch),
		keys:    make(map[string]*itemSet),
		watches: make(map[string]map[WatchHandle]WatchFn),
		data:    make(map[string]dataRec),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = mrand.New(mrand.NewSource(cryptoSeed()))
	}
	return e
}

func cryptoSeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return int64(math.MaxInt64) // deterministic last resort
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// ID returns the node identity. Stable for the life of the engine.
func (e *Engine) ID() uuid.UUID { return e.myID }

// Node returns the addresses this node advertises.
func (e *Engine) Node() transport.NodeAddress { return e.myNode }

// Start launches the endpoint and the run goroutine, then dials the seeds.
func (e *Engine) Start() {
	e.endpoint.Start(e)
	e.wg.Add(1)
	go e.run()
	e.enqueue(func() { e.seedConnect() })
}

// Close shuts the endpoint down and stops the run goroutine. Idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.endpoint.Shutdown()
		e.wg.Wait()
	})
	return err
}

func (e *Engine) run() {
	defer e.wg.Done()

	timer := e.clock.Timer(e.nextPeriod())
	defer timer.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-e.queue.ch:
			for _, fn := range e.queue.drain() {
				fn()
			}
		case <-timer.C:
			e.onTimer()
			timer.Reset(e.nextPeriod())
		}
	}
}

// nextPeriod picks the next tick delay uniformly in [period/2, period*3/2].
func (e *Engine) nextPeriod() time.Duration {
	return e.period/2 + time.Duration(e.rng.Int63n(int64(e.period)))
}

func (e *Engine) enqueue(fn func()) {
	e.queue.push(fn)
}

// cmdQueue is an unbounded MPSC command queue. Pushing never blocks, which
// keeps watch callbacks free to call back into the facade from the run
// goroutine itself.
type cmdQueue struct {
	mu  sync.Mutex
	fns []func()
	ch  chan struct{}
}

func newCmdQueue() *cmdQueue {
	return &cmdQueue{ch: make(chan struct{}, 1)}
}

func (q *cmdQueue) push(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()

	select {
	case q.ch <- struct{}{}:
	default:
	}
}

func (q *cmdQueue) drain() []func() {
	q.mu.Lock()
	fns := q.fns
	q.fns = nil
	q.mu.Unlock()
	return fns
}

// Endpoint callbacks; each defers onto the run goroutine.

func (e *Engine) OnNewConnection(fd int) {
	e.enqueue(func() { e.onConnect(fd) })
}

func (e *Engine) OnLostConnection(fd int) {
	e.enqueue(func() { e.onDisconnect(fd) })
}

func (e *Engine) OnPayload(fd int, payload []byte) {
	e.enqueue(func() { e.onPayload(fd, payload) })
}

func (e *Engine) OnDroppedPayload(fd int, payload []byte) {
	e.enqueue(func() {
		logger.S().Debugw("payload dropped", "fd", fd, "bytes", len(payload))
		if e.mets != nil {
			e.mets.PayloadsDropped.Inc()
		}
	})
}
