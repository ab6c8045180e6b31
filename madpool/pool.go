// Package madpool manages the reusable wrappers around in-flight management
// datagrams. Wrappers live in a growable arena of slots; the wire buffer behind
// a wrapper is either borrowed from the transport or supplied by the caller.
package madpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/opensm-go/telemetry"
)

const (
	// DefaultMinSize is the number of wrappers pre-allocated by Init.
	DefaultMinSize = 256
	// DefaultGrowSize is the number of wrappers added when the free list runs dry.
	DefaultGrowSize = 256
)

var (
	// ErrPoolClosed indicates the pool has been destroyed.
	ErrPoolClosed = errors.New("madpool: pool closed")
	// ErrPoolExhausted indicates the free list could not grow.
	ErrPoolExhausted = errors.New("madpool: insufficient resources")
	// ErrTransport indicates the transport could not provide a wire buffer.
	ErrTransport = errors.New("madpool: transport failure")
	// ErrStaleWrapper indicates a Put of a wrapper that is no longer checked out.
	ErrStaleWrapper = errors.New("madpool: wrapper not checked out")
	// ErrInvalidArgument indicates a malformed acquisition request.
	ErrInvalidArgument = errors.New("madpool: invalid argument")
)

// Transport lends wire buffers bound to a transport binding.
type Transport interface {
	Get(bind BindHandle, size int) ([]byte, error)
	Put(bind BindHandle, buf []byte)
}

// Config controls pool construction.
type Config struct {
	Transport Transport
	// MaxSize caps the number of slots; zero means unbounded.
	MaxSize          int
	Logger           telemetry.Logger
	StructuredLogger telemetry.StructuredLogger
	Metrics          telemetry.MetricHook
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Slots       int
	Free        int
	Outstanding int64
	Grown       uint64
}

// Pool hands out MAD wrappers. All methods are safe for concurrent use.
type Pool struct {
	transport Transport
	em        *telemetry.Emitter

	mu    sync.Mutex
	slots []*slot
	free  []uint32
	grow  int
	max   int

	outstanding atomic.Int64
	grown       atomic.Uint64
	closed      atomic.Bool
}

// New constructs an empty pool. Call Init before acquiring wrappers.
func New(cfg Config) *Pool {
	return &Pool{
		transport: cfg.Transport,
		max:       cfg.MaxSize,
		em: telemetry.NewEmitter("madpool", telemetry.Options{
			Logger:           cfg.Logger,
			StructuredLogger: cfg.StructuredLogger,
			Metrics:          cfg.Metrics,
		}),
	}
}

// Open constructs a pool and initializes it with the default sizes.
func Open(cfg Config) (*Pool, error) {
	p := New(cfg)
	if err := p.Init(DefaultMinSize, DefaultGrowSize); err != nil {
		return nil, err
	}
	return p, nil
}

// Init pre-allocates minSize wrappers and records the growth increment.
func (p *Pool) Init(minSize, growSize int) error {
	if p == nil {
		return errors.New("madpool: nil pool")
	}
	if minSize < 0 || growSize < 0 {
		return fmt.Errorf("%w: negative pool size", ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grow = growSize
	if minSize == 0 {
		return nil
	}
	if p.max > 0 && minSize > p.max-len(p.slots) {
		err := fmt.Errorf("%w: %d wrappers requested, pool capped at %d", ErrPoolExhausted, minSize, p.max)
		p.em.Errorf("madpool: ERR 0702: grow pool initialization failed (%v)", err)
		return err
	}
	if err := p.growLocked(minSize); err != nil {
		p.em.Errorf("madpool: ERR 0702: grow pool initialization failed (%v)", err)
		return err
	}
	return nil
}

// Get acquires a wrapper and borrows a wire buffer of totalSize bytes from
// the transport. On transport failure the wrapper goes straight back to the
// free list.
func (p *Pool) Get(bind BindHandle, totalSize int, addr Address) (*Wrapper, error) {
	if bind == InvalidBindHandle || totalSize <= 0 {
		return nil, fmt.Errorf("%w: bind=%d size=%d", ErrInvalidArgument, bind, totalSize)
	}
	if p.transport == nil {
		return nil, fmt.Errorf("%w: no transport configured", ErrTransport)
	}
	s, err := p.acquire()
	if err != nil {
		p.em.Errorf("madpool: ERR 0703: unable to acquire MAD wrapper object (%v)", err)
		p.em.MetricMadAcquireFailed("wrapper", err)
		return nil, err
	}

	buf, err := p.transport.Get(bind, totalSize)
	if err == nil && buf == nil {
		err = errors.New("transport returned no buffer")
	}
	if err != nil {
		p.em.Errorf("madpool: ERR 0704: unable to acquire wire MAD (%v)", err)
		p.em.MetricMadAcquireFailed("transport", err)
		p.recycle(s)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	s.bind = bind
	s.size = totalSize
	s.addr = addr
	s.payload = buf
	s.fromTransport = true
	return p.checkout(s, "get"), nil
}

// GetWrapper acquires a wrapper around a caller-supplied buffer, for example
// a MAD that was just received. The transport is never involved.
func (p *Pool) GetWrapper(bind BindHandle, totalSize int, payload []byte, addr Address) (*Wrapper, error) {
	if bind == InvalidBindHandle || totalSize <= 0 || payload == nil {
		return nil, fmt.Errorf("%w: bind=%d size=%d", ErrInvalidArgument, bind, totalSize)
	}
	s, err := p.acquire()
	if err != nil {
		p.em.Errorf("madpool: ERR 0705: unable to acquire MAD wrapper object (%v)", err)
		p.em.MetricMadAcquireFailed("wrapper", err)
		return nil, err
	}
	s.bind = bind
	s.size = totalSize
	s.addr = addr
	s.payload = payload
	return p.checkout(s, "get_wrapper"), nil
}

// GetRaw acquires a wrapper with no buffer attached, used for internal signalling.
func (p *Pool) GetRaw() (*Wrapper, error) {
	s, err := p.acquire()
	if err != nil {
		p.em.MetricMadAcquireFailed("wrapper", err)
		return nil, err
	}
	return p.checkout(s, "get_raw"), nil
}

// Put returns w to the pool, handing its wire buffer back to the transport
// first when the buffer was borrowed. Put consumes ownership: the handle is
// stale afterwards, and a second Put reports ErrStaleWrapper without touching
// the pool.
func (p *Pool) Put(w *Wrapper) error {
	if w == nil || w.s == nil {
		return ErrStaleWrapper
	}
	s := w.s
	if w.pool != p {
		p.em.Warn("foreign_put", telemetry.KV("slot", s.index))
		return ErrStaleWrapper
	}
	if !s.gen.CompareAndSwap(w.gen, w.gen+1) {
		p.em.Warn("stale_put", telemetry.KV("slot", s.index))
		return ErrStaleWrapper
	}

	p.em.Event("released", telemetry.KV("slot", s.index), telemetry.KV("size", s.size))
	if s.payload != nil && s.fromTransport && p.transport != nil {
		p.transport.Put(s.bind, s.payload)
	}
	p.recycle(s)
	p.outstanding.Add(-1)
	p.em.MetricMadReleased()
	return nil
}

// Outstanding returns the number of wrappers currently checked out.
func (p *Pool) Outstanding() int64 {
	if p == nil {
		return 0
	}
	return p.outstanding.Load()
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Slots:       len(p.slots),
		Free:        len(p.free),
		Outstanding: p.outstanding.Load(),
		Grown:       p.grown.Load(),
	}
}

// Close destroys the pool. Wrappers still checked out are left alone: they
// stay usable by their owners and a later Put still releases their transport
// buffer, but their slots are not recycled.
func (p *Pool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	if out := p.outstanding.Load(); out > 0 {
		p.em.Warn("close_with_outstanding", telemetry.KV("outstanding", out))
	}
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
}

func (p *Pool) acquire() (*slot, error) {
	if p == nil {
		return nil, errors.New("madpool: nil pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if len(p.free) == 0 {
		if err := p.growLocked(p.grow); err != nil {
			return nil, err
		}
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return p.slots[idx], nil
}

func (p *Pool) checkout(s *slot, op string) *Wrapper {
	w := &Wrapper{pool: p, s: s, gen: s.gen.Load()}
	p.outstanding.Add(1)
	p.em.Event("acquired", telemetry.KV("op", op), telemetry.KV("slot", s.index), telemetry.KV("size", s.size))
	p.em.MetricMadAcquired()
	return w
}

func (p *Pool) recycle(s *slot) {
	s.reset()
	p.mu.Lock()
	if !p.closed.Load() {
		p.free = append(p.free, s.index)
	}
	p.mu.Unlock()
}

func (p *Pool) growLocked(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: free list empty and growth disabled", ErrPoolExhausted)
	}
	if p.max > 0 {
		room := p.max - len(p.slots)
		if room <= 0 {
			return fmt.Errorf("%w: pool at maximum of %d wrappers", ErrPoolExhausted, p.max)
		}
		if n > room {
			n = room
		}
	}
	base := len(p.slots)
	for i := 0; i < n; i++ {
		s := &slot{index: uint32(base + i)}
		p.slots = append(p.slots, s)
		p.free = append(p.free, s.index)
	}
	p.grown.Add(1)
	p.em.Event("grown", telemetry.KV("added", n), telemetry.KV("slots", len(p.slots)))
	p.em.MetricPoolGrown()
	return nil
}
