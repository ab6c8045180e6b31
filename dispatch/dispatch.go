// Package dispatch delivers typed messages to registered handlers. Each
// message kind has its own queue, so delivery is serialized per kind and
// concurrent across kinds.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	events "github.com/docker/go-events"

	"github.com/rocketbitz/opensm-go/telemetry"
)

// DefaultMaxHandlers bounds the registration table when Options leaves it unset.
const DefaultMaxHandlers = 64

var (
	// ErrTableFull indicates the registration table has no room left.
	ErrTableFull = errors.New("dispatch: handler table full")
	// ErrAlreadyRegistered indicates the kind already has a handler.
	ErrAlreadyRegistered = errors.New("dispatch: kind already registered")
	// ErrClosed indicates the dispatcher has been shut down.
	ErrClosed = errors.New("dispatch: dispatcher closed")
	// ErrNotRegistered indicates a post to a kind nobody handles.
	ErrNotRegistered = errors.New("dispatch: no handler registered")
)

// Kind identifies a message type.
type Kind int

const (
	MsgNoSMPsOutstanding Kind = iota + 1
	MsgSwitchInfo
	MsgLinearForwardingTable
	MsgNodeInfo
	MsgPortInfo
)

func (k Kind) String() string {
	switch k {
	case MsgNoSMPsOutstanding:
		return "no_smps_outstanding"
	case MsgSwitchInfo:
		return "switch_info"
	case MsgLinearForwardingTable:
		return "linear_forwarding_table"
	case MsgNodeInfo:
		return "node_info"
	case MsgPortInfo:
		return "port_info"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// Message is what a handler receives: the kind it was posted under plus an
// optional value.
type Message struct {
	Kind  Kind
	Value any
}

// Handler processes one message. Handlers of the same kind never run
// concurrently.
type Handler func(Message)

// Options configures a Dispatcher.
type Options struct {
	MaxHandlers      int
	Logger           telemetry.Logger
	StructuredLogger telemetry.StructuredLogger
	Metrics          telemetry.MetricHook
}

// Dispatcher routes posted messages to per-kind handlers.
type Dispatcher struct {
	em  *telemetry.Emitter
	max int

	mu     sync.RWMutex
	regs   map[Kind]*Registration
	closed atomic.Bool
}

// New returns a dispatcher with an empty registration table.
func New(opts Options) *Dispatcher {
	limit := opts.MaxHandlers
	if limit <= 0 {
		limit = DefaultMaxHandlers
	}
	return &Dispatcher{
		em: telemetry.NewEmitter("dispatch", telemetry.Options{
			Logger:           opts.Logger,
			StructuredLogger: opts.StructuredLogger,
			Metrics:          opts.Metrics,
		}),
		max:  limit,
		regs: make(map[Kind]*Registration),
	}
}

// Registration is the handle returned by Register.
type Registration struct {
	d     *Dispatcher
	kind  Kind
	sink  *handlerSink
	queue *events.Queue
	once  sync.Once
}

// Register installs h as the handler for kind.
func (d *Dispatcher) Register(kind Kind, h Handler) (*Registration, error) {
	if h == nil {
		return nil, errors.New("dispatch: nil handler")
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := d.regs[kind]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, kind)
	}
	if len(d.regs) >= d.max {
		return nil, fmt.Errorf("%w: %d handlers", ErrTableFull, d.max)
	}
	sink := &handlerSink{kind: kind, handler: h, em: d.em}
	reg := &Registration{d: d, kind: kind, sink: sink, queue: events.NewQueue(sink)}
	d.regs[kind] = reg
	d.em.Event("registered", telemetry.KV("kind", kind.String()))
	return reg, nil
}

// Post queues a message for kind's handler and returns without waiting for it.
func (d *Dispatcher) Post(kind Kind, value any) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.RLock()
	reg := d.regs[kind]
	d.mu.RUnlock()
	if reg == nil {
		d.em.MetricSignalDropped(telemetry.KV(telemetry.LabelKind, kind.String()))
		return fmt.Errorf("%w: %s", ErrNotRegistered, kind)
	}
	if err := reg.queue.Write(Message{Kind: kind, Value: value}); err != nil {
		d.em.MetricSignalDropped(telemetry.KV(telemetry.LabelKind, kind.String()))
		return fmt.Errorf("%w: %s", ErrNotRegistered, kind)
	}
	return nil
}

// Registered reports whether kind currently has a handler.
func (d *Dispatcher) Registered(kind Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.regs[kind]
	return ok
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.regs)
}

// Close unregisters every handler. Posts and registrations fail afterwards.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.mu.RLock()
	regs := make([]*Registration, 0, len(d.regs))
	for _, reg := range d.regs {
		regs = append(regs, reg)
	}
	d.mu.RUnlock()
	for _, reg := range regs {
		reg.Unregister()
	}
	d.em.Event("closed", telemetry.KV("handlers", len(regs)))
}

// Kind returns the registered kind.
func (r *Registration) Kind() Kind {
	return r.kind
}

// Unregister removes the handler. Messages still queued are dropped, and an
// invocation already running is waited for; once Unregister returns the
// handler is never called again. It must not be called from the handler it
// removes.
func (r *Registration) Unregister() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.sink.unregistered.Store(true)
		r.d.mu.Lock()
		if r.d.regs[r.kind] == r {
			delete(r.d.regs, r.kind)
		}
		r.d.mu.Unlock()
		_ = r.queue.Close()
		r.d.em.Event("unregistered", telemetry.KV("kind", r.kind.String()))
	})
}

type handlerSink struct {
	kind         Kind
	handler      Handler
	em           *telemetry.Emitter
	unregistered atomic.Bool
}

func (s *handlerSink) Write(event events.Event) error {
	msg, ok := event.(Message)
	if !ok {
		return fmt.Errorf("dispatch: unexpected event %T", event)
	}
	if s.unregistered.Load() {
		s.em.MetricSignalDropped(telemetry.KV(telemetry.LabelKind, s.kind.String()))
		return nil
	}
	s.handler(msg)
	s.em.MetricSignalDispatched(telemetry.KV(telemetry.LabelKind, s.kind.String()))
	return nil
}

func (s *handlerSink) Close() error {
	return nil
}
