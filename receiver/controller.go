// Package receiver turns inbound MADs into subnet state. The Controller wraps
// each received buffer, hands it to the dispatcher under the kind bound to its
// attribute, and the attribute's Receiver processes it on the dispatch side.
package receiver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/opensm-go/dispatch"
	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/telemetry"
)

var (
	// ErrUnsupportedAttribute indicates a MAD whose attribute has no receiver.
	ErrUnsupportedAttribute = errors.New("receiver: unsupported attribute")
	// ErrNotInitialized indicates a receiver that was bound before it was ready.
	ErrNotInitialized = errors.New("receiver: not initialized")
)

// Receiver processes one completed MAD. The wrapper is only valid for the
// duration of the call.
type Receiver interface {
	IsInitialized() bool
	Process(w *madpool.Wrapper)
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Pool       *madpool.Pool
	Dispatcher *dispatch.Dispatcher
	Tracker    *Tracker
	Logger     telemetry.Logger
	Metrics    telemetry.MetricHook
}

type binding struct {
	kind dispatch.Kind
	recv Receiver
	reg  *dispatch.Registration
}

// Controller routes inbound MADs to their receivers.
type Controller struct {
	pool       *madpool.Pool
	dispatcher *dispatch.Dispatcher
	tracker    *Tracker
	em         *telemetry.Emitter

	mu       sync.RWMutex
	bindings map[uint16]*binding
}

// NewController validates cfg and returns a controller with no bindings.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Pool == nil || cfg.Dispatcher == nil || cfg.Tracker == nil {
		return nil, errors.New("receiver: controller needs a pool, a dispatcher and a tracker")
	}
	return &Controller{
		pool:       cfg.Pool,
		dispatcher: cfg.Dispatcher,
		tracker:    cfg.Tracker,
		em:         telemetry.NewEmitter("receiver", telemetry.Options{Logger: cfg.Logger, Metrics: cfg.Metrics}),
		bindings:   make(map[uint16]*binding),
	}, nil
}

// Bind registers recv for attr under kind.
func (c *Controller) Bind(attr uint16, kind dispatch.Kind, recv Receiver) error {
	if recv == nil || !recv.IsInitialized() {
		return fmt.Errorf("%w: attribute 0x%04x", ErrNotInitialized, attr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bindings[attr]; ok {
		return fmt.Errorf("receiver: attribute 0x%04x already bound", attr)
	}
	b := &binding{kind: kind, recv: recv}
	reg, err := c.dispatcher.Register(kind, c.handler(b))
	if err != nil {
		return err
	}
	b.reg = reg
	c.bindings[attr] = b
	return nil
}

// Deliver accepts a received MAD and takes ownership of buf. Every delivery
// completes one outstanding request, whether or not it can be processed.
func (c *Controller) Deliver(bind madpool.BindHandle, buf []byte, addr madpool.Address) error {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		c.tracker.Done()
		return err
	}
	if hdr.Status != 0 {
		c.em.Warn("error_status",
			telemetry.KV("guid", fmt.Sprintf("0x%016x", hdr.NodeGUID)),
			telemetry.KV("attr", fmt.Sprintf("0x%04x", hdr.AttrID)),
			telemetry.KV("status", fmt.Sprintf("0x%04x", hdr.Status)))
		c.tracker.Done()
		return nil
	}

	c.mu.RLock()
	b, ok := c.bindings[hdr.AttrID]
	c.mu.RUnlock()
	if !ok {
		c.tracker.Done()
		return fmt.Errorf("%w: 0x%04x", ErrUnsupportedAttribute, hdr.AttrID)
	}

	w, err := c.pool.GetWrapper(bind, len(buf), buf, addr)
	if err != nil {
		c.tracker.Done()
		return err
	}
	w.SetContext(madpool.Context{
		NodeGUID:   hdr.NodeGUID,
		Attr:       hdr.AttrID,
		Modifier:   hdr.Modifier,
		LightSweep: hdr.LightSweep,
	})

	if err := c.dispatcher.Post(b.kind, w); err != nil {
		_ = c.pool.Put(w)
		c.tracker.Done()
		return err
	}
	return nil
}

func (c *Controller) handler(b *binding) dispatch.Handler {
	return func(msg dispatch.Message) {
		w, ok := msg.Value.(*madpool.Wrapper)
		if !ok {
			c.em.Warn("unexpected_value", telemetry.KV("kind", msg.Kind.String()), telemetry.KV("type", fmt.Sprintf("%T", msg.Value)))
			return
		}
		b.recv.Process(w)
		_ = c.pool.Put(w)
		c.tracker.Done()
	}
}

// Close unregisters every binding. Messages already queued are dropped and
// their wrappers stay checked out until the pool is closed.
func (c *Controller) Close() {
	c.mu.Lock()
	bindings := c.bindings
	c.bindings = make(map[uint16]*binding)
	c.mu.Unlock()
	for _, b := range bindings {
		b.reg.Unregister()
	}
}
