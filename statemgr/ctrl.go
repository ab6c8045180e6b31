package statemgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/opensm-go/dispatch"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// ErrInsufficientResources indicates the controller could not register with
// the dispatcher.
var ErrInsufficientResources = errors.New("statemgr: insufficient resources")

// Processor is the entry point the controller feeds signals into.
type Processor interface {
	Process(Signal) error
}

// Registrar is the part of the dispatcher the controller needs.
type Registrar interface {
	Register(dispatch.Kind, dispatch.Handler) (*dispatch.Registration, error)
}

// Controller forwards MsgNoSMPsOutstanding messages to a Processor.
type Controller struct {
	mu  sync.Mutex
	reg *dispatch.Registration
	mgr Processor
	em  *telemetry.Emitter
}

// NewController returns an uninitialized controller.
func NewController() *Controller {
	return &Controller{em: telemetry.NewEmitter("statemgr", telemetry.Options{})}
}

// Init registers the controller for MsgNoSMPsOutstanding. Without that
// registration the sweep cannot make progress, so failure is fatal to startup.
func (c *Controller) Init(mgr Processor, logger telemetry.Logger, d Registrar) error {
	if mgr == nil || d == nil {
		return errors.New("statemgr: controller needs a processor and a dispatcher")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mgr = mgr
	c.em = telemetry.NewEmitter("statemgr", telemetry.Options{Logger: logger})

	reg, err := d.Register(dispatch.MsgNoSMPsOutstanding, c.deliver)
	if err != nil {
		c.em.Errorf("statemgr: ERR 3401: dispatcher registration failed (%v)", err)
		return fmt.Errorf("%w: %w", ErrInsufficientResources, err)
	}
	c.reg = reg
	return nil
}

func (c *Controller) deliver(msg dispatch.Message) {
	sig := SignalNone
	switch v := msg.Value.(type) {
	case Signal:
		sig = v
	case nil:
	default:
		c.em.Warn("unexpected_value", telemetry.KV("type", fmt.Sprintf("%T", v)))
		return
	}
	// Process reports and logs its own failures.
	_ = c.mgr.Process(sig)
}

// Destroy unregisters the controller. No Process call starts after it returns.
func (c *Controller) Destroy() {
	c.mu.Lock()
	reg := c.reg
	c.reg = nil
	c.mu.Unlock()
	reg.Unregister()
}
