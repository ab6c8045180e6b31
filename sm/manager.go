// Package sm wires the subnet manager together: the MAD pool, the dispatcher,
// the receivers, the sweep state machine and the routing reports.
package sm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/opensm-go/dispatch"
	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/receiver"
	"github.com/rocketbitz/opensm-go/routing"
	"github.com/rocketbitz/opensm-go/statemgr"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// ErrClosed indicates the manager has already been closed.
var ErrClosed = errors.New("sm: closed")

// RoutingEngine computes forwarding tables. It runs under the subnet write lock.
type RoutingEngine interface {
	Route(s *subnet.Subnet) error
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Sweeps          uint64
	Settlements     uint64
	OutstandingMADs int64
	Pool            madpool.Stats
}

// Manager owns every subnet manager component for one subnet.
type Manager struct {
	cfg  Config
	bind madpool.BindHandle
	em   *telemetry.Emitter

	pool       *madpool.Pool
	dispatcher *dispatch.Dispatcher
	lock       *subnet.Lock
	tracker    *receiver.Tracker
	requester  *receiver.Requester
	madCtrl    *receiver.Controller
	stateCtrl  *statemgr.Controller
	engine     RoutingEngine
	validator  *routing.Validator
	dumper     *routing.Dumper

	stateMu sync.RWMutex
	state   *statemgr.Manager

	report atomic.Pointer[routing.Report]
	closed atomic.Bool
}

// Open builds and starts a manager. Transport and Sender are required.
func Open(cfg Config) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transport == nil || cfg.Sender == nil {
		return nil, errors.New("sm: transport and sender are required")
	}

	opts := telemetry.Options{
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
		Tracer:           cfg.Tracer,
		Metrics:          cfg.MetricHook,
	}
	m := &Manager{
		cfg:    cfg,
		bind:   madpool.BindHandle(cfg.Bind),
		em:     telemetry.NewEmitter("sm", opts),
		lock:   subnet.NewLock(cfg.Subnet),
		engine: cfg.RoutingEngine,
	}
	if m.engine == nil {
		m.engine = routing.NewMinHop(m.em.Options())
	}

	m.pool = madpool.New(madpool.Config{
		Transport:        cfg.Transport,
		MaxSize:          cfg.MadPool.MaxSize,
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
		Metrics:          cfg.MetricHook,
	})
	if err := m.pool.Init(cfg.MadPool.MinSize, cfg.MadPool.GrowSize); err != nil {
		return nil, fmt.Errorf("init mad pool: %w", err)
	}

	m.dispatcher = dispatch.New(dispatch.Options{
		MaxHandlers:      cfg.Dispatcher.MaxHandlers,
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
		Metrics:          cfg.MetricHook,
	})
	m.tracker = receiver.NewTracker(m.dispatcher, opts)

	var err error
	m.requester, err = receiver.NewRequester(receiver.RequesterConfig{
		Pool:    m.pool,
		Sender:  cfg.Sender,
		Tracker: m.tracker,
		Bind:    m.bind,
		MADSize: cfg.MadPool.MADSize,
		Logger:  cfg.Logger,
		Metrics: cfg.MetricHook,
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("create requester: %w", err)
	}
	if err := m.openReceivers(opts); err != nil {
		m.Close()
		return nil, err
	}

	m.validator = routing.NewValidator(opts)
	m.dumper = routing.NewDumper(routing.DumperConfig{
		Dir:              cfg.DumpDir,
		Enabled:          cfg.DumpRouting,
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
		Tracer:           cfg.Tracer,
		Metrics:          cfg.MetricHook,
	})

	state, err := statemgr.New(statemgr.Config{
		Actions:          sweepActions{m},
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
		Tracer:           cfg.Tracer,
		Metrics:          cfg.MetricHook,
	})
	if err != nil {
		m.Close()
		return nil, err
	}
	m.state = state
	m.stateCtrl = statemgr.NewController()
	if err := m.stateCtrl.Init(state, cfg.Logger, m.dispatcher); err != nil {
		m.Close()
		return nil, err
	}

	m.em.Event("opened",
		telemetry.KV("bind", cfg.Bind),
		telemetry.KV("pool_min", cfg.MadPool.MinSize),
		telemetry.KV("dump_routing", cfg.DumpRouting))
	return m, nil
}

func (m *Manager) openReceivers(opts telemetry.Options) error {
	var err error
	m.madCtrl, err = receiver.NewController(receiver.ControllerConfig{
		Pool:       m.pool,
		Dispatcher: m.dispatcher,
		Tracker:    m.tracker,
		Logger:     m.cfg.Logger,
		Metrics:    m.cfg.MetricHook,
	})
	if err != nil {
		return err
	}
	si, err := receiver.NewSwitchInfoReceiver(receiver.SwitchInfoConfig{
		Lock:      m.lock,
		Requester: m.requester,
		State:     m.dispatcher,
		Logger:    m.cfg.Logger,
		Metrics:   m.cfg.MetricHook,
	})
	if err != nil {
		return err
	}
	lft, err := receiver.NewLFTReceiver(m.lock, opts)
	if err != nil {
		return err
	}
	if err := m.madCtrl.Bind(receiver.AttrSwitchInfo, dispatch.MsgSwitchInfo, si); err != nil {
		return fmt.Errorf("bind switch info receiver: %w", err)
	}
	if err := m.madCtrl.Bind(receiver.AttrLFT, dispatch.MsgLinearForwardingTable, lft); err != nil {
		return fmt.Errorf("bind lft receiver: %w", err)
	}
	return nil
}

// Close shuts the manager down: dispatch registrations go first so no handler
// runs against a component being torn down, then the dispatcher, then the
// state manager, and the pool last. Wrappers still checked out are reported
// by the pool and left alone.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.stateCtrl != nil {
		m.stateCtrl.Destroy()
	}
	if m.madCtrl != nil {
		m.madCtrl.Close()
	}
	if m.dispatcher != nil {
		m.dispatcher.Close()
	}
	m.stateMu.Lock()
	m.state = nil
	m.stateMu.Unlock()
	if m.pool != nil {
		m.pool.Close()
	}
	m.em.Event("closed")
	return nil
}

func (m *Manager) ensureOpen() error {
	if m == nil || m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Sweep requests a heavy sweep. It returns once the request is queued.
func (m *Manager) Sweep() error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	return m.dispatcher.Post(dispatch.MsgNoSMPsOutstanding, statemgr.SignalSweep)
}

// SweepAndWait requests a sweep and waits until it completes or fails. Called
// mid-sweep, it waits for the latched sweep that follows the running one.
func (m *Manager) SweepAndWait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st := m.stateManager()
	if st == nil {
		return ErrClosed
	}
	target := st.SweepTarget()
	prevErr := st.LastError()
	if err := m.Sweep(); err != nil {
		return err
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		failed := st.Phase() == statemgr.PhaseError
		if err := st.LastError(); failed && err != nil && err != prevErr {
			return err
		}
		if st.Finished() >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Deliver hands a received MAD to its receiver. The manager owns buf afterwards.
func (m *Manager) Deliver(buf []byte, addr madpool.Address) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	return m.madCtrl.Deliver(m.bind, buf, addr)
}

// Subnet returns the lock guarding the subnet.
func (m *Manager) Subnet() *subnet.Lock { return m.lock }

// Pool returns the MAD pool.
func (m *Manager) Pool() *madpool.Pool { return m.pool }

func (m *Manager) stateManager() *statemgr.Manager {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Phase returns the sweep phase, or PhaseIdle once closed.
func (m *Manager) Phase() statemgr.Phase {
	if st := m.stateManager(); st != nil {
		return st.Phase()
	}
	return statemgr.PhaseIdle
}

// Sweeps returns the number of completed sweeps.
func (m *Manager) Sweeps() uint64 {
	if st := m.stateManager(); st != nil {
		return st.Sweeps()
	}
	return 0
}

// LastError returns the error of the last failed sweep.
func (m *Manager) LastError() error {
	if st := m.stateManager(); st != nil {
		return st.LastError()
	}
	return nil
}

// LastReport returns the validation report of the last completed sweep.
func (m *Manager) LastReport() routing.Report {
	if r := m.report.Load(); r != nil {
		return *r
	}
	return routing.Report{}
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Sweeps:          m.Sweeps(),
		Settlements:     m.tracker.Settlements(),
		OutstandingMADs: m.tracker.Outstanding(),
		Pool:            m.pool.Stats(),
	}
}
