// Package statemgr drives the subnet sweep through its phases. Transitions
// happen only in response to signals handed to Manager.Process.
package statemgr

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/opensm-go/telemetry"
)

// Phase is the sweep phase the manager is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseRouting
	PhaseValidating
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDiscovering:
		return "discovering"
	case PhaseRouting:
		return "routing"
	case PhaseValidating:
		return "validating"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase_%d", int(p))
	}
}

// Signal is an event that can move the manager between phases.
type Signal int

const (
	SignalNone Signal = iota
	SignalSweep
	SignalChangeDetected
	SignalNoPendingTransactions
	SignalDone
	SignalLightSweepFail
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalSweep:
		return "sweep"
	case SignalChangeDetected:
		return "change_detected"
	case SignalNoPendingTransactions:
		return "no_pending_transactions"
	case SignalDone:
		return "done"
	case SignalLightSweepFail:
		return "light_sweep_fail"
	default:
		return fmt.Sprintf("signal_%d", int(s))
	}
}

// Actions performs the work of each phase. Discover and Route start
// asynchronous requests; the manager moves on once the outstanding requests
// settle and SignalNoPendingTransactions arrives. Validate runs to completion.
type Actions interface {
	Discover() error
	Route() error
	Validate() error
}

// Config configures a Manager.
type Config struct {
	Actions          Actions
	Logger           telemetry.Logger
	StructuredLogger telemetry.StructuredLogger
	Tracer           telemetry.Tracer
	Metrics          telemetry.MetricHook
}

// Manager holds the current phase. Process is expected to be called from a
// single dispatch context; it is serialized internally as well.
type Manager struct {
	actions Actions
	em      *telemetry.Emitter

	mu      sync.Mutex
	phase   Phase
	pending bool
	span    telemetry.Span
	lastErr error

	sweeps   atomic.Uint64
	finished atomic.Uint64
}

// New returns a manager in PhaseIdle.
func New(cfg Config) (*Manager, error) {
	if cfg.Actions == nil {
		return nil, errors.New("statemgr: actions required")
	}
	return &Manager{
		actions: cfg.Actions,
		em: telemetry.NewEmitter("statemgr", telemetry.Options{
			Logger:           cfg.Logger,
			StructuredLogger: cfg.StructuredLogger,
			Tracer:           cfg.Tracer,
			Metrics:          cfg.Metrics,
		}),
	}, nil
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Sweeps returns the number of sweeps that reached validation successfully.
func (m *Manager) Sweeps() uint64 {
	return m.sweeps.Load()
}

// Finished returns the number of sweeps that ended, successfully or in PhaseError.
func (m *Manager) Finished() uint64 {
	return m.finished.Load()
}

// SweepTarget returns the Finished count at which a sweep requested now will
// have ended. A request made mid-sweep is latched behind the running sweep.
func (m *Manager) SweepTarget() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseIdle || m.phase == PhaseError {
		return m.finished.Load() + 1
	}
	return m.finished.Load() + 2
}

// LastError returns the error that last put the manager in PhaseError.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Process applies sig to the current phase.
func (m *Manager) Process(sig Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.em.Event("signal", telemetry.KV("signal", sig.String()), telemetry.KV("phase", m.phase.String()))

	switch sig {
	case SignalNone:
		return nil
	case SignalSweep, SignalChangeDetected, SignalLightSweepFail:
		return m.requestSweepLocked(sig)
	case SignalNoPendingTransactions:
		return m.advanceLocked()
	case SignalDone:
		if m.phase == PhaseIdle {
			return nil
		}
		m.finishLocked(PhaseIdle, nil)
		return m.replayLocked()
	default:
		return fmt.Errorf("statemgr: unknown signal %d", int(sig))
	}
}

func (m *Manager) requestSweepLocked(sig Signal) error {
	if m.phase != PhaseIdle && m.phase != PhaseError {
		m.pending = true
		m.em.Event("sweep_latched", telemetry.KV("signal", sig.String()), telemetry.KV("phase", m.phase.String()))
		return nil
	}
	m.span = m.em.StartSpan("sweep", telemetry.KV("signal", sig.String()))
	m.transitionLocked(PhaseDiscovering)
	if err := m.actions.Discover(); err != nil {
		m.finishLocked(PhaseError, fmt.Errorf("discover: %w", err))
		return m.lastErr
	}
	return nil
}

func (m *Manager) advanceLocked() error {
	switch m.phase {
	case PhaseDiscovering:
		m.transitionLocked(PhaseRouting)
		if err := m.actions.Route(); err != nil {
			m.finishLocked(PhaseError, fmt.Errorf("route: %w", err))
			return m.lastErr
		}
		return nil
	case PhaseRouting:
		m.transitionLocked(PhaseValidating)
		if err := m.actions.Validate(); err != nil {
			m.finishLocked(PhaseError, fmt.Errorf("validate: %w", err))
			return m.lastErr
		}
		m.sweeps.Add(1)
		m.finishLocked(PhaseIdle, nil)
		return m.replayLocked()
	default:
		// Late settlement from a sweep that already finished or failed.
		m.em.Event("stale_signal", telemetry.KV("phase", m.phase.String()))
		return nil
	}
}

// replayLocked starts the sweep latched while the previous one was running.
func (m *Manager) replayLocked() error {
	if !m.pending {
		return nil
	}
	m.pending = false
	return m.requestSweepLocked(SignalSweep)
}

func (m *Manager) transitionLocked(to Phase) {
	from := m.phase
	m.phase = to
	m.em.Event("transition", telemetry.KV("from", from.String()), telemetry.KV("to", to.String()))
	telemetry.SpanEvent(m.span, "transition", telemetry.KV("from", from.String()), telemetry.KV("to", to.String()))
	m.em.MetricStateTransition(telemetry.KV(telemetry.LabelFrom, from.String()), telemetry.KV(telemetry.LabelTo, to.String()))
}

func (m *Manager) finishLocked(to Phase, err error) {
	m.transitionLocked(to)
	if err != nil {
		m.lastErr = err
		m.em.Error("sweep_failed", telemetry.KV("error", err))
	}
	telemetry.EndSpan(m.span, err)
	m.span = nil
	m.finished.Add(1)
}
