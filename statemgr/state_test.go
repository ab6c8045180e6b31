package statemgr

import (
	"context"
	"errors"
	"testing"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rocketbitz/opensm-go/telemetry"
)

type fakeActions struct {
	discover, route, validate int
	discoverErr, validateErr  error
}

func (f *fakeActions) Discover() error {
	f.discover++
	return f.discoverErr
}

func (f *fakeActions) Route() error {
	f.route++
	return nil
}

func (f *fakeActions) Validate() error {
	f.validate++
	return f.validateErr
}

func newManager(t *testing.T, actions Actions) *Manager {
	t.Helper()
	m, err := New(Config{Actions: actions})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func mustProcess(t *testing.T, m *Manager, sig Signal) {
	t.Helper()
	if err := m.Process(sig); err != nil {
		t.Fatalf("Process(%v): %v", sig, err)
	}
}

func TestManagerFullSweep(t *testing.T) {
	actions := &fakeActions{}
	m := newManager(t, actions)
	if m.Phase() != PhaseIdle {
		t.Fatalf("initial phase %v", m.Phase())
	}

	mustProcess(t, m, SignalSweep)
	if m.Phase() != PhaseDiscovering || actions.discover != 1 {
		t.Fatalf("after sweep: phase=%v discover=%d", m.Phase(), actions.discover)
	}
	mustProcess(t, m, SignalNoPendingTransactions)
	if m.Phase() != PhaseRouting || actions.route != 1 {
		t.Fatalf("after discovery settled: phase=%v route=%d", m.Phase(), actions.route)
	}
	mustProcess(t, m, SignalNoPendingTransactions)
	if m.Phase() != PhaseIdle || actions.validate != 1 {
		t.Fatalf("after routing settled: phase=%v validate=%d", m.Phase(), actions.validate)
	}
	if m.Sweeps() != 1 {
		t.Fatalf("Sweeps: got %d", m.Sweeps())
	}
}

func TestManagerLatchesSweepRequestedMidSweep(t *testing.T) {
	actions := &fakeActions{}
	m := newManager(t, actions)

	mustProcess(t, m, SignalSweep)
	mustProcess(t, m, SignalNoPendingTransactions)
	mustProcess(t, m, SignalChangeDetected)
	if m.Phase() != PhaseRouting || actions.discover != 1 {
		t.Fatalf("mid-sweep request restarted discovery: phase=%v discover=%d", m.Phase(), actions.discover)
	}
	mustProcess(t, m, SignalSweep)

	mustProcess(t, m, SignalNoPendingTransactions)
	if m.Phase() != PhaseDiscovering || actions.discover != 2 {
		t.Fatalf("latched sweep not replayed: phase=%v discover=%d", m.Phase(), actions.discover)
	}
	mustProcess(t, m, SignalNoPendingTransactions)
	mustProcess(t, m, SignalNoPendingTransactions)
	if m.Phase() != PhaseIdle || actions.discover != 2 {
		t.Fatalf("latch replayed more than once: phase=%v discover=%d", m.Phase(), actions.discover)
	}
}

func TestManagerSweepTargetCountsLatchedSweep(t *testing.T) {
	actions := &fakeActions{}
	m := newManager(t, actions)
	if got := m.SweepTarget(); got != 1 {
		t.Fatalf("idle target = %d, want 1", got)
	}

	mustProcess(t, m, SignalSweep)
	target := m.SweepTarget()
	if target != 2 {
		t.Fatalf("mid-sweep target = %d, want 2", target)
	}
	mustProcess(t, m, SignalSweep)
	mustProcess(t, m, SignalNoPendingTransactions)
	mustProcess(t, m, SignalNoPendingTransactions)
	if m.Finished() != 1 || m.Finished() >= target {
		t.Fatalf("finished=%d after the running sweep, target %d", m.Finished(), target)
	}
	mustProcess(t, m, SignalNoPendingTransactions)
	mustProcess(t, m, SignalNoPendingTransactions)
	if m.Finished() != target || m.Sweeps() != 2 {
		t.Fatalf("finished=%d sweeps=%d, want %d", m.Finished(), m.Sweeps(), target)
	}

	actions.discoverErr = errors.New("boom")
	err := m.Process(SignalSweep)
	if err == nil || m.Finished() != 3 || m.Sweeps() != 2 {
		t.Fatalf("failed sweep: err=%v finished=%d sweeps=%d", err, m.Finished(), m.Sweeps())
	}
	if got := m.SweepTarget(); got != 4 {
		t.Fatalf("target after failure = %d, want 4", got)
	}
}

func TestManagerErrorPhaseAndRecovery(t *testing.T) {
	actions := &fakeActions{discoverErr: errors.New("no switches answered")}
	m := newManager(t, actions)

	if err := m.Process(SignalSweep); err == nil {
		t.Fatal("expected discover failure")
	}
	if m.Phase() != PhaseError || m.LastError() == nil {
		t.Fatalf("phase=%v lastErr=%v", m.Phase(), m.LastError())
	}

	mustProcess(t, m, SignalNoPendingTransactions)
	if m.Phase() != PhaseError {
		t.Fatal("late settlement left the error phase")
	}

	actions.discoverErr = nil
	mustProcess(t, m, SignalSweep)
	if m.Phase() != PhaseDiscovering {
		t.Fatalf("error phase did not accept a new sweep: %v", m.Phase())
	}
}

func TestManagerValidateFailure(t *testing.T) {
	actions := &fakeActions{validateErr: errors.New("dump dir missing")}
	m := newManager(t, actions)
	mustProcess(t, m, SignalSweep)
	mustProcess(t, m, SignalNoPendingTransactions)
	if err := m.Process(SignalNoPendingTransactions); err == nil {
		t.Fatal("expected validate failure")
	}
	if m.Phase() != PhaseError || m.Sweeps() != 0 {
		t.Fatalf("phase=%v sweeps=%d", m.Phase(), m.Sweeps())
	}
}

func TestManagerIgnoresStaleAndNoneSignals(t *testing.T) {
	actions := &fakeActions{}
	m := newManager(t, actions)
	mustProcess(t, m, SignalNoPendingTransactions)
	mustProcess(t, m, SignalNone)
	mustProcess(t, m, SignalDone)
	if m.Phase() != PhaseIdle || actions.route != 0 {
		t.Fatalf("stale signal moved the manager: phase=%v route=%d", m.Phase(), actions.route)
	}
	if err := m.Process(Signal(42)); err == nil {
		t.Fatal("expected error for unknown signal")
	}
}

func TestManagerDoneAbortsSweep(t *testing.T) {
	actions := &fakeActions{}
	m := newManager(t, actions)
	mustProcess(t, m, SignalSweep)
	mustProcess(t, m, SignalDone)
	if m.Phase() != PhaseIdle {
		t.Fatalf("Done left phase %v", m.Phase())
	}
}

func TestManagerTracesSweep(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m, err := New(Config{Actions: &fakeActions{}, Tracer: telemetry.NewOTelTracer(tp.Tracer("statemgr-test"))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustProcess(t, m, SignalSweep)
	mustProcess(t, m, SignalNoPendingTransactions)
	mustProcess(t, m, SignalNoPendingTransactions)

	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].Name() != "sweep" {
		t.Fatalf("expected one sweep span, got %d", len(ended))
	}
	var transitions int
	for _, evt := range ended[0].Events() {
		if evt.Name == "transition" {
			transitions++
		}
	}
	if transitions != 4 {
		t.Fatalf("expected 4 transitions, got %d", transitions)
	}
}

func TestNewRequiresActions(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without actions")
	}
}
