package sm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rocketbitz/opensm-go/internal/simfabric"
	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/routing"
	"github.com/rocketbitz/opensm-go/statemgr"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
	"github.com/rocketbitz/opensm-go/topology"
)

const lineFabric = `
switches:
  - {guid: 0x10, desc: sw-a, lid: 1, ports: 4}
  - {guid: 0x20, desc: sw-b, lid: 2, ports: 4}
cas:
  - guid: 0x100
    desc: host
    ports:
      - {num: 1, guid: 0x101, lid: 4}
links:
  - {a: {guid: 0x10, port: 2}, b: {guid: 0x20, port: 1}}
  - {a: {guid: 0x100, port: 1}, b: {guid: 0x20, port: 3}}
`

type harness struct {
	mgr    *Manager
	fabric *simfabric.Fabric
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	desc, err := topology.Read("line.yaml", []byte(lineFabric))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	s, err := desc.Build(topology.NodesOnly)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	fab := simfabric.New(desc)
	dir := t.TempDir()
	mgr, err := Open(Config{
		MadPool:     PoolConfig{MinSize: 2, GrowSize: 2},
		DumpDir:     dir,
		DumpRouting: true,
		Transport:   fab,
		Sender:      fab,
		Subnet:      s,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fab.Attach(mgr)
	t.Cleanup(func() { _ = mgr.Close() })
	return &harness{mgr: mgr, fabric: fab, dir: dir}
}

func sweep(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.SweepAndWait(ctx); err != nil {
		t.Fatalf("SweepAndWait: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSweepProgramsFabric(t *testing.T) {
	h := newHarness(t)
	sweep(t, h.mgr)

	if h.mgr.Sweeps() != 1 || h.mgr.Phase() != statemgr.PhaseIdle {
		t.Fatalf("sweeps=%d phase=%s", h.mgr.Sweeps(), h.mgr.Phase())
	}
	a, b := h.fabric.LFT(0x10), h.fabric.LFT(0x20)
	if len(a) < 5 || a[1] != 0 || a[2] != 2 || a[4] != 2 {
		t.Fatalf("sw-a programmed LFT: %v", a)
	}
	if len(b) < 5 || b[1] != 1 || b[2] != 0 || b[4] != 3 || b[3] != subnet.NoPath {
		t.Fatalf("sw-b programmed LFT: %v", b)
	}

	err := h.mgr.Subnet().Read(func(s *subnet.Subnet) error {
		if s.SwitchCount() != 2 {
			t.Errorf("switches discovered: %d", s.SwitchCount())
		}
		if sw := s.Switch(0x20); sw == nil || sw.PortByLID(4) != 3 {
			t.Errorf("sw-b local LFT not updated")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	report := h.mgr.LastReport()
	if report.Switches != 2 || len(report.Discrepancies) != 0 {
		t.Fatalf("report: %+v", report)
	}
	for _, name := range []string{routing.FileLIDMatrix, routing.FileLFTs, routing.FileFDBs, routing.FileMCFDBs} {
		if _, err := os.Stat(filepath.Join(h.dir, name)); err != nil {
			t.Errorf("dump %s: %v", name, err)
		}
	}

	st := h.mgr.Stats()
	if st.OutstandingMADs != 0 || st.Pool.Outstanding != 0 || st.Settlements < 2 {
		t.Fatalf("stats after sweep: %+v", st)
	}
	if h.fabric.Lent() != 0 {
		t.Fatalf("wire buffers lent: %d", h.fabric.Lent())
	}
	if h.fabric.Sent() != h.fabric.Answered() {
		t.Fatalf("sent=%d answered=%d", h.fabric.Sent(), h.fabric.Answered())
	}
}

func TestPortStateChangeTriggersResweep(t *testing.T) {
	h := newHarness(t)
	sweep(t, h.mgr)
	if err := h.fabric.SetPortStateChange(0x20); err != nil {
		t.Fatalf("SetPortStateChange: %v", err)
	}
	sweep(t, h.mgr)
	waitFor(t, "resweep", func() bool {
		return h.mgr.Sweeps() == 3 && h.mgr.Phase() == statemgr.PhaseIdle
	})
}

func TestSilentSwitchStillSettles(t *testing.T) {
	h := newHarness(t)
	h.fabric.Silence(0x10, true)
	sweep(t, h.mgr)

	err := h.mgr.Subnet().Read(func(s *subnet.Subnet) error {
		if s.Switch(0x10) != nil {
			t.Error("silent switch was discovered")
		}
		if s.Switch(0x20) == nil {
			t.Error("responsive switch missing")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.mgr.Stats().OutstandingMADs != 0 {
		t.Fatalf("outstanding: %d", h.mgr.Stats().OutstandingMADs)
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error without a transport")
	}
	fab := simfabric.New(&topology.Fabric{})
	if _, err := Open(Config{Transport: fab, Sender: fab, Metrics: "bogus"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestClosedManager(t *testing.T) {
	h := newHarness(t)
	if err := h.mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.mgr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.mgr.Sweep(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Sweep after Close: %v", err)
	}
	if err := h.mgr.Deliver(make([]byte, 256), madpool.Address{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Deliver after Close: %v", err)
	}
	if h.mgr.Sweeps() != 0 || h.mgr.Phase() != statemgr.PhaseIdle {
		t.Fatal("closed manager reports state")
	}
}

type failingEngine struct{ err error }

func (e failingEngine) Route(*subnet.Subnet) error { return e.err }

func TestRoutingFailureEndsSweepInError(t *testing.T) {
	desc, err := topology.Read("line.yaml", []byte(lineFabric))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	s, err := desc.Build(topology.NodesOnly)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	fab := simfabric.New(desc)
	boom := errors.New("no route")
	mgr, err := Open(Config{Transport: fab, Sender: fab, Subnet: s, RoutingEngine: failingEngine{boom}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mgr.Close()
	fab.Attach(mgr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.SweepAndWait(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected routing failure, got %v", err)
	}
	if mgr.Phase() != statemgr.PhaseError || mgr.Sweeps() != 0 {
		t.Fatalf("phase=%s sweeps=%d", mgr.Phase(), mgr.Sweeps())
	}
	if mgr.Stats().OutstandingMADs != 0 {
		t.Fatalf("outstanding: %d", mgr.Stats().OutstandingMADs)
	}
}

type gatedEngine struct {
	inner   *routing.MinHop
	entered chan struct{}
	release chan struct{}
}

func (e *gatedEngine) Route(s *subnet.Subnet) error {
	select {
	case e.entered <- struct{}{}:
	default:
	}
	<-e.release
	return e.inner.Route(s)
}

func TestSweepAndWaitMidSweepWaitsForLatchedSweep(t *testing.T) {
	desc, err := topology.Read("line.yaml", []byte(lineFabric))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	s, err := desc.Build(topology.NodesOnly)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	fab := simfabric.New(desc)
	engine := &gatedEngine{
		inner:   routing.NewMinHop(telemetry.Options{}),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	mgr, err := Open(Config{Transport: fab, Sender: fab, Subnet: s, RoutingEngine: engine})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mgr.Close()
	fab.Attach(mgr)

	if err := mgr.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	select {
	case <-engine.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first sweep never reached routing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mgr.SweepAndWait(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(engine.release)

	if err := <-done; err != nil {
		t.Fatalf("SweepAndWait: %v", err)
	}
	if got := mgr.Sweeps(); got != 2 {
		t.Fatalf("SweepAndWait returned after %d sweeps, want 2", got)
	}
}
