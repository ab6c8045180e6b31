package routing

import (
	"testing"

	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

var noTelemetry = telemetry.Options{}

func TestValidateOptimalFabric(t *testing.T) {
	s, sws := ring(t, []uint16{1, 2, 3, 4, 5}, 4)
	addCA(t, s, 0x100, 6, sws[0], 3)
	addCA(t, s, 0x200, 7, sws[2], 3)
	if err := NewMinHop(noTelemetry).Route(s); err != nil {
		t.Fatalf("Route: %v", err)
	}

	rep := NewValidator(noTelemetry).Validate(s)
	if len(rep.Discrepancies) != 0 {
		t.Fatalf("expected no discrepancies, got %+v", rep.Discrepancies)
	}
	if rep.Switches != 5 || rep.Routes != 5*7 {
		t.Fatalf("unexpected coverage %+v", rep)
	}
	if rep.Optimal != rep.Routes || rep.Unreachable != 0 {
		t.Fatalf("expected every route optimal, got %+v", rep)
	}
}

func TestValidateRecommendsShorterPort(t *testing.T) {
	// In a five switch ring, switch 0 reaches switch 2 (lid 5) in two hops
	// through port 2 and three hops through port 1.
	s, sws := ring(t, []uint16{1, 2, 5, 3, 4}, 3)
	if err := NewMinHop(noTelemetry).Route(s); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got := sws[0].PortByLID(5); got != 2 {
		t.Fatalf("min hop routed lid 5 via port %d", got)
	}
	if err := sws[0].SetPortByLID(5, 1); err != nil {
		t.Fatalf("SetPortByLID: %v", err)
	}

	rep := NewValidator(noTelemetry).Validate(s)
	if len(rep.Discrepancies) != 1 {
		t.Fatalf("expected one discrepancy, got %+v", rep.Discrepancies)
	}
	d := rep.Discrepancies[0]
	if d.SwitchGUID != sws[0].GUID() {
		t.Fatalf("discrepancy on wrong switch 0x%x", d.SwitchGUID)
	}
	r := d.Route
	if r.LID != 5 || r.Port != 1 || r.Hops != 3 || r.BestHops != 2 || r.Recommended != 2 {
		t.Fatalf("unexpected route %+v", r)
	}
	if r.Status != StatusSuboptimal {
		t.Fatalf("status: got %v", r.Status)
	}
}

func TestUnicastRoutesLIDHole(t *testing.T) {
	s, sw1, _ := lineWithHole(t)
	routes := NewValidator(noTelemetry).UnicastRoutes(s, sw1)
	if len(routes) != 4 {
		t.Fatalf("expected 4 routes, got %d", len(routes))
	}
	hole := routes[2]
	if hole.LID != 3 || hole.Status != StatusUnreachable || hole.Reason != ReasonLIDHole {
		t.Fatalf("unexpected hole verdict %+v", hole)
	}
	if hole.Port != subnet.NoPath {
		t.Fatalf("hole reported a port: %d", hole.Port)
	}

	// A stale LFT entry for the hole still must not yield a port.
	if err := sw1.SetPortByLID(3, 2); err != nil {
		t.Fatalf("SetPortByLID: %v", err)
	}
	routes = NewValidator(noTelemetry).UnicastRoutes(s, sw1)
	if routes[2].Status != StatusUnreachable || routes[2].Port != subnet.NoPath {
		t.Fatalf("stale entry leaked into verdict %+v", routes[2])
	}
}

func TestUnicastRoutesUnreachableReasons(t *testing.T) {
	s, sw1, _ := lineWithHole(t)
	if err := sw1.SetPortByLID(2, subnet.NoPath); err != nil {
		t.Fatalf("SetPortByLID: %v", err)
	}
	if err := sw1.SetPortByLID(1, 3); err != nil {
		t.Fatalf("SetPortByLID: %v", err)
	}
	routes := NewValidator(noTelemetry).UnicastRoutes(s, sw1)
	if routes[1].Reason != ReasonNoEntry {
		t.Fatalf("lid 2: got %+v", routes[1])
	}
	if routes[0].Reason != ReasonNoHops {
		t.Fatalf("lid 1 via unlinked port: got %+v", routes[0])
	}
}

// Endpoints reached through their switch rather than a direct hop table
// entry get one extra hop on both the measured and the best count. The
// asymmetry with the direct case is kept as observed behavior.
func TestUnicastRoutesEndpointHopAdjustment(t *testing.T) {
	s, sw1, sw2 := lineWithHole(t)
	v := NewValidator(noTelemetry)

	remote := v.UnicastRoutes(s, sw1)[3]
	if remote.DirectRoute || remote.Hops != 2 || remote.BestHops != 2 || remote.Status != StatusOptimal {
		t.Fatalf("indirect endpoint: %+v", remote)
	}
	local := v.UnicastRoutes(s, sw2)[3]
	if local.DirectRoute || local.Port != 3 || local.Hops != 1 || local.BestHops != 1 {
		t.Fatalf("endpoint on the local switch: %+v", local)
	}

	// Once the hop table knows the endpoint LID the direct count is used as is.
	if err := sw1.SetHops(4, 2, 2); err != nil {
		t.Fatalf("SetHops: %v", err)
	}
	direct := v.UnicastRoutes(s, sw1)[3]
	if !direct.DirectRoute || direct.Hops != 2 || direct.BestHops != 2 {
		t.Fatalf("direct endpoint: %+v", direct)
	}
	// The direct flag does not carry over to the next LID.
	if err := sw1.SetPortByLID(5, 2); err != nil {
		t.Fatalf("SetPortByLID: %v", err)
	}
	addCA(t, s, 0x300, 5, sw2, 2)
	next := v.UnicastRoutes(s, sw1)[4]
	if next.DirectRoute || next.Hops != 2 || next.BestHops != 2 {
		t.Fatalf("lid after a direct route: %+v", next)
	}
}

func TestMulticastRoutesWalksSetBits(t *testing.T) {
	s := subnet.New()
	sw := addSwitch(t, s, 0x10, 1, 20, "sw")
	tbl := sw.Multicast()
	if err := tbl.SetMask(0xC003, 0, 0x0003); err != nil {
		t.Fatalf("SetMask: %v", err)
	}
	if err := tbl.SetMask(0xC004, 0, 0); err != nil {
		t.Fatalf("SetMask: %v", err)
	}
	if err := tbl.SetMask(0xC004, 1, 0); err != nil {
		t.Fatalf("SetMask: %v", err)
	}
	if err := tbl.AddPort(0xC000+33, 17); err != nil {
		t.Fatalf("AddPort: %v", err)
	}

	got := NewValidator(noTelemetry).MulticastRoutes(sw)
	want := []MulticastRoute{
		{MLID: 0xC003, Port: 0},
		{MLID: 0xC003, Port: 1},
		{MLID: 0xC021, Port: 17},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("route %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestBuildHopsKeepsForwardingState(t *testing.T) {
	s, sws := ring(t, []uint16{1, 2, 5, 3, 4}, 3)
	for lid := uint16(1); lid <= 5; lid++ {
		if err := sws[0].SetPortByLID(lid, 1); err != nil {
			t.Fatalf("SetPortByLID: %v", err)
		}
	}
	if err := sws[0].SetPortByLID(1, 0); err != nil {
		t.Fatalf("SetPortByLID: %v", err)
	}
	if err := NewMinHop(noTelemetry).BuildHops(s); err != nil {
		t.Fatalf("BuildHops: %v", err)
	}
	if got := sws[0].PortByLID(5); got != 1 {
		t.Fatalf("BuildHops rewrote the LFT: lid 5 via port %d", got)
	}
	if sws[0].LeastHops(5) != 2 || sws[0].HopCount(5, 1) != 3 {
		t.Fatalf("hops to lid 5: least=%d via port 1=%d", sws[0].LeastHops(5), sws[0].HopCount(5, 1))
	}

	rep := NewValidator(noTelemetry).Validate(s)
	var onFirst int
	for _, d := range rep.Discrepancies {
		if d.SwitchGUID == sws[0].GUID() {
			onFirst++
		}
	}
	// Port 1 is the long way round to lid 2 and lid 5.
	if onFirst != 2 {
		t.Fatalf("expected two discrepancies on the first switch, got %+v", rep.Discrepancies)
	}
}
