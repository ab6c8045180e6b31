package routing

import (
	"testing"

	"github.com/rocketbitz/opensm-go/subnet"
)

func addSwitch(t *testing.T, s *subnet.Subnet, guid uint64, lid uint16, numPorts uint8, desc string) *subnet.Switch {
	t.Helper()
	n := subnet.NewNode(guid, subnet.NodeTypeSwitch, desc, int(numPorts))
	p0 := n.AddPort(0, guid)
	for p := uint8(1); p < numPorts; p++ {
		n.AddPort(p, 0)
	}
	sw := subnet.NewSwitch(n, numPorts, subnet.SwitchInfo{MulticastFDBCap: 256})
	if err := s.AddSwitch(sw); err != nil {
		t.Fatalf("AddSwitch: %v", err)
	}
	if err := s.AssignLID(p0, lid, 0); err != nil {
		t.Fatalf("AssignLID: %v", err)
	}
	return sw
}

func linkSwitches(s *subnet.Subnet, a *subnet.Switch, ap uint8, b *subnet.Switch, bp uint8) {
	s.Link(a.Node.Port(ap), b.Node.Port(bp))
}

func addCA(t *testing.T, s *subnet.Subnet, guid uint64, lid uint16, sw *subnet.Switch, swPort uint8) *subnet.Port {
	t.Helper()
	n := subnet.NewNode(guid, subnet.NodeTypeCA, "host", 2)
	p := n.AddPort(1, guid+1)
	if err := s.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if sw != nil {
		s.Link(p, sw.Node.Port(swPort))
	}
	if err := s.AssignLID(p, lid, 0); err != nil {
		t.Fatalf("AssignLID: %v", err)
	}
	return p
}

// lineWithHole is sw1(lid 1) -- sw2(lid 2) with a CA at lid 4 on sw2 port 3.
// LID 3 is never assigned.
func lineWithHole(t *testing.T) (*subnet.Subnet, *subnet.Switch, *subnet.Switch) {
	t.Helper()
	s := subnet.New()
	sw1 := addSwitch(t, s, 0x10, 1, 4, "sw1")
	sw2 := addSwitch(t, s, 0x20, 2, 4, "sw2")
	linkSwitches(s, sw1, 2, sw2, 1)
	addCA(t, s, 0x100, 4, sw2, 3)
	if err := NewMinHop(noTelemetry).Route(s); err != nil {
		t.Fatalf("Route: %v", err)
	}
	return s, sw1, sw2
}

// ring links n switches in a cycle: port 2 of switch i to port 1 of switch i+1.
func ring(t *testing.T, lids []uint16, numPorts uint8) (*subnet.Subnet, []*subnet.Switch) {
	t.Helper()
	s := subnet.New()
	var sws []*subnet.Switch
	for i, lid := range lids {
		sws = append(sws, addSwitch(t, s, uint64(0x1000+i), lid, numPorts, "ring"))
	}
	for i := range sws {
		linkSwitches(s, sws[i], 2, sws[(i+1)%len(sws)], 1)
	}
	return s, sws
}
