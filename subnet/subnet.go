// Package subnet models the discovered fabric: nodes, ports, switches and
// the per-switch forwarding state the routing engine fills in.
package subnet

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDuplicateGUID indicates a node or port GUID already present.
	ErrDuplicateGUID = errors.New("subnet: duplicate guid")
	// ErrLIDInUse indicates a LID already owned by another port.
	ErrLIDInUse = errors.New("subnet: lid in use")
)

// Subnet indexes the fabric. It is not safe for concurrent use; callers go
// through Lock.
type Subnet struct {
	nodes      map[uint64]*Node
	ports      map[uint64]*Port
	switches   map[uint64]*Switch
	portsByLID []*Port
}

// New returns an empty subnet.
func New() *Subnet {
	return &Subnet{
		nodes:    make(map[uint64]*Node),
		ports:    make(map[uint64]*Port),
		switches: make(map[uint64]*Switch),
	}
}

// AddNode registers n and every port it already carries.
func (s *Subnet) AddNode(n *Node) error {
	if n == nil {
		return errors.New("subnet: nil node")
	}
	if _, ok := s.nodes[n.GUID]; ok {
		return fmt.Errorf("%w: node 0x%016x", ErrDuplicateGUID, n.GUID)
	}
	for _, p := range n.Ports {
		if p == nil || p.GUID == 0 {
			continue
		}
		if _, ok := s.ports[p.GUID]; ok {
			return fmt.Errorf("%w: port 0x%016x", ErrDuplicateGUID, p.GUID)
		}
	}
	s.nodes[n.GUID] = n
	for _, p := range n.Ports {
		if p != nil && p.GUID != 0 {
			s.ports[p.GUID] = p
		}
	}
	return nil
}

// Node returns the node with guid.
func (s *Subnet) Node(guid uint64) *Node {
	return s.nodes[guid]
}

// PortByGUID returns the port with guid.
func (s *Subnet) PortByGUID(guid uint64) *Port {
	return s.ports[guid]
}

// Nodes returns every node in ascending GUID order.
func (s *Subnet) Nodes() []*Node {
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out
}

// AddSwitch attaches routing state to a registered switch node.
func (s *Subnet) AddSwitch(sw *Switch) error {
	if sw == nil || sw.Node == nil {
		return errors.New("subnet: nil switch")
	}
	if !sw.Node.IsSwitch() {
		return fmt.Errorf("subnet: node 0x%016x is not a switch", sw.Node.GUID)
	}
	if _, ok := s.nodes[sw.Node.GUID]; !ok {
		if err := s.AddNode(sw.Node); err != nil {
			return err
		}
	}
	if _, ok := s.switches[sw.Node.GUID]; ok {
		return fmt.Errorf("%w: switch 0x%016x", ErrDuplicateGUID, sw.Node.GUID)
	}
	s.switches[sw.Node.GUID] = sw
	return nil
}

// Switch returns the switch with node guid.
func (s *Subnet) Switch(guid uint64) *Switch {
	return s.switches[guid]
}

// SwitchCount returns the number of switches.
func (s *Subnet) SwitchCount() int {
	return len(s.switches)
}

// ForEachSwitch calls fn for every switch in ascending GUID order.
func (s *Subnet) ForEachSwitch(fn func(*Switch)) {
	for _, sw := range s.Switches() {
		fn(sw)
	}
}

// Switches returns every switch in ascending GUID order.
func (s *Subnet) Switches() []*Switch {
	out := make([]*Switch, 0, len(s.switches))
	for _, sw := range s.switches {
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID() < out[j].GUID() })
	return out
}

// Link connects two ports in both directions, replacing any previous links.
func (s *Subnet) Link(a, b *Port) {
	if a == nil || b == nil {
		return
	}
	if a.Remote != nil {
		a.Remote.Remote = nil
	}
	if b.Remote != nil {
		b.Remote.Remote = nil
	}
	a.Remote = b
	b.Remote = a
}

// AssignLID gives p the LID range [base, base+2^lmc) and indexes every LID in it.
func (s *Subnet) AssignLID(p *Port, base uint16, lmc uint8) error {
	if p == nil {
		return errors.New("subnet: nil port")
	}
	if base == 0 || base > MaxUnicastLID {
		return fmt.Errorf("subnet: lid 0x%04x outside unicast range", base)
	}
	probe := Port{BaseLID: base, LMC: lmc}
	first, last := probe.LIDRange()
	for lid := first; lid <= last; lid++ {
		if owner := s.PortByLID(lid); owner != nil && owner != p {
			return fmt.Errorf("%w: 0x%04x owned by port 0x%016x", ErrLIDInUse, lid, owner.GUID)
		}
	}
	s.releaseLIDs(p)
	p.BaseLID = base
	p.LMC = lmc
	for len(s.portsByLID) <= int(last) {
		s.portsByLID = append(s.portsByLID, nil)
	}
	for lid := first; lid <= last; lid++ {
		s.portsByLID[lid] = p
	}
	return nil
}

func (s *Subnet) releaseLIDs(p *Port) {
	first, last := p.LIDRange()
	if first == 0 {
		return
	}
	for lid := first; lid <= last && int(lid) < len(s.portsByLID); lid++ {
		if s.portsByLID[lid] == p {
			s.portsByLID[lid] = nil
		}
	}
}

// PortByLID returns the port owning lid, or nil for a LID hole.
func (s *Subnet) PortByLID(lid uint16) *Port {
	if int(lid) >= len(s.portsByLID) {
		return nil
	}
	return s.portsByLID[lid]
}

// MaxLID returns the highest assigned unicast LID.
func (s *Subnet) MaxLID() uint16 {
	for lid := len(s.portsByLID) - 1; lid > 0; lid-- {
		if s.portsByLID[lid] != nil {
			return uint16(lid)
		}
	}
	return 0
}

// RemoveNode drops a node, its ports, LIDs, links and switch state.
func (s *Subnet) RemoveNode(guid uint64) {
	n, ok := s.nodes[guid]
	if !ok {
		return
	}
	for _, p := range n.Ports {
		if p == nil {
			continue
		}
		s.releaseLIDs(p)
		if p.Remote != nil {
			p.Remote.Remote = nil
			p.Remote = nil
		}
		delete(s.ports, p.GUID)
	}
	delete(s.switches, guid)
	delete(s.nodes, guid)
}
