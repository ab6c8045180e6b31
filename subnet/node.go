package subnet

import "fmt"

// NodeType classifies a fabric node.
type NodeType uint8

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeCA
	NodeTypeSwitch
	NodeTypeRouter
)

// String returns the label used in dump files.
func (t NodeType) String() string {
	switch t {
	case NodeTypeCA:
		return "Channel Adapter"
	case NodeTypeSwitch:
		return "Switch"
	case NodeTypeRouter:
		return "Router"
	default:
		return "UNKNOWN"
	}
}

// ParseNodeType maps the short names used in topology files to a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "ca", "CA", "hca":
		return NodeTypeCA, nil
	case "switch", "sw":
		return NodeTypeSwitch, nil
	case "router", "rtr":
		return NodeTypeRouter, nil
	default:
		return NodeTypeUnknown, fmt.Errorf("subnet: unknown node type %q", s)
	}
}

// Node is a discovered fabric device. Ports are indexed by port number; for a
// switch, port 0 is the management port that carries the switch LID.
type Node struct {
	GUID        uint64
	Type        NodeType
	Description string
	Ports       []*Port
}

// NewNode creates a node with numPorts port slots. Port objects are attached
// with AddPort.
func NewNode(guid uint64, typ NodeType, desc string, numPorts int) *Node {
	if numPorts < 0 {
		numPorts = 0
	}
	return &Node{GUID: guid, Type: typ, Description: desc, Ports: make([]*Port, numPorts)}
}

// IsSwitch reports whether the node is a switch.
func (n *Node) IsSwitch() bool {
	return n != nil && n.Type == NodeTypeSwitch
}

// AddPort attaches a port with the given number and GUID, growing the port
// slice as needed.
func (n *Node) AddPort(num uint8, guid uint64) *Port {
	for int(num) >= len(n.Ports) {
		n.Ports = append(n.Ports, nil)
	}
	p := &Port{Node: n, Num: num, GUID: guid}
	n.Ports[num] = p
	return p
}

// Port returns port num or nil.
func (n *Node) Port(num uint8) *Port {
	if n == nil || int(num) >= len(n.Ports) {
		return nil
	}
	return n.Ports[num]
}

// BaseLID returns the base LID of the node's LID-carrying port: port 0 for a
// switch, the first populated port otherwise.
func (n *Node) BaseLID() uint16 {
	if n == nil {
		return 0
	}
	if n.IsSwitch() {
		if p := n.Port(0); p != nil {
			return p.BaseLID
		}
		return 0
	}
	for _, p := range n.Ports {
		if p != nil && p.BaseLID != 0 {
			return p.BaseLID
		}
	}
	return 0
}

// RemoteNode returns the node linked to port num, if any.
func (n *Node) RemoteNode(num uint8) *Node {
	p := n.Port(num)
	if p == nil || p.Remote == nil {
		return nil
	}
	return p.Remote.Node
}

// Port is one port of a node. Remote is a relation only: a nil Remote means
// the link is unknown or down.
type Port struct {
	Node    *Node
	Num     uint8
	GUID    uint64
	BaseLID uint16
	LMC     uint8
	Remote  *Port
}

// LIDRange returns the first and last LID covered by the port's LMC.
func (p *Port) LIDRange() (first, last uint16) {
	if p == nil || p.BaseLID == 0 {
		return 0, 0
	}
	span := uint32(1) << p.LMC
	end := uint32(p.BaseLID) + span - 1
	if end > MaxUnicastLID {
		end = MaxUnicastLID
	}
	return p.BaseLID, uint16(end)
}

// RemoteSwitch returns the switch node on the far side of the port, or nil.
func (p *Port) RemoteSwitch() *Node {
	if p == nil || p.Remote == nil || !p.Remote.Node.IsSwitch() {
		return nil
	}
	return p.Remote.Node
}
