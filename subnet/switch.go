package subnet

import "fmt"

const (
	// NoPath marks an unreachable LID in forwarding and hop tables.
	NoPath uint8 = 0xFF
	// MaxUnicastLID is the highest unicast LID.
	MaxUnicastLID = 0xBFFF
	// LFTBlockSize is the number of LFT entries carried by one LFT block.
	LFTBlockSize = 64
)

// SwitchInfo holds the switch attributes the subnet manager keeps between sweeps.
type SwitchInfo struct {
	LinearFDBCap    uint16
	RandomFDBCap    uint16
	MulticastFDBCap uint16
	LinearFDBTop    uint16
	DefaultPort     uint8
	LifeTimeValue   uint8
	PortStateChange bool
	EnhancedPort0   bool
	PartitionEnfCap uint16
	MulticastFDBTop uint16
}

// Switch is a switch node together with its routing state: the unicast LFT,
// the hop table and the multicast forwarding table.
type Switch struct {
	Node     *Node
	NumPorts uint8
	Info     SwitchInfo

	maxLID uint16
	lft    []uint8
	hops   [][]uint8
	mft    *MulticastTable
}

// NewSwitch builds the routing state for node. numPorts counts port 0.
func NewSwitch(node *Node, numPorts uint8, info SwitchInfo) *Switch {
	return &Switch{
		Node:     node,
		NumPorts: numPorts,
		Info:     info,
		mft:      NewMulticastTable(numPorts, int(info.MulticastFDBCap)),
	}
}

// GUID returns the switch node GUID.
func (s *Switch) GUID() uint64 {
	if s == nil || s.Node == nil {
		return 0
	}
	return s.Node.GUID
}

// BaseLID returns the LID assigned to port 0.
func (s *Switch) BaseLID() uint16 {
	if s == nil {
		return 0
	}
	return s.Node.BaseLID()
}

// MaxLID returns the highest LID covered by the unicast table.
func (s *Switch) MaxLID() uint16 {
	return s.maxLID
}

// SetMaxLID sets the top of the unicast table, growing or truncating it.
func (s *Switch) SetMaxLID(lid uint16) {
	s.maxLID = lid
	s.growLFT(lid)
	if len(s.lft) > int(lid)+1 {
		s.lft = s.lft[:int(lid)+1]
	}
}

func (s *Switch) growLFT(lid uint16) {
	for len(s.lft) <= int(lid) {
		s.lft = append(s.lft, NoPath)
	}
}

// PortByLID returns the egress port the LFT assigns to lid, or NoPath.
func (s *Switch) PortByLID(lid uint16) uint8 {
	if int(lid) >= len(s.lft) || lid > s.maxLID {
		return NoPath
	}
	return s.lft[lid]
}

// SetPortByLID assigns the egress port for lid, extending the table top when needed.
func (s *Switch) SetPortByLID(lid uint16, port uint8) error {
	if lid > MaxUnicastLID {
		return fmt.Errorf("subnet: lid 0x%04x outside unicast range", lid)
	}
	if port != NoPath && port >= s.NumPorts {
		return fmt.Errorf("subnet: port %d outside switch 0x%016x with %d ports", port, s.GUID(), s.NumPorts)
	}
	s.growLFT(lid)
	s.lft[lid] = port
	if lid > s.maxLID {
		s.maxLID = lid
	}
	return nil
}

// SetLFTBlock writes one 64-entry LFT block.
func (s *Switch) SetLFTBlock(block uint16, ports []uint8) error {
	base := uint32(block) * LFTBlockSize
	for i, port := range ports {
		if i >= LFTBlockSize {
			break
		}
		lid := base + uint32(i)
		if lid > MaxUnicastLID {
			break
		}
		if port != NoPath && port >= s.NumPorts {
			// Unpopulated entries past the switch's port count are unroutable.
			port = NoPath
		}
		s.growLFT(uint16(lid))
		s.lft[lid] = port
	}
	return nil
}

// ClearLFT resets every entry to NoPath.
func (s *Switch) ClearLFT() {
	for i := range s.lft {
		s.lft[i] = NoPath
	}
}

// SetHops records the hop count to lid through port.
func (s *Switch) SetHops(lid uint16, port uint8, hops uint8) error {
	if port >= s.NumPorts {
		return fmt.Errorf("subnet: port %d outside switch 0x%016x with %d ports", port, s.GUID(), s.NumPorts)
	}
	for len(s.hops) <= int(lid) {
		s.hops = append(s.hops, nil)
	}
	row := s.hops[lid]
	for len(row) < int(s.NumPorts) {
		row = append(row, NoPath)
	}
	s.hops[lid] = row
	row[port] = hops
	return nil
}

// SetNumPorts changes the port count of the switch. The hop table is dropped,
// the multicast table is reshaped to the new mask width and LFT entries
// pointing past the last port become NoPath.
func (s *Switch) SetNumPorts(numPorts uint8) {
	if numPorts == s.NumPorts {
		return
	}
	s.NumPorts = numPorts
	s.hops = nil
	for i, port := range s.lft {
		if port != NoPath && port >= numPorts {
			s.lft[i] = NoPath
		}
	}
	s.mft = s.mft.reshape(numPorts)
}

// ClearHops drops the hop table.
func (s *Switch) ClearHops() {
	s.hops = nil
}

// HopCount returns the number of hops to lid through port, or NoPath.
func (s *Switch) HopCount(lid uint16, port uint8) uint8 {
	if int(lid) >= len(s.hops) || port >= s.NumPorts {
		return NoPath
	}
	row := s.hops[lid]
	if int(port) >= len(row) {
		return NoPath
	}
	return row[port]
}

// LeastHops returns the minimum hop count to lid over all ports.
func (s *Switch) LeastHops(lid uint16) uint8 {
	if int(lid) >= len(s.hops) || s.hops[lid] == nil {
		return NoPath
	}
	least := NoPath
	for port, h := range s.hops[lid] {
		if port >= int(s.NumPorts) {
			break
		}
		if h < least {
			least = h
		}
	}
	return least
}

// PathCount returns the number of LIDs the LFT routes through port.
func (s *Switch) PathCount(port uint8) uint32 {
	var n uint32
	for lid := 1; lid < len(s.lft) && lid <= int(s.maxLID); lid++ {
		if s.lft[lid] == port {
			n++
		}
	}
	return n
}

// Multicast returns the switch's multicast forwarding table.
func (s *Switch) Multicast() *MulticastTable {
	return s.mft
}

// RecommendPath returns the egress port that reaches target's lid in the least
// number of hops. Among equally short ports the one carrying the fewest paths
// wins, then the lowest port number. Unless ignoreExisting is set, the current
// LFT entry is kept when it is already optimal. LMC-aware spreading is not
// performed. Returns 0 when the target is the switch itself and NoPath when
// the target is unreachable.
func (s *Switch) RecommendPath(target *Port, lid uint16, ignoreExisting bool) uint8 {
	if target == nil || target.Node == nil {
		return NoPath
	}
	if target.Node == s.Node {
		return 0
	}

	hopLID := lid
	if target.Node.IsSwitch() {
		hopLID = target.Node.BaseLID()
	} else if s.LeastHops(lid) == NoPath {
		// Endpoint LIDs are routed toward the switch the endpoint hangs off.
		remote := target.RemoteSwitch()
		if remote == nil {
			return NoPath
		}
		if remote == s.Node {
			return target.Remote.Num
		}
		hopLID = remote.BaseLID()
	}

	least := s.LeastHops(hopLID)
	if least == NoPath {
		return NoPath
	}
	if !ignoreExisting {
		if cur := s.PortByLID(lid); cur != NoPath && s.HopCount(hopLID, cur) == least {
			return cur
		}
	}

	best := NoPath
	var bestPaths uint32
	for port := uint8(1); port < s.NumPorts; port++ {
		if s.HopCount(hopLID, port) != least {
			continue
		}
		if phys := s.Node.Port(port); phys != nil && phys.Remote == nil {
			continue
		}
		paths := s.PathCount(port)
		if best == NoPath || paths < bestPaths {
			best = port
			bestPaths = paths
		}
	}
	return best
}
