package routing

import (
	"math"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// MinHop is a least-hops routing engine. It fills every switch's hop table
// for switch LIDs and assigns each LFT entry through RecommendPath, so paths
// spread over equally short ports in ascending LID order.
type MinHop struct {
	em *telemetry.Emitter
}

// NewMinHop builds the engine.
func NewMinHop(opts telemetry.Options) *MinHop {
	return &MinHop{em: telemetry.NewEmitter("routing", opts)}
}

// Route recomputes hop tables and LFTs for the whole subnet. The caller holds
// the subnet write lock.
func (m *MinHop) Route(s *subnet.Subnet) error {
	span := m.em.StartSpan("min_hop")
	if err := m.buildHops(s); err != nil {
		telemetry.EndSpan(span, err)
		return err
	}
	switches := s.Switches()
	maxLID := s.MaxLID()
	for _, sw := range switches {
		sw.SetMaxLID(maxLID)
		sw.ClearLFT()
	}

	var assigned int
	for _, sw := range switches {
		for lid := uint16(1); lid <= maxLID && lid != 0; lid++ {
			target := s.PortByLID(lid)
			if target == nil {
				continue
			}
			port := sw.RecommendPath(target, lid, true)
			if port == subnet.NoPath {
				continue
			}
			if err := sw.SetPortByLID(lid, port); err != nil {
				telemetry.EndSpan(span, err)
				return err
			}
			assigned++
		}
	}
	m.em.Event("routed", telemetry.KV("switches", len(switches)), telemetry.KV("max_lid", maxLID), telemetry.KV("entries", assigned))
	telemetry.EndSpan(span, nil)
	return nil
}

// BuildHops recomputes only the hop tables, leaving every LFT as it is. A
// snapshot loaded with its forwarding state needs this before validation.
func (m *MinHop) BuildHops(s *subnet.Subnet) error {
	if err := m.buildHops(s); err != nil {
		return err
	}
	m.em.Event("hops_built", telemetry.KV("switches", s.SwitchCount()))
	return nil
}

func (m *MinHop) buildHops(s *subnet.Subnet) error {
	switches := s.Switches()
	dist := switchDistances(switches)
	for _, sw := range switches {
		sw.ClearHops()
		for _, target := range switches {
			lid := target.BaseLID()
			if lid == 0 {
				continue
			}
			if target == sw {
				if err := sw.SetHops(lid, 0, 0); err != nil {
					return err
				}
			}
			for port := uint8(1); port < sw.NumPorts; port++ {
				peer := sw.Node.Port(port).RemoteSwitch()
				if peer == nil {
					continue
				}
				d, ok := dist[peer.GUID][target.GUID()]
				if !ok || d+1 >= int(subnet.NoPath) {
					continue
				}
				if err := sw.SetHops(lid, port, uint8(d+1)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// switchDistances returns link distances between every pair of connected
// switches. Each inter-switch link weighs one, so the shortest path tree from
// a switch counts hops.
func switchDistances(switches []*subnet.Switch) map[uint64]map[uint64]int {
	g := simple.NewUndirectedGraph()
	ids := make(map[uint64]int64, len(switches))
	for i, sw := range switches {
		ids[sw.GUID()] = int64(i)
		g.AddNode(simple.Node(i))
	}
	for _, sw := range switches {
		from := ids[sw.GUID()]
		for num := 1; num < len(sw.Node.Ports); num++ {
			peer := sw.Node.Ports[num].RemoteSwitch()
			if peer == nil {
				continue
			}
			to, ok := ids[peer.GUID]
			if !ok || to == from {
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(from), simple.Node(to)))
		}
	}

	out := make(map[uint64]map[uint64]int, len(switches))
	for _, src := range switches {
		tree := path.DijkstraFrom(simple.Node(ids[src.GUID()]), g)
		seen := make(map[uint64]int, len(switches))
		for _, dst := range switches {
			w := tree.WeightTo(ids[dst.GUID()])
			if math.IsInf(w, 1) {
				continue
			}
			seen[dst.GUID()] = int(w)
		}
		out[src.GUID()] = seen
	}
	return out
}
