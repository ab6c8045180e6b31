// Package topology reads a fabric snapshot from YAML and builds the subnet it
// describes. A snapshot lists switches, channel adapters and the links
// between their ports; switches may also carry forwarding state.
//
//	switches:
//	  - guid: 0x10
//	    desc: spine-1
//	    lid: 1
//	    ports: 5
//	    lft: {1: 0, 2: 2}
//	    mcast: {0xc000: [1, 2]}
//	cas:
//	  - guid: 0x100
//	    desc: host-1
//	    ports:
//	      - {num: 1, guid: 0x101, lid: 4}
//	links:
//	  - {a: {guid: 0x10, port: 2}, b: {guid: 0x20, port: 1}}
package topology

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/opensm-go/subnet"
)

// Fabric is the YAML description of a subnet.
type Fabric struct {
	Switches []SwitchDesc `yaml:"switches"`
	CAs      []CADesc     `yaml:"cas"`
	Links    []LinkDesc   `yaml:"links"`
}

// SwitchDesc describes one switch. Ports counts port 0.
type SwitchDesc struct {
	GUID  uint64 `yaml:"guid"`
	Desc  string `yaml:"desc"`
	LID   uint16 `yaml:"lid"`
	LMC   uint8  `yaml:"lmc"`
	Ports uint8  `yaml:"ports"`
	// LinearFDBTop defaults to the highest LID in LFT.
	LinearFDBTop    uint16             `yaml:"linear_fdb_top"`
	MulticastFDBCap uint16             `yaml:"multicast_fdb_cap"`
	PortStateChange bool               `yaml:"port_state_change"`
	LFT             map[uint16]uint8   `yaml:"lft"`
	Mcast           map[uint16][]uint8 `yaml:"mcast"`
}

// CADesc describes a channel adapter and its ports.
type CADesc struct {
	GUID  uint64     `yaml:"guid"`
	Desc  string     `yaml:"desc"`
	Ports []PortDesc `yaml:"ports"`
}

// PortDesc describes one endpoint port.
type PortDesc struct {
	Num  uint8  `yaml:"num"`
	GUID uint64 `yaml:"guid"`
	LID  uint16 `yaml:"lid"`
	LMC  uint8  `yaml:"lmc"`
}

// Endpoint names a port by node GUID and port number.
type Endpoint struct {
	GUID uint64 `yaml:"guid"`
	Port uint8  `yaml:"port"`
}

// LinkDesc is a cable between two ports.
type LinkDesc struct {
	A Endpoint `yaml:"a"`
	B Endpoint `yaml:"b"`
}

// BuildMode selects how much of the snapshot Build materializes.
type BuildMode int

const (
	// WithRoutingState creates switch routing state, including the LFT and
	// multicast entries in the snapshot.
	WithRoutingState BuildMode = iota
	// NodesOnly registers switches as plain nodes, as discovery finds them
	// before their SwitchInfo arrives.
	NodesOnly
)

// Read deserializes a Fabric. When dict is empty the bytes are read from
// filename.
func Read(filename string, dict []byte) (*Fabric, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}
	f := Fabric{}
	if err := yaml.Unmarshal(dict, &f); err != nil {
		return nil, fmt.Errorf("topology: %s: %w", filename, err)
	}
	return &f, nil
}

// Load reads filename and builds its subnet with routing state.
func Load(filename string) (*subnet.Subnet, error) {
	f, err := Read(filename, nil)
	if err != nil {
		return nil, err
	}
	return f.Build(WithRoutingState)
}

// SwitchInfo returns the SwitchInfo a switch described by d reports.
func (d SwitchDesc) SwitchInfo() subnet.SwitchInfo {
	top := d.LinearFDBTop
	for lid := range d.LFT {
		if lid > top {
			top = lid
		}
	}
	mcap := d.MulticastFDBCap
	if mcap == 0 {
		mcap = subnet.DefaultMulticastCap
	}
	return subnet.SwitchInfo{
		LinearFDBCap:    subnet.MaxUnicastLID + 1,
		MulticastFDBCap: mcap,
		LinearFDBTop:    top,
		PortStateChange: d.PortStateChange,
		LifeTimeValue:   18,
	}
}

// Build creates a subnet from the snapshot.
func (f *Fabric) Build(mode BuildMode) (*subnet.Subnet, error) {
	s := subnet.New()
	for _, d := range f.Switches {
		if err := addSwitch(s, d, mode); err != nil {
			return nil, err
		}
	}
	for _, d := range f.CAs {
		if err := addCA(s, d); err != nil {
			return nil, err
		}
	}
	for i, l := range f.Links {
		a, err := endpoint(s, l.A)
		if err != nil {
			return nil, fmt.Errorf("topology: link %d: %w", i, err)
		}
		b, err := endpoint(s, l.B)
		if err != nil {
			return nil, fmt.Errorf("topology: link %d: %w", i, err)
		}
		if a.Remote != nil || b.Remote != nil {
			return nil, fmt.Errorf("topology: link %d: port already linked", i)
		}
		s.Link(a, b)
	}
	return s, nil
}

func addSwitch(s *subnet.Subnet, d SwitchDesc, mode BuildMode) error {
	if d.GUID == 0 {
		return errors.New("topology: switch without guid")
	}
	if d.Ports == 0 {
		return fmt.Errorf("topology: switch 0x%016x has no ports", d.GUID)
	}
	n := subnet.NewNode(d.GUID, subnet.NodeTypeSwitch, d.Desc, int(d.Ports))
	p0 := n.AddPort(0, d.GUID)
	for p := uint8(1); p < d.Ports; p++ {
		n.AddPort(p, 0)
	}

	if mode == NodesOnly {
		if err := s.AddNode(n); err != nil {
			return err
		}
	} else {
		sw := subnet.NewSwitch(n, d.Ports, d.SwitchInfo())
		if err := s.AddSwitch(sw); err != nil {
			return err
		}
		if err := loadForwarding(sw, d); err != nil {
			return err
		}
	}
	if d.LID != 0 {
		if err := s.AssignLID(p0, d.LID, d.LMC); err != nil {
			return fmt.Errorf("topology: switch 0x%016x: %w", d.GUID, err)
		}
	}
	return nil
}

func loadForwarding(sw *subnet.Switch, d SwitchDesc) error {
	sw.SetMaxLID(sw.Info.LinearFDBTop)
	for _, lid := range sortedKeys(d.LFT) {
		if err := sw.SetPortByLID(lid, d.LFT[lid]); err != nil {
			return fmt.Errorf("topology: switch 0x%016x lid %d: %w", d.GUID, lid, err)
		}
	}
	mft := sw.Multicast()
	for _, mlid := range sortedKeys(d.Mcast) {
		for _, port := range d.Mcast[mlid] {
			if err := mft.AddPort(mlid, port); err != nil {
				return fmt.Errorf("topology: switch 0x%016x mlid 0x%04x: %w", d.GUID, mlid, err)
			}
		}
	}
	return nil
}

func addCA(s *subnet.Subnet, d CADesc) error {
	if d.GUID == 0 {
		return errors.New("topology: channel adapter without guid")
	}
	n := subnet.NewNode(d.GUID, subnet.NodeTypeCA, d.Desc, 0)
	for _, pd := range d.Ports {
		if pd.Num == 0 {
			return fmt.Errorf("topology: channel adapter 0x%016x: port numbers start at 1", d.GUID)
		}
		n.AddPort(pd.Num, pd.GUID)
	}
	if err := s.AddNode(n); err != nil {
		return err
	}
	for _, pd := range d.Ports {
		if pd.LID == 0 {
			continue
		}
		if err := s.AssignLID(n.Port(pd.Num), pd.LID, pd.LMC); err != nil {
			return fmt.Errorf("topology: channel adapter 0x%016x port %d: %w", d.GUID, pd.Num, err)
		}
	}
	return nil
}

func endpoint(s *subnet.Subnet, e Endpoint) (*subnet.Port, error) {
	n := s.Node(e.GUID)
	if n == nil {
		return nil, fmt.Errorf("unknown node 0x%016x", e.GUID)
	}
	p := n.Port(e.Port)
	if p == nil {
		return nil, fmt.Errorf("node 0x%016x has no port %d", e.GUID, e.Port)
	}
	if n.IsSwitch() && e.Port == 0 {
		return nil, fmt.Errorf("switch 0x%016x port 0 cannot be cabled", e.GUID)
	}
	return p, nil
}

func sortedKeys[V any](m map[uint16]V) []uint16 {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
