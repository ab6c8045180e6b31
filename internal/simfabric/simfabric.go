// Package simfabric is an in-process stand-in for the MAD transport. It lends
// wire buffers, and it answers SwitchInfo and LFT requests on behalf of the
// switches in a topology snapshot, handing each response straight back to the
// attached Deliverer.
package simfabric

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/receiver"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/topology"
)

// StatusUnsupported is returned for requests no simulated switch can answer.
const StatusUnsupported uint16 = 0x000c

// ErrNotAttached indicates a Send before Attach.
var ErrNotAttached = errors.New("simfabric: no deliverer attached")

// Deliverer receives the responses. *sm.Manager satisfies it.
type Deliverer interface {
	Deliver(buf []byte, addr madpool.Address) error
}

type simSwitch struct {
	guid  uint64
	ports uint8
	info  subnet.SwitchInfo
	lft   []uint8
}

// Fabric simulates the switches of a snapshot. It is safe for concurrent use.
type Fabric struct {
	mu        sync.Mutex
	switches  map[uint64]*simSwitch
	deliverer Deliverer
	silent    map[uint64]bool

	lent     atomic.Int64
	sent     atomic.Uint64
	answered atomic.Uint64
}

// New builds a fabric holding the forwarding state described by f.
func New(f *topology.Fabric) *Fabric {
	fab := &Fabric{
		switches: make(map[uint64]*simSwitch),
		silent:   make(map[uint64]bool),
	}
	for _, d := range f.Switches {
		info := d.SwitchInfo()
		sw := &simSwitch{guid: d.GUID, ports: d.Ports, info: info, lft: make([]uint8, int(info.LinearFDBTop)+1)}
		for i := range sw.lft {
			sw.lft[i] = subnet.NoPath
		}
		for lid, port := range d.LFT {
			sw.lft[lid] = port
		}
		fab.switches[d.GUID] = sw
	}
	return fab
}

// Attach sets where responses go.
func (f *Fabric) Attach(d Deliverer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliverer = d
}

// Get lends a zeroed wire buffer.
func (f *Fabric) Get(_ madpool.BindHandle, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("simfabric: buffer size %d", size)
	}
	f.lent.Add(1)
	return make([]byte, size), nil
}

// Put takes a lent buffer back.
func (f *Fabric) Put(madpool.BindHandle, []byte) {
	f.lent.Add(-1)
}

// Lent returns how many wire buffers are currently lent out.
func (f *Fabric) Lent() int64 { return f.lent.Load() }

// Sent returns the number of requests received.
func (f *Fabric) Sent() uint64 { return f.sent.Load() }

// Answered returns the number of responses delivered.
func (f *Fabric) Answered() uint64 { return f.answered.Load() }

// SetPortStateChange raises the port state change flag of a switch. The flag
// clears once reported.
func (f *Fabric) SetPortStateChange(guid uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sw, ok := f.switches[guid]
	if !ok {
		return fmt.Errorf("simfabric: unknown switch 0x%016x", guid)
	}
	sw.info.PortStateChange = true
	return nil
}

// Silence makes a switch answer every request with an error status.
func (f *Fabric) Silence(guid uint64, silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[guid] = silent
}

// LFT returns a copy of the forwarding table a switch currently holds.
func (f *Fabric) LFT(guid uint64) []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	sw, ok := f.switches[guid]
	if !ok {
		return nil
	}
	return append([]uint8(nil), sw.lft...)
}

// Send answers the request in w synchronously. The response is always
// delivered, with an error status when it cannot be served, so the request
// never stays outstanding.
func (f *Fabric) Send(w *madpool.Wrapper) error {
	req, err := receiver.DecodeHeader(w.Payload())
	if err != nil {
		return err
	}
	f.sent.Add(1)

	f.mu.Lock()
	d := f.deliverer
	if d == nil {
		f.mu.Unlock()
		return ErrNotAttached
	}
	resp := f.answerLocked(req, receiver.Payload(w.Payload()))
	f.mu.Unlock()
	f.answered.Add(1)
	// Processing failures belong to the receiving side, not to the send.
	_ = d.Deliver(resp, w.Address())
	return nil
}

func (f *Fabric) answerLocked(req receiver.Header, data []byte) []byte {
	buf := make([]byte, receiver.MADSize)
	hdr := req
	hdr.Method = receiver.MethodGetResp

	sw, ok := f.switches[req.NodeGUID]
	if !ok || f.silent[req.NodeGUID] {
		hdr.Status = StatusUnsupported
		_ = receiver.EncodeHeader(buf, hdr)
		return buf
	}
	out := receiver.Payload(buf)

	switch {
	case req.AttrID == receiver.AttrSwitchInfo && req.Method == receiver.MethodGet:
		_ = receiver.EncodeSwitchInfo(out, sw.info, sw.ports)
		sw.info.PortStateChange = false
	case req.AttrID == receiver.AttrLFT && req.Method == receiver.MethodGet:
		_ = receiver.EncodeLFTBlock(out, sw.block(req.Modifier))
	case req.AttrID == receiver.AttrLFT && req.Method == receiver.MethodSet:
		ports, err := receiver.DecodeLFTBlock(data)
		if err != nil {
			hdr.Status = StatusUnsupported
			break
		}
		sw.setBlock(req.Modifier, ports)
		_ = receiver.EncodeLFTBlock(out, sw.block(req.Modifier))
	default:
		hdr.Status = StatusUnsupported
	}
	_ = receiver.EncodeHeader(buf, hdr)
	return buf
}

func (s *simSwitch) block(n uint32) []uint8 {
	out := make([]uint8, subnet.LFTBlockSize)
	base := int(n) * subnet.LFTBlockSize
	for i := range out {
		out[i] = subnet.NoPath
		if base+i < len(s.lft) {
			out[i] = s.lft[base+i]
		}
	}
	return out
}

func (s *simSwitch) setBlock(n uint32, ports []uint8) {
	base := int(n) * subnet.LFTBlockSize
	end := base + len(ports)
	if end > subnet.MaxUnicastLID+1 {
		end = subnet.MaxUnicastLID + 1
	}
	if base >= end {
		return
	}
	for len(s.lft) < end {
		s.lft = append(s.lft, subnet.NoPath)
	}
	copy(s.lft[base:end], ports)
}
