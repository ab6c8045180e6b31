package receiver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rocketbitz/opensm-go/dispatch"
	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/statemgr"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

const testBind madpool.BindHandle = 7

type bufTransport struct {
	mu         sync.Mutex
	gets, puts int
}

func (t *bufTransport) Get(_ madpool.BindHandle, size int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gets++
	return make([]byte, size), nil
}

func (t *bufTransport) Put(madpool.BindHandle, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.puts++
}

func (t *bufTransport) balanced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gets == t.puts
}

type sentMAD struct {
	hdr  Header
	addr madpool.Address
}

type captureSender struct {
	mu   sync.Mutex
	sent []sentMAD
	err  error
}

func (s *captureSender) Send(w *madpool.Wrapper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	hdr, err := DecodeHeader(w.Payload())
	if err != nil {
		return err
	}
	s.sent = append(s.sent, sentMAD{hdr: hdr, addr: w.Address()})
	return nil
}

func (s *captureSender) requests() []sentMAD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMAD(nil), s.sent...)
}

type posted struct {
	kind  dispatch.Kind
	value any
}

type recordingPoster struct {
	mu    sync.Mutex
	posts []posted
	err   error
}

func (p *recordingPoster) Post(kind dispatch.Kind, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, posted{kind: kind, value: value})
	return p.err
}

func (p *recordingPoster) all() []posted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]posted(nil), p.posts...)
}

// harness wires a controller, both receivers and a requester around a real
// dispatcher. Settlement and sweep requests land on signals.
type harness struct {
	transport *bufTransport
	pool      *madpool.Pool
	disp      *dispatch.Dispatcher
	tracker   *Tracker
	sender    *captureSender
	requester *Requester
	lock      *subnet.Lock
	ctrl      *Controller
	signals   chan statemgr.Signal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: &bufTransport{},
		sender:    &captureSender{},
		lock:      subnet.NewLock(nil),
		signals:   make(chan statemgr.Signal, 64),
	}
	h.pool = madpool.New(madpool.Config{Transport: h.transport})
	if err := h.pool.Init(4, 4); err != nil {
		t.Fatalf("pool Init: %v", err)
	}
	h.disp = dispatch.New(dispatch.Options{})
	if _, err := h.disp.Register(dispatch.MsgNoSMPsOutstanding, func(m dispatch.Message) {
		h.signals <- m.Value.(statemgr.Signal)
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.tracker = NewTracker(h.disp, telemetry.Options{})

	var err error
	h.requester, err = NewRequester(RequesterConfig{Pool: h.pool, Sender: h.sender, Tracker: h.tracker, Bind: testBind})
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}
	h.ctrl, err = NewController(ControllerConfig{Pool: h.pool, Dispatcher: h.disp, Tracker: h.tracker})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	si, err := NewSwitchInfoReceiver(SwitchInfoConfig{Lock: h.lock, Requester: h.requester, State: h.disp})
	if err != nil {
		t.Fatalf("NewSwitchInfoReceiver: %v", err)
	}
	lft, err := NewLFTReceiver(h.lock, telemetry.Options{})
	if err != nil {
		t.Fatalf("NewLFTReceiver: %v", err)
	}
	if err := h.ctrl.Bind(AttrSwitchInfo, dispatch.MsgSwitchInfo, si); err != nil {
		t.Fatalf("Bind switch info: %v", err)
	}
	if err := h.ctrl.Bind(AttrLFT, dispatch.MsgLinearForwardingTable, lft); err != nil {
		t.Fatalf("Bind lft: %v", err)
	}
	t.Cleanup(func() {
		h.ctrl.Close()
		h.disp.Close()
		h.pool.Close()
	})
	return h
}

// addSwitchNode registers a switch node without routing state, the way
// discovery finds it before SwitchInfo arrives.
func (h *harness) addSwitchNode(t *testing.T, guid uint64, lid uint16, numPorts int) {
	t.Helper()
	err := h.lock.Write(func(s *subnet.Subnet) error {
		n := subnet.NewNode(guid, subnet.NodeTypeSwitch, "sw", numPorts)
		n.AddPort(0, guid)
		for i := 1; i < numPorts; i++ {
			n.AddPort(uint8(i), 0)
		}
		if err := s.AddNode(n); err != nil {
			return err
		}
		return s.AssignLID(n.Port(0), lid, 0)
	})
	if err != nil {
		t.Fatalf("addSwitchNode: %v", err)
	}
}

func response(attr uint16, modifier uint32, guid uint64, lightSweep bool, fill func(payload []byte)) []byte {
	buf := make([]byte, MADSize)
	_ = EncodeHeader(buf, Header{
		Method:     MethodGetResp,
		LightSweep: lightSweep,
		AttrID:     attr,
		Modifier:   modifier,
		NodeGUID:   guid,
	})
	if fill != nil {
		fill(Payload(buf))
	}
	return buf
}

func switchInfoResponse(guid uint64, info subnet.SwitchInfo, numPorts uint8, lightSweep bool) []byte {
	return response(AttrSwitchInfo, 0, guid, lightSweep, func(p []byte) {
		_ = EncodeSwitchInfo(p, info, numPorts)
	})
}

func lftResponse(guid uint64, block uint32, ports []uint8) []byte {
	return response(AttrLFT, block, guid, false, func(p []byte) {
		_ = EncodeLFTBlock(p, ports)
	})
}

func awaitSignal(t *testing.T, ch <-chan statemgr.Signal) statemgr.Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(5 * time.Second):
		t.Fatal("no signal posted")
		return statemgr.SignalNone
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

var errSendFailed = errors.New("link down")

var noOpts = telemetry.Options{}

type senderFunc func(w *madpool.Wrapper) error

func (f senderFunc) Send(w *madpool.Wrapper) error { return f(w) }
