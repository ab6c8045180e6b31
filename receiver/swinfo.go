package receiver

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/opensm-go/dispatch"
	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/statemgr"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// SwitchInfoConfig carries the dependencies of a SwitchInfoReceiver.
type SwitchInfoConfig struct {
	Lock      *subnet.Lock
	Requester *Requester
	// State receives SignalChangeDetected, or SignalLightSweepFail during a
	// light sweep, when a switch reports a port state change.
	State   Poster
	Logger  telemetry.Logger
	Metrics telemetry.MetricHook
}

// SwitchInfoReceiver records SwitchInfo responses in the subnet.
type SwitchInfoReceiver struct {
	lock      *subnet.Lock
	requester *Requester
	state     Poster
	em        *telemetry.Emitter
}

// NewSwitchInfoReceiver validates cfg and returns an initialized receiver.
func NewSwitchInfoReceiver(cfg SwitchInfoConfig) (*SwitchInfoReceiver, error) {
	if cfg.Lock == nil || cfg.Requester == nil || cfg.State == nil {
		return nil, errors.New("receiver: switch info needs a subnet lock, a requester and a state poster")
	}
	return &SwitchInfoReceiver{
		lock:      cfg.Lock,
		requester: cfg.Requester,
		state:     cfg.State,
		em:        telemetry.NewEmitter("receiver", telemetry.Options{Logger: cfg.Logger, Metrics: cfg.Metrics}),
	}, nil
}

// IsInitialized reports whether the receiver was built with its dependencies.
func (r *SwitchInfoReceiver) IsInitialized() bool {
	return r != nil && r.lock != nil && r.requester != nil
}

// Process decodes w and creates or updates the switch it describes. A switch
// seen for the first time gets its LFT blocks requested.
func (r *SwitchInfoReceiver) Process(w *madpool.Wrapper) {
	ctx := w.Context()
	guid := fmt.Sprintf("0x%016x", ctx.NodeGUID)
	info, numPorts, err := DecodeSwitchInfo(Payload(w.Payload()))
	if err != nil {
		r.em.Errorf("receiver: ERR 3601: bad switch info from %s (%v)", guid, err)
		return
	}

	var created bool
	err = r.lock.Write(func(s *subnet.Subnet) error {
		node := s.Node(ctx.NodeGUID)
		if node == nil {
			return fmt.Errorf("no node with GUID %s", guid)
		}
		if !node.IsSwitch() {
			return fmt.Errorf("node %s is a %s", guid, node.Type)
		}
		sw := s.Switch(ctx.NodeGUID)
		if sw == nil {
			sw = subnet.NewSwitch(node, numPorts, info)
			if err := s.AddSwitch(sw); err != nil {
				return err
			}
			created = true
		} else {
			sw.Info = info
			sw.SetNumPorts(numPorts)
		}
		if info.LinearFDBTop > sw.MaxLID() {
			sw.SetMaxLID(info.LinearFDBTop)
		}
		return nil
	})
	if err != nil {
		r.em.Errorf("receiver: ERR 3602: switch info not recorded (%v)", err)
		return
	}
	r.em.Event("switch_info", telemetry.KV("guid", guid), telemetry.KV("ports", numPorts), telemetry.KV("new", created))

	if info.PortStateChange {
		sig := statemgr.SignalChangeDetected
		if ctx.LightSweep {
			sig = statemgr.SignalLightSweepFail
		}
		r.em.Event("port_state_change", telemetry.KV("guid", guid), telemetry.KV("signal", sig.String()))
		if err := r.state.Post(dispatch.MsgNoSMPsOutstanding, sig); err != nil {
			r.em.Warn("sweep_request_failed", telemetry.KV("error", err))
		}
	}

	if created {
		r.requestLFT(ctx, w.Address(), info.LinearFDBTop)
	}
}

func (r *SwitchInfoReceiver) requestLFT(ctx madpool.Context, addr madpool.Address, top uint16) {
	for block := 0; block < LFTBlocks(top); block++ {
		req := madpool.Context{NodeGUID: ctx.NodeGUID, Attr: AttrLFT, Modifier: uint32(block), LightSweep: ctx.LightSweep}
		if err := r.requester.Request(req, addr, nil); err != nil {
			r.em.Errorf("receiver: ERR 3603: LFT block %d request to 0x%016x failed (%v)", block, ctx.NodeGUID, err)
			return
		}
	}
}
