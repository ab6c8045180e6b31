package receiver

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// LFTReceiver writes LFT block responses into the owning switch. The block
// number travels in the attribute modifier.
type LFTReceiver struct {
	lock *subnet.Lock
	em   *telemetry.Emitter
}

// NewLFTReceiver returns an initialized receiver.
func NewLFTReceiver(lock *subnet.Lock, opts telemetry.Options) (*LFTReceiver, error) {
	if lock == nil {
		return nil, errors.New("receiver: lft needs a subnet lock")
	}
	return &LFTReceiver{lock: lock, em: telemetry.NewEmitter("receiver", opts)}, nil
}

func (r *LFTReceiver) IsInitialized() bool {
	return r != nil && r.lock != nil
}

func (r *LFTReceiver) Process(w *madpool.Wrapper) {
	ctx := w.Context()
	ports, err := DecodeLFTBlock(Payload(w.Payload()))
	if err != nil {
		r.em.Errorf("receiver: ERR 3701: bad LFT block from 0x%016x (%v)", ctx.NodeGUID, err)
		return
	}
	if ctx.Modifier > subnet.MaxUnicastLID/subnet.LFTBlockSize {
		r.em.Errorf("receiver: ERR 3702: LFT block %d out of range for 0x%016x", ctx.Modifier, ctx.NodeGUID)
		return
	}
	err = r.lock.Write(func(s *subnet.Subnet) error {
		sw := s.Switch(ctx.NodeGUID)
		if sw == nil {
			return fmt.Errorf("no switch with GUID 0x%016x", ctx.NodeGUID)
		}
		return sw.SetLFTBlock(uint16(ctx.Modifier), ports)
	})
	if err != nil {
		r.em.Errorf("receiver: ERR 3703: LFT block %d not recorded (%v)", ctx.Modifier, err)
		return
	}
	r.em.Event("lft_block", telemetry.KV("guid", fmt.Sprintf("0x%016x", ctx.NodeGUID)), telemetry.KV("block", ctx.Modifier))
}
