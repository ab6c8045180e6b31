package sm

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/receiver"
	"github.com/rocketbitz/opensm-go/routing"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// sweepActions runs the phases of a sweep on behalf of the state manager.
// Discover and Route wrap their requests in a tracker batch so the settlement
// signal cannot fire until every request of the phase has been sent.
type sweepActions struct {
	m *Manager
}

type target struct {
	guid uint64
	lid  uint16
}

type lftProgram struct {
	target
	blocks [][]uint8
}

func (a sweepActions) Discover() error {
	m := a.m
	var targets []target
	err := m.lock.Read(func(s *subnet.Subnet) error {
		for _, n := range s.Nodes() {
			if !n.IsSwitch() {
				continue
			}
			targets = append(targets, target{guid: n.GUID, lid: n.BaseLID()})
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.tracker.Begin()
	defer m.tracker.End()
	var failed int
	for _, t := range targets {
		ctx := madpool.Context{NodeGUID: t.guid, Attr: receiver.AttrSwitchInfo}
		if err := m.requester.Request(ctx, madpool.Address{DestLID: t.lid, SMP: true}, nil); err != nil {
			failed++
		}
	}
	m.em.Event("discover", telemetry.KV("switches", len(targets)), telemetry.KV("failed", failed))
	if len(targets) > 0 && failed == len(targets) {
		return errors.New("no switch info request could be sent")
	}
	return nil
}

func (a sweepActions) Route() error {
	m := a.m
	var programs []lftProgram
	err := m.lock.Write(func(s *subnet.Subnet) error {
		if err := m.engine.Route(s); err != nil {
			return err
		}
		for _, sw := range s.Switches() {
			p := lftProgram{target: target{guid: sw.GUID(), lid: sw.BaseLID()}}
			top := sw.MaxLID()
			for b := 0; b < receiver.LFTBlocks(top); b++ {
				block := make([]uint8, subnet.LFTBlockSize)
				for i := range block {
					lid := b*subnet.LFTBlockSize + i
					block[i] = subnet.NoPath
					if lid <= int(top) {
						block[i] = sw.PortByLID(uint16(lid))
					}
				}
				p.blocks = append(p.blocks, block)
			}
			programs = append(programs, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.tracker.Begin()
	defer m.tracker.End()
	var sent int
	for _, p := range programs {
		addr := madpool.Address{DestLID: p.lid, SMP: true}
		for b, block := range p.blocks {
			ctx := madpool.Context{NodeGUID: p.guid, Attr: receiver.AttrLFT, Modifier: uint32(b)}
			if err := m.requester.Set(ctx, addr, block); err != nil {
				return fmt.Errorf("program lft block %d of 0x%016x: %w", b, p.guid, err)
			}
			sent++
		}
	}
	m.em.Event("lft_programmed", telemetry.KV("switches", len(programs)), telemetry.KV("blocks", sent))
	return nil
}

func (a sweepActions) Validate() error {
	m := a.m
	var report routing.Report
	err := m.lock.Read(func(s *subnet.Subnet) error {
		report = m.validator.Validate(s)
		return m.dumper.DumpAll(s)
	})
	m.report.Store(&report)
	for _, d := range report.Discrepancies {
		m.em.Warn("route_discrepancy",
			telemetry.KV("switch", fmt.Sprintf("0x%016x", d.SwitchGUID)),
			telemetry.KV("lid", d.Route.LID),
			telemetry.KV("port", d.Route.Port))
	}
	if err != nil {
		return fmt.Errorf("dump routing: %w", err)
	}
	return nil
}
