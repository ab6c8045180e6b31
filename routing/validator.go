// Package routing checks switch forwarding state against the hop tables and
// renders the routing dump files.
package routing

import (
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// Status classifies one unicast route.
type Status int

const (
	StatusOptimal Status = iota
	StatusSuboptimal
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusSuboptimal:
		return "suboptimal"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Reason explains an unreachable route.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonLIDHole means no port owns the LID.
	ReasonLIDHole
	// ReasonNoEntry means the switch LFT has no egress port for the LID.
	ReasonNoEntry
	// ReasonNoHops means the hop table has no path through the assigned port.
	ReasonNoHops
)

func (r Reason) String() string {
	switch r {
	case ReasonLIDHole:
		return "lid hole"
	case ReasonNoEntry:
		return "no lft entry"
	case ReasonNoHops:
		return "no hop path"
	default:
		return ""
	}
}

// UnicastRoute is the verdict for one LID on one switch. Hops and BestHops
// include the endpoint adjustment applied to indirectly reached endpoints.
type UnicastRoute struct {
	LID         uint16
	Status      Status
	Reason      Reason
	Port        uint8
	Hops        uint8
	BestHops    uint8
	Recommended uint8
	DirectRoute bool
}

// MulticastRoute is one member port of a multicast LID.
type MulticastRoute struct {
	MLID uint16
	Port uint8
}

// Discrepancy is a sub-optimal route found by Validate.
type Discrepancy struct {
	SwitchGUID uint64
	Route      UnicastRoute
}

// Report summarizes a validation pass.
type Report struct {
	Switches      int
	Routes        int
	Optimal       int
	Unreachable   int
	Discrepancies []Discrepancy
}

// Validator recomputes route quality from a read-only subnet snapshot. It
// never modifies forwarding state.
type Validator struct {
	em *telemetry.Emitter
}

// NewValidator builds a validator reporting through opts.
func NewValidator(opts telemetry.Options) *Validator {
	return &Validator{em: telemetry.NewEmitter("routing", opts)}
}

// UnicastRoutes checks every LID from 1 to the switch's top LID.
func (v *Validator) UnicastRoutes(s *subnet.Subnet, sw *subnet.Switch) []UnicastRoute {
	maxLID := sw.MaxLID()
	routes := make([]UnicastRoute, 0, maxLID)
	for lid := uint16(1); lid <= maxLID && lid != 0; lid++ {
		r := v.checkLID(s, sw, lid)
		v.em.MetricRouteChecked(telemetry.KV(telemetry.LabelStatus, r.Status.String()))
		routes = append(routes, r)
	}
	return routes
}

func (v *Validator) checkLID(s *subnet.Subnet, sw *subnet.Switch, lid uint16) UnicastRoute {
	r := UnicastRoute{
		LID:         lid,
		Port:        subnet.NoPath,
		Hops:        subnet.NoPath,
		BestHops:    subnet.NoPath,
		Recommended: subnet.NoPath,
	}
	target := s.PortByLID(lid)
	if target == nil || target.Node == nil {
		r.Status, r.Reason = StatusUnreachable, ReasonLIDHole
		return r
	}
	port := sw.PortByLID(lid)
	if port == subnet.NoPath {
		r.Status, r.Reason = StatusUnreachable, ReasonNoEntry
		return r
	}
	r.Port = port

	// Switches can report a stale egress port after a reconfiguration, so the
	// hop count through it has to be finite.
	var hopLID uint16
	hops := subnet.NoPath
	endpoint := !target.Node.IsSwitch()
	if !endpoint {
		hopLID = target.Node.BaseLID()
		hops = sw.HopCount(hopLID, port)
	} else {
		hops = sw.HopCount(lid, port)
		if hops != subnet.NoPath {
			r.DirectRoute = true
			hopLID = lid
		} else if remote := target.RemoteSwitch(); remote != nil {
			hopLID = remote.BaseLID()
			if remote == sw.Node {
				hops = 0
			} else {
				hops = sw.HopCount(hopLID, port)
			}
		}
	}
	if hops == subnet.NoPath {
		r.Status, r.Reason = StatusUnreachable, ReasonNoHops
		return r
	}

	best := sw.LeastHops(hopLID)
	if endpoint && !r.DirectRoute {
		// Both counts gain the endpoint's own hop.
		hops++
		if best != subnet.NoPath {
			best++
		}
	}
	r.Hops, r.BestHops = hops, best
	if best == hops {
		r.Status = StatusOptimal
		return r
	}
	r.Status = StatusSuboptimal
	r.Recommended = sw.RecommendPath(target, lid, true)
	return r
}

// MulticastRoutes returns one record per member port, walking MFT blocks
// through the highest block in use and mask positions through the switch's
// maximum position. MLIDs without members produce nothing.
func (v *Validator) MulticastRoutes(sw *subnet.Switch) []MulticastRoute {
	tbl := sw.Multicast()
	if tbl == nil {
		return nil
	}
	var routes []MulticastRoute
	for block := 0; block <= tbl.MaxBlockInUse(); block++ {
		start := block * subnet.MulticastBlockSize
		for i := 0; i < subnet.MulticastBlockSize; i++ {
			off := start + i
			for position := 0; position <= tbl.MaxPosition(); position++ {
				mask := tbl.Mask(off, position)
				if mask == 0 {
					continue
				}
				for bit := 0; bit < subnet.PortMaskWidth; bit++ {
					if mask&(1<<bit) == 0 {
						continue
					}
					routes = append(routes, MulticastRoute{
						MLID: uint16(off + subnet.MulticastLIDBase),
						Port: uint8(bit + position*subnet.PortMaskWidth),
					})
				}
			}
		}
	}
	return routes
}

// Validate checks every switch in GUID order and returns the sub-optimal
// routes. Routing inconsistencies are reported, never corrected.
func (v *Validator) Validate(s *subnet.Subnet) Report {
	span := v.em.StartSpan("validate")
	var rep Report
	s.ForEachSwitch(func(sw *subnet.Switch) {
		rep.Switches++
		for _, r := range v.UnicastRoutes(s, sw) {
			rep.Routes++
			switch r.Status {
			case StatusOptimal:
				rep.Optimal++
			case StatusUnreachable:
				rep.Unreachable++
			case StatusSuboptimal:
				rep.Discrepancies = append(rep.Discrepancies, Discrepancy{SwitchGUID: sw.GUID(), Route: r})
				v.em.Warn("suboptimal_route",
					telemetry.KV("switch", sw.GUID()),
					telemetry.KV("lid", r.LID),
					telemetry.KV("port", r.Port),
					telemetry.KV("hops", r.Hops),
					telemetry.KV("best_hops", r.BestHops),
					telemetry.KV("recommended", r.Recommended),
				)
			}
		}
	})
	telemetry.SpanEvent(span, "validated",
		telemetry.KV("switches", rep.Switches),
		telemetry.KV("discrepancies", len(rep.Discrepancies)))
	telemetry.EndSpan(span, nil)
	return rep
}
