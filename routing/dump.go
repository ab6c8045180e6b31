package routing

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// Dump file names written under the configured directory.
const (
	FileLIDMatrix = "opensm-lid-matrix.dump"
	FileLFTs      = "opensm-lfts.dump"
	FileFDBs      = "opensm.fdbs"
	FileMCFDBs    = "opensm.mcfdbs"
)

// DumperConfig controls where and whether routing dumps are written.
type DumperConfig struct {
	Dir string
	// Enabled gates every dump, like a routing log level would.
	Enabled          bool
	Logger           telemetry.Logger
	StructuredLogger telemetry.StructuredLogger
	Tracer           telemetry.Tracer
	Metrics          telemetry.MetricHook
}

// Dumper writes the routing reports, one file each.
type Dumper struct {
	dir       string
	enabled   bool
	validator *Validator
	em        *telemetry.Emitter
}

// NewDumper builds a dumper.
func NewDumper(cfg DumperConfig) *Dumper {
	opts := telemetry.Options{
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
		Tracer:           cfg.Tracer,
		Metrics:          cfg.Metrics,
	}
	return &Dumper{
		dir:       cfg.Dir,
		enabled:   cfg.Enabled,
		validator: NewValidator(opts),
		em:        telemetry.NewEmitter("routing", opts),
	}
}

// Enabled reports whether dumps are written.
func (d *Dumper) Enabled() bool {
	return d != nil && d.enabled
}

// DumpAll writes the LID matrix, LFTs, unicast routes and multicast routes.
// A report that cannot be written is logged and skipped; the others still run
// and the failures come back together.
func (d *Dumper) DumpAll(s *subnet.Subnet) error {
	if !d.Enabled() {
		return nil
	}
	span := d.em.StartSpan("dump_all", telemetry.KV("dir", d.dir))
	var result *multierror.Error
	if err := d.writeFile(FileLIDMatrix, func(w io.Writer) error { return WriteLIDMatrix(w, s) }); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.writeFile(FileLFTs, func(w io.Writer) error { return WriteLFTs(w, s) }); err != nil {
		result = multierror.Append(result, err)
	}
	d.logPathDistribution(s)
	if err := d.writeFile(FileFDBs, func(w io.Writer) error { return d.validator.WriteUnicastRoutes(w, s) }); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.writeFile(FileMCFDBs, func(w io.Writer) error { return d.validator.WriteMulticastRoutes(w, s) }); err != nil {
		result = multierror.Append(result, err)
	}
	err := result.ErrorOrNil()
	telemetry.EndSpan(span, err)
	return err
}

// DumpMulticast writes only the multicast routes.
func (d *Dumper) DumpMulticast(s *subnet.Subnet) error {
	if !d.Enabled() {
		return nil
	}
	span := d.em.StartSpan("dump_multicast", telemetry.KV("dir", d.dir))
	err := d.writeFile(FileMCFDBs, func(w io.Writer) error { return d.validator.WriteMulticastRoutes(w, s) })
	telemetry.EndSpan(span, err)
	return err
}

func (d *Dumper) writeFile(name string, render func(io.Writer) error) error {
	path := filepath.Join(d.dir, name)
	f, err := os.Create(path)
	if err != nil {
		d.em.Errorf("routing: cannot create file '%s': %v", path, err)
		return fmt.Errorf("routing: create %s: %w", name, err)
	}
	w := bufio.NewWriter(f)
	renderErr := render(w)
	flushErr := w.Flush()
	closeErr := f.Close()
	for _, err := range []error{renderErr, flushErr, closeErr} {
		if err != nil {
			d.em.Errorf("routing: writing '%s' failed: %v", path, err)
			return fmt.Errorf("routing: write %s: %w", name, err)
		}
	}
	d.em.Event("dumped", telemetry.KV("file", name))
	return nil
}

// logPathDistribution logs, per switch port, how many LIDs are routed through
// it and what the port links to.
func (d *Dumper) logPathDistribution(s *subnet.Subnet) {
	s.ForEachSwitch(func(sw *subnet.Switch) {
		d.em.Debugf("%s", PathDistribution(sw))
	})
}

// PathDistribution renders the per-port path counts of sw.
func PathDistribution(sw *subnet.Switch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Switch 0x%x\nPort : Path Count Through Port", sw.GUID())
	for port := uint8(0); port < sw.NumPorts; port++ {
		fmt.Fprintf(&b, "\n %03d : %d", port, sw.PathCount(port))
		if port == 0 {
			b.WriteString(" (switch management port)")
			continue
		}
		remote := sw.Node.RemoteNode(port)
		if remote == nil {
			continue
		}
		switch remote.Type {
		case subnet.NodeTypeSwitch:
			b.WriteString(" (link to switch")
		case subnet.NodeTypeRouter:
			b.WriteString(" (link to router")
		case subnet.NodeTypeCA:
			b.WriteString(" (link to CA")
		default:
			b.WriteString(" (link to unknown node type")
		}
		fmt.Fprintf(&b, " 0x%x)", remote.GUID)
	}
	b.WriteString("\n")
	return b.String()
}

// WriteLIDMatrix writes the hop table of every switch. LIDs the switch cannot
// reach at all are left out.
func WriteLIDMatrix(w io.Writer, s *subnet.Subnet) error {
	var err error
	s.ForEachSwitch(func(sw *subnet.Switch) {
		if err != nil {
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Switch: guid 0x%016x\n", sw.GUID())
		for lid := uint16(1); lid <= sw.MaxLID() && lid != 0; lid++ {
			if sw.LeastHops(lid) == subnet.NoPath {
				continue
			}
			fmt.Fprintf(&b, "0x%04x:", lid)
			for port := uint8(0); port < sw.NumPorts; port++ {
				fmt.Fprintf(&b, " %02x", sw.HopCount(lid, port))
			}
			if p := s.PortByLID(lid); p != nil {
				fmt.Fprintf(&b, " # portguid 0x%x", p.GUID)
			}
			b.WriteString("\n")
		}
		_, err = io.WriteString(w, b.String())
	})
	return err
}

// WriteLFTs writes the unicast forwarding table of every switch. Entries whose
// port is outside the switch are skipped.
func WriteLFTs(w io.Writer, s *subnet.Subnet) error {
	var err error
	s.ForEachSwitch(func(sw *subnet.Switch) {
		if err != nil {
			return
		}
		var b strings.Builder
		maxLID := sw.MaxLID()
		fmt.Fprintf(&b, "Unicast lids [0x0-0x%x] of switch Lid %d guid 0x%016x ('%s'):\n",
			maxLID, sw.BaseLID(), sw.GUID(), sw.Node.Description)
		for lid := uint32(0); lid <= uint32(maxLID); lid++ {
			port := sw.PortByLID(uint16(lid))
			if port >= sw.NumPorts {
				continue
			}
			fmt.Fprintf(&b, "0x%04x %03d # ", lid, port)
			if p := s.PortByLID(uint16(lid)); p != nil && p.Node != nil {
				fmt.Fprintf(&b, "%s portguid 0x%016x: '%s'", p.Node.Type, p.GUID, p.Node.Description)
			} else {
				b.WriteString("unknown node and type")
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d lids dumped\n", maxLID)
		_, err = io.WriteString(w, b.String())
	})
	return err
}

// WriteUnicastRoutes writes the per-LID route verdicts of every switch.
func (v *Validator) WriteUnicastRoutes(w io.Writer, s *subnet.Subnet) error {
	var err error
	s.ForEachSwitch(func(sw *subnet.Switch) {
		if err != nil {
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Switch 0x%016x\nLID    : Port : Hops : Optimal\n", sw.GUID())
		for _, r := range v.UnicastRoutes(s, sw) {
			fmt.Fprintf(&b, "0x%04X : ", r.LID)
			switch r.Status {
			case StatusUnreachable:
				b.WriteString("UNREACHABLE")
			case StatusOptimal:
				fmt.Fprintf(&b, "%03d  : %02d   : yes", r.Port, r.Hops)
			default:
				fmt.Fprintf(&b, "%03d  : %02d   : No %d hop path possible via port %d!",
					r.Port, r.Hops, r.BestHops, r.Recommended)
			}
			b.WriteString("\n")
		}
		_, err = io.WriteString(w, b.String())
	})
	return err
}

// WriteMulticastRoutes writes the multicast members of every switch, one line
// per MLID. A switch header is only written once the switch has a member.
func (v *Validator) WriteMulticastRoutes(w io.Writer, s *subnet.Subnet) error {
	var err error
	s.ForEachSwitch(func(sw *subnet.Switch) {
		if err != nil {
			return
		}
		routes := v.MulticastRoutes(sw)
		if len(routes) == 0 {
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "\nSwitch 0x%016x\nLID    : Out Port(s)\n", sw.GUID())
		for i, r := range routes {
			if i == 0 || routes[i-1].MLID != r.MLID {
				if i > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "0x%04X :", r.MLID)
			}
			fmt.Fprintf(&b, " 0x%03X ", r.Port)
		}
		b.WriteString("\n")
		_, err = io.WriteString(w, b.String())
	})
	return err
}
