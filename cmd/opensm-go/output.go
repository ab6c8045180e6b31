package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rocketbitz/opensm-go/routing"
	"github.com/rocketbitz/opensm-go/subnet"
)

// printReport renders the validation summary followed by the discrepancy table.
func printReport(w io.Writer, report routing.Report) {
	fmt.Fprintf(w, "switches=%d routes=%d optimal=%d unreachable=%d discrepancies=%d\n",
		report.Switches, report.Routes, report.Optimal, report.Unreachable, len(report.Discrepancies))
	if len(report.Discrepancies) == 0 {
		fmt.Fprintln(w, "All routes optimal.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("SWITCH", "LID", "PORT", "HOPS", "BEST HOPS", "RECOMMENDED")
	for _, d := range report.Discrepancies {
		table.Append(
			fmt.Sprintf("0x%016x", d.SwitchGUID),
			fmt.Sprintf("0x%04X", d.Route.LID),
			fmt.Sprint(d.Route.Port),
			fmt.Sprint(d.Route.Hops),
			fmt.Sprint(d.Route.BestHops),
			fmt.Sprint(d.Route.Recommended),
		)
	}
	table.Render()
}

// printSwitches renders one row per discovered switch.
func printSwitches(w io.Writer, s *subnet.Subnet) {
	table := tablewriter.NewTable(w)
	table.Header("GUID", "DESCRIPTION", "LID", "PORTS", "MAX LID")
	for _, sw := range s.Switches() {
		table.Append(
			fmt.Sprintf("0x%016x", sw.GUID()),
			sw.Node.Description,
			fmt.Sprint(sw.BaseLID()),
			fmt.Sprint(sw.NumPorts),
			fmt.Sprint(sw.MaxLID()),
		)
	}
	table.Render()
}

type counter struct {
	name  string
	value float64
}

func printCounters(w io.Writer, counters []counter) {
	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
	table := tablewriter.NewTable(w)
	table.Header("METRIC", "VALUE")
	for _, c := range counters {
		table.Append(c.name, fmt.Sprint(c.value))
	}
	table.Render()
}

// prometheusCounters sums every counter family across its label sets.
func prometheusCounters(families []*dto.MetricFamily) []counter {
	var out []counter
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		out = append(out, counter{name: mf.GetName(), value: total})
	}
	return out
}

// otelCounters sums every int64 sum instrument across its data points.
func otelCounters(rm metricdata.ResourceMetrics) []counter {
	var out []counter
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			out = append(out, counter{name: m.Name, value: float64(total)})
		}
	}
	return out
}
