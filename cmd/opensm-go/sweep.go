package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rocketbitz/opensm-go/internal/simfabric"
	"github.com/rocketbitz/opensm-go/sm"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
	"github.com/rocketbitz/opensm-go/topology"
)

func newSweepCmd(c *cli) *cobra.Command {
	var (
		topoFile   string
		configFile string
		outputDir  string
		sweeps     int
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run heavy sweeps against a simulated fabric",
		Long: "Discover the switches of a fabric snapshot over a simulated transport, " +
			"route them with min-hop, program their forwarding tables and validate the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := topology.Read(topoFile, nil)
			if err != nil {
				return err
			}
			s, err := desc.Build(topology.NodesOnly)
			if err != nil {
				return err
			}

			var cfg sm.Config
			if configFile != "" {
				if cfg, err = sm.LoadConfig(configFile); err != nil {
					return err
				}
			}
			if outputDir != "" {
				cfg.DumpDir = outputDir
				cfg.DumpRouting = true
			}
			cfg = cfg.WithDefaults()

			opts := c.opts()
			cfg.Logger = opts.Logger
			cfg.StructuredLogger = opts.StructuredLogger
			collect, shutdown, err := installMetrics(&cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			fab := simfabric.New(desc)
			cfg.Transport = fab
			cfg.Sender = fab
			cfg.Subnet = s
			mgr, err := sm.Open(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()
			fab.Attach(mgr)

			for i := 0; i < sweeps; i++ {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				err := mgr.SweepAndWait(ctx)
				cancel()
				if err != nil {
					return fmt.Errorf("sweep %d: %w", i+1, err)
				}
			}

			out := cmd.OutOrStdout()
			st := mgr.Stats()
			fmt.Fprintf(out, "sweeps=%d settlements=%d mads_sent=%d outstanding=%d pool_slots=%d\n",
				st.Sweeps, st.Settlements, fab.Sent(), st.OutstandingMADs, st.Pool.Slots)
			_ = mgr.Subnet().Read(func(s *subnet.Subnet) error {
				printSwitches(out, s)
				return nil
			})
			printReport(out, mgr.LastReport())
			if collect != nil {
				printCounters(out, collect())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topoFile, "topology", "", "Fabric snapshot (YAML)")
	cmd.Flags().StringVar(&configFile, "config", "", "Subnet manager config (YAML)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Write the routing dump files here after each sweep")
	cmd.Flags().IntVar(&sweeps, "sweeps", 1, "Number of heavy sweeps to run")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time allowed for each sweep")
	_ = cmd.MarkFlagRequired("topology")
	return cmd
}

// installMetrics sets the metric hook and tracer the config names. collect is
// nil when metrics are off.
func installMetrics(cfg *sm.Config) (collect func() []counter, shutdown func(), err error) {
	shutdown = func() {}
	switch cfg.Metrics {
	case sm.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		hook, err := telemetry.NewPrometheusMetrics(telemetry.PrometheusMetricsOptions{Registerer: reg})
		if err != nil {
			return nil, shutdown, err
		}
		cfg.MetricHook = hook
		collect = func() []counter {
			families, err := reg.Gather()
			if err != nil {
				return nil
			}
			return prometheusCounters(families)
		}
	case sm.MetricsOTel:
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		tp := sdktrace.NewTracerProvider()
		hook, err := telemetry.NewOTelMetrics(telemetry.OTelMetricsOptions{MeterProvider: mp, InstrumentationVersion: version})
		if err != nil {
			return nil, shutdown, err
		}
		cfg.MetricHook = hook
		cfg.Tracer = telemetry.NewOTelTracer(tp.Tracer("github.com/rocketbitz/opensm-go"))
		collect = func() []counter {
			var rm metricdata.ResourceMetrics
			if err := reader.Collect(context.Background(), &rm); err != nil {
				return nil
			}
			return otelCounters(rm)
		}
		shutdown = func() {
			_ = tp.Shutdown(context.Background())
			_ = mp.Shutdown(context.Background())
		}
	}
	return collect, shutdown, nil
}
