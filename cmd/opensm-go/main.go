// opensm-go inspects and exercises subnet routing state described by a fabric
// snapshot file.
//
// Usage:
//
//	opensm-go dump --topology fabric.yaml --output-dir /tmp/routing
//	opensm-go validate --topology fabric.yaml --strict
//	opensm-go sweep --topology fabric.yaml --config opensm.yaml
//	opensm-go version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/opensm-go/routing"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
	"github.com/rocketbitz/opensm-go/topology"
)

const exitRuntimeError = 1

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errDiscrepancies is returned by validate --strict when a route is sub-optimal.
var errDiscrepancies = errors.New("routing discrepancies found")

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	logLevel string
	logger   *zap.SugaredLogger
}

func (c *cli) opts() telemetry.Options {
	logger := c.logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return telemetry.Options{Logger: logger, StructuredLogger: logger}
}

// loadSnapshot loads a fabric with its forwarding state and fills in the hop
// tables the validator measures routes against.
func (c *cli) loadSnapshot(path string) (*subnet.Subnet, error) {
	s, err := topology.Load(path)
	if err != nil {
		return nil, err
	}
	if err := routing.NewMinHop(c.opts()).BuildHops(s); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func rootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "opensm-go",
		Short:         "Subnet manager routing tools",
		Long:          "Dump, validate and sweep the unicast and multicast routing of an InfiniBand subnet snapshot.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewZapLogger(c.logLevel)
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newDumpCmd(c),
		newValidateCmd(c),
		newSweepCmd(c),
		newVersionCmd(),
	)
	return root
}

func newDumpCmd(c *cli) *cobra.Command {
	var (
		topoFile      string
		outputDir     string
		multicastOnly bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write the routing dump files for a fabric snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.loadSnapshot(topoFile)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			opts := c.opts()
			d := routing.NewDumper(routing.DumperConfig{
				Dir:              outputDir,
				Enabled:          true,
				Logger:           opts.Logger,
				StructuredLogger: opts.StructuredLogger,
			})
			files := []string{routing.FileLIDMatrix, routing.FileLFTs, routing.FileFDBs, routing.FileMCFDBs}
			if multicastOnly {
				files = []string{routing.FileMCFDBs}
				err = d.DumpMulticast(s)
			} else {
				err = d.DumpAll(s)
			}
			for _, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\n", outputDir, f)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&topoFile, "topology", "", "Fabric snapshot (YAML)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "/var/log", "Directory for the dump files")
	cmd.Flags().BoolVar(&multicastOnly, "multicast-only", false, "Write only the multicast routes")
	_ = cmd.MarkFlagRequired("topology")
	return cmd
}

func newValidateCmd(c *cli) *cobra.Command {
	var (
		topoFile string
		strict   bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check every unicast route against the least-hop path",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.loadSnapshot(topoFile)
			if err != nil {
				return err
			}
			report := routing.NewValidator(c.opts()).Validate(s)
			printReport(cmd.OutOrStdout(), report)
			if strict && len(report.Discrepancies) > 0 {
				return fmt.Errorf("%w: %d", errDiscrepancies, len(report.Discrepancies))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topoFile, "topology", "", "Fabric snapshot (YAML)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any route is sub-optimal")
	_ = cmd.MarkFlagRequired("topology")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opensm-go %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
