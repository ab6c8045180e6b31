package sm

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/opensm-go/dispatch"
	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/receiver"
	"github.com/rocketbitz/opensm-go/subnet"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// Metric backends accepted in Config.Metrics.
const (
	MetricsNone       = "none"
	MetricsPrometheus = "prometheus"
	MetricsOTel       = "otel"
)

// PoolConfig sizes the MAD pool.
type PoolConfig struct {
	MinSize  int `yaml:"min_size"`
	GrowSize int `yaml:"grow_size"`
	// MaxSize caps the pool; zero means unbounded.
	MaxSize int `yaml:"max_size"`
	MADSize int `yaml:"mad_size"`
}

// DispatcherConfig sizes the dispatcher registration table.
type DispatcherConfig struct {
	MaxHandlers int `yaml:"max_handlers"`
}

// Config controls Open. The YAML fields come from LoadConfig; the runtime
// collaborators are set programmatically.
type Config struct {
	MadPool     PoolConfig       `yaml:"mad_pool"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	DumpDir     string           `yaml:"dump_dir"`
	DumpRouting bool             `yaml:"dump_routing"`
	LogLevel    string           `yaml:"log_level"`
	Metrics     string           `yaml:"metrics"`
	Bind        uint64           `yaml:"bind"`

	Transport        madpool.Transport          `yaml:"-"`
	Sender           receiver.Sender            `yaml:"-"`
	RoutingEngine    RoutingEngine              `yaml:"-"`
	Subnet           *subnet.Subnet             `yaml:"-"`
	Logger           telemetry.Logger           `yaml:"-"`
	StructuredLogger telemetry.StructuredLogger `yaml:"-"`
	Tracer           telemetry.Tracer           `yaml:"-"`
	MetricHook       telemetry.MetricHook       `yaml:"-"`
}

// LoadConfig reads a YAML config file. Missing fields keep their zero value
// until Open applies the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("sm: %s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults returns cfg with every unset field filled in.
func (cfg Config) WithDefaults() Config {
	if cfg.MadPool.MinSize == 0 {
		cfg.MadPool.MinSize = madpool.DefaultMinSize
	}
	if cfg.MadPool.GrowSize == 0 {
		cfg.MadPool.GrowSize = madpool.DefaultGrowSize
	}
	if cfg.MadPool.MADSize == 0 {
		cfg.MadPool.MADSize = receiver.MADSize
	}
	if cfg.Dispatcher.MaxHandlers == 0 {
		cfg.Dispatcher.MaxHandlers = dispatch.DefaultMaxHandlers
	}
	if cfg.DumpDir == "" {
		cfg.DumpDir = "/var/log"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Metrics == "" {
		cfg.Metrics = MetricsNone
	}
	if cfg.Bind == 0 {
		cfg.Bind = 1
	}
	return cfg
}

// Validate checks the static fields of a defaulted config.
func (cfg Config) Validate() error {
	if cfg.MadPool.MinSize < 0 || cfg.MadPool.GrowSize < 0 || cfg.MadPool.MaxSize < 0 {
		return fmt.Errorf("sm: negative mad_pool size")
	}
	if cfg.MadPool.MaxSize > 0 && cfg.MadPool.MinSize > cfg.MadPool.MaxSize {
		return fmt.Errorf("sm: mad_pool.min_size %d exceeds max_size %d", cfg.MadPool.MinSize, cfg.MadPool.MaxSize)
	}
	if cfg.MadPool.MADSize < receiver.MinMADSize {
		return fmt.Errorf("sm: mad_pool.mad_size %d below %d", cfg.MadPool.MADSize, receiver.MinMADSize)
	}
	if cfg.Dispatcher.MaxHandlers < 0 {
		return fmt.Errorf("sm: negative dispatcher.max_handlers")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("sm: log_level: %w", err)
	}
	switch cfg.Metrics {
	case MetricsNone, MetricsPrometheus, MetricsOTel:
	default:
		return fmt.Errorf("sm: unknown metrics backend %q", cfg.Metrics)
	}
	return nil
}
