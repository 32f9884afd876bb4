package app

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/rill/modules/receiver"
	"github.com/grafana/rill/modules/tracker"
	"github.com/grafana/rill/pkg/blockstore"
)

const (
	TargetCoordinator = "coordinator"
	TargetWorker      = "worker"
	TargetAll         = "all"
)

// InputConfig declares one input stream and how its receiver ingests.
type InputConfig struct {
	StreamID      int    `yaml:"stream_id"`
	Name          string `yaml:"name"`
	SocketAddr    string `yaml:"socket_addr"`
	PreferredHost string `yaml:"preferred_host"`
	Replication   int    `yaml:"replication"`
}

// Config is the root config for the rill binary.
type Config struct {
	Target   string `yaml:"target"`
	LogLevel string `yaml:"log_level"`

	// MetricsAddr exposes prometheus metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// BatchInterval drives batch allocation on the coordinator. Zero
	// disables the built-in batch loop.
	BatchInterval time.Duration `yaml:"batch_interval"`
	// Retention bounds how long allocated batch metadata and logged blocks
	// are kept.
	Retention time.Duration `yaml:"retention"`

	BlockStore blockstore.LocalConfig `yaml:"blockstore"`
	Tracker    tracker.Config         `yaml:"tracker"`
	Receiver   receiver.Config        `yaml:"receiver"`
	Inputs     []InputConfig          `yaml:"inputs"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Target, prefix+"target", TargetAll, "Role of this process: coordinator, worker or all.")
	f.StringVar(&c.LogLevel, prefix+"log.level", "info", "Log level: debug, info, warn, error.")
	f.StringVar(&c.MetricsAddr, prefix+"metrics.addr", "", "Address to expose prometheus metrics on. Empty disables.")
	f.DurationVar(&c.BatchInterval, prefix+"batch-interval", 0, "Interval of the built-in batch allocation loop. Zero disables.")
	f.DurationVar(&c.Retention, prefix+"retention", time.Hour, "How long allocated batch metadata is retained.")

	c.BlockStore.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Tracker.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Receiver.RegisterFlagsAndApplyDefaults(prefix, f)
}

func (c *Config) Validate() error {
	switch c.Target {
	case TargetCoordinator, TargetWorker, TargetAll:
	default:
		return fmt.Errorf("unknown target %q", c.Target)
	}

	seen := map[int]struct{}{}
	for _, in := range c.Inputs {
		if in.StreamID < 0 {
			return fmt.Errorf("stream ids must be non-negative, got %d", in.StreamID)
		}
		if _, ok := seen[in.StreamID]; ok {
			return fmt.Errorf("duplicate stream id %d", in.StreamID)
		}
		seen[in.StreamID] = struct{}{}

		if c.Target != TargetCoordinator && in.SocketAddr == "" {
			return fmt.Errorf("stream %d: socket_addr is required on targets that run receivers", in.StreamID)
		}
	}

	return nil
}
