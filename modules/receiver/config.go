package receiver

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/rill/pkg/wire"
)

type Config struct {
	// Host is advertised to the tracker and used to bind the command endpoint.
	Host string `yaml:"host"`

	WALEnabled    bool   `yaml:"wal_enabled"`
	CheckpointDir string `yaml:"checkpoint_dir"`

	BlockInterval  time.Duration `yaml:"block_interval"`
	BlockQueueSize int           `yaml:"block_queue_size"`
	RestartDelay   time.Duration `yaml:"restart_delay"`

	Client wire.ClientConfig `yaml:"client"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Host, prefix+"receiver.host", "localhost", "Host advertised for the receiver command endpoint.")
	f.BoolVar(&cfg.WALEnabled, prefix+"receiver.write-ahead-log.enable", false, "Write received blocks to a write ahead log before reporting them.")
	f.StringVar(&cfg.CheckpointDir, prefix+"receiver.checkpoint-dir", "", "Directory for write ahead log segments. Required when the WAL is enabled.")
	f.DurationVar(&cfg.BlockInterval, prefix+"receiver.block-interval", 200*time.Millisecond, "Cadence at which buffered records are cut into blocks.")
	f.IntVar(&cfg.BlockQueueSize, prefix+"receiver.block-queue-size", 10, "Capacity of the generated block handoff queue.")
	f.DurationVar(&cfg.RestartDelay, prefix+"receiver.restart-delay", 2*time.Second, "Delay before restarting a receiver after an error.")

	cfg.Client.RegisterFlagsAndApplyDefaults(prefix, f)
}

func (cfg *Config) Validate() error {
	if cfg.WALEnabled && cfg.CheckpointDir == "" {
		return fmt.Errorf("checkpoint dir is required when the write ahead log is enabled")
	}
	if cfg.BlockInterval <= 0 {
		return fmt.Errorf("block interval must be positive")
	}
	if cfg.BlockQueueSize <= 0 {
		return fmt.Errorf("block queue size must be positive")
	}
	return nil
}
