package tracker

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	// BindAddr is the host:port the tracker endpoint listens on.
	BindAddr string `yaml:"bind_addr"`

	WALEnabled    bool   `yaml:"wal_enabled"`
	CheckpointDir string `yaml:"checkpoint_dir"`

	// SkipReceiverLaunch leaves receivers to be started out of band. They
	// find the tracker through its endpoint and register themselves.
	SkipReceiverLaunch bool `yaml:"skip_receiver_launch"`

	// SpreadReceivers waits for enough live workers before submitting
	// receiver tasks, so they do not all land on one node.
	SpreadReceivers bool `yaml:"spread_receivers"`

	// GracefulShutdown waits for all receivers to deregister before the
	// tracker endpoint goes away.
	GracefulShutdown    bool          `yaml:"graceful_shutdown"`
	GracefulStopTimeout time.Duration `yaml:"graceful_stop_timeout"`

	LauncherJoinTimeout  time.Duration `yaml:"launcher_join_timeout"`
	GracefulPollInterval time.Duration `yaml:"-"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BindAddr, prefix+"tracker.bind-addr", "localhost:7077", "Address the tracker endpoint listens on.")
	f.BoolVar(&cfg.WALEnabled, prefix+"tracker.write-ahead-log.enable", false, "Log tracker events to a write ahead log for recovery.")
	f.StringVar(&cfg.CheckpointDir, prefix+"tracker.checkpoint-dir", "", "Directory for tracker write ahead log segments. Required when the WAL is enabled.")
	f.BoolVar(&cfg.SkipReceiverLaunch, prefix+"tracker.skip-receiver-launch", false, "Do not launch receivers, wait for them to register on their own.")
	f.BoolVar(&cfg.SpreadReceivers, prefix+"tracker.spread-receivers", false, "Wait for enough workers before launching receivers.")
	f.BoolVar(&cfg.GracefulShutdown, prefix+"tracker.graceful-shutdown", false, "Wait for receivers to deregister on shutdown.")
	f.DurationVar(&cfg.GracefulStopTimeout, prefix+"tracker.graceful-stop-timeout", 30*time.Second, "Upper bound on the graceful shutdown wait.")
	f.DurationVar(&cfg.LauncherJoinTimeout, prefix+"tracker.launcher-join-timeout", 10*time.Second, "How long to wait for the receiver launcher to finish on shutdown.")

	cfg.GracefulPollInterval = 100 * time.Millisecond
}

func (cfg *Config) Validate() error {
	if cfg.WALEnabled && cfg.CheckpointDir == "" {
		return fmt.Errorf("checkpoint dir is required when the write ahead log is enabled")
	}
	return nil
}
