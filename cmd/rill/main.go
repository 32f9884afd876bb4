package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/grafana/rill/cmd/rill/app"
	"github.com/grafana/rill/pkg/util/log"
)

const appName = "rill"

// Version is set via build flag -ldflags -X main.Version
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision
	prometheus.MustRegister(collectors.NewBuildInfoCollector())
}

func main() {
	printVersion := flag.Bool("version", false, "Print this builds version information")

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	log.InitLogger(config.LogLevel)

	a, err := app.New(config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to initialize", "err", err)
		os.Exit(1)
	}

	err = a.Run()
	if err != nil {
		level.Error(log.Logger).Log("msg", "exited with error", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	var configFile string
	flag.StringVar(&configFile, "config.file", "", "Configuration file to load")

	config := &app.Config{}
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.Parse()

	if configFile == "" {
		return config, nil
	}

	buf, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", configFile, err)
	}

	// expand ${VAR} references before parsing
	expanded, err := envsubst.EvalEnv(string(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to substitute config environment variables: %w", err)
	}

	err = yaml.UnmarshalStrict([]byte(expanded), config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}
