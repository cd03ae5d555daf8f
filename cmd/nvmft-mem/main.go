package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-nvmft"
	"github.com/ehrlich-b/go-nvmft/backend"
	"github.com/ehrlich-b/go-nvmft/internal/config"
	"github.com/ehrlich-b/go-nvmft/internal/logging"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

// runtimeEnv is what every subcommand starts from
type runtimeEnv struct {
	cfg    *config.Config
	logger *logging.Logger
}

type loader func() (*runtimeEnv, error)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "nvmft-mem",
		Short: "NVMe over Fabrics target port backed by memory namespaces",
		Long: `nvmft-mem runs an NVMe over Fabrics target port whose namespaces live in
memory. Controllers are reached through the in-process loopback transport.

Configuration is read from --config (or ./nvmft.yaml, /etc/nvmft/nvmft.yaml),
NVMFT_* environment variables such as NVMFT_PORT_SUBNQN, and flags.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flags.String("size", "64M", "size of each memory namespace (e.g. 64M, 1G)")
	flags.Int("namespaces", 1, "number of memory namespaces")
	flags.String("metrics", "127.0.0.1:9420", "Prometheus listen address")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	for key, flag := range map[string]string{
		"memory.size":    "size",
		"memory.count":   "namespaces",
		"metrics.listen": "metrics",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	load := func() (*runtimeEnv, error) {
		cfg, err := config.LoadViper(v, configPath)
		if err != nil {
			return nil, err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		logConfig := logging.DefaultConfig()
		logConfig.Level = level
		logConfig.Format = cfg.Log.Format
		logger := logging.NewLogger(logConfig)
		logging.SetDefault(logger)
		return &runtimeEnv{cfg: cfg, logger: logger}, nil
	}

	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newSelftestCmd(load))
	return rootCmd
}

// buildPort creates the port and its memory namespaces. Metrics go to reg
// when it is non-nil.
func buildPort(env *runtimeEnv, reg *prometheus.Registry) (*nvmft.Port, error) {
	cfg := env.cfg

	dispatcher := backend.NewDispatcher(backend.DispatcherConfig{
		Workers:       cfg.Port.Workers,
		NamespaceSeed: uuid.NewSHA1(uuid.NameSpaceURL, []byte(cfg.Port.SubNQN)),
		Logger:        env.logger,
	})

	params := nvmft.DefaultParams(cfg.Port.SubNQN)
	params.Serial = cfg.Port.Serial
	params.Model = cfg.Port.Model
	params.Firmware = cfg.Port.Firmware
	params.Dispatcher = dispatcher
	params.MaxControllers = cfg.Port.MaxControllers
	params.MaxIOQueueSize = cfg.Port.MaxIOQueueSize
	params.TerminationGrace = cfg.Port.TerminationGrace
	params.KeepAliveUnit = cfg.Port.KeepAliveUnit

	options := &nvmft.Options{Logger: env.logger}
	if reg != nil {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		options.Observer = nvmft.NewPrometheusObserver(reg)
	}

	port, err := nvmft.NewPort(params, options)
	if err != nil {
		return nil, err
	}

	for _, ns := range cfg.Namespaces {
		if err := port.AddNamespace(ns.ID, backend.NewMemory(ns.Bytes), uint32(ns.BlockSize)); err != nil {
			return nil, err
		}
		env.logger.Info("namespace added",
			"nsid", ns.ID,
			"size", config.FormatSize(ns.Bytes),
			"block_size", ns.BlockSize)
	}
	return port, nil
}
