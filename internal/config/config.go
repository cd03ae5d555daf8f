// Package config loads nvmft-mem configuration.
//
// Values come from, highest priority first: flags bound to the viper
// instance, NVMFT_* environment variables, a YAML file and defaults.
//
//	cfg, err := config.Load("/etc/nvmft/nvmft.yaml")
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-nvmft/internal/constants"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// EnvPrefix is the environment variable prefix
const EnvPrefix = "NVMFT"

// Config holds the full nvmft-mem configuration
type Config struct {
	Port       PortConfig        `mapstructure:"port"`
	Memory     MemoryConfig      `mapstructure:"memory"`
	Namespaces []NamespaceConfig `mapstructure:"namespaces"`
	Log        LogConfig         `mapstructure:"log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
}

// PortConfig configures the subsystem port
type PortConfig struct {
	SubNQN           string        `mapstructure:"subnqn"`
	Serial           string        `mapstructure:"serial"`
	Model            string        `mapstructure:"model"`
	Firmware         string        `mapstructure:"firmware"`
	MaxControllers   int           `mapstructure:"max_controllers"`
	MaxIOQueueSize   int           `mapstructure:"max_io_queue_size"`
	Workers          int64         `mapstructure:"workers"`
	TerminationGrace time.Duration `mapstructure:"termination_grace"`
	KeepAliveUnit    time.Duration `mapstructure:"keep_alive_unit"`
	OfflineTimeout   time.Duration `mapstructure:"offline_timeout"`
}

// MemoryConfig describes the memory namespaces created when no explicit
// namespace list is configured
type MemoryConfig struct {
	Count     int    `mapstructure:"count"`
	Size      string `mapstructure:"size"`
	BlockSize int    `mapstructure:"block_size"`
}

// NamespaceConfig is one explicitly configured namespace
type NamespaceConfig struct {
	ID        uint32 `mapstructure:"id"`
	Size      string `mapstructure:"size"`
	BlockSize int    `mapstructure:"block_size"`

	// Bytes is Size parsed by Validate
	Bytes int64 `mapstructure:"-"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Load reads configuration from path (optional), the environment and
// defaults
func Load(path string) (*Config, error) {
	return LoadViper(viper.New(), path)
}

// LoadViper is Load on a caller supplied viper instance, so flags bound to
// v take precedence
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("nvmft")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nvmft")

		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults installs every default value on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port.subnqn", "nqn.2024-01.io.github.ehrlich-b:nvmft-mem")
	v.SetDefault("port.serial", "NVMFT0001")
	v.SetDefault("port.model", "go-nvmft memory target")
	v.SetDefault("port.firmware", "0.1")
	v.SetDefault("port.max_controllers", constants.DefaultMaxControllers)
	v.SetDefault("port.max_io_queue_size", constants.DefaultMaxIOQueueSize)
	v.SetDefault("port.workers", 64)
	v.SetDefault("port.termination_grace", constants.TerminationGrace)
	v.SetDefault("port.keep_alive_unit", constants.KeepAliveUnit)
	v.SetDefault("port.offline_timeout", 10*time.Second)

	v.SetDefault("memory.count", 1)
	v.SetDefault("memory.size", "64M")
	v.SetDefault("memory.block_size", constants.DefaultLogicalBlockSize)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9420")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration and fills derived values. An empty
// namespace list is populated from the memory section.
func (c *Config) Validate() error {
	if c.Port.SubNQN == "" {
		return fmt.Errorf("%w: port.subnqn is required", ErrInvalid)
	}
	if len(c.Port.SubNQN) > constants.MaxNQNLength {
		return fmt.Errorf("%w: port.subnqn longer than %d bytes", ErrInvalid, constants.MaxNQNLength)
	}
	if c.Port.MaxControllers < 1 || c.Port.MaxControllers > constants.MaxControllerID+1 {
		return fmt.Errorf("%w: port.max_controllers %d", ErrInvalid, c.Port.MaxControllers)
	}
	if c.Port.MaxIOQueueSize < 2 || c.Port.MaxIOQueueSize > 65536 {
		return fmt.Errorf("%w: port.max_io_queue_size %d", ErrInvalid, c.Port.MaxIOQueueSize)
	}
	if c.Port.Workers < 1 {
		return fmt.Errorf("%w: port.workers %d", ErrInvalid, c.Port.Workers)
	}
	if c.Port.TerminationGrace <= 0 || c.Port.KeepAliveUnit <= 0 {
		return fmt.Errorf("%w: timers must be positive", ErrInvalid)
	}

	if len(c.Namespaces) == 0 {
		if c.Memory.Count < 0 {
			return fmt.Errorf("%w: memory.count %d", ErrInvalid, c.Memory.Count)
		}
		for i := 1; i <= c.Memory.Count; i++ {
			c.Namespaces = append(c.Namespaces, NamespaceConfig{
				ID:        uint32(i),
				Size:      c.Memory.Size,
				BlockSize: c.Memory.BlockSize,
			})
		}
	}

	seen := make(map[uint32]bool, len(c.Namespaces))
	for i := range c.Namespaces {
		ns := &c.Namespaces[i]
		if ns.ID == 0 || ns.ID >= nvme.NSIDReserved {
			return fmt.Errorf("%w: namespace id %d", ErrInvalid, ns.ID)
		}
		if seen[ns.ID] {
			return fmt.Errorf("%w: duplicate namespace id %d", ErrInvalid, ns.ID)
		}
		seen[ns.ID] = true

		size, err := ParseSize(ns.Size)
		if err != nil {
			return fmt.Errorf("%w: namespace %d size: %v", ErrInvalid, ns.ID, err)
		}
		if ns.BlockSize == 0 {
			ns.BlockSize = constants.DefaultLogicalBlockSize
		}
		if size < int64(ns.BlockSize) {
			return fmt.Errorf("%w: namespace %d smaller than one block", ErrInvalid, ns.ID)
		}
		ns.Bytes = size
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required", ErrInvalid)
	}
	return nil
}

// ParseSize parses a size string like "64M", "1G" or "512K"
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if num <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", num)
	}
	return num * multiplier, nil
}

// FormatSize formats a byte count as a human-readable string
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
