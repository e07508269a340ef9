// Package config provides configuration management for tensorwire.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (TENSORWIRE_* prefix)
//  3. Configuration file (ibvctl.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/tensorwire/ibvctl.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/tensorwire/internal/transport/rdma"
)

// Config holds all configuration for ibvctl
type Config struct {
	LogLevel string     `mapstructure:"log_level"`
	RDMA     RDMAConfig `mapstructure:"rdma"`
}

// RDMAConfig holds RDMA device and resource configuration
type RDMAConfig struct {
	// Simulated uses the in-memory driver instead of libibverbs
	Simulated bool `mapstructure:"simulated"`

	// DeviceName is the RDMA device name (e.g., "mlx5_0"); empty selects by index
	DeviceName string `mapstructure:"device_name"`

	// DeviceIndex selects among the devices with an active port
	DeviceIndex int `mapstructure:"device_index"`

	// PortNum is the device port to use, starting at 1
	PortNum int `mapstructure:"port_num"`

	// GIDIndex is the GID table index for RoCE
	GIDIndex int `mapstructure:"gid_index"`

	// CQSize is the number of completion queue entries
	CQSize int `mapstructure:"cq_size"`

	// SRQMaxWR is max outstanding receives on the shared receive queue
	SRQMaxWR int `mapstructure:"srq_max_wr"`

	// MaxSendWR is max send work requests per QP
	MaxSendWR int `mapstructure:"max_send_wr"`

	// MaxRecvWR is max receive work requests per QP
	MaxRecvWR int `mapstructure:"max_recv_wr"`

	// MaxSGE is max scatter/gather elements per work request
	MaxSGE int `mapstructure:"max_sge"`

	// BufferSize is the size of the registered buffer per endpoint
	BufferSize int `mapstructure:"buffer_size"`

	// EnumerateTimeout bounds device enumeration during probes
	EnumerateTimeout time.Duration `mapstructure:"enumerate_timeout"`

	// SysfsRoot is where the infiniband class directory is read from
	SysfsRoot string `mapstructure:"sysfs_root"`
}

// Options are command line overrides. Nil PortNum and GIDIndex leave the
// loaded values alone, so an explicit zero still overrides.
type Options struct {
	LogLevel   string
	DeviceName string
	PortNum    *int
	GIDIndex   *int
	Simulated  bool
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("ibvctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tensorwire")
		v.AddConfigPath("$HOME/.tensorwire")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("TENSORWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.DeviceName != "" {
		v.Set("rdma.device_name", opts.DeviceName)
	}
	if opts.PortNum != nil {
		v.Set("rdma.port_num", *opts.PortNum)
	}
	if opts.GIDIndex != nil {
		v.Set("rdma.gid_index", *opts.GIDIndex)
	}
	if opts.Simulated {
		v.Set("rdma.simulated", true)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := rdma.DefaultConfig()

	// Logging
	v.SetDefault("log_level", "info")

	// RDMA
	v.SetDefault("rdma.simulated", false)
	v.SetDefault("rdma.device_name", "")
	v.SetDefault("rdma.device_index", 0)
	v.SetDefault("rdma.port_num", int(defaults.Port))
	v.SetDefault("rdma.gid_index", int(defaults.GIDIndex))
	v.SetDefault("rdma.cq_size", defaults.CompletionQueueSize)
	v.SetDefault("rdma.srq_max_wr", int(defaults.SRQMaxWR))
	v.SetDefault("rdma.max_send_wr", int(defaults.SendQueueDepth))
	v.SetDefault("rdma.max_recv_wr", int(defaults.RecvQueueDepth))
	v.SetDefault("rdma.max_sge", int(defaults.MaxSGE))
	v.SetDefault("rdma.buffer_size", defaults.MemoryRegionSize)
	v.SetDefault("rdma.enumerate_timeout", defaults.EnumerateTimeout)
	v.SetDefault("rdma.sysfs_root", "/sys/class/infiniband")
}

func (c *Config) validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	r := &c.RDMA
	if r.PortNum < 1 || r.PortNum > math.MaxUint8 {
		return fmt.Errorf("rdma.port_num must be between 1 and %d, got %d", math.MaxUint8, r.PortNum)
	}
	if r.GIDIndex < 0 || r.GIDIndex > math.MaxUint8 {
		return fmt.Errorf("rdma.gid_index must be between 0 and %d, got %d", math.MaxUint8, r.GIDIndex)
	}
	if r.DeviceIndex < 0 {
		return fmt.Errorf("rdma.device_index cannot be negative")
	}
	sizes := []struct {
		key string
		val int
		max uint64
	}{
		{"rdma.cq_size", r.CQSize, math.MaxInt32},
		{"rdma.srq_max_wr", r.SRQMaxWR, math.MaxUint32},
		{"rdma.max_send_wr", r.MaxSendWR, math.MaxUint32},
		{"rdma.max_recv_wr", r.MaxRecvWR, math.MaxUint32},
		{"rdma.max_sge", r.MaxSGE, math.MaxUint32},
		{"rdma.buffer_size", r.BufferSize, math.MaxInt},
	}
	for _, s := range sizes {
		if s.val <= 0 {
			return fmt.Errorf("%s must be positive, got %d", s.key, s.val)
		}
		if uint64(s.val) > s.max {
			return fmt.Errorf("%s must be at most %d, got %d", s.key, s.max, s.val)
		}
	}
	if r.EnumerateTimeout <= 0 {
		return fmt.Errorf("rdma.enumerate_timeout must be positive")
	}
	if r.SysfsRoot == "" {
		return fmt.Errorf("rdma.sysfs_root cannot be empty")
	}

	return nil
}

// EndpointConfig converts the validated RDMA settings for package rdma.
func (r *RDMAConfig) EndpointConfig() *rdma.Config {
	return &rdma.Config{
		DeviceName:          r.DeviceName,
		DeviceIndex:         r.DeviceIndex,
		Port:                uint8(r.PortNum),  //nolint:gosec // G115: range checked in validate
		GIDIndex:            uint8(r.GIDIndex), //nolint:gosec // G115: range checked in validate
		CompletionQueueSize: r.CQSize,
		SRQMaxWR:            uint32(r.SRQMaxWR),  //nolint:gosec // G115: range checked in validate
		SendQueueDepth:      uint32(r.MaxSendWR), //nolint:gosec // G115: range checked in validate
		RecvQueueDepth:      uint32(r.MaxRecvWR), //nolint:gosec // G115: range checked in validate
		MaxSGE:              uint32(r.MaxSGE),    //nolint:gosec // G115: range checked in validate
		MemoryRegionSize:    r.BufferSize,
		EnumerateTimeout:    r.EnumerateTimeout,
	}
}
