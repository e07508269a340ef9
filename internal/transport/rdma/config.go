package rdma

import (
	"fmt"
	"time"

	"github.com/piwi3910/tensorwire/internal/ibv"
)

// Config holds RDMA endpoint configuration.
type Config struct {
	// DeviceName picks a device by name; when empty DeviceIndex is used.
	DeviceName          string
	DeviceIndex         int
	Port                uint8
	GIDIndex            uint8
	CompletionQueueSize int
	SRQMaxWR            uint32
	SendQueueDepth      uint32
	RecvQueueDepth      uint32
	MaxSGE              uint32
	MemoryRegionSize    int
	EnumerateTimeout    time.Duration
}

// DefaultConfig returns a default RDMA configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:                ibv.DefaultPortNum,
		GIDIndex:            0,
		CompletionQueueSize: 256,
		SRQMaxWR:            128,
		SendQueueDepth:      128,
		RecvQueueDepth:      128,
		MaxSGE:              1,
		MemoryRegionSize:    1 << 20, // 1MB
		EnumerateTimeout:    5 * time.Second,
	}
}

// Validate checks the configuration for values the driver would reject.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("%w: port numbers start at 1", ErrInvalidConfig)
	}
	if c.DeviceIndex < 0 {
		return fmt.Errorf("%w: device index %d", ErrInvalidConfig, c.DeviceIndex)
	}
	if c.CompletionQueueSize <= 0 || c.SRQMaxWR == 0 || c.SendQueueDepth == 0 ||
		c.RecvQueueDepth == 0 || c.MaxSGE == 0 {
		return fmt.Errorf("%w: queue sizes must be positive", ErrInvalidConfig)
	}
	if c.MemoryRegionSize <= 0 {
		return fmt.Errorf("%w: memory region size must be positive", ErrInvalidConfig)
	}
	if c.EnumerateTimeout <= 0 {
		return fmt.Errorf("%w: enumerate timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
