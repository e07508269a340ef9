// Package hardware reads the RDMA device inventory from sysfs.
// It complements the verbs view with details the driver does not report,
// such as firmware versions and the PCI path of each NIC.
package hardware

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultRoot is the sysfs class directory for RDMA devices.
const DefaultRoot = "/sys/class/infiniband"

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name" yaml:"name"`
	DevicePath   string     `json:"device_path" yaml:"device_path"`
	PCIPath      string     `json:"pci_path,omitempty" yaml:"pci_path,omitempty"`
	NodeGUID     string     `json:"node_guid" yaml:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid" yaml:"sys_image_guid"`
	BoardID      string     `json:"board_id" yaml:"board_id"`
	FirmwareVer  string     `json:"firmware_version" yaml:"firmware_version"`
	NodeType     string     `json:"node_type" yaml:"node_type"` // CA, Switch, Router
	Ports        []PortInfo `json:"ports" yaml:"ports"`
}

// PortInfo describes one port of an RDMA device.
type PortInfo struct {
	Num       int    `json:"num" yaml:"num"`
	LinkLayer string `json:"link_layer" yaml:"link_layer"` // InfiniBand, Ethernet
	State     string `json:"state" yaml:"state"`           // ACTIVE, DOWN
	PhysState string `json:"phys_state" yaml:"phys_state"` // LinkUp, Disabled
	Speed     uint64 `json:"speed" yaml:"speed"`           // Gb/s
}

// Port returns the port numbered num.
func (r RDMAInfo) Port(num int) (PortInfo, bool) {
	for _, p := range r.Ports {
		if p.Num == num {
			return p, true
		}
	}
	return PortInfo{}, false
}

// Detector handles RDMA device detection.
type Detector struct {
	mu      sync.RWMutex
	root    string
	devices []RDMAInfo
}

// NewDetector creates a detector reading from root, or DefaultRoot when
// root is empty.
func NewDetector(root string) *Detector {
	if root == "" {
		root = DefaultRoot
	}
	return &Detector{root: root}
}

// Refresh re-reads the inventory.
func (d *Detector) Refresh() {
	devices := d.detectRDMADevices()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = devices

	log.Debug().
		Str("root", d.root).
		Int("rdma_devices", len(devices)).
		Msg("Hardware detection complete")
}

// Devices returns the inventory from the last Refresh.
func (d *Detector) Devices() []RDMAInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RDMAInfo, len(d.devices))
	copy(out, d.devices)
	return out
}

// Lookup returns the device named name from the last Refresh.
func (d *Detector) Lookup(name string) (RDMAInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dev := range d.devices {
		if dev.Name == name {
			return dev, true
		}
	}
	return RDMAInfo{}, false
}

// HasRDMA returns true if at least one RDMA device was found.
func (d *Detector) HasRDMA() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices) > 0
}

// detectRDMADevices detects RDMA-capable network devices.
func (d *Detector) detectRDMADevices() []RDMAInfo {
	var devices []RDMAInfo

	entries, err := os.ReadDir(d.root)
	if err != nil {
		log.Debug().Err(err).Str("root", d.root).Msg("No RDMA devices found in sysfs")
		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(d.root, entry.Name())
		device := RDMAInfo{
			Name:       entry.Name(),
			DevicePath: devicePath,
			PCIPath:    d.pciPath(devicePath),
		}

		// Read device attributes
		device.NodeGUID = d.readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.SysImageGUID = d.readSysfsFile(filepath.Join(devicePath, "sys_image_guid"))
		device.BoardID = d.readSysfsFile(filepath.Join(devicePath, "board_id"))
		device.FirmwareVer = d.readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = d.parseNodeType(d.readSysfsFile(filepath.Join(devicePath, "node_type")))
		device.Ports = d.readPorts(filepath.Join(devicePath, "ports"))

		devices = append(devices, device)
	}

	return devices
}

func (d *Detector) readPorts(portsPath string) []PortInfo {
	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return nil
	}

	ports := make([]PortInfo, 0, len(entries))
	for _, entry := range entries {
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		portPath := filepath.Join(portsPath, entry.Name())
		ports = append(ports, PortInfo{
			Num:       num,
			LinkLayer: d.readSysfsFile(filepath.Join(portPath, "link_layer")),
			State:     d.parseEnumValue(d.readSysfsFile(filepath.Join(portPath, "state"))),
			PhysState: d.parseEnumValue(d.readSysfsFile(filepath.Join(portPath, "phys_state"))),
			Speed:     d.parseSpeed(d.readSysfsFile(filepath.Join(portPath, "rate"))),
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Num < ports[j].Num })
	return ports
}

// pciPath resolves the device symlink of a NIC, e.g.
// /sys/devices/pci0000:00/0000:00:01.0/0000:01:00.0. It is empty for
// virtual devices such as rxe.
func (d *Detector) pciPath(devicePath string) string {
	path, err := filepath.EvalSymlinks(filepath.Join(devicePath, "device"))
	if err != nil {
		return ""
	}
	return path
}

// readSysfsFile reads a sysfs file and returns its content.
func (d *Detector) readSysfsFile(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - path built from the sysfs root
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// parseNodeType converts node type number to string. sysfs reports it as
// "1: CA"; only the number is trusted.
func (d *Detector) parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(nodeType, ":")
	switch strings.TrimSpace(num) {
	case "1":
		return "CA" // Channel Adapter
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseEnumValue strips the numeric prefix of values like "4: ACTIVE".
func (d *Detector) parseEnumValue(value string) string {
	if _, name, ok := strings.Cut(value, ":"); ok {
		return strings.TrimSpace(name)
	}
	return value
}

// parseSpeed parses speed string to Gb/s.
func (d *Detector) parseSpeed(rate string) uint64 {
	// Rate is usually in format "100 Gb/sec (4X EDR)"
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseFloat(parts[0], 64)
		return uint64(speed)
	}
	return 0
}
