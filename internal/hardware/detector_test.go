package hardware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSysfs(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
		require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0600))
	}
}

func fakeSysfs(t *testing.T) (string, string) {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "class", "infiniband")
	pci := filepath.Join(base, "devices", "pci0000:00", "0000:00:02.0", "0000:3b:00.0")
	require.NoError(t, os.MkdirAll(pci, 0750))

	writeSysfs(t, root, map[string]string{
		"mlx5_0/node_guid":          "b8ce:f603:00a1:b2c4",
		"mlx5_0/sys_image_guid":     "b8ce:f603:00a1:b2c4",
		"mlx5_0/board_id":           "MT_0000000222",
		"mlx5_0/fw_ver":             "22.36.1010",
		"mlx5_0/node_type":          "1: CA",
		"mlx5_0/ports/1/link_layer": "InfiniBand",
		"mlx5_0/ports/1/state":      "4: ACTIVE",
		"mlx5_0/ports/1/phys_state": "5: LinkUp",
		"mlx5_0/ports/1/rate":       "200 Gb/sec (4X HDR)",
		"mlx5_0/ports/2/link_layer": "InfiniBand",
		"mlx5_0/ports/2/state":      "1: DOWN",
		"mlx5_0/ports/2/phys_state": "3: Disabled",
		"mlx5_0/ports/2/rate":       "10 Gb/sec (4X SDR)",
		"rxe0/node_type":            "1: CA",
		"rxe0/ports/1/link_layer":   "Ethernet",
		"rxe0/ports/1/state":        "4: ACTIVE",
		"rxe0/ports/1/rate":         "2.5 Gb/sec (1X SDR)",
	})
	require.NoError(t, os.Symlink(pci, filepath.Join(root, "mlx5_0", "device")))

	return root, pci
}

func TestDetectRDMADevices(t *testing.T) {
	root, pci := fakeSysfs(t)

	d := NewDetector(root)
	assert.False(t, d.HasRDMA())

	d.Refresh()
	require.True(t, d.HasRDMA())

	devices := d.Devices()
	require.Len(t, devices, 2)

	mlx, ok := d.Lookup("mlx5_0")
	require.True(t, ok)
	assert.Equal(t, "22.36.1010", mlx.FirmwareVer)
	assert.Equal(t, "MT_0000000222", mlx.BoardID)
	assert.Equal(t, "CA", mlx.NodeType)
	assert.Equal(t, filepath.Join(root, "mlx5_0"), mlx.DevicePath)

	wantPCI, err := filepath.EvalSymlinks(pci)
	require.NoError(t, err)
	assert.Equal(t, wantPCI, mlx.PCIPath)

	require.Len(t, mlx.Ports, 2)
	p1, ok := mlx.Port(1)
	require.True(t, ok)
	assert.Equal(t, PortInfo{Num: 1, LinkLayer: "InfiniBand", State: "ACTIVE", PhysState: "LinkUp", Speed: 200}, p1)
	p2, ok := mlx.Port(2)
	require.True(t, ok)
	assert.Equal(t, "DOWN", p2.State)
	_, ok = mlx.Port(3)
	assert.False(t, ok)

	rxe, ok := d.Lookup("rxe0")
	require.True(t, ok)
	assert.Empty(t, rxe.PCIPath)
	assert.Empty(t, rxe.FirmwareVer)
	assert.Equal(t, uint64(2), rxe.Ports[0].Speed)

	_, ok = d.Lookup("mlx5_9")
	assert.False(t, ok)
}

func TestDetectMissingRoot(t *testing.T) {
	d := NewDetector(filepath.Join(t.TempDir(), "absent"))
	d.Refresh()

	assert.False(t, d.HasRDMA())
	assert.Empty(t, d.Devices())
}

func TestNewDetectorDefaultRoot(t *testing.T) {
	assert.Equal(t, DefaultRoot, NewDetector("").root)
}

func TestParseNodeType(t *testing.T) {
	d := NewDetector("")
	tests := map[string]string{
		"1: CA":     "CA",
		"1":         "CA",
		"2: SWITCH": "Switch",
		"3: ROUTER": "Router",
		"":          "Unknown",
		"9: OTHER":  "Unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, d.parseNodeType(in), in)
	}
}

func TestParseSpeed(t *testing.T) {
	d := NewDetector("")
	assert.Equal(t, uint64(100), d.parseSpeed("100 Gb/sec (4X EDR)"))
	assert.Equal(t, uint64(25), d.parseSpeed("25 Gb/sec (1X EDR)"))
	assert.Equal(t, uint64(0), d.parseSpeed(""))
	assert.Equal(t, uint64(0), d.parseSpeed("fast"))
}
