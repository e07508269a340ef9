package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/tensorwire/internal/transport/rdma"
)

// run executes ibvctl with args against the simulated driver and an
// empty sysfs root.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("TENSORWIRE_RDMA_SYSFS_ROOT", filepath.Join(t.TempDir(), "infiniband"))

	cmd := NewRootCmd("1.2.3", "abc123")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--simulated"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestProbeCommand(t *testing.T) {
	out, err := run(t, "probe", "-o", "json")
	require.NoError(t, err)

	var v rdma.Viability
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Viable)
	assert.Equal(t, rdma.DomainDescriptor, v.DomainDescriptor)
	assert.Equal(t, []string{"mlx5_0", "mlx5_1"}, v.Devices)
}

func TestProbeCommandTable(t *testing.T) {
	out, err := run(t, "probe")
	require.NoError(t, err)
	assert.Contains(t, out, "VIABLE")
	assert.Contains(t, out, "mlx5_0, mlx5_1")
}

func TestDevicesCommand(t *testing.T) {
	out, err := run(t, "devices", "-o", "yaml")
	require.NoError(t, err)

	var views []deviceView
	require.NoError(t, yaml.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "mlx5_0", views[0].Name)
	assert.Equal(t, "InfiniBand", views[0].LinkLayer)
	assert.Equal(t, "PORT_ACTIVE", views[0].State)
	assert.Equal(t, 4096, views[0].ActiveMTU)
	assert.Equal(t, "Ethernet", views[1].LinkLayer)
	assert.Empty(t, views[0].Firmware)
}

func TestDevicesCommandSysfsAnnotation(t *testing.T) {
	t.Chdir(t.TempDir())
	root := filepath.Join(t.TempDir(), "infiniband")
	dev := filepath.Join(root, "mlx5_1")
	require.NoError(t, os.MkdirAll(filepath.Join(dev, "ports", "1"), 0750))
	for name, content := range map[string]string{
		"fw_ver":             "28.39.1002\n",
		"board_id":           "MT_0000000222\n",
		"node_type":          "1: CA\n",
		"sys_image_guid":     "b83f:d203:00aa:bbcc\n",
		"ports/1/phys_state": "5: LinkUp\n",
		"ports/1/rate":       "100 Gb/sec (4X EDR)\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dev, name), []byte(content), 0600))
	}

	cmd := NewRootCmd("dev", "none")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--simulated", "devices", "-o", "json"})
	t.Setenv("TENSORWIRE_RDMA_SYSFS_ROOT", root)
	require.NoError(t, cmd.Execute())

	var views []deviceView
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Empty(t, views[0].Firmware)
	assert.Empty(t, views[0].BoardID)
	assert.Equal(t, "28.39.1002", views[1].Firmware)
	assert.Equal(t, "MT_0000000222", views[1].BoardID)
	assert.Equal(t, "CA", views[1].NodeType)
	assert.Equal(t, "b83f:d203:00aa:bbcc", views[1].SysImageGUID)
	assert.Equal(t, "LinkUp", views[1].PhysState)
	assert.Equal(t, uint64(100), views[1].SpeedGbps)
}

func TestDevicesCommandTable(t *testing.T) {
	out, err := run(t, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "mlx5_0")
	assert.Contains(t, out, "PORT_ACTIVE")
}

func TestAddressCommand(t *testing.T) {
	out, err := run(t, "--device", "mlx5_1", "address", "-o", "json")
	require.NoError(t, err)

	var v addressView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "mlx5_1", v.Device)
	assert.Equal(t, uint8(1), v.Port)
	assert.Equal(t, "fe80::2", v.GID)
	assert.Equal(t, 4096, v.MTU)
	assert.NotZero(t, v.QPN)
	assert.Len(t, v.SetupInformation, 64)
}

func TestAddressCommandExplicitFlagsOverrideEnv(t *testing.T) {
	t.Setenv("TENSORWIRE_RDMA_GID_INDEX", "3")
	t.Setenv("TENSORWIRE_RDMA_PORT_NUM", "2")

	out, err := run(t, "--gid-index", "0", "--port", "1", "address", "-o", "json")
	require.NoError(t, err)

	var v addressView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, uint8(0), v.GIDIndex)
	assert.Equal(t, uint8(1), v.Port)

	// Without the flags the environment wins, and the simulated device has
	// no GID at index 3.
	_, err = run(t, "address")
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestAddressCommandUnknownDevice(t *testing.T) {
	_, err := run(t, "--device", "mlx5_9", "address")
	assert.ErrorIs(t, err, rdma.ErrDeviceNotFound)
}

func TestLoopbackCommand(t *testing.T) {
	out, err := run(t, "loopback", "-o", "json")
	require.NoError(t, err)

	var v loopbackView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "mlx5_0", v.Device)
	assert.NotEqual(t, v.LocalQPN, v.RemoteQPN)
	assert.Equal(t, 4096, v.PathMTU)
	assert.Equal(t, "RTS", v.State)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ibvctl 1.2.3")
	assert.Contains(t, out, "abc123")
}

func TestInvalidOutputFormat(t *testing.T) {
	_, err := run(t, "devices", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestInvalidPort(t *testing.T) {
	_, err := run(t, "--port", "300", "devices")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rdma.port_num")
}
