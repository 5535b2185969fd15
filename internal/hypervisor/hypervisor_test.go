package hypervisor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfigJSON(t *testing.T) {
	cfg := FreshBootConfig{
		KernelPath:  "/opt/vmlinux",
		RootfsPath:  "/opt/rootfs.ext4",
		OverlayPath: "/tmp/overlay.ext4",
		VsockPath:   "/tmp/vsock.sock",
		Resources:   Resources{CPUCount: 2, MemoryMB: 512},
		Network:     NetworkConfig{TapName: "vm0-tap0", GuestMAC: "AA:FC:00:00:00:01", BootArgs: "ip=10.0.0.2"},
	}

	raw, err := BuildConfigJSON(cfg)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))

	bootSource := doc["boot-source"].(map[string]interface{})
	assert.Equal(t, "/opt/vmlinux", bootSource["kernel_image_path"])
	assert.Contains(t, bootSource["boot_args"], "init=/sbin/guest-init")
	assert.Contains(t, bootSource["boot_args"], "ip=10.0.0.2")

	drives := doc["drives"].([]interface{})
	require.Len(t, drives, 2)
	rootfs := drives[0].(map[string]interface{})
	assert.Equal(t, true, rootfs["is_root_device"])
	assert.Equal(t, true, rootfs["is_read_only"])
	overlay := drives[1].(map[string]interface{})
	assert.Equal(t, false, overlay["is_root_device"])
	assert.Equal(t, false, overlay["is_read_only"])

	machine := doc["machine-config"].(map[string]interface{})
	assert.EqualValues(t, 2, machine["vcpu_count"])
	assert.EqualValues(t, 512, machine["mem_size_mib"])

	vsock := doc["vsock"].(map[string]interface{})
	assert.Equal(t, "/tmp/vsock.sock", vsock["uds_path"])
}

func TestExecReturnsTrimmedStdout(t *testing.T) {
	out, err := Exec(context.Background(), "echo", []string{"hello"}, AsUser)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExecReturnsErrorWithStderr(t *testing.T) {
	_, err := Exec(context.Background(), "bash", []string{"-c", "echo oops >&2; exit 1"}, AsUser)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestExecIgnoreErrorsDoesNotPanic(t *testing.T) {
	ExecIgnoreErrors(context.Background(), "false", nil, AsUser)
	ExecIgnoreErrors(context.Background(), "true", nil, AsUser)
}

func TestCurrentUsername(t *testing.T) {
	name, err := CurrentUsername()
	require.NoError(t, err)
	assert.NotEmpty(t, name)
}
