package proxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeBinary(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-mitmdump.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testConfig(t *testing.T, bin string) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		MitmdumpBin:  bin,
		CADir:        dir,
		AddonPath:    filepath.Join(dir, "addon.py"),
		RegistryPath: filepath.Join(dir, "registry.json"),
	}
}

func TestNew_WritesAddonScriptAndEmptyRegistry(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	p, err := New(cfg)
	require.NoError(t, err)
	assert.Greater(t, p.Port(), 0)

	addon, err := os.ReadFile(cfg.AddonPath)
	require.NoError(t, err)
	assert.Contains(t, string(addon), "mitmproxy addon")

	doc, err := readRegistry(cfg.RegistryPath)
	require.NoError(t, err)
	assert.Empty(t, doc.VMs)
}

func TestFindAvailablePort_ReturnsNonzero(t *testing.T) {
	port, err := findAvailablePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

func TestStartAndStop_LongRunningProcess(t *testing.T) {
	bin := writeFakeBinary(t, "sleep 30\n")
	cfg := testConfig(t, bin)
	p, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	assert.Nil(t, cmd)
}

func TestStart_FailsWhenProcessExitsImmediately(t *testing.T) {
	bin := writeFakeBinary(t, "exit 1\n")
	cfg := testConfig(t, bin)
	p, err := New(cfg)
	require.NoError(t, err)

	err = p.Start(context.Background())
	assert.Error(t, err)
}

func TestStop_NoOpWhenNeverStarted(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	p, err := New(cfg)
	require.NoError(t, err)
	assert.NoError(t, p.Stop(context.Background()))
}

func TestRegisterAndUnregisterVM(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	p, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, p.RegisterVM("10.200.0.2", VMRegistration{
		RunID:              "run-1",
		SandboxToken:       "tok-abc",
		MitmEnabled:        true,
		SealSecretsEnabled: true,
		FirewallRules: []FirewallRule{
			{Domain: "*.example.com", Action: "ALLOW"},
			{Final: "DENY"},
		},
	}))

	doc, err := readRegistry(cfg.RegistryPath)
	require.NoError(t, err)
	entry, ok := doc.VMs["10.200.0.2"]
	require.True(t, ok)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "tok-abc", entry.SandboxToken)
	assert.True(t, entry.MitmEnabled)
	assert.True(t, entry.SealSecretsEnabled)
	require.Len(t, entry.FirewallRules, 2)
	assert.Equal(t, "*.example.com", entry.FirewallRules[0].Domain)
	assert.Equal(t, "ALLOW", entry.FirewallRules[0].Action)
	assert.Equal(t, "DENY", entry.FirewallRules[1].Final)

	require.NoError(t, p.UnregisterVM("10.200.0.2"))
	doc, err = readRegistry(cfg.RegistryPath)
	require.NoError(t, err)
	_, ok = doc.VMs["10.200.0.2"]
	assert.False(t, ok)
}

func TestSupervise_StopsCleanlyOnCancel(t *testing.T) {
	bin := writeFakeBinary(t, "sleep 30\n")
	cfg := testConfig(t, bin)
	p, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Supervise(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Supervise did not return after cancel")
	}
}

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	d := initialBackoff
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, maxBackoff, d)
}
