package sandbox

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sandboxrunner/internal/netnspool"
)

func testSandbox() *Sandbox {
	return newSandbox(
		Config{ID: "test-sandbox", Resources: Resources{TimeoutSecs: 5}},
		HostConfig{},
		"/tmp/ocx-sandbox-test",
		netnspool.PooledNetwork{Name: "vm0-ns-00-00", HostDevice: "vm0-ve-00-00", GuestIP: "10.200.0.2"},
		"/tmp/ocx-sandbox-test/overlay.ext4",
	)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
}

func TestTransition_OnlySucceedsFromMatchingState(t *testing.T) {
	s := testSandbox()
	assert.Equal(t, StateCreated, s.currentState())

	assert.False(t, s.transition(StateRunning, StateStopping))
	assert.Equal(t, StateCreated, s.currentState())

	assert.True(t, s.transition(StateCreated, StateRunning))
	assert.Equal(t, StateRunning, s.currentState())

	// A second transition from the now-stale "from" state must fail.
	assert.False(t, s.transition(StateCreated, StateRunning))
}

func TestWithGuest_ErrorsWhenNotRunning(t *testing.T) {
	s := testSandbox()
	_, err := s.withGuest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.Contains(t, err.Error(), "created")
}

func TestExecWriteFileSpawnWatchWaitExit_ErrorWhenNotRunning(t *testing.T) {
	s := testSandbox()
	ctx := context.Background()

	_, err := s.Exec(ctx, "echo hi", 1000, nil)
	assert.Error(t, err)

	err = s.WriteFile(ctx, "/tmp/x", []byte("y"), false)
	assert.Error(t, err)

	_, err = s.SpawnWatch(ctx, "sleep 1", 1000, nil)
	assert.Error(t, err)

	_, err = s.WaitExit(ctx, 1)
	assert.Error(t, err)
}

func TestStop_NoOpWhenNotRunning(t *testing.T) {
	s := testSandbox()
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateCreated, s.currentState())
}

func TestKill_NoOpWhenNotRunning(t *testing.T) {
	s := testSandbox()
	require.NoError(t, s.Kill(context.Background()))
	assert.Equal(t, StateCreated, s.currentState())
}

func TestMonitorProcess_UnexpectedExitSwapsStateToStopped(t *testing.T) {
	s := testSandbox()
	s.state.Store(uint32(StateRunning))

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	s.monitorProcess(stdoutR, stderrR)

	stdoutW.Write([]byte("booting\n"))
	stderrW.Write([]byte("warn: low memory\n"))
	stdoutW.Close()
	stderrW.Close()

	require.Eventually(t, func() bool {
		return s.currentState() == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorProcess_DoesNotDowngradeStoppingState(t *testing.T) {
	s := testSandbox()
	s.state.Store(uint32(StateStopping))

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	s.monitorProcess(stdoutR, stderrR)
	stdoutW.Close()
	stderrW.Close()

	require.Eventually(t, func() bool {
		return s.currentState() == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
}
