package hostipc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sandboxrunner/internal/wire"
)

// mockGuest drives the guest side of a net.Pipe() pair with the test's own
// encode/decode calls, standing in for a real guest agent connection.
type mockGuest struct {
	t    *testing.T
	conn net.Conn
	dec  *wire.Decoder
}

func newMockGuest(t *testing.T, conn net.Conn) *mockGuest {
	return &mockGuest{t: t, conn: conn, dec: wire.NewDecoder()}
}

func (g *mockGuest) send(b []byte) {
	g.t.Helper()
	_, err := g.conn.Write(b)
	require.NoError(g.t, err)
}

func (g *mockGuest) recv() wire.Message {
	g.t.Helper()
	buf := make([]byte, 4096)
	for {
		g.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := g.conn.Read(buf)
		require.NoError(g.t, err)
		msgs, err := g.dec.Feed(buf[:n])
		require.NoError(g.t, err)
		if len(msgs) > 0 {
			return msgs[0]
		}
	}
}

func (g *mockGuest) doHandshake() {
	g.t.Helper()
	g.send(wire.Encode(wire.Message{Type: wire.TypeReady, Seq: 0}))
	ping := g.recv()
	require.Equal(g.t, wire.TypePing, ping.Type)
	g.send(wire.Encode(wire.Message{Type: wire.TypePong, Seq: ping.Seq}))
}

// newConnectedHost wires up a net.Pipe pair, runs WaitForConnection's
// handshake logic directly against the pipe (bypassing the UDS listener,
// which Host itself doesn't depend on once connected), and returns both
// ends.
func newConnectedHost(t *testing.T) (*Host, *mockGuest) {
	t.Helper()
	hostConn, guestConn := net.Pipe()
	guest := newMockGuest(t, guestConn)

	done := make(chan error, 1)
	var h *Host
	go func() {
		h = newHost(hostConn)
		done <- h.handshake(time.Now().Add(5 * time.Second))
	}()

	guest.doHandshake()
	require.NoError(t, <-done)
	t.Cleanup(func() { hostConn.Close(); guestConn.Close() })
	return h, guest
}

func TestExec(t *testing.T) {
	h, guest := newConnectedHost(t)

	go func() {
		req := guest.recv()
		exec, err := wire.DecodeExec(req.Payload)
		require.NoError(t, err)
		assert.Equal(t, "echo hello", exec.Command)
		assert.Equal(t, uint32(5000), exec.TimeoutMs)

		payload, err := wire.EncodeExecResult(wire.ExecResultPayload{ExitCode: 0, Stdout: []byte("hello\n")})
		require.NoError(t, err)
		guest.send(wire.Encode(wire.Message{Type: wire.TypeExecResult, Seq: req.Seq, Payload: payload}))
	}()

	result, err := h.Exec(context.Background(), "echo hello", 5000, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), result.ExitCode)
	assert.Equal(t, "hello\n", string(result.Stdout))
	assert.Empty(t, result.Stderr)
}

func TestExec_ErrorResponse(t *testing.T) {
	h, guest := newConnectedHost(t)

	go func() {
		req := guest.recv()
		payload, err := wire.EncodeError(wire.ErrorPayload{Reason: "command not found"})
		require.NoError(t, err)
		guest.send(wire.Encode(wire.Message{Type: wire.TypeError, Seq: req.Seq, Payload: payload}))
	}()

	result, err := h.Exec(context.Background(), "badcmd", 5000, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), result.ExitCode)
	assert.Equal(t, "command not found", string(result.Stderr))
}

func TestWriteFile(t *testing.T) {
	h, guest := newConnectedHost(t)

	go func() {
		req := guest.recv()
		wf, err := wire.DecodeWriteFile(req.Payload)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/test.txt", wf.Path)
		assert.Equal(t, []byte("hello"), wf.Content)
		assert.False(t, wf.Sudo)

		payload, err := wire.EncodeWriteFileResult(wire.WriteFileResultPayload{Success: true})
		require.NoError(t, err)
		guest.send(wire.Encode(wire.Message{Type: wire.TypeWriteFileResult, Seq: req.Seq, Payload: payload}))
	}()

	err := h.WriteFile(context.Background(), "/tmp/test.txt", []byte("hello"), false)
	assert.NoError(t, err)
}

func TestWriteFile_Failure(t *testing.T) {
	h, guest := newConnectedHost(t)

	go func() {
		req := guest.recv()
		payload, err := wire.EncodeWriteFileResult(wire.WriteFileResultPayload{Success: false, Error: "permission denied"})
		require.NoError(t, err)
		guest.send(wire.Encode(wire.Message{Type: wire.TypeWriteFileResult, Seq: req.Seq, Payload: payload}))
	}()

	err := h.WriteFile(context.Background(), "/etc/shadow", []byte("bad"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestSpawnWatchAndWaitForExit(t *testing.T) {
	h, guest := newConnectedHost(t)

	go func() {
		req := guest.recv()
		assert.Equal(t, wire.TypeSpawnWatch, req.Type)

		payload := wire.EncodeSpawnWatchResult(wire.SpawnWatchResultPayload{PID: 42})
		guest.send(wire.Encode(wire.Message{Type: wire.TypeSpawnWatchResult, Seq: req.Seq, Payload: payload}))

		exitPayload, err := wire.EncodeProcessExit(wire.ProcessExitPayload{PID: 42, ExitCode: 0, Stdout: []byte("done")})
		require.NoError(t, err)
		guest.send(wire.Encode(wire.Message{Type: wire.TypeProcessExit, Seq: 0, Payload: exitPayload}))
	}()

	pid, err := h.SpawnWatch(context.Background(), "sleep 1", 0, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 42, pid)

	event, err := h.WaitForExit(context.Background(), pid, 5*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 42, event.PID)
	assert.Equal(t, int32(0), event.ExitCode)
	assert.Equal(t, "done", string(event.Stdout))
}

func TestCachedExitEvent_ArrivesBeforeWait(t *testing.T) {
	h, guest := newConnectedHost(t)

	go func() {
		req := guest.recv()

		resultPayload := wire.EncodeSpawnWatchResult(wire.SpawnWatchResultPayload{PID: 99})
		resp := wire.Encode(wire.Message{Type: wire.TypeSpawnWatchResult, Seq: req.Seq, Payload: resultPayload})

		exitPayload, err := wire.EncodeProcessExit(wire.ProcessExitPayload{PID: 99, ExitCode: 1, Stderr: []byte("error")})
		require.NoError(t, err)
		exitMsg := wire.Encode(wire.Message{Type: wire.TypeProcessExit, Seq: 0, Payload: exitPayload})

		guest.send(append(resp, exitMsg...))
	}()

	pid, err := h.SpawnWatch(context.Background(), "false", 0, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 99, pid)

	event, err := h.WaitForExit(context.Background(), pid, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), event.ExitCode)
	assert.Equal(t, "error", string(event.Stderr))
}

func TestShutdown(t *testing.T) {
	h, guest := newConnectedHost(t)

	go func() {
		req := guest.recv()
		assert.Equal(t, wire.TypeShutdown, req.Type)
		guest.send(wire.Encode(wire.Message{Type: wire.TypeShutdownAck, Seq: req.Seq}))
	}()

	assert.True(t, h.Shutdown(context.Background(), 2*time.Second))
}

func TestSeqSkipsZeroOnWrap(t *testing.T) {
	h := &Host{nextSeq: ^uint32(0)}
	seq := h.takeSeq()
	assert.Equal(t, ^uint32(0), seq)
	next := h.takeSeq()
	assert.Equal(t, uint32(1), next)
}
