package guestagent

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sandboxrunner/internal/wire"
)

func dialPair(t *testing.T) (serverConn, clientConn net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func readMessage(t *testing.T, dec *wire.Decoder, conn net.Conn) wire.Message {
	t.Helper()
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		msgs, err := dec.Feed(buf[:n])
		require.NoError(t, err)
		if len(msgs) > 0 {
			return msgs[0]
		}
	}
}

func TestAgent_SendsReadyOnAccept(t *testing.T) {
	server, client := dialPair(t)
	a := New(nil)

	go a.handleConnection(server)

	dec := wire.NewDecoder()
	msg := readMessage(t, dec, client)
	assert.Equal(t, wire.TypeReady, msg.Type)
	assert.Equal(t, uint32(0), msg.Seq)
}

func TestAgent_PingPong(t *testing.T) {
	server, client := dialPair(t)
	a := New(nil)
	go a.handleConnection(server)

	dec := wire.NewDecoder()
	_ = readMessage(t, dec, client) // ready

	_, err := client.Write(wire.Encode(wire.Message{Type: wire.TypePing, Seq: 42}))
	require.NoError(t, err)

	msg := readMessage(t, dec, client)
	assert.Equal(t, wire.TypePong, msg.Type)
	assert.Equal(t, uint32(42), msg.Seq)
}

func TestAgent_ExecEcho(t *testing.T) {
	server, client := dialPair(t)
	a := New(nil)
	go a.handleConnection(server)

	dec := wire.NewDecoder()
	_ = readMessage(t, dec, client) // ready

	payload, err := wire.EncodeExec(wire.ExecPayload{Command: "echo hello", TimeoutMs: 5000})
	require.NoError(t, err)
	_, err = client.Write(wire.Encode(wire.Message{Type: wire.TypeExec, Seq: 7, Payload: payload}))
	require.NoError(t, err)

	msg := readMessage(t, dec, client)
	require.Equal(t, wire.TypeExecResult, msg.Type)
	assert.Equal(t, uint32(7), msg.Seq)

	result, err := wire.DecodeExecResult(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, int32(0), result.ExitCode)
	assert.Equal(t, "hello\n", string(result.Stdout))
}

func TestAgent_ExecTimeout(t *testing.T) {
	server, client := dialPair(t)
	a := New(nil)
	go a.handleConnection(server)

	dec := wire.NewDecoder()
	_ = readMessage(t, dec, client)

	payload, err := wire.EncodeExec(wire.ExecPayload{Command: "sleep 10", TimeoutMs: 100})
	require.NoError(t, err)
	_, err = client.Write(wire.Encode(wire.Message{Type: wire.TypeExec, Seq: 9, Payload: payload}))
	require.NoError(t, err)

	msg := readMessage(t, dec, client)
	result, err := wire.DecodeExecResult(msg.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, wire.ExitCodeTimeout, result.ExitCode)
	assert.Contains(t, string(result.Stderr), "Timeout")
}

func TestAgent_UnknownMessageType(t *testing.T) {
	server, client := dialPair(t)
	a := New(nil)
	go a.handleConnection(server)

	dec := wire.NewDecoder()
	_ = readMessage(t, dec, client)

	_, err := client.Write(wire.Encode(wire.Message{Type: 0xEE, Seq: 3}))
	require.NoError(t, err)

	msg := readMessage(t, dec, client)
	assert.Equal(t, wire.TypeError, msg.Type)
	assert.Equal(t, uint32(3), msg.Seq)
}

func TestAgent_SpawnWatch_ImmediateAckThenExit(t *testing.T) {
	server, client := dialPair(t)
	a := New(nil)
	go a.handleConnection(server)

	dec := wire.NewDecoder()
	_ = readMessage(t, dec, client)

	payload, err := wire.EncodeSpawnWatch(wire.SpawnWatchPayload{Command: "echo cached", TimeoutMs: 5000})
	require.NoError(t, err)
	_, err = client.Write(wire.Encode(wire.Message{Type: wire.TypeSpawnWatch, Seq: 11, Payload: payload}))
	require.NoError(t, err)

	ack := readMessage(t, dec, client)
	require.Equal(t, wire.TypeSpawnWatchResult, ack.Type)
	assert.Equal(t, uint32(11), ack.Seq)
	ackResult, err := wire.DecodeSpawnWatchResult(ack.Payload)
	require.NoError(t, err)
	assert.Positive(t, ackResult.PID)

	exitMsg := readMessage(t, dec, client)
	require.Equal(t, wire.TypeProcessExit, exitMsg.Type)
	assert.Equal(t, uint32(0), exitMsg.Seq)
	exitResult, err := wire.DecodeProcessExit(exitMsg.Payload)
	require.NoError(t, err)
	assert.Equal(t, ackResult.PID, exitResult.PID)
	assert.Equal(t, int32(0), exitResult.ExitCode)
	assert.Equal(t, "cached\n", string(exitResult.Stdout))
}

func TestAgent_ShutdownSetsFlagAndAcks(t *testing.T) {
	server, client := dialPair(t)
	a := New(nil)
	go a.handleConnection(server)

	dec := wire.NewDecoder()
	_ = readMessage(t, dec, client)

	_, err := client.Write(wire.Encode(wire.Message{Type: wire.TypeShutdown, Seq: 5}))
	require.NoError(t, err)

	msg := readMessage(t, dec, client)
	assert.Equal(t, wire.TypeShutdownAck, msg.Type)
	assert.True(t, a.shutdown.Load())
}
