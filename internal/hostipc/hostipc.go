// Package hostipc implements the host side of the guest IPC protocol: it
// accepts the guest's connection over a Unix domain socket (Firecracker
// forwards vsock traffic to a UDS path of the form "<path>_<port>"),
// performs the ready/ping/pong handshake, and exposes high-level
// exec/write_file/spawn_watch/shutdown operations plus out-of-band
// process_exit delivery for spawn_watch callers.
package hostipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ocx/sandboxrunner/internal/wire"
)

// VsockPort is the guest-side vsock port the agent listens on; Firecracker
// forwards it to a host UDS at "<vsockPath>_<VsockPort>".
const VsockPort = 1000

const readBufferSize = 64 * 1024

// ExecResult is the outcome of a completed exec request.
type ExecResult struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
}

// ProcessExitEvent is delivered for a process started with SpawnWatch.
type ProcessExitEvent struct {
	PID      int32
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
}

// Host is a connected host-side endpoint for a single guest agent.
type Host struct {
	conn    net.Conn
	dec     *wire.Decoder
	mu      sync.Mutex
	nextSeq uint32

	cacheMu     sync.Mutex
	cachedExits map[int32]ProcessExitEvent
}

// WaitForConnection binds a Unix listener at "<vsockPath>_<VsockPort>",
// accepts the guest's single connection within timeout, and performs the
// ready/ping/pong handshake. The listener socket is removed in all cases
// since only one connection is ever expected.
func WaitForConnection(vsockPath string, timeout time.Duration) (*Host, error) {
	listenerPath := fmt.Sprintf("%s_%d", vsockPath, VsockPort)
	os.Remove(listenerPath)

	listener, err := net.Listen("unix", listenerPath)
	if err != nil {
		return nil, fmt.Errorf("hostipc: listen: %w", err)
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		accepted <- acceptResult{conn, err}
	}()

	var result acceptResult
	select {
	case result = <-accepted:
	case <-time.After(timeout):
		listener.Close()
		os.Remove(listenerPath)
		return nil, fmt.Errorf("hostipc: guest connection timeout after %s", timeout)
	}

	listener.Close()
	os.Remove(listenerPath)

	if result.err != nil {
		return nil, fmt.Errorf("hostipc: accept: %w", result.err)
	}

	h := newHost(result.conn)
	deadline := time.Now().Add(timeout)
	if err := h.handshake(deadline); err != nil {
		h.conn.Close()
		return nil, err
	}
	return h, nil
}

func newHost(conn net.Conn) *Host {
	return &Host{
		conn:        conn,
		dec:         wire.NewDecoder(),
		nextSeq:     1,
		cachedExits: make(map[int32]ProcessExitEvent),
	}
}

// Close closes the underlying connection.
func (h *Host) Close() error {
	return h.conn.Close()
}

func (h *Host) handshake(deadline time.Time) error {
	if _, err := h.readUntil(deadline, func(m wire.Message) bool { return m.Type == wire.TypeReady }); err != nil {
		return fmt.Errorf("hostipc: handshake ready: %w", err)
	}

	seq := h.takeSeq()
	if err := h.write(wire.Encode(wire.Message{Type: wire.TypePing, Seq: seq})); err != nil {
		return fmt.Errorf("hostipc: handshake ping: %w", err)
	}

	if _, err := h.readUntil(deadline, func(m wire.Message) bool {
		return m.Type == wire.TypePong && m.Seq == seq
	}); err != nil {
		return fmt.Errorf("hostipc: handshake pong: %w", err)
	}
	return nil
}

func (h *Host) write(b []byte) error {
	h.conn.SetWriteDeadline(time.Time{})
	_, err := h.conn.Write(b)
	return err
}

// takeSeq returns the next sequence number, wrapping around and skipping 0
// (seq 0 is reserved for unsolicited events).
func (h *Host) takeSeq() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := h.nextSeq
	h.nextSeq++
	if h.nextSeq == 0 {
		h.nextSeq = 1
	}
	return seq
}

// readAndDispatch reads one batch of frames, caching unsolicited
// process_exit events (seq 0) and returning the rest.
func (h *Host) readAndDispatch(deadline time.Time) ([]wire.Message, error) {
	buf := make([]byte, readBufferSize)
	h.conn.SetReadDeadline(deadline)
	n, err := h.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("hostipc: read: %w", err)
	}

	msgs, err := h.dec.Feed(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("hostipc: decode: %w", err)
	}

	result := make([]wire.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Type == wire.TypeProcessExit && msg.Seq == 0 {
			if err := h.cacheExitEvent(msg); err != nil {
				return nil, err
			}
			continue
		}
		result = append(result, msg)
	}
	return result, nil
}

func (h *Host) cacheExitEvent(msg wire.Message) error {
	exit, err := wire.DecodeProcessExit(msg.Payload)
	if err != nil {
		return fmt.Errorf("hostipc: decode process_exit: %w", err)
	}
	h.cacheMu.Lock()
	h.cachedExits[exit.PID] = ProcessExitEvent{
		PID:      exit.PID,
		ExitCode: exit.ExitCode,
		Stdout:   exit.Stdout,
		Stderr:   exit.Stderr,
	}
	h.cacheMu.Unlock()
	return nil
}

func (h *Host) readUntil(deadline time.Time, predicate func(wire.Message) bool) (wire.Message, error) {
	for {
		msgs, err := h.readAndDispatch(deadline)
		if err != nil {
			return wire.Message{}, err
		}
		for _, msg := range msgs {
			if predicate(msg) {
				return msg, nil
			}
		}
	}
}

// request sends a message and waits for a response with the matching
// sequence number.
func (h *Host) request(msgType byte, payload []byte, timeout time.Duration) (wire.Message, error) {
	seq := h.takeSeq()
	if err := h.write(wire.Encode(wire.Message{Type: msgType, Seq: seq, Payload: payload})); err != nil {
		return wire.Message{}, fmt.Errorf("hostipc: write: %w", err)
	}
	return h.readUntil(time.Now().Add(timeout), func(m wire.Message) bool { return m.Seq == seq })
}

// Exec runs command on the guest and waits for completion. The effective
// deadline is timeoutMs plus a 5s buffer for IPC/network latency.
func (h *Host) Exec(ctx context.Context, command string, timeoutMs uint32, env map[string]string) (ExecResult, error) {
	payload, err := wire.EncodeExec(wire.ExecPayload{Command: command, TimeoutMs: timeoutMs, Env: env})
	if err != nil {
		return ExecResult{}, fmt.Errorf("hostipc: encode exec: %w", err)
	}

	timeout := time.Duration(timeoutMs)*time.Millisecond + 5*time.Second
	resp, err := h.request(wire.TypeExec, payload, timeout)
	if err != nil {
		return ExecResult{}, err
	}

	if resp.Type == wire.TypeError {
		errPayload, decErr := wire.DecodeError(resp.Payload)
		if decErr != nil {
			return ExecResult{}, fmt.Errorf("hostipc: decode error response: %w", decErr)
		}
		return ExecResult{ExitCode: 1, Stderr: []byte(errPayload.Reason)}, nil
	}
	if resp.Type != wire.TypeExecResult {
		return ExecResult{}, fmt.Errorf("hostipc: unexpected response type: 0x%02X", resp.Type)
	}

	result, err := wire.DecodeExecResult(resp.Payload)
	if err != nil {
		return ExecResult{}, fmt.Errorf("hostipc: decode exec_result: %w", err)
	}
	return ExecResult{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}, nil
}

// WriteFile writes content to path on the guest, optionally through sudo.
func (h *Host) WriteFile(ctx context.Context, path string, content []byte, sudo bool) error {
	payload, err := wire.EncodeWriteFile(wire.WriteFilePayload{Path: path, Content: content, Sudo: sudo})
	if err != nil {
		return fmt.Errorf("hostipc: encode write_file: %w", err)
	}

	resp, err := h.request(wire.TypeWriteFile, payload, 300*time.Second)
	if err != nil {
		return err
	}

	if resp.Type == wire.TypeError {
		errPayload, decErr := wire.DecodeError(resp.Payload)
		if decErr != nil {
			return fmt.Errorf("hostipc: decode error response: %w", decErr)
		}
		return fmt.Errorf("hostipc: write_file: %s", errPayload.Reason)
	}
	if resp.Type != wire.TypeWriteFileResult {
		return fmt.Errorf("hostipc: unexpected response type: 0x%02X", resp.Type)
	}

	result, err := wire.DecodeWriteFileResult(resp.Payload)
	if err != nil {
		return fmt.Errorf("hostipc: decode write_file_result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("hostipc: write_file: %s", result.Error)
	}
	return nil
}

// SpawnWatch starts command on the guest and returns its PID immediately.
// Use WaitForExit to block for completion.
func (h *Host) SpawnWatch(ctx context.Context, command string, timeoutMs uint32, env map[string]string) (int32, error) {
	payload, err := wire.EncodeSpawnWatch(wire.SpawnWatchPayload{Command: command, TimeoutMs: timeoutMs, Env: env})
	if err != nil {
		return 0, fmt.Errorf("hostipc: encode spawn_watch: %w", err)
	}

	resp, err := h.request(wire.TypeSpawnWatch, payload, 30*time.Second)
	if err != nil {
		return 0, err
	}

	if resp.Type == wire.TypeError {
		errPayload, decErr := wire.DecodeError(resp.Payload)
		if decErr != nil {
			return 0, fmt.Errorf("hostipc: decode error response: %w", decErr)
		}
		return 0, fmt.Errorf("hostipc: spawn_watch: %s", errPayload.Reason)
	}
	if resp.Type != wire.TypeSpawnWatchResult {
		return 0, fmt.Errorf("hostipc: unexpected response type: 0x%02X", resp.Type)
	}

	result, err := wire.DecodeSpawnWatchResult(resp.Payload)
	if err != nil {
		return 0, fmt.Errorf("hostipc: decode spawn_watch_result: %w", err)
	}
	return result.PID, nil
}

// WaitForExit blocks until pid's process_exit event arrives, returning
// immediately if it was already cached by an earlier read.
func (h *Host) WaitForExit(ctx context.Context, pid int32, timeout time.Duration) (ProcessExitEvent, error) {
	h.cacheMu.Lock()
	if event, ok := h.cachedExits[pid]; ok {
		delete(h.cachedExits, pid)
		h.cacheMu.Unlock()
		return event, nil
	}
	h.cacheMu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if _, err := h.readAndDispatch(deadline); err != nil {
			return ProcessExitEvent{}, err
		}

		h.cacheMu.Lock()
		event, ok := h.cachedExits[pid]
		if ok {
			delete(h.cachedExits, pid)
		}
		h.cacheMu.Unlock()
		if ok {
			return event, nil
		}
	}
}

// Shutdown requests a graceful guest shutdown, returning true if the guest
// acknowledged within timeout.
func (h *Host) Shutdown(ctx context.Context, timeout time.Duration) bool {
	resp, err := h.request(wire.TypeShutdown, nil, timeout)
	if err != nil {
		return false
	}
	return resp.Type == wire.TypeShutdownAck
}
