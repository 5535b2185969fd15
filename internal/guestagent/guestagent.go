// Package guestagent implements the single-connection IPC event loop that
// runs inside the guest: it accepts one host connection, announces
// readiness, and dispatches exec/write_file/spawn_watch/shutdown requests
// arriving over the wire protocol, reconnecting on drop until shutdown is
// requested.
package guestagent

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ocx/sandboxrunner/internal/wire"
)

const (
	readBufferSize      = 64 * 1024
	writeFileTimeout    = 30 * time.Second
	maxReconnectAttempt = 50
	reconnectDelay      = 10 * time.Millisecond
)

// Logger is the minimal logging surface the agent needs; production wiring
// supplies a structured logger, tests a no-op.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Agent runs the guest-side IPC server.
type Agent struct {
	log      Logger
	shutdown atomic.Bool
}

// New creates an Agent. A nil logger installs a no-op logger.
func New(log Logger) *Agent {
	if log == nil {
		log = nopLogger{}
	}
	return &Agent{log: log}
}

// Run repeatedly dials dialFunc and serves one connection at a time,
// reconnecting with a 10ms delay up to 50 attempts unless shutdown was
// requested over IPC, in which case it returns nil.
func (a *Agent) Run(dialFunc func() (net.Conn, error)) error {
	attempts := 0
	for {
		conn, err := dialFunc()
		if err == nil {
			attempts = 0
			err = a.handleConnection(conn)
		}

		if a.shutdown.Load() {
			a.log.Infof("shutdown complete, exiting")
			return nil
		}

		attempts++
		if attempts >= maxReconnectAttempt {
			return fmt.Errorf("guestagent: max reconnect attempts (%d) reached: %w", maxReconnectAttempt, err)
		}
		if err != nil {
			a.log.Warnf("connection error: %v, reconnecting (%d/%d)", err, attempts, maxReconnectAttempt)
		} else {
			a.log.Infof("connection closed, reconnecting (%d/%d)", attempts, maxReconnectAttempt)
		}
		time.Sleep(reconnectDelay)
	}
}

// handleConnection runs the event loop for a single connection: send
// ready, then read and dispatch frames until the connection closes.
func (a *Agent) handleConnection(conn net.Conn) error {
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(b []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := conn.Write(b)
		return err
	}

	if err := write(wire.Encode(wire.Message{Type: wire.TypeReady, Seq: 0})); err != nil {
		return fmt.Errorf("guestagent: send ready: %w", err)
	}
	a.log.Infof("sent ready signal")

	dec := wire.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				a.log.Infof("host disconnected")
				return nil
			}
			return fmt.Errorf("guestagent: read: %w", err)
		}

		msgs, err := dec.Feed(buf[:n])
		if err != nil {
			return fmt.Errorf("guestagent: decode: %w", err)
		}

		for _, msg := range msgs {
			if msg.Type == wire.TypeSpawnWatch {
				resp, err := a.handleSpawnWatch(msg, write)
				if err != nil {
					return err
				}
				if resp != nil {
					if err := write(resp); err != nil {
						return fmt.Errorf("guestagent: write spawn_watch response: %w", err)
					}
				}
				continue
			}

			resp, err := a.handleMessage(msg)
			if err != nil {
				return err
			}
			if resp != nil {
				if err := write(resp); err != nil {
					return fmt.Errorf("guestagent: write response: %w", err)
				}
			}
		}
	}
}

func (a *Agent) handleMessage(msg wire.Message) ([]byte, error) {
	a.log.Infof("received: type=0x%02X seq=%d", msg.Type, msg.Seq)

	switch msg.Type {
	case wire.TypePing:
		return wire.Encode(wire.Message{Type: wire.TypePong, Seq: msg.Seq}), nil

	case wire.TypeExec:
		req, err := wire.DecodeExec(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("guestagent: decode exec: %w", err)
		}
		exitCode, stdout, stderr := runWithTimeout(req.Command, req.TimeoutMs)
		payload, err := wire.EncodeExecResult(wire.ExecResultPayload{ExitCode: exitCode, Stdout: stdout, Stderr: stderr})
		if err != nil {
			return nil, err
		}
		return wire.Encode(wire.Message{Type: wire.TypeExecResult, Seq: msg.Seq, Payload: payload}), nil

	case wire.TypeWriteFile:
		req, err := wire.DecodeWriteFile(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("guestagent: decode write_file: %w", err)
		}
		success, errMsg := a.handleWriteFile(req)
		payload, err := wire.EncodeWriteFileResult(wire.WriteFileResultPayload{Success: success, Error: errMsg})
		if err != nil {
			return nil, err
		}
		return wire.Encode(wire.Message{Type: wire.TypeWriteFileResult, Seq: msg.Seq, Payload: payload}), nil

	case wire.TypeShutdown:
		a.log.Infof("shutdown requested, syncing filesystems")
		syncFilesystems()
		a.shutdown.Store(true)
		return wire.Encode(wire.Message{Type: wire.TypeShutdownAck, Seq: msg.Seq}), nil

	default:
		payload, err := wire.EncodeError(wire.ErrorPayload{Reason: fmt.Sprintf("unknown message type: 0x%02X", msg.Type)})
		if err != nil {
			return nil, err
		}
		return wire.Encode(wire.Message{Type: wire.TypeError, Seq: msg.Seq, Payload: payload}), nil
	}
}

// handleSpawnWatch forks the command into its own process group, replies
// immediately with its PID, and delivers an unsolicited process_exit event
// once it completes (or its timeout fires).
func (a *Agent) handleSpawnWatch(msg wire.Message, write func([]byte) error) ([]byte, error) {
	req, err := wire.DecodeSpawnWatch(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("guestagent: decode spawn_watch: %w", err)
	}

	cmd := buildCommand(req.Command)
	if len(req.Env) > 0 {
		cmd.Env = syscall.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = processGroupAttr()

	if err := cmd.Start(); err != nil {
		payload, encErr := wire.EncodeError(wire.ErrorPayload{Reason: fmt.Sprintf("failed to spawn: %v", err)})
		if encErr != nil {
			return nil, encErr
		}
		return wire.Encode(wire.Message{Type: wire.TypeError, Seq: msg.Seq, Payload: payload}), nil
	}

	pid := cmd.Process.Pid
	a.log.Infof("spawn_watch: started pid=%d", pid)

	go a.watchProcess(cmd, pid, req.TimeoutMs, &stdout, &stderr, write)

	resultPayload := wire.EncodeSpawnWatchResult(wire.SpawnWatchResultPayload{PID: int32(pid)})
	return wire.Encode(wire.Message{Type: wire.TypeSpawnWatchResult, Seq: msg.Seq, Payload: resultPayload}), nil
}

func (a *Agent) watchProcess(cmd *exec.Cmd, pid int, timeoutMs uint32, stdout, stderr *bytes.Buffer, write func([]byte) error) {
	exitCode := waitWithTimeout(cmd, pid, timeoutMs, stderr)

	a.log.Infof("spawn_watch: pid=%d exited with code=%d", pid, exitCode)

	payload, err := wire.EncodeProcessExit(wire.ProcessExitPayload{
		PID:      int32(pid),
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	})
	if err != nil {
		a.log.Errorf("failed to encode process_exit: %v", err)
		return
	}
	if err := write(wire.Encode(wire.Message{Type: wire.TypeProcessExit, Seq: 0, Payload: payload})); err != nil {
		a.log.Errorf("failed to send process_exit: %v", err)
	}
}

func (a *Agent) handleWriteFile(req wire.WriteFilePayload) (bool, string) {
	writeCmd := buildWriteCommand(req.Path, req.Sudo)
	cmd := buildCommand(writeCmd)
	cmd.Stdin = bytes.NewReader(req.Content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.SysProcAttr = processGroupAttr()

	if err := cmd.Start(); err != nil {
		return false, fmt.Sprintf("failed to spawn write command: %v", err)
	}
	pid := cmd.Process.Pid
	exitCode := waitWithTimeout(cmd, pid, uint32(writeFileTimeout.Milliseconds()), &stderr)

	if exitCode == wire.ExitCodeTimeout {
		return false, "write timed out"
	}
	if exitCode != 0 {
		return false, fmt.Sprintf("write failed: %s", strings.TrimSpace(stderr.String()))
	}
	return true, ""
}

func buildWriteCommand(path string, sudo bool) string {
	quoted := "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
	if sudo {
		return "sudo tee " + quoted
	}
	return "cat > " + quoted
}

// runWithTimeout runs command to completion or until timeoutMs elapses,
// returning (exit_code, stdout, stderr). Exit code 124 marks a timeout.
func runWithTimeout(command string, timeoutMs uint32) (int32, []byte, []byte) {
	cmd := buildCommand(command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = processGroupAttr()

	if err := cmd.Start(); err != nil {
		return 1, nil, []byte(fmt.Sprintf("failed to execute: %v", err))
	}
	pid := cmd.Process.Pid
	exitCode := waitWithTimeout(cmd, pid, timeoutMs, &stderr)
	return exitCode, stdout.Bytes(), stderr.Bytes()
}

// waitWithTimeout waits for cmd, killing the whole process group if
// timeoutMs elapses first. Returns the mapped exit code.
func waitWithTimeout(cmd *exec.Cmd, pid int, timeoutMs uint32, stderr *bytes.Buffer) int32 {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if timeoutMs == 0 {
		err := <-done
		return exitCodeFromError(err, cmd)
	}

	select {
	case err := <-done:
		return exitCodeFromError(err, cmd)
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		killProcessGroup(pid)
		<-done
		stderr.Reset()
		stderr.WriteString("Timeout")
		return wire.ExitCodeTimeout
	}
}

func exitCodeFromError(err error, cmd *exec.Cmd) int32 {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return wire.SignalExitCode(int(status.Signal()))
			}
			return int32(status.ExitStatus())
		}
	}
	return 1
}

func syncFilesystems() {
	syscall.Sync()
}
