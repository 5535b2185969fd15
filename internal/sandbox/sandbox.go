// Package sandbox implements the microVM lifecycle state machine: start
// (bind vsock listener, boot the hypervisor, handshake with the guest),
// the exec/write_file/spawn_watch/wait_exit surface backed by the guest
// IPC client, and stop/kill teardown.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/sandboxrunner/internal/hostipc"
	"github.com/ocx/sandboxrunner/internal/hypervisor"
	"github.com/ocx/sandboxrunner/internal/netnspool"
)

// State is the lifecycle stage of a sandbox. Transitions are one-way and
// enforced by compare-and-swap so a background process-exit watcher can
// safely race an in-flight operation.
type State uint32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

const (
	vsockConnectTimeout = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Logger is the minimal logging surface a sandbox needs; production
// wiring supplies a structured logger, tests use the zero value.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any) {}
func (nopLogger) Warnf(string, ...any) {}

// Resources is the vCPU/memory/timeout shape for one microVM.
type Resources struct {
	CPUCount    int
	MemoryMB    int
	TimeoutSecs int
}

// Config identifies and sizes a single sandbox.
type Config struct {
	ID        string
	Resources Resources
}

// HostConfig is the static, factory-wide configuration shared by every
// sandbox it creates.
type HostConfig struct {
	BinaryPath string
	KernelPath string
	RootfsPath string
	Username   string // empty: resolved via hypervisor.CurrentUsername at start
	Log        Logger
}

// Paths lays out a sandbox's on-disk workspace.
type Paths struct {
	Workspace string
}

func newPaths(baseDir, id string) Paths {
	return Paths{Workspace: filepath.Join(baseDir, id)}
}

func (p Paths) vsockDir() string    { return filepath.Join(p.Workspace, "vsock") }
func (p Paths) vsockSocket() string { return filepath.Join(p.vsockDir(), "v.sock") }
func (p Paths) configFile() string  { return filepath.Join(p.Workspace, "config.json") }

// Sandbox is a single microVM: its lifecycle state, the pooled resources
// it holds, and (while Running) its guest IPC handle.
type Sandbox struct {
	id         string
	config     Config
	hostConfig HostConfig
	paths      Paths
	network    netnspool.PooledNetwork
	overlay    string

	state atomic.Uint32

	processMu sync.Mutex
	process   *hypervisor.Process

	guestMu sync.Mutex
	guest   *hostipc.Host
}

func newSandbox(config Config, hostConfig HostConfig, baseDir string, network netnspool.PooledNetwork, overlay string) *Sandbox {
	if hostConfig.Log == nil {
		hostConfig.Log = nopLogger{}
	}
	return &Sandbox{
		id:         config.ID,
		config:     config,
		hostConfig: hostConfig,
		paths:      newPaths(baseDir, config.ID),
		network:    network,
		overlay:    overlay,
	}
}

// ID returns the sandbox's unique identifier.
func (s *Sandbox) ID() string { return s.id }

// SourceIP returns the guest-facing IP the sandbox's traffic egresses
// from, used to key its entry in the proxy registry.
func (s *Sandbox) SourceIP() string { return s.network.GuestIP }

// State returns the sandbox's current lifecycle state.
func (s *Sandbox) State() State { return s.currentState() }

func (s *Sandbox) currentState() State {
	return State(s.state.Load())
}

// transition performs a compare-and-swap, returning whether it succeeded.
func (s *Sandbox) transition(from, to State) bool {
	return s.state.CompareAndSwap(uint32(from), uint32(to))
}

// Start binds the vsock listener, boots the hypervisor, waits for the
// guest handshake, then atomically moves Created -> Running.
func (s *Sandbox) Start(ctx context.Context) error {
	if s.currentState() != StateCreated {
		return fmt.Errorf("sandbox: already started")
	}

	if err := os.MkdirAll(s.paths.vsockDir(), 0o755); err != nil {
		return fmt.Errorf("sandbox: mkdir vsock dir: %w", err)
	}

	// Bind the vsock listener BEFORE launching the hypervisor: the guest
	// connects within ~300ms of boot, and missing the window causes
	// spurious reconnects.
	type guestResult struct {
		host *hostipc.Host
		err  error
	}
	vsockResult := make(chan guestResult, 1)
	go func() {
		h, err := hostipc.WaitForConnection(s.paths.vsockSocket(), vsockConnectTimeout)
		vsockResult <- guestResult{h, err}
	}()

	username := s.hostConfig.Username
	if username == "" {
		var err error
		username, err = hypervisor.CurrentUsername()
		if err != nil {
			return fmt.Errorf("sandbox: resolve username: %w", err)
		}
	}

	bootCfg := hypervisor.FreshBootConfig{
		BinaryPath:  s.hostConfig.BinaryPath,
		KernelPath:  s.hostConfig.KernelPath,
		RootfsPath:  s.hostConfig.RootfsPath,
		OverlayPath: s.overlay,
		VsockPath:   s.paths.vsockSocket(),
		ConfigPath:  s.paths.configFile(),
		Workspace:   s.paths.Workspace,
		Resources:   hypervisor.Resources{CPUCount: s.config.Resources.CPUCount, MemoryMB: s.config.Resources.MemoryMB},
		Network: hypervisor.NetworkConfig{
			Namespace: s.network.Name,
			TapName:   s.network.HostDevice,
			GuestMAC:  "AA:FC:00:00:00:01",
			BootArgs:  fmt.Sprintf("ip=%s::%s:255.255.255.252::eth0:off", s.network.GuestIP, s.network.GuestIP),
		},
	}

	process, stdout, stderr, err := hypervisor.SpawnFresh(ctx, bootCfg, username)
	if err != nil {
		return fmt.Errorf("sandbox: spawn hypervisor: %w", err)
	}
	s.processMu.Lock()
	s.process = process
	s.processMu.Unlock()

	s.monitorProcess(stdout, stderr)

	result := <-vsockResult
	if result.err != nil {
		s.killProcess(context.Background())
		return fmt.Errorf("sandbox: vsock connection: %w", result.err)
	}

	s.guestMu.Lock()
	s.guest = result.host
	s.guestMu.Unlock()

	// CAS guards against the process having already crashed between spawn
	// and vsock connect, in which case monitorProcess already swapped the
	// state to Stopped.
	if !s.transition(StateCreated, StateRunning) {
		s.guestMu.Lock()
		s.guest = nil
		s.guestMu.Unlock()
		s.killProcess(context.Background())
		return fmt.Errorf("sandbox: process exited during startup")
	}

	s.hostConfig.Log.Infof("sandbox %s started", s.id)
	return nil
}

// monitorProcess tails stdout/stderr until the pipes close; an
// unexpected close while Running swaps the state to Stopped and drops
// the guest handle so any in-flight exec fails fast instead of hanging.
func (s *Sandbox) monitorProcess(stdout, stderr io.ReadCloser) {
	go func() {
		hypervisor.StreamLines(stdout, func(line string) {
			s.hostConfig.Log.Infof("%s: %s", s.id, line)
		})
		prev := State(s.state.Swap(uint32(StateStopped)))
		if prev == StateRunning {
			s.hostConfig.Log.Warnf("sandbox %s: process exited unexpectedly", s.id)
			s.guestMu.Lock()
			s.guest = nil
			s.guestMu.Unlock()
		}
	}()
	go func() {
		hypervisor.StreamLines(stderr, func(line string) {
			s.hostConfig.Log.Warnf("%s stderr: %s", s.id, line)
		})
	}()
}

func (s *Sandbox) withGuest() (*hostipc.Host, error) {
	s.guestMu.Lock()
	defer s.guestMu.Unlock()
	if s.guest == nil {
		return nil, fmt.Errorf("sandbox: not running (state: %s)", s.currentState())
	}
	return s.guest, nil
}

// Exec runs command to completion in the guest.
func (s *Sandbox) Exec(ctx context.Context, command string, timeoutMs uint32, env map[string]string) (hostipc.ExecResult, error) {
	guest, err := s.withGuest()
	if err != nil {
		return hostipc.ExecResult{}, err
	}
	return guest.Exec(ctx, command, timeoutMs, env)
}

// WriteFile writes content to path in the guest.
func (s *Sandbox) WriteFile(ctx context.Context, path string, content []byte, sudo bool) error {
	guest, err := s.withGuest()
	if err != nil {
		return err
	}
	return guest.WriteFile(ctx, path, content, sudo)
}

// SpawnWatch starts command in the guest and returns its PID.
func (s *Sandbox) SpawnWatch(ctx context.Context, command string, timeoutMs uint32, env map[string]string) (int32, error) {
	guest, err := s.withGuest()
	if err != nil {
		return 0, err
	}
	return guest.SpawnWatch(ctx, command, timeoutMs, env)
}

// WaitExit blocks for pid's exit event, bounded by the sandbox's
// configured timeout.
func (s *Sandbox) WaitExit(ctx context.Context, pid int32) (hostipc.ProcessExitEvent, error) {
	guest, err := s.withGuest()
	if err != nil {
		return hostipc.ProcessExitEvent{}, err
	}
	timeout := time.Duration(s.config.Resources.TimeoutSecs) * time.Second
	return guest.WaitForExit(ctx, pid, timeout)
}

// Stop attempts a graceful guest shutdown before killing the process
// tree. A no-op if the sandbox isn't Running.
func (s *Sandbox) Stop(ctx context.Context) error {
	if !s.transition(StateRunning, StateStopping) {
		return nil
	}

	s.guestMu.Lock()
	guest := s.guest
	s.guest = nil
	s.guestMu.Unlock()

	if guest != nil {
		if !guest.Shutdown(ctx, shutdownTimeout) {
			s.hostConfig.Log.Warnf("sandbox %s: graceful shutdown timed out", s.id)
		}
		guest.Close()
	}

	s.killProcess(ctx)
	s.state.Store(uint32(StateStopped))
	s.hostConfig.Log.Infof("sandbox %s stopped", s.id)
	return nil
}

// Kill skips the graceful shutdown attempt and tears down immediately.
func (s *Sandbox) Kill(ctx context.Context) error {
	if !s.transition(StateRunning, StateStopping) {
		return nil
	}

	s.guestMu.Lock()
	guest := s.guest
	s.guest = nil
	s.guestMu.Unlock()
	if guest != nil {
		guest.Close()
	}

	s.killProcess(ctx)
	s.state.Store(uint32(StateStopped))
	s.hostConfig.Log.Infof("sandbox %s killed", s.id)
	return nil
}

// killProcess kills the whole hypervisor process tree (the chain is
// sudo -> ip netns exec -> sudo -> hypervisor) and reaps it.
func (s *Sandbox) killProcess(ctx context.Context) {
	s.processMu.Lock()
	process := s.process
	s.processMu.Unlock()
	if process == nil {
		return
	}

	hypervisor.KillProcessTree(ctx, process.PID())
	process.Wait()

	s.processMu.Lock()
	s.process = nil
	s.processMu.Unlock()
}
