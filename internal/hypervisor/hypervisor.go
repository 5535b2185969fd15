// Package hypervisor builds the Firecracker-compatible microVM
// configuration, spawns the hypervisor process inside a network
// namespace under an unprivileged service user, and supervises it:
// stdout/stderr forwarding and process-group teardown on stop.
package hypervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
)

// Resources is the vCPU/memory shape requested for a microVM.
type Resources struct {
	CPUCount int
	MemoryMB int
}

// NetworkConfig describes the single TAP interface wired into the guest.
type NetworkConfig struct {
	Namespace string
	TapName   string
	GuestMAC  string
	BootArgs  string
}

// FreshBootConfig parameterizes a fresh (non-snapshot) boot.
type FreshBootConfig struct {
	BinaryPath  string
	KernelPath  string
	RootfsPath  string
	OverlayPath string
	VsockPath   string
	ConfigPath  string
	Workspace   string
	Resources   Resources
	Network     NetworkConfig
}

// BuildConfigJSON renders the Firecracker JSON configuration for a fresh
// boot: read-only rootfs drive, read-write overlay drive, one network
// interface, one vsock device.
func BuildConfigJSON(cfg FreshBootConfig) ([]byte, error) {
	bootArgs := "console=ttyS0 reboot=k panic=1 pci=off nomodules random.trust_cpu=on " +
		"quiet loglevel=0 nokaslr audit=0 numa=off mitigations=off noresume " +
		"init=/sbin/guest-init " + cfg.Network.BootArgs

	doc := map[string]interface{}{
		"boot-source": map[string]interface{}{
			"kernel_image_path": cfg.KernelPath,
			"boot_args":         strings.TrimSpace(bootArgs),
		},
		"drives": []map[string]interface{}{
			{
				"drive_id":        "rootfs",
				"path_on_host":    cfg.RootfsPath,
				"is_root_device":  true,
				"is_read_only":    true,
			},
			{
				"drive_id":        "overlay",
				"path_on_host":    cfg.OverlayPath,
				"is_root_device":  false,
				"is_read_only":    false,
			},
		},
		"machine-config": map[string]interface{}{
			"vcpu_count":   cfg.Resources.CPUCount,
			"mem_size_mib": cfg.Resources.MemoryMB,
		},
		"network-interfaces": []map[string]interface{}{
			{
				"iface_id":     "eth0",
				"guest_mac":    cfg.Network.GuestMAC,
				"host_dev_name": cfg.Network.TapName,
			},
		},
		"vsock": map[string]interface{}{
			"guest_cid": 3,
			"uds_path":  cfg.VsockPath,
		},
	}

	return json.MarshalIndent(doc, "", "  ")
}

// Process is a running, supervised hypervisor process.
type Process struct {
	cmd *exec.Cmd

	mu  sync.Mutex
	pid int
}

// SpawnFresh writes the JSON config and launches
// `sudo ip netns exec <ns> sudo -u <user> <binary> --config-file <path> --no-api`
// inside cfg.Workspace. Stdout/stderr are piped for the caller to forward via
// StreamLines; the process chain requires SIGKILL to be sent to the whole
// group on teardown (see KillProcessTree).
func SpawnFresh(ctx context.Context, cfg FreshBootConfig, username string) (*Process, io.ReadCloser, io.ReadCloser, error) {
	configJSON, err := BuildConfigJSON(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("hypervisor: build config: %w", err)
	}

	args := []string{"ip", "netns", "exec", cfg.Network.Namespace, "sudo", "-u", username, cfg.BinaryPath, "--config-file", cfg.ConfigPath, "--no-api"}
	cmd := exec.CommandContext(ctx, "sudo", args...)
	cmd.Dir = cfg.Workspace
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("hypervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("hypervisor: stderr pipe: %w", err)
	}

	if err := os.WriteFile(cfg.ConfigPath, configJSON, 0o644); err != nil {
		return nil, nil, nil, fmt.Errorf("hypervisor: write config: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("hypervisor: spawn firecracker: %w", err)
	}

	p := &Process{cmd: cmd, pid: cmd.Process.Pid}
	return p, stdout, stderr, nil
}

// PID returns the spawned process's PID.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Wait blocks for process exit, reaping the zombie.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// StreamLines reads newline-delimited output from r until it closes,
// calling onLine for each non-empty line. Intended to run in its own
// goroutine; returns once the pipe is closed (process exited).
func StreamLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			onLine(line)
		}
	}
}

// Privilege selects whether KillProcessTree's helper commands run under
// sudo or as the current user.
type Privilege int

const (
	AsUser Privilege = iota
	AsSudo
)

// Exec runs program with args, optionally under sudo, returning trimmed
// stdout on success and the trimmed stderr wrapped in the error otherwise.
func Exec(ctx context.Context, program string, args []string, priv Privilege) (string, error) {
	name, fullArgs := program, args
	if priv == AsSudo {
		name = "sudo"
		fullArgs = append([]string{program}, args...)
	}

	cmd := exec.CommandContext(ctx, name, fullArgs...)
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", fmt.Errorf("hypervisor: %s %s: %w: %s", program, strings.Join(args, " "), err, stderr)
	}
	return strings.TrimSpace(string(out)), nil
}

// ExecIgnoreErrors runs Exec and discards the result; used for
// best-effort teardown commands.
func ExecIgnoreErrors(ctx context.Context, program string, args []string, priv Privilege) {
	Exec(ctx, program, args, priv)
}

// KillProcessTree recursively kills pid and all of its descendants
// (depth-first via pgrep -P), then sends SIGKILL to pid itself. The
// hypervisor's process chain is sudo -> ip netns exec -> sudo ->
// firecracker, so the whole tree must be killed to avoid orphans.
func KillProcessTree(ctx context.Context, pid int) {
	out, err := Exec(ctx, "pgrep", []string{"-P", strconv.Itoa(pid)}, AsUser)
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if childPID, convErr := strconv.Atoi(line); convErr == nil {
				KillProcessTree(ctx, childPID)
			}
		}
	}
	ExecIgnoreErrors(ctx, "kill", []string{"-9", strconv.Itoa(pid)}, AsSudo)
}

// CurrentUsername returns the unprivileged service user Firecracker should
// drop to, per os/user (the Go equivalent of looking up getuid()).
func CurrentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("hypervisor: lookup current user: %w", err)
	}
	return u.Username, nil
}
