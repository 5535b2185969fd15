// Package proxy supervises an external mitmdump process that transparently
// intercepts sandbox egress traffic, and maintains the JSON registry file
// the proxy's addon script consults to map a source IP to the run it
// belongs to.
package proxy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocx/sandboxrunner/internal/circuitbreaker"
	"github.com/ocx/sandboxrunner/internal/hypervisor"
)

//go:embed scripts/mitm-addon.py
var addonScript []byte

const (
	readyTimeout = 5 * time.Second
	readyPoll    = 200 * time.Millisecond
	stopTimeout  = 3 * time.Second

	// maxRestartFailures bounds the start/crash failures Supervise
	// tolerates before it gives up rather than retrying forever.
	maxRestartFailures = 20

	initialBackoff = 1 * time.Second
	maxBackoff     = 15 * time.Second
)

// Logger is the minimal logging surface the proxy needs; production
// wiring supplies a structured logger, tests use the zero value.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any) {}
func (nopLogger) Warnf(string, ...any) {}

// Config configures one supervised mitmdump instance.
type Config struct {
	MitmdumpBin  string
	CADir        string
	AddonPath    string
	RegistryPath string
	APIURL       string       // optional, forwarded to the addon as vm0_api_url
	Redis        *RedisMirror // optional, mirrors registrations across runner processes
	Log          Logger
}

// FirewallRule is one network-egress rule enforced by the addon script:
// either a domain match with an allow/deny action, or a catch-all final
// action applied when no domain rule matched.
type FirewallRule struct {
	Domain string `json:"domain,omitempty"`
	Action string `json:"action,omitempty"`
	Final  string `json:"final,omitempty"`
}

// VMRegistration is the caller-supplied half of a registry entry: the
// sandbox's identity plus the firewall configuration the addon script
// should enforce for its traffic.
type VMRegistration struct {
	RunID              string
	SandboxToken       string
	MitmEnabled        bool
	SealSecretsEnabled bool
	FirewallRules      []FirewallRule
}

// vmEntry is one sandbox's registration in the proxy registry.
type vmEntry struct {
	RunID              string         `json:"runId"`
	SandboxToken       string         `json:"sandboxToken"`
	RegisteredAt       int64          `json:"registeredAt"`
	MitmEnabled        bool           `json:"mitmEnabled"`
	SealSecretsEnabled bool           `json:"sealSecretsEnabled"`
	FirewallRules      []FirewallRule `json:"firewallRules"`
}

type registryDoc struct {
	VMs       map[string]vmEntry `json:"vms"`
	UpdatedAt int64              `json:"updatedAt"`
}

// Proxy manages the mitmdump process lifecycle and the registry file its
// addon script reads to identify sandbox traffic.
type Proxy struct {
	config Config
	port   int

	mu     sync.Mutex
	cmd    *exec.Cmd
	exitCh chan error
}

// New allocates a listen port, writes the embedded addon script, and
// writes an empty registry file. It does not start mitmdump.
func New(config Config) (*Proxy, error) {
	if config.Log == nil {
		config.Log = nopLogger{}
	}

	port, err := findAvailablePort()
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(config.AddonPath), 0o755); err != nil {
		return nil, fmt.Errorf("proxy: mkdir addon dir: %w", err)
	}
	if err := os.WriteFile(config.AddonPath, addonScript, 0o644); err != nil {
		return nil, fmt.Errorf("proxy: write addon script: %w", err)
	}

	if err := writeRegistry(config.RegistryPath, registryDoc{VMs: map[string]vmEntry{}}); err != nil {
		return nil, fmt.Errorf("proxy: write empty registry: %w", err)
	}

	return &Proxy{config: config, port: port}, nil
}

// Port returns the local TCP port mitmdump listens on.
func (p *Proxy) Port() int { return p.port }

// Start spawns mitmdump and waits for it to survive its first ready
// check. The process is left running; call Stop or Supervise to manage
// its lifetime further.
func (p *Proxy) Start(ctx context.Context) error {
	args := []string{
		"--mode", "transparent",
		"--listen-port", fmt.Sprintf("%d", p.port),
		"--set", fmt.Sprintf("confdir=%s", p.config.CADir),
		"--set", fmt.Sprintf("vm0_proxy_registry_path=%s", p.config.RegistryPath),
		"--scripts", p.config.AddonPath,
		"--quiet",
	}
	if p.config.APIURL != "" {
		args = append(args, "--set", fmt.Sprintf("vm0_api_url=%s", p.config.APIURL))
	}

	cmd := exec.CommandContext(ctx, p.config.MitmdumpBin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("proxy: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("proxy: stderr pipe: %w", err)
	}

	p.config.Log.Infof("proxy: starting mitmdump on port %d", p.port)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("proxy: spawn mitmdump: %w", err)
	}

	go hypervisor.StreamLines(stdout, func(line string) {
		if line != "" {
			p.config.Log.Infof("mitmdump: %s", line)
		}
	})
	go hypervisor.StreamLines(stderr, func(line string) {
		if line != "" {
			p.config.Log.Warnf("mitmdump stderr: %s", line)
		}
	})

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	if err := waitForReady(exitCh, readyTimeout); err != nil {
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.exitCh = exitCh
	p.mu.Unlock()

	p.config.Log.Infof("proxy: mitmdump started on port %d", p.port)
	return nil
}

// waitForReady mirrors the upstream launcher's check: mitmdump is
// declared ready as soon as it survives a single readyPoll interval
// without exiting; timeout is an unused upper bound kept for symmetry
// with the launcher's own readyTimeout/readyPoll pair.
func waitForReady(exitCh <-chan error, timeout time.Duration) error {
	select {
	case err := <-exitCh:
		return fmt.Errorf("proxy: mitmdump exited immediately: %w", err)
	case <-time.After(readyPoll):
		return nil
	}
}

// wait blocks until mitmdump exits or ctx is canceled, in which case it
// stops the process and returns ctx.Err().
func (p *Proxy) wait(ctx context.Context) error {
	p.mu.Lock()
	exitCh := p.exitCh
	p.mu.Unlock()
	if exitCh == nil {
		return fmt.Errorf("proxy: not started")
	}

	select {
	case err := <-exitCh:
		return err
	case <-ctx.Done():
		p.Stop(context.Background())
		return ctx.Err()
	}
}

// Stop sends SIGTERM, waits up to stopTimeout, and escalates to SIGKILL
// if mitmdump hasn't exited by then. A no-op if not started.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, exitCh := p.cmd, p.exitCh
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	p.config.Log.Infof("proxy: stopping mitmdump")
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case err := <-exitCh:
		if err != nil {
			p.config.Log.Warnf("proxy: mitmdump wait: %v", err)
		}
	case <-time.After(stopTimeout):
		p.config.Log.Warnf("proxy: mitmdump did not exit in time, killing")
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exitCh
	}

	p.mu.Lock()
	p.cmd = nil
	p.exitCh = nil
	p.mu.Unlock()
	return nil
}

// Supervise runs mitmdump under crash-restart with exponential backoff,
// giving up after maxRestartFailures start or crash failures; a start
// that succeeds does not reset the count. It returns when ctx is
// canceled (ctx.Err()) or the failure cutoff is hit.
func (p *Proxy) Supervise(ctx context.Context) error {
	var counts circuitbreaker.Counts
	backoff := initialBackoff

	for {
		if err := p.Start(ctx); err != nil {
			counts.OnFailure()
			if counts.ConsecutiveFailures >= maxRestartFailures {
				return fmt.Errorf("proxy: giving up after %d start or crash failures: %w", maxRestartFailures, err)
			}
			p.config.Log.Warnf("proxy: start failed (%d/%d): %v", counts.ConsecutiveFailures, maxRestartFailures, err)
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff

		err := p.wait(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		counts.OnFailure()
		p.config.Log.Warnf("proxy: mitmdump exited, restarting (%d/%d): %v", counts.ConsecutiveFailures, maxRestartFailures, err)
		if counts.ConsecutiveFailures >= maxRestartFailures {
			return fmt.Errorf("proxy: giving up after %d start or crash failures: %w", maxRestartFailures, err)
		}
		if !sleepOrDone(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// RegisterVM adds or replaces sourceIP's entry in the registry so the
// addon script can identify and authorize its traffic, and to enforce
// the firewall rules and seal-secrets gate reg carries.
func (p *Proxy) RegisterVM(sourceIP string, reg VMRegistration) error {
	rules := reg.FirewallRules
	if rules == nil {
		rules = []FirewallRule{}
	}

	var entry vmEntry
	if err := p.updateRegistry(func(doc *registryDoc) {
		now := time.Now().UnixMilli()
		entry = vmEntry{
			RunID:              reg.RunID,
			SandboxToken:       reg.SandboxToken,
			RegisteredAt:       now,
			MitmEnabled:        reg.MitmEnabled,
			SealSecretsEnabled: reg.SealSecretsEnabled,
			FirewallRules:      rules,
		}
		doc.VMs[sourceIP] = entry
		doc.UpdatedAt = now
	}); err != nil {
		return err
	}

	if p.config.Redis != nil {
		if err := p.config.Redis.Set(context.Background(), sourceIP, entry); err != nil {
			p.config.Log.Warnf("proxy: redis mirror set failed for %s: %v", sourceIP, err)
		}
	}
	return nil
}

// UnregisterVM removes sourceIP's entry from the registry.
func (p *Proxy) UnregisterVM(sourceIP string) error {
	if err := p.updateRegistry(func(doc *registryDoc) {
		delete(doc.VMs, sourceIP)
		doc.UpdatedAt = time.Now().UnixMilli()
	}); err != nil {
		return err
	}

	if p.config.Redis != nil {
		if err := p.config.Redis.Delete(context.Background(), sourceIP); err != nil {
			p.config.Log.Warnf("proxy: redis mirror delete failed for %s: %v", sourceIP, err)
		}
	}
	return nil
}

// updateRegistry serializes the read-modify-write cycle with an
// exclusive flock on a sibling lock file, so concurrent callers (one
// per in-flight job) can't interleave and drop each other's writes.
func (p *Proxy) updateRegistry(mutate func(*registryDoc)) error {
	lockPath := p.config.RegistryPath + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("proxy: open registry lock: %w", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("proxy: lock registry: %w", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	doc, err := readRegistry(p.config.RegistryPath)
	if err != nil {
		return err
	}
	mutate(&doc)
	return writeRegistry(p.config.RegistryPath, doc)
}

func readRegistry(path string) (registryDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return registryDoc{}, fmt.Errorf("proxy: read registry: %w", err)
	}
	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return registryDoc{}, fmt.Errorf("proxy: parse registry: %w", err)
	}
	if doc.VMs == nil {
		doc.VMs = map[string]vmEntry{}
	}
	return doc, nil
}

// writeRegistry writes through a temp file + rename so a reader never
// observes a partially-written document.
func writeRegistry(path string, doc registryDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("proxy: marshal registry: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("proxy: write registry tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("proxy: rename registry tmp: %w", err)
	}
	return nil
}

func findAvailablePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("bind port 0: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
