// Package netnspool pre-warms network namespaces with deterministic IP
// allocation so that provisioning a sandbox doesn't pay the cost of
// creating veth pairs, routes, and iptables rules on the job's critical
// path. Each pool reserves a pool index via poolindex and lays out its
// namespaces in a disjoint slice of 10.200.0.0/16.
package netnspool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/ocx/sandboxrunner/internal/poolindex"
)

const (
	nsPrefix   = "vm0-ns-"
	hostPrefix = "vm0-ve-"
	peerDevice = "veth0"
	ipPrefix   = "10.200"

	// MaxNamespaces bounds the namespace index within a single pool.
	MaxNamespaces = 256

	lockDir = "/var/lock"
)

// PooledNetwork is a pre-warmed, isolated network namespace on loan to a
// sandbox. Name and HostDevice are unique across all live pools on the
// host because they embed the pool's reserved index.
type PooledNetwork struct {
	Name       string
	HostDevice string
	GuestIP    string
}

// formatHex2 renders n as exactly two lowercase hex digits (0x00-0xff).
func formatHex2(n int) string {
	return fmt.Sprintf("%02x", n)
}

// IPPair computes the deterministic (host_ip, peer_ip) /30 pair for a given
// pool index p in [0, 64) and namespace index n in [0, 256).
func IPPair(poolIndex, nsIndex int) (hostIP, peerIP string) {
	octet3 := poolIndex*4 + nsIndex/64
	octet4Base := (nsIndex % 64) * 4
	hostIP = fmt.Sprintf("%s.%d.%d", ipPrefix, octet3, octet4Base+1)
	peerIP = fmt.Sprintf("%s.%d.%d", ipPrefix, octet3, octet4Base+2)
	return
}

// Names computes the namespace name and host-side veth device name for a
// given pool index and namespace index.
func Names(poolIndex, nsIndex int) (name, hostDevice string) {
	p, n := formatHex2(poolIndex), formatHex2(nsIndex)
	return nsPrefix + p + "-" + n, hostPrefix + p + "-" + n
}

// Runner executes privileged network-setup commands. Production code
// shells out to ip/iptables/sysctl; tests substitute a fake that records
// invocations instead of mutating real host network state.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// execRunner shells out to the named binary, always as a subprocess (the
// caller is expected to run as a user with the relevant sudo/capability
// grants — these binaries require CAP_NET_ADMIN).
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("netnspool: %s %s: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

// Config configures namespace creation.
type Config struct {
	Size        int
	ProxyPort   int // 0 means "no proxy redirect rules"
	LockDir     string
	IndexPrefix string
	Runner      Runner
}

// Pool is a pre-warmed collection of network namespaces reserved under one
// pool index. The mutex guards only queue bookkeeping; every ip/iptables
// invocation happens outside the lock.
type Pool struct {
	reservation *poolindex.Reservation
	runner      Runner
	proxyPort   int
	defaultIface string

	mu        sync.Mutex
	active    bool
	queue     []PooledNetwork
	nextIndex int
}

// Create reserves a pool index, discovers and deletes any orphaned
// resources tagged with that index (safe: no other process can hold it),
// and pre-warms config.Size namespaces in parallel.
func Create(ctx context.Context, cfg Config) (*Pool, error) {
	dir := cfg.LockDir
	if dir == "" {
		dir = lockDir
	}
	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "vm0-netns-pool"
	}
	runner := cfg.Runner
	if runner == nil {
		runner = execRunner{}
	}

	reservation, err := poolindex.Acquire(dir, prefix)
	if err != nil {
		return nil, fmt.Errorf("netnspool: %w", err)
	}

	iface, err := defaultInterface(ctx, runner)
	if err != nil {
		reservation.Release()
		return nil, err
	}

	p := &Pool{
		reservation:  reservation,
		runner:       runner,
		proxyPort:    cfg.ProxyPort,
		defaultIface: iface,
		active:       true,
	}

	p.cleanupOrphans(ctx, reservation.Index)

	var wg sync.WaitGroup
	results := make([]PooledNetwork, cfg.Size)
	errs := make([]error, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		wg.Add(1)
		go func(nsIndex int) {
			defer wg.Done()
			net, err := p.createNamespace(ctx, reservation.Index, nsIndex)
			if err != nil {
				errs[nsIndex] = err
				return
			}
			results[nsIndex] = net
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	for i, err := range errs {
		if err != nil {
			continue
		}
		p.queue = append(p.queue, results[i])
	}
	p.nextIndex = cfg.Size
	p.mu.Unlock()

	return p, nil
}

func defaultInterface(ctx context.Context, runner Runner) (string, error) {
	out, err := runner.Run(ctx, "ip", "route", "get", "8.8.8.8")
	if err != nil {
		return "", fmt.Errorf("netnspool: determine default interface: %w", err)
	}
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("netnspool: no default interface in route output: %q", out)
}

// cleanupOrphans deletes any host iptables rules or namespaces left over
// from a previous process that held this same pool index.
func (p *Pool) cleanupOrphans(ctx context.Context, poolIndex int) {
	prefix, _ := Names(poolIndex, 0)
	prefix = strings.TrimSuffix(prefix, "-00")
	out, err := p.runner.Run(ctx, "ip", "-o", "netns", "list")
	if err != nil {
		return
	}
	for _, line := range strings.Split(out, "\n") {
		name := strings.Fields(line)
		if len(name) == 0 || !strings.HasPrefix(name[0], prefix) {
			continue
		}
		_, hostDevice := splitNames(name[0])
		p.deleteNamespaceResources(ctx, name[0], hostDevice)
	}
}

func splitNames(nsName string) (name, hostDevice string) {
	suffix := strings.TrimPrefix(nsName, nsPrefix)
	return nsName, hostPrefix + suffix
}

// createNamespace runs the full namespace + veth + routing + iptables
// setup for one (poolIndex, nsIndex) pair.
func (p *Pool) createNamespace(ctx context.Context, poolIndex, nsIndex int) (PooledNetwork, error) {
	name, hostDevice := Names(poolIndex, nsIndex)
	hostIP, peerIP := IPPair(poolIndex, nsIndex)
	const gatewayIP = "192.168.241.1"
	const guestIP = "192.168.241.2"
	const guestPrefix = 24

	run := func(args ...string) error {
		_, err := p.runner.Run(ctx, "ip", args...)
		return err
	}

	if err := run("netns", "add", name); err != nil {
		return PooledNetwork{}, err
	}
	tap := "tap0"
	if err := run("netns", "exec", name, "ip", "tuntap", "add", tap, "mode", "tap"); err != nil {
		return PooledNetwork{}, err
	}
	if err := run("netns", "exec", name, "ip", "addr", "add", fmt.Sprintf("%s/%d", gatewayIP, guestPrefix), "dev", tap); err != nil {
		return PooledNetwork{}, err
	}
	if err := run("netns", "exec", name, "ip", "link", "set", tap, "up"); err != nil {
		return PooledNetwork{}, err
	}
	if err := run("netns", "exec", name, "ip", "link", "set", "lo", "up"); err != nil {
		return PooledNetwork{}, err
	}

	if err := run("link", "add", hostDevice, "type", "veth", "peer", "name", peerDevice, "netns", name); err != nil {
		return PooledNetwork{}, err
	}
	if err := run("netns", "exec", name, "ip", "addr", "add", peerIP+"/30", "dev", peerDevice); err != nil {
		return PooledNetwork{}, err
	}
	if err := run("netns", "exec", name, "ip", "link", "set", peerDevice, "up"); err != nil {
		return PooledNetwork{}, err
	}
	if err := run("addr", "add", hostIP+"/30", "dev", hostDevice); err != nil {
		return PooledNetwork{}, err
	}
	if err := run("link", "set", hostDevice, "up"); err != nil {
		return PooledNetwork{}, err
	}

	if err := run("netns", "exec", name, "ip", "route", "add", "default", "via", hostIP); err != nil {
		return PooledNetwork{}, err
	}
	if _, err := p.runner.Run(ctx, "ip", "netns", "exec", name, "iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", fmt.Sprintf("%s/%d", gatewayIP, guestPrefix), "-o", peerDevice, "-j", "MASQUERADE"); err != nil {
		return PooledNetwork{}, err
	}
	if _, err := p.runner.Run(ctx, "ip", "netns", "exec", name, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return PooledNetwork{}, err
	}

	if err := p.setupHostIPTables(ctx, name, hostDevice, peerIP); err != nil {
		return PooledNetwork{}, err
	}

	return PooledNetwork{Name: name, HostDevice: hostDevice, GuestIP: guestIP}, nil
}

func (p *Pool) setupHostIPTables(ctx context.Context, name, hostDevice, peerIP string) error {
	src := peerIP + "/30"
	if _, err := p.runner.Run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "-s", src,
		"-o", p.defaultIface, "-j", "MASQUERADE", "-m", "comment", "--comment", name); err != nil {
		return err
	}
	if _, err := p.runner.Run(ctx, "iptables", "-A", "FORWARD", "-i", hostDevice,
		"-o", p.defaultIface, "-j", "ACCEPT", "-m", "comment", "--comment", name); err != nil {
		return err
	}
	if _, err := p.runner.Run(ctx, "iptables", "-A", "FORWARD", "-i", p.defaultIface,
		"-o", hostDevice, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT",
		"-m", "comment", "--comment", name); err != nil {
		return err
	}
	if p.proxyPort == 0 {
		return nil
	}
	port := fmt.Sprintf("%d", p.proxyPort)
	for _, dport := range []string{"80", "443"} {
		if _, err := p.runner.Run(ctx, "iptables", "-t", "nat", "-A", "PREROUTING", "-s", src,
			"-p", "tcp", "--dport", dport, "-j", "REDIRECT", "--to-port", port,
			"-m", "comment", "--comment", name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) deleteNamespaceResources(ctx context.Context, name, hostDevice string) {
	p.deleteIPTablesByComment(ctx, "nat", name)
	p.deleteIPTablesByComment(ctx, "filter", name)
	p.runner.Run(ctx, "ip", "link", "del", hostDevice)
	p.runner.Run(ctx, "ip", "netns", "del", name)
}

func (p *Pool) deleteIPTablesByComment(ctx context.Context, table, comment string) {
	out, err := p.runner.Run(ctx, "iptables-save", "-t", table)
	if err != nil {
		return
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "-A ") || !strings.Contains(line, comment) {
			continue
		}
		rule := strings.Replace(line, "-A ", "-D ", 1)
		args := []string{"-t", table}
		for _, tok := range strings.Fields(rule) {
			args = append(args, strings.Trim(tok, `"`))
		}
		p.runner.Run(ctx, "iptables", args...)
	}
}

// Acquire pops a pre-warmed namespace, or creates one on demand if the
// queue is empty, bounded by MaxNamespaces.
func (p *Pool) Acquire(ctx context.Context) (PooledNetwork, error) {
	p.mu.Lock()
	if len(p.queue) > 0 {
		net := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		return net, nil
	}
	if p.nextIndex >= MaxNamespaces {
		p.mu.Unlock()
		return PooledNetwork{}, fmt.Errorf("netnspool: pool index %d exhausted all %d namespaces", p.reservation.Index, MaxNamespaces)
	}
	nsIndex := p.nextIndex
	p.nextIndex++
	p.mu.Unlock()

	return p.createNamespace(ctx, p.reservation.Index, nsIndex)
}

// Release returns net to the queue, unless the pool has been deactivated
// (Cleanup was called), in which case its resources are deleted instead.
func (p *Pool) Release(ctx context.Context, net PooledNetwork) {
	p.mu.Lock()
	active := p.active
	if active {
		p.queue = append(p.queue, net)
	}
	p.mu.Unlock()

	if !active {
		p.deleteNamespaceResources(ctx, net.Name, net.HostDevice)
	}
}

// Cleanup deactivates the pool and deletes every queued namespace in
// parallel. Namespaces currently on loan are left untouched — they will be
// picked up by the next process's orphan sweep of this pool index.
func (p *Pool) Cleanup(ctx context.Context) {
	p.mu.Lock()
	p.active = false
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, net := range queued {
		wg.Add(1)
		go func(n PooledNetwork) {
			defer wg.Done()
			p.deleteNamespaceResources(ctx, n.Name, n.HostDevice)
		}(net)
	}
	wg.Wait()

	p.reservation.Release()
}

// PoolIndex returns the reserved pool index this pool owns.
func (p *Pool) PoolIndex() int {
	return p.reservation.Index
}

// AvailableCount reports how many namespaces are pre-warmed and ready
// for immediate acquisition. Exposed for metrics and tests.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
