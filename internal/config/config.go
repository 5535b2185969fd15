package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// OCX Sandbox Runner - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Runner      RunnerConfig      `yaml:"runner"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Hypervisor  HypervisorConfig  `yaml:"hypervisor"`
	Pools       PoolsConfig       `yaml:"pools"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Status      StatusConfig      `yaml:"status"`
}

// RunnerConfig is the dispatcher's own sizing and identity.
type RunnerConfig struct {
	Group         string `yaml:"group"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	VCPU          int    `yaml:"vcpu"`
	MemoryMB      int    `yaml:"memory_mb"`
	IsSnapshot    bool   `yaml:"is_snapshot"`
	BaseDir       string `yaml:"base_dir"`
}

// ControlPlaneConfig authenticates and addresses the REST job API.
type ControlPlaneConfig struct {
	APIURL string `yaml:"api_url"`
	Token  string `yaml:"token"`
}

// HypervisorConfig locates the Firecracker-compatible binary, kernel,
// and base rootfs image every sandbox boots from.
type HypervisorConfig struct {
	BinaryPath string `yaml:"binary_path"`
	KernelPath string `yaml:"kernel_path"`
	RootfsPath string `yaml:"rootfs_path"`
	Username   string `yaml:"username"`
}

// PoolsConfig sizes the pre-warmed namespace and overlay pools the
// factory draws from.
type PoolsConfig struct {
	Size      int             `yaml:"size"`
	Netns     NetnsPoolConfig `yaml:"netns"`
	Overlay   OverlayPoolConfig `yaml:"overlay"`
}

type NetnsPoolConfig struct {
	ProxyPort   int    `yaml:"proxy_port"`
	LockDir     string `yaml:"lock_dir"`
	IndexPrefix string `yaml:"index_prefix"`
}

type OverlayPoolConfig struct {
	ReplenishThreshold int `yaml:"replenish_threshold"`
}

// ProxyConfig configures the supervised intercepting proxy process.
// Proxy.Enabled false runs the dispatcher without a proxy supervisor at
// all (firewall-disabled jobs never register against one anyway).
type ProxyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MitmdumpBin  string `yaml:"mitmdump_bin"`
	CADir        string `yaml:"ca_dir"`
	AddonPath    string `yaml:"addon_path"`
	RegistryPath string `yaml:"registry_path"`
	// RedisAddr, when set, mirrors registry entries into Redis so
	// multiple runner processes sharing a control-plane group can look
	// up which process owns a given source IP. Empty disables the
	// mirror; the on-disk registry works standalone either way.
	RedisAddr string `yaml:"redis_addr"`
}

// RealtimeConfig configures the push-notification subscription; Host
// empty disables realtime entirely and the dispatcher falls back to
// poll-only.
type RealtimeConfig struct {
	Host          string            `yaml:"host"`
	RestHost      string            `yaml:"rest_host"`
	Channel       string            `yaml:"channel"`
	ChannelParams map[string]string `yaml:"channel_params"`
}

// StatusConfig locates the runner status JSON file.
type StatusConfig struct {
	Path string `yaml:"path"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loaded from CONFIG_PATH
// (default "config.yaml") with environment overrides applied.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, matching
// the flag/env precedence documented for `ocxrun start`: explicit CLI
// flags win over env vars, which win over whatever LoadConfig parsed.
func (c *Config) applyEnvOverrides() {
	c.ControlPlane.APIURL = getEnv("OCX_API_URL", c.ControlPlane.APIURL)
	c.ControlPlane.Token = getEnv("OCX_API_TOKEN", c.ControlPlane.Token)

	c.Runner.Group = getEnv("OCX_RUNNER_GROUP", c.Runner.Group)
	if v := getEnvInt("OCX_MAX_CONCURRENT", 0); v > 0 {
		c.Runner.MaxConcurrent = v
	}
	if v := getEnvInt("OCX_VCPU", 0); v > 0 {
		c.Runner.VCPU = v
	}
	if v := getEnvInt("OCX_MEMORY_MB", 0); v > 0 {
		c.Runner.MemoryMB = v
	}
	c.Runner.BaseDir = getEnv("OCX_BASE_DIR", c.Runner.BaseDir)

	c.Hypervisor.BinaryPath = getEnv("OCX_HYPERVISOR_BIN", c.Hypervisor.BinaryPath)
	c.Hypervisor.KernelPath = getEnv("OCX_KERNEL_PATH", c.Hypervisor.KernelPath)
	c.Hypervisor.RootfsPath = getEnv("OCX_ROOTFS_PATH", c.Hypervisor.RootfsPath)

	c.Proxy.Enabled = getEnvBool("OCX_PROXY_ENABLED", c.Proxy.Enabled)
	c.Proxy.MitmdumpBin = getEnv("OCX_MITMDUMP_BIN", c.Proxy.MitmdumpBin)
	c.Proxy.RedisAddr = getEnv("OCX_PROXY_REDIS_ADDR", c.Proxy.RedisAddr)

	c.Realtime.Host = getEnv("OCX_REALTIME_HOST", c.Realtime.Host)

	c.Status.Path = getEnv("OCX_STATUS_PATH", c.Status.Path)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Runner.Group == "" {
		c.Runner.Group = "default"
	}
	if c.Runner.MaxConcurrent == 0 {
		c.Runner.MaxConcurrent = 4
	}
	if c.Runner.VCPU == 0 {
		c.Runner.VCPU = 2
	}
	if c.Runner.MemoryMB == 0 {
		c.Runner.MemoryMB = 2048
	}
	if c.Runner.BaseDir == "" {
		c.Runner.BaseDir = "/var/lib/ocxrun"
	}
	if c.Pools.Size == 0 {
		c.Pools.Size = c.Runner.MaxConcurrent * 2
	}
	if c.Pools.Overlay.ReplenishThreshold == 0 {
		c.Pools.Overlay.ReplenishThreshold = 1
	}
	if c.Pools.Netns.LockDir == "" {
		c.Pools.Netns.LockDir = "/var/lib/ocxrun/netns-locks"
	}
	if c.Pools.Netns.IndexPrefix == "" {
		c.Pools.Netns.IndexPrefix = "ocxrun"
	}
	if c.Proxy.RegistryPath == "" {
		c.Proxy.RegistryPath = "/var/lib/ocxrun/proxy-registry.json"
	}
	if c.Proxy.MitmdumpBin == "" {
		c.Proxy.MitmdumpBin = "mitmdump"
	}
	if c.Proxy.CADir == "" {
		c.Proxy.CADir = "/var/lib/ocxrun/mitm-ca"
	}
	if c.Proxy.AddonPath == "" {
		c.Proxy.AddonPath = "/var/lib/ocxrun/mitm-addon.py"
	}
	if c.Status.Path == "" {
		c.Status.Path = "/var/lib/ocxrun/status.json"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
