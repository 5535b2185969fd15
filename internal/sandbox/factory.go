package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ocx/sandboxrunner/internal/netnspool"
	"github.com/ocx/sandboxrunner/internal/overlaypool"
)

// FactoryConfig is the static configuration shared by every sandbox the
// factory creates, plus the sizing for its two backing pools.
type FactoryConfig struct {
	HostConfig HostConfig
	BaseDir    string

	PoolSize           int
	NetnsPool          netnspool.Config
	OverlayReplenish   int
	OverlayCreator     overlaypool.Creator
}

// Factory owns the namespace and overlay pools and hands sandboxes out
// of them, rolling back partial acquisitions on failure and returning
// everything to its pool on destroy.
type Factory struct {
	config FactoryConfig

	netnsPool   *netnspool.Pool
	overlayPool *overlaypool.Pool

	mu sync.Mutex
}

// NewFactory pre-warms both pools and returns a ready Factory. A failure
// creating the overlay pool cleans up the already-created netns pool
// before returning.
func NewFactory(ctx context.Context, config FactoryConfig) (*Factory, error) {
	if config.HostConfig.Log == nil {
		config.HostConfig.Log = nopLogger{}
	}

	netnsCfg := config.NetnsPool
	netnsCfg.Size = config.PoolSize
	netnsPool, err := netnspool.Create(ctx, netnsCfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create netns pool: %w", err)
	}

	overlayDir := filepath.Join(config.BaseDir, "overlays")
	overlayPool, err := overlaypool.Create(ctx, overlaypool.Config{
		Size:               config.PoolSize,
		ReplenishThreshold: config.OverlayReplenish,
		PoolDir:            overlayDir,
		Creator:            config.OverlayCreator,
	})
	if err != nil {
		netnsPool.Cleanup(ctx)
		return nil, fmt.Errorf("sandbox: create overlay pool: %w", err)
	}

	return &Factory{
		config:      config,
		netnsPool:   netnsPool,
		overlayPool: overlayPool,
	}, nil
}

// Create provisions a workspace directory and acquires a network and an
// overlay from their pools. A failure acquiring the overlay rolls back
// the already-acquired network.
func (f *Factory) Create(ctx context.Context, cfg Config) (*Sandbox, error) {
	paths := newPaths(f.config.BaseDir, cfg.ID)
	if err := os.MkdirAll(paths.vsockDir(), 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: mkdir workspace: %w", err)
	}

	network, err := f.netnsPool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox: acquire netns: %w", err)
	}

	overlay, err := f.overlayPool.Acquire(ctx)
	if err != nil {
		f.netnsPool.Release(ctx, network)
		return nil, fmt.Errorf("sandbox: acquire overlay: %w", err)
	}

	return newSandbox(cfg, f.config.HostConfig, f.config.BaseDir, network, overlay), nil
}

// Destroy kills the sandbox if still alive, returns its network to the
// pool, releases its overlay, and removes its workspace directory.
func (f *Factory) Destroy(ctx context.Context, s *Sandbox) {
	_ = s.Kill(ctx)

	f.netnsPool.Release(ctx, s.network)
	f.overlayPool.Release(s.overlay)

	if err := os.RemoveAll(s.paths.Workspace); err != nil {
		f.config.HostConfig.Log.Infof("sandbox %s: failed to delete workspace: %v", s.id, err)
	}
}

// Shutdown drains both pools. Call once, after every live sandbox has
// been destroyed.
func (f *Factory) Shutdown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.netnsPool.Cleanup(ctx)
	f.overlayPool.Cleanup()
}

// NetnsAvailable reports how many namespaces are pre-warmed and ready,
// for pool-occupancy metrics.
func (f *Factory) NetnsAvailable() int {
	return f.netnsPool.AvailableCount()
}

// OverlayAvailable reports how many overlay images are pre-warmed and
// ready, for pool-occupancy metrics.
func (f *Factory) OverlayAvailable() int {
	return f.overlayPool.AvailableCount()
}
