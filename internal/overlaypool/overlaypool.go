// Package overlaypool pre-warms writable overlay filesystem images so a
// sandbox boot doesn't block on creating one. It maintains a two-tier
// buffer (a ready queue and a set of in-flight background creations) and
// falls back to synchronous creation only as a last resort.
package overlaypool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	overlayPrefix = "overlay-"
	overlayExt    = ".ext4"
	// OverlaySize is the size of each sparse overlay file (2 GiB).
	OverlaySize = 2 * 1024 * 1024 * 1024
)

// Creator materializes an overlay image file at path. Ext4Creator creates
// an empty ext4 filesystem; SnapshotCopyCreator sparse-copies a golden
// image captured at snapshot time.
type Creator interface {
	Create(ctx context.Context, path string) error
}

// Ext4Creator formats a fresh sparse file as ext4.
type Ext4Creator struct{}

// Create truncates path to OverlaySize and runs mkfs.ext4 against it.
func (Ext4Creator) Create(ctx context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("overlaypool: create %s: %w", path, err)
	}
	if err := f.Truncate(OverlaySize); err != nil {
		f.Close()
		return fmt.Errorf("overlaypool: truncate %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("overlaypool: close %s: %w", path, err)
	}

	out, err := exec.CommandContext(ctx, "mkfs.ext4", "-F", "-q", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("overlaypool: mkfs.ext4 %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SnapshotCopyCreator sparse-copies a golden overlay image so the VM
// resumes with the disk state captured in the snapshot.
type SnapshotCopyCreator struct {
	Source string
}

// Create runs `cp --sparse=always <source> <path>`.
func (c SnapshotCopyCreator) Create(ctx context.Context, path string) error {
	out, err := exec.CommandContext(ctx, "cp", "--sparse=always", c.Source, path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("overlaypool: cp %s -> %s: %w: %s", c.Source, path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func generateFileName() string {
	return overlayPrefix + uuid.New().String() + overlayExt
}

// IsOverlayFile reports whether name matches the overlay naming convention.
func IsOverlayFile(name string) bool {
	return strings.HasPrefix(name, overlayPrefix) && strings.HasSuffix(name, overlayExt)
}

func cleanStaleFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if IsOverlayFile(e.Name()) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// Config configures an overlay pool.
type Config struct {
	Size                int
	ReplenishThreshold  int
	PoolDir             string
	Creator             Creator
}

type pendingTask struct {
	result chan creationResult
}

type creationResult struct {
	path string
	err  error
}

// Pool is a pre-warmed collection of overlay image files.
type Pool struct {
	mu                 sync.Mutex
	active             bool
	queue              []string
	pending            []*pendingTask
	poolDir            string
	size               int
	replenishThreshold int
	creator            Creator

	cancelCtx context.Context
	cancel    context.CancelFunc
}

// Create makes the pool directory, removes stale overlay files left over
// from a previous run, and pre-warms config.Size overlay images in
// parallel.
func Create(ctx context.Context, cfg Config) (*Pool, error) {
	if err := os.MkdirAll(cfg.PoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("overlaypool: mkdir %s: %w", cfg.PoolDir, err)
	}
	cleanStaleFiles(cfg.PoolDir)

	poolCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		active:             true,
		poolDir:            cfg.PoolDir,
		size:               cfg.Size,
		replenishThreshold: cfg.ReplenishThreshold,
		creator:            cfg.Creator,
		cancelCtx:          poolCtx,
		cancel:             cancel,
	}

	var wg sync.WaitGroup
	results := make([]creationResult, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			path := filepath.Join(cfg.PoolDir, generateFileName())
			err := p.creator.Create(ctx, path)
			if err != nil {
				results[idx] = creationResult{err: err}
				return
			}
			results[idx] = creationResult{path: path}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r.err == nil {
			p.queue = append(p.queue, r.path)
		}
	}

	return p, nil
}

// Acquire returns an overlay image path, trying the ready queue, then the
// oldest in-flight background creation, then creating one synchronously as
// a last resort.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return "", fmt.Errorf("overlaypool: pool not active")
	}
	if len(p.queue) > 0 {
		path := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.maybeReplenish()
		return path, nil
	}
	var task *pendingTask
	if len(p.pending) > 0 {
		task = p.pending[0]
		p.pending = p.pending[1:]
	}
	p.mu.Unlock()

	if task != nil {
		res := <-task.result
		if res.err == nil {
			p.maybeReplenish()
			return res.path, nil
		}
		// Pending creation failed — fall through to synchronous creation.
	}

	path := filepath.Join(p.poolDir, generateFileName())
	if err := p.creator.Create(ctx, path); err != nil {
		return "", fmt.Errorf("overlaypool: on-demand create: %w", err)
	}
	p.maybeReplenish()
	return path, nil
}

// Release deletes the overlay file — overlay images are single-use, each
// job writes unique data.
func (p *Pool) Release(path string) {
	os.Remove(path)
}

// maybeReplenish spawns enough background creation tasks to refill the
// pool to Size whenever queue+pending falls below replenishThreshold.
func (p *Pool) maybeReplenish() {
	p.mu.Lock()
	total := len(p.queue) + len(p.pending)
	if total >= p.replenishThreshold {
		p.mu.Unlock()
		return
	}
	needed := p.size - total
	if needed < 0 {
		needed = 0
	}
	tasks := make([]*pendingTask, needed)
	for i := range tasks {
		tasks[i] = &pendingTask{result: make(chan creationResult, 1)}
	}
	p.pending = append(p.pending, tasks...)
	ctx := p.cancelCtx
	poolDir := p.poolDir
	creator := p.creator
	p.mu.Unlock()

	for _, task := range tasks {
		go func(t *pendingTask) {
			path := filepath.Join(poolDir, generateFileName())
			err := creator.Create(ctx, path)
			if err != nil {
				t.result <- creationResult{err: err}
				return
			}
			t.result <- creationResult{path: path}
		}(task)
	}
}

// Cleanup deactivates the pool, aborts in-flight creations, deletes every
// file it owned (queued and any in-flight creation that still completes),
// and scrubs the directory once more for orphans.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	queued := p.queue
	pending := p.pending
	p.queue = nil
	p.pending = nil
	dir := p.poolDir
	p.mu.Unlock()

	p.cancel()

	for _, path := range queued {
		os.Remove(path)
	}
	for _, task := range pending {
		res := <-task.result
		if res.err == nil {
			os.Remove(res.path)
		}
	}

	cleanStaleFiles(dir)
}

// AvailableCount reports how many overlay files are ready for immediate
// acquisition. Exposed for tests.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
