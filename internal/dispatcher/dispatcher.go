// Package dispatcher runs the runner's main loop: it watches a realtime
// push channel and a poll fallback for work, claims and spawns jobs up
// to a concurrency limit, and drains outstanding jobs on shutdown.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ocx/sandboxrunner/internal/controlplane"
	"github.com/ocx/sandboxrunner/internal/executor"
	"github.com/ocx/sandboxrunner/internal/metrics"
	"github.com/ocx/sandboxrunner/internal/realtime"
	"github.com/ocx/sandboxrunner/internal/runnerstatus"
)

// connectedPollInterval is the poll cadence used as a safety net while
// the realtime subscription is healthy; disconnectedPollInterval is used
// while it is down or absent.
const (
	connectedPollInterval    = 30 * time.Second
	disconnectedPollInterval = 5 * time.Second
	pollErrorBackoff         = 5 * time.Second
	modeCheckInterval        = 200 * time.Millisecond
)

// Logger is the minimal logging surface the dispatcher needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// ControlPlane is the subset of controlplane.Client the dispatcher and
// the jobs it spawns need.
type ControlPlane interface {
	Poll(ctx context.Context, group string) (*controlplane.Job, error)
	Claim(ctx context.Context, runID uuid.UUID) (*controlplane.ExecutionContext, error)
	Complete(ctx context.Context, sandboxToken string, runID uuid.UUID, exitCode int, errMsg string) error
}

// ProxySupervisor is the subset of proxy.Proxy the dispatcher needs to
// keep the intercepting proxy alive for the runner's lifetime. Its own
// Supervise loop already implements restart/backoff/cutoff, so the
// dispatcher only needs to start and stop it.
type ProxySupervisor interface {
	Supervise(ctx context.Context) error
}

// runMode mirrors the dispatcher's internal lifecycle; Stopping and
// Draining both stop accepting new work; they differ only in whether
// the main loop breaks immediately (Stopping) or waits for the
// in-flight job set to empty first (Draining).
type runMode int32

const (
	modeRunning runMode = iota
	modeDraining
	modeStopping
)

// Config is the static configuration for one dispatcher instance.
type Config struct {
	Group         string
	MaxConcurrent int

	API      ControlPlane
	Factory  executor.Factory
	ExecConf executor.Config
	Status   *runnerstatus.Tracker

	// Realtime is optional; when nil the dispatcher polls only.
	Realtime *realtime.Config

	// Proxy is optional; when non-nil its Supervise loop runs for the
	// dispatcher's lifetime.
	Proxy ProxySupervisor

	// Metrics is optional; when nil job throughput is not recorded.
	Metrics *metrics.Metrics

	Log Logger
}

// Dispatcher is the runner's main poll/push loop.
type Dispatcher struct {
	cfg Config
	log Logger
}

// New builds a dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	if cfg.Log == nil {
		cfg.Log = nopLogger{}
	}
	return &Dispatcher{cfg: cfg, log: cfg.Log}
}

// Run executes the main loop until a termination signal drains the
// runner to a stop, or ctx is canceled. It always returns after every
// in-flight job has been reported complete.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.cfg.Status.WriteInitial()
	d.log.Infof("dispatcher: started, group=%s max_concurrent=%d", d.cfg.Group, d.cfg.MaxConcurrent)

	var mode atomic.Int32
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				d.log.Infof("dispatcher: received %v, stopping", sig)
				mode.Store(int32(modeStopping))
			case syscall.SIGUSR1:
				d.log.Infof("dispatcher: received SIGUSR1, draining")
				mode.Store(int32(modeDraining))
			}
		}
	}()

	var proxyCancel context.CancelFunc
	if d.cfg.Proxy != nil {
		var proxyCtx context.Context
		proxyCtx, proxyCancel = context.WithCancel(ctx)
		go func() {
			if err := d.cfg.Proxy.Supervise(proxyCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Errorf("dispatcher: proxy supervisor exited: %v", err)
			}
		}()
	}

	var sub *realtime.Subscription
	if d.cfg.Realtime != nil {
		s, err := realtime.Subscribe(ctx, *d.cfg.Realtime)
		if err != nil {
			d.log.Warnf("dispatcher: realtime subscribe failed, falling back to poll-only: %v", err)
		} else {
			sub = s
		}
	}

	sem := semaphore.NewWeighted(int64(d.cfg.MaxConcurrent))
	var wg sync.WaitGroup
	var activeJobs atomic.Int64
	jobDone := make(chan struct{}, d.cfg.MaxConcurrent+1)

	realtimeConnected := false
	pollNow := true
	var resubscribeCh chan resubscribeResult
	var statusMode runnerstatus.Mode = runnerstatus.ModeRunning

	setStatus := func(m runnerstatus.Mode) {
		if statusMode != m {
			statusMode = m
			d.cfg.Status.SetMode(m)
		}
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		switch runMode(mode.Load()) {
		case modeStopping:
			setStatus(runnerstatus.ModeDraining)
			break loop
		case modeDraining:
			setStatus(runnerstatus.ModeDraining)
			if activeJobs.Load() == 0 {
				d.log.Infof("dispatcher: all jobs drained")
				break loop
			}
			select {
			case <-jobDone:
			case <-time.After(modeCheckInterval):
			}
			continue
		}
		setStatus(runnerstatus.ModeRunning)

		if activeJobs.Load() >= int64(d.cfg.MaxConcurrent) {
			select {
			case <-jobDone:
			case <-time.After(modeCheckInterval):
			}
			continue
		}

		var eventsCh <-chan realtime.Event
		if sub != nil {
			eventsCh = sub.Events()
		}
		var resubCh <-chan resubscribeResult
		if resubscribeCh != nil {
			resubCh = resubscribeCh
		}

		pollInterval := connectedPollInterval
		if !realtimeConnected {
			pollInterval = disconnectedPollInterval
		}
		if pollNow {
			pollInterval = 0
		}

		select {
		case <-ctx.Done():
			break loop

		case ev, ok := <-eventsCh:
			if !ok {
				d.log.Warnf("dispatcher: realtime subscription ended, reconnecting")
				sub = nil
				realtimeConnected = false
				if resubscribeCh == nil {
					resubscribeCh = d.spawnResubscribe(ctx)
				}
				continue
			}
			switch ev.Kind {
			case realtime.EventConnected:
				realtimeConnected = true
			case realtime.EventDisconnected:
				realtimeConnected = false
			case realtime.EventError:
				realtimeConnected = false
				d.log.Warnf("dispatcher: realtime error: %s (code %d)", ev.Reason, ev.Code)
			case realtime.EventMessage:
				runID, err := parseJobMessage(ev.Message)
				if err != nil {
					d.log.Warnf("dispatcher: malformed realtime job event: %v", err)
					continue
				}
				if d.claimAndSpawn(ctx, runID, sem, &activeJobs, jobDone, &wg) {
					pollNow = true
				}
			}

		case res := <-resubCh:
			resubscribeCh = nil
			if res.err != nil {
				d.log.Warnf("dispatcher: realtime resubscribe failed: %v", res.err)
			} else {
				sub = res.sub
				realtimeConnected = false
			}

		case <-jobDone:
			// loop again; activeJobs has already decremented

		case <-time.After(pollInterval):
			job, err := d.cfg.API.Poll(ctx, d.cfg.Group)
			switch {
			case err != nil:
				d.log.Warnf("dispatcher: poll failed, retrying: %v", err)
				pollNow = false
				time.Sleep(minDuration(pollErrorBackoff, modeCheckInterval)) // yield briefly; full backoff honored by next loop's pollInterval
			case job == nil:
				pollNow = false
			default:
				if d.claimAndSpawn(ctx, job.RunID, sem, &activeJobs, jobDone, &wg) {
					pollNow = true
				} else {
					pollNow = false
				}
			}
		}
	}

	remaining := activeJobs.Load()
	if remaining > 0 {
		d.log.Infof("dispatcher: waiting for %d running job(s) to finish", remaining)
	}
	wg.Wait()

	if sub != nil {
		sub.Close()
	}
	if proxyCancel != nil {
		proxyCancel()
	}

	d.cfg.Status.SetMode(runnerstatus.ModeStopped)
	d.log.Infof("dispatcher: stopped")
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

type resubscribeResult struct {
	sub *realtime.Subscription
	err error
}

// spawnResubscribe attempts a fresh realtime subscription in the
// background so the main loop isn't blocked on the connect handshake;
// its completion is delivered as the loop's resubscribe branch.
func (d *Dispatcher) spawnResubscribe(ctx context.Context) chan resubscribeResult {
	ch := make(chan resubscribeResult, 1)
	go func() {
		sub, err := realtime.Subscribe(ctx, *d.cfg.Realtime)
		ch <- resubscribeResult{sub: sub, err: err}
	}()
	return ch
}

// parseJobMessage extracts a run ID from a realtime "job" event payload,
// which carries {"runId": "<uuid>"}.
func parseJobMessage(msg realtime.Message) (uuid.UUID, error) {
	data, ok := msg.Data.(map[string]any)
	if !ok {
		return uuid.UUID{}, fmt.Errorf("dispatcher: unexpected message data type %T", msg.Data)
	}
	raw, ok := data["runId"].(string)
	if !ok {
		return uuid.UUID{}, fmt.Errorf("dispatcher: message missing runId")
	}
	return uuid.Parse(raw)
}

// claimAndSpawn is the critical invariant: the semaphore permit is
// acquired before claim is attempted; if claim loses the race
// (AlreadyClaimed), the permit is released and no job is spawned.
// Returns true if a job was spawned.
func (d *Dispatcher) claimAndSpawn(ctx context.Context, runID uuid.UUID, sem *semaphore.Weighted, activeJobs *atomic.Int64, jobDone chan struct{}, wg *sync.WaitGroup) bool {
	if err := sem.Acquire(ctx, 1); err != nil {
		return false
	}

	d.log.Infof("run %s: claiming", runID)
	jobCtx, err := d.cfg.API.Claim(ctx, runID)
	if err != nil {
		sem.Release(1)
		if errors.Is(err, controlplane.ErrAlreadyClaimed) {
			d.log.Infof("run %s: already claimed, skipping", runID)
		} else {
			d.log.Warnf("run %s: claim failed: %v", runID, err)
		}
		return false
	}

	d.log.Infof("run %s: claimed, spawning executor", runID)
	d.cfg.Status.AddRun(runID)
	activeJobs.Add(1)
	wg.Add(1)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordJobStarted()
	}

	go func() {
		panicked := false
		defer func() {
			if d.cfg.Metrics != nil {
				outcome := "completed"
				if panicked {
					outcome = "panic"
				}
				d.cfg.Metrics.RecordJobFinished(outcome)
			}
		}()
		defer wg.Done()
		defer sem.Release(1)
		defer activeJobs.Add(-1)
		defer d.cfg.Status.RemoveRun(runID)
		defer func() {
			select {
			case jobDone <- struct{}{}:
			default:
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				d.log.Errorf("run %s: executor panicked: %v", runID, r)
				if cerr := d.cfg.API.Complete(ctx, jobCtx.SandboxToken, runID, 1, fmt.Sprintf("panic: %v", r)); cerr != nil {
					d.log.Errorf("run %s: failed to report panic completion: %v", runID, cerr)
				}
			}
		}()

		executor.ExecuteJob(ctx, d.cfg.API, d.cfg.Factory, *jobCtx, d.cfg.ExecConf)
	}()

	return true
}
