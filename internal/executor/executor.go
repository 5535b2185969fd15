// Package executor runs a single claimed job inside one microVM: it
// creates and starts the sandbox, fixes up guest state left stale by a
// snapshot restore, hydrates storage and session data, passes the
// agent its environment over the guest IPC channel, waits for it to
// exit, and reports completion back to the control plane — recording
// timed telemetry for every step along the way.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/sandboxrunner/internal/controlplane"
	"github.com/ocx/sandboxrunner/internal/hostipc"
	"github.com/ocx/sandboxrunner/internal/proxy"
	"github.com/ocx/sandboxrunner/internal/sandbox"
	"github.com/ocx/sandboxrunner/internal/telemetry"
)

// jobTimeout bounds a single agent run. It is used both as the guest
// watchdog (spawn_watch's own timeout) and the host-side wait_exit
// bound, so neither side can outlive the other.
const jobTimeout = 2 * time.Hour

// defaultExecTimeout bounds the short host-side guest.exec calls the
// executor issues itself (clock fix, storage download) before handing
// off to the agent.
const defaultExecTimeout = 5 * time.Minute

// Logger is the minimal logging surface the executor needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// ControlPlane is the subset of controlplane.Client the executor needs
// to report completion.
type ControlPlane interface {
	Complete(ctx context.Context, sandboxToken string, runID uuid.UUID, exitCode int, errMsg string) error
}

// ProxyRegistry is the subset of proxy.Proxy the executor needs to
// register and unregister a running sandbox's source IP.
type ProxyRegistry interface {
	RegisterVM(sourceIP string, reg proxy.VMRegistration) error
	UnregisterVM(sourceIP string) error
}

// firewallRegistration converts a claimed job's firewall config into the
// registration the proxy registry records. mitm and seal-secrets default
// to fw.Enabled unless the control plane sent an explicit override.
func firewallRegistration(runID, sandboxToken string, fw *controlplane.FirewallConfig) proxy.VMRegistration {
	reg := proxy.VMRegistration{
		RunID:              runID,
		SandboxToken:       sandboxToken,
		MitmEnabled:        fw.Enabled,
		SealSecretsEnabled: fw.Enabled,
	}
	if fw.ExperimentalMitm != nil {
		reg.MitmEnabled = *fw.ExperimentalMitm
	}
	if fw.ExperimentalSealSecrets != nil {
		reg.SealSecretsEnabled = *fw.ExperimentalSealSecrets
	}
	for _, r := range fw.Rules {
		reg.FirewallRules = append(reg.FirewallRules, proxy.FirewallRule{
			Domain: r.Domain,
			Action: r.Action,
			Final:  r.Final,
		})
	}
	return reg
}

// Factory is the subset of sandbox.Factory the executor needs.
type Factory interface {
	Create(ctx context.Context, cfg sandbox.Config) (*sandbox.Sandbox, error)
	Destroy(ctx context.Context, s *sandbox.Sandbox)
}

// sandboxRunner is the guest-facing operations run_in_sandbox needs.
// *sandbox.Sandbox satisfies it; tests supply a fake.
type sandboxRunner interface {
	SourceIP() string
	Exec(ctx context.Context, command string, timeoutMs uint32, env map[string]string) (hostipc.ExecResult, error)
	WriteFile(ctx context.Context, path string, content []byte, sudo bool) error
	SpawnWatch(ctx context.Context, command string, timeoutMs uint32, env map[string]string) (int32, error)
	WaitExit(ctx context.Context, pid int32) (hostipc.ProcessExitEvent, error)
	Stop(ctx context.Context) error
}

// Config is the static configuration shared by every job this executor
// runs.
type Config struct {
	APIURL     string
	VCPU       int
	MemoryMB   int
	IsSnapshot bool // true when the rootfs boots from a frozen snapshot, not a fresh image
	Registry   ProxyRegistry
	Log        Logger
}

// ExecuteJob runs one claimed job to completion: create the sandbox,
// run the agent inside it, tear the sandbox down, and report the
// outcome. It never returns an error — every failure is translated into
// an exit code and reported via api.Complete so the control plane
// always learns the job's fate.
func ExecuteJob(ctx context.Context, api ControlPlane, factory Factory, jobCtx controlplane.ExecutionContext, cfg Config) {
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	runID := jobCtx.RunID

	job := telemetry.NewJob(cfg.APIURL, runID, jobCtx.SandboxToken, log)

	if jobCtx.APIStartTime != nil {
		nowMs := float64(time.Now().UnixMilli())
		elapsed := nowMs - *jobCtx.APIStartTime
		if elapsed < 0 {
			elapsed = 0
		}
		job.Record("api_to_vm_start", time.Duration(elapsed)*time.Millisecond, true, "")
	}

	exitCode, errMsg := executeInner(ctx, factory, jobCtx, cfg, job, log)

	log.Infof("run %s finished, reporting completion (exit_code=%d)", runID, exitCode)

	if err := api.Complete(ctx, jobCtx.SandboxToken, runID, exitCode, errMsg); err != nil {
		log.Warnf("run %s: completion report failed, retrying: %v", runID, err)
		time.Sleep(2 * time.Second)
		if err := api.Complete(ctx, jobCtx.SandboxToken, runID, exitCode, errMsg); err != nil {
			log.Errorf("run %s: failed to report completion after retry: %v", runID, err)
		}
	}

	job.Flush(ctx)
}

func executeInner(ctx context.Context, factory Factory, jobCtx controlplane.ExecutionContext, cfg Config, job *telemetry.Job, log Logger) (int, string) {
	sandboxID := uuid.New().String()
	sandboxCfg := sandbox.Config{
		ID: sandboxID,
		Resources: sandbox.Resources{
			CPUCount:    cfg.VCPU,
			MemoryMB:    cfg.MemoryMB,
			TimeoutSecs: int(jobTimeout.Seconds()),
		},
	}

	log.Infof("run %s: creating sandbox %s", jobCtx.RunID, sandboxID)
	t0 := time.Now()
	s, err := factory.Create(ctx, sandboxCfg)
	if err != nil {
		job.Record("vm_create", time.Since(t0), false, err.Error())
		return 1, err.Error()
	}

	if err := s.Start(ctx); err != nil {
		job.Record("vm_create", time.Since(t0), false, err.Error())
		factory.Destroy(ctx, s)
		return 1, err.Error()
	}
	job.Record("vm_create", time.Since(t0), true, "")

	sourceIP := s.SourceIP()
	firewallEnabled := jobCtx.Firewall != nil && jobCtx.Firewall.Enabled
	if firewallEnabled && cfg.Registry != nil {
		reg := firewallRegistration(jobCtx.RunID.String(), jobCtx.SandboxToken, jobCtx.Firewall)
		if err := cfg.Registry.RegisterVM(sourceIP, reg); err != nil {
			log.Warnf("run %s: failed to register VM in proxy: %v", jobCtx.RunID, err)
		}
	}

	exitCode, errMsg := runInSandbox(ctx, s, jobCtx, cfg, job)

	t1 := time.Now()
	if firewallEnabled && cfg.Registry != nil {
		if err := cfg.Registry.UnregisterVM(sourceIP); err != nil {
			log.Warnf("run %s: failed to unregister VM from proxy: %v", jobCtx.RunID, err)
		}
	}

	stopErr := s.Stop(ctx)
	if stopErr != nil {
		log.Warnf("sandbox %s: stop failed: %v", sandboxID, stopErr)
	}
	factory.Destroy(ctx, s)

	cleanupErrMsg := ""
	if stopErr != nil {
		cleanupErrMsg = stopErr.Error()
	}
	job.Record("cleanup", time.Since(t1), stopErr == nil, cleanupErrMsg)

	return exitCode, errMsg
}

// runInSandbox steps the job's 6-stage guest flow: clock fix, storage
// hydration, session restore, environment construction, agent spawn,
// and waiting for exit. It returns the exit code and an error message
// (empty on success).
func runInSandbox(ctx context.Context, s sandboxRunner, jobCtx controlplane.ExecutionContext, cfg Config, job *telemetry.Job) (int, string) {
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}

	// 1. Fix guest clock after snapshot restore. Must happen before any
	// HTTPS calls — a stale clock fails TLS certificate validation.
	if cfg.IsSnapshot {
		if err := fixGuestClock(ctx, s); err != nil {
			return 1, err.Error()
		}
	}

	// 2. Download storages.
	if jobCtx.StorageManifest != nil {
		t := time.Now()
		err := downloadStorages(ctx, s, *jobCtx.StorageManifest)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		job.Record("storage_download", time.Since(t), err == nil, errMsg)
		if err != nil {
			return 1, err.Error()
		}
	}

	// 3. Restore session history.
	if jobCtx.ResumeSession != nil {
		t := time.Now()
		err := restoreSession(ctx, s, jobCtx, *jobCtx.ResumeSession)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		job.Record("session_restore", time.Since(t), err == nil, errMsg)
		if err != nil {
			return 1, err.Error()
		}
	}

	// 4. Build environment variables, passed directly over vsock.
	env := buildEnvVars(jobCtx, cfg.APIURL)
	log.Infof("run %s: passing %d env vars via vsock", jobCtx.RunID, len(env))

	// 5. Spawn the agent, redirecting stdout+stderr to a guest log file.
	logFile := fmt.Sprintf("/tmp/ocxrun-system-%s.log", jobCtx.RunID)
	agentCmd := fmt.Sprintf("%s > %s 2>&1", runAgentBin, logFile)
	log.Infof("run %s: spawning agent", jobCtx.RunID)

	t := time.Now()
	pid, err := s.SpawnWatch(ctx, agentCmd, uint32(jobTimeout.Milliseconds()), env)
	if err != nil {
		job.Record("agent_execute", time.Since(t), false, err.Error())
		return 1, err.Error()
	}

	// 6. Wait for exit.
	exit, err := s.WaitExit(ctx, pid)
	success := err == nil && exit.ExitCode == 0
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	job.Record("agent_execute", time.Since(t), success, errMsg)
	if err != nil {
		return 1, err.Error()
	}

	log.Infof("run %s: agent exited with code %d", jobCtx.RunID, exit.ExitCode)

	if exit.ExitCode != 0 {
		stderr := strings.TrimSpace(string(exit.Stderr))
		return int(exit.ExitCode), stderr
	}
	return 0, ""
}

// runAgentBin is the guest-resident entrypoint the executor spawns to
// run the agent payload.
const runAgentBin = "/usr/local/bin/ocx-run-agent"

// storageManifestPath is where the executor writes the storage
// manifest JSON before invoking the guest's download helper.
const storageManifestPath = "/tmp/ocxrun-storage-manifest.json"

// storageDownloadBin is the guest-resident helper that hydrates storage
// mounts from a manifest written to storageManifestPath.
const storageDownloadBin = "/usr/local/bin/ocx-download-storages"

func fixGuestClock(ctx context.Context, s sandboxRunner) error {
	nowSecs := float64(time.Now().UnixNano()) / 1e9
	cmd := fmt.Sprintf("sudo date -s \"@%.3f\"", nowSecs)
	if _, err := s.Exec(ctx, cmd, uint32(defaultExecTimeout.Milliseconds()), nil); err != nil {
		return fmt.Errorf("executor: fix guest clock: %w", err)
	}
	return nil
}

func downloadStorages(ctx context.Context, s sandboxRunner, manifest controlplane.StorageManifest) error {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("executor: marshal storage manifest: %w", err)
	}
	if err := s.WriteFile(ctx, storageManifestPath, manifestJSON, false); err != nil {
		return fmt.Errorf("executor: write storage manifest: %w", err)
	}

	cmd := fmt.Sprintf("%s %s", storageDownloadBin, storageManifestPath)
	result, err := s.Exec(ctx, cmd, uint32(defaultExecTimeout.Milliseconds()), nil)
	if err != nil {
		return fmt.Errorf("executor: download storages: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("executor: storage download failed: %s", strings.TrimSpace(string(result.Stderr)))
	}
	return nil
}

// restoreSession writes a Claude Code session history file into the
// guest's project directory so the agent resumes rather than starts
// fresh. Only claude-code (the default agent type) uses this format;
// other agent types are skipped.
func restoreSession(ctx context.Context, s sandboxRunner, jobCtx controlplane.ExecutionContext, session controlplane.ResumeSession) error {
	if jobCtx.CLIAgentType != "" && jobCtx.CLIAgentType != "claude-code" {
		return nil
	}

	projectName := strings.ReplaceAll(strings.TrimPrefix(jobCtx.WorkingDir, "/"), "/", "-")
	sessionDir := fmt.Sprintf("/home/user/.claude/projects/-%s", projectName)
	sessionPath := fmt.Sprintf("%s/%s.jsonl", sessionDir, session.SessionID)

	mkdirCmd := fmt.Sprintf("mkdir -p %q", sessionDir)
	if _, err := s.Exec(ctx, mkdirCmd, uint32(defaultExecTimeout.Milliseconds()), nil); err != nil {
		return fmt.Errorf("executor: mkdir session dir: %w", err)
	}
	if err := s.WriteFile(ctx, sessionPath, []byte(session.SessionHistory), false); err != nil {
		return fmt.Errorf("executor: write session history: %w", err)
	}
	return nil
}

// buildEnvVars builds the agent's environment, matching the control
// plane's own environment-construction logic key for key (renamed from
// its VM0_ prefix to this project's OCX_ brand).
func buildEnvVars(jobCtx controlplane.ExecutionContext, apiURL string) map[string]string {
	env := map[string]string{
		"OCX_API_URL":     apiURL,
		"OCX_RUN_ID":      jobCtx.RunID.String(),
		"OCX_API_TOKEN":   jobCtx.SandboxToken,
		"OCX_PROMPT":      jobCtx.Prompt,
		"OCX_WORKING_DIR": jobCtx.WorkingDir,
	}

	if jobCtx.APIStartTime != nil {
		env["OCX_API_START_TIME"] = formatFloat(*jobCtx.APIStartTime)
	} else {
		env["OCX_API_START_TIME"] = ""
	}

	if jobCtx.CLIAgentType != "" {
		env["CLI_AGENT_TYPE"] = jobCtx.CLIAgentType
	} else {
		env["CLI_AGENT_TYPE"] = "claude-code"
	}

	if manifest := jobCtx.StorageManifest; manifest != nil && manifest.Artifact != nil {
		env["OCX_ARTIFACT_DRIVER"] = "vas"
		env["OCX_ARTIFACT_MOUNT_PATH"] = manifest.Artifact.MountPath
		env["OCX_ARTIFACT_VOLUME_NAME"] = manifest.Artifact.VolumeName
		env["OCX_ARTIFACT_VERSION_ID"] = manifest.Artifact.VolumeVersionID
	}

	if jobCtx.ResumeSession != nil {
		env["OCX_RESUME_SESSION_ID"] = jobCtx.ResumeSession.SessionID
	}

	if jobCtx.UserTimezone != nil {
		_, hasTZ := jobCtx.Environment["TZ"]
		if !hasTZ {
			env["TZ"] = *jobCtx.UserTimezone
		}
	}

	for k, v := range jobCtx.Environment {
		env[k] = v
	}

	if len(jobCtx.SecretValues) > 0 {
		encoded := make([]string, len(jobCtx.SecretValues))
		for i, v := range jobCtx.SecretValues {
			encoded[i] = base64.StdEncoding.EncodeToString([]byte(v))
		}
		env["OCX_SECRET_VALUES"] = strings.Join(encoded, ",")
	}

	// User vars apply last, overriding anything set above.
	for k, v := range jobCtx.Vars {
		env[k] = v
	}

	return env
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
