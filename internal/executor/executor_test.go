package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sandboxrunner/internal/controlplane"
	"github.com/ocx/sandboxrunner/internal/hostipc"
	"github.com/ocx/sandboxrunner/internal/proxy"
	"github.com/ocx/sandboxrunner/internal/sandbox"
	"github.com/ocx/sandboxrunner/internal/telemetry"
)

func minimalContext() controlplane.ExecutionContext {
	return controlplane.ExecutionContext{
		RunID:        uuid.Nil,
		Prompt:       "test prompt",
		SandboxToken: "tok",
		WorkingDir:   "/workspace",
	}
}

func testJob() *telemetry.Job {
	return telemetry.NewJob("http://unused.invalid", uuid.Nil, "tok", nil)
}

func TestBuildEnvVars_RequiredKeys(t *testing.T) {
	env := buildEnvVars(minimalContext(), "https://api.example.com")

	assert.Equal(t, "https://api.example.com", env["OCX_API_URL"])
	assert.Equal(t, uuid.Nil.String(), env["OCX_RUN_ID"])
	assert.Equal(t, "tok", env["OCX_API_TOKEN"])
	assert.Equal(t, "test prompt", env["OCX_PROMPT"])
	assert.Equal(t, "/workspace", env["OCX_WORKING_DIR"])
}

func TestBuildEnvVars_EmptyCLIAgentTypeDefaultsToClaudeCode(t *testing.T) {
	env := buildEnvVars(minimalContext(), "http://localhost")
	assert.Equal(t, "claude-code", env["CLI_AGENT_TYPE"])
}

func TestBuildEnvVars_CustomCLIAgentType(t *testing.T) {
	ctx := minimalContext()
	ctx.CLIAgentType = "custom-agent"
	env := buildEnvVars(ctx, "http://localhost")
	assert.Equal(t, "custom-agent", env["CLI_AGENT_TYPE"])
}

func TestBuildEnvVars_WithArtifact(t *testing.T) {
	ctx := minimalContext()
	ctx.StorageManifest = &controlplane.StorageManifest{
		Storages: []controlplane.StorageEntry{{MountPath: "/data"}},
		Artifact: &controlplane.ArtifactEntry{
			MountPath:       "/artifacts",
			VolumeName:      "my-vol",
			VolumeVersionID: "v1",
		},
	}

	env := buildEnvVars(ctx, "http://localhost")
	assert.Equal(t, "vas", env["OCX_ARTIFACT_DRIVER"])
	assert.Equal(t, "/artifacts", env["OCX_ARTIFACT_MOUNT_PATH"])
	assert.Equal(t, "my-vol", env["OCX_ARTIFACT_VOLUME_NAME"])
	assert.Equal(t, "v1", env["OCX_ARTIFACT_VERSION_ID"])
}

func TestBuildEnvVars_WithSecrets(t *testing.T) {
	ctx := minimalContext()
	ctx.SecretValues = []string{"secret1", "secret2"}

	env := buildEnvVars(ctx, "http://localhost")
	parts := strings.Split(env["OCX_SECRET_VALUES"], ",")
	require.Len(t, parts, 2)
	decoded, err := base64.StdEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.Equal(t, "secret1", string(decoded))
}

func TestBuildEnvVars_EmptySecretsOmitted(t *testing.T) {
	ctx := minimalContext()
	ctx.SecretValues = []string{}

	env := buildEnvVars(ctx, "http://localhost")
	_, ok := env["OCX_SECRET_VALUES"]
	assert.False(t, ok)
}

func TestBuildEnvVars_WithResumeSession(t *testing.T) {
	ctx := minimalContext()
	ctx.ResumeSession = &controlplane.ResumeSession{SessionID: "sess-123", SessionHistory: "{}"}

	env := buildEnvVars(ctx, "http://localhost")
	assert.Equal(t, "sess-123", env["OCX_RESUME_SESSION_ID"])
}

func TestBuildEnvVars_UserVarsOverride(t *testing.T) {
	ctx := minimalContext()
	ctx.Vars = map[string]string{"OCX_PROMPT": "overridden", "CUSTOM": "value"}

	env := buildEnvVars(ctx, "http://localhost")
	assert.Equal(t, "overridden", env["OCX_PROMPT"])
	assert.Equal(t, "value", env["CUSTOM"])
}

func TestBuildEnvVars_WithEnvironment(t *testing.T) {
	ctx := minimalContext()
	ctx.Environment = map[string]string{"MY_VAR": "123", "OTHER": "abc"}

	env := buildEnvVars(ctx, "http://localhost")
	assert.Equal(t, "123", env["MY_VAR"])
	assert.Equal(t, "abc", env["OTHER"])
}

func TestBuildEnvVars_WithAPIStartTime(t *testing.T) {
	ctx := minimalContext()
	startTime := 1700000000.5
	ctx.APIStartTime = &startTime

	env := buildEnvVars(ctx, "http://localhost")
	assert.Equal(t, "1700000000.5", env["OCX_API_START_TIME"])
}

func TestBuildEnvVars_WithUserTimezone(t *testing.T) {
	ctx := minimalContext()
	tz := "Asia/Shanghai"
	ctx.UserTimezone = &tz

	env := buildEnvVars(ctx, "http://localhost")
	assert.Equal(t, "Asia/Shanghai", env["TZ"])
}

func TestBuildEnvVars_UserTimezoneDoesNotOverrideEnvironment(t *testing.T) {
	ctx := minimalContext()
	tz := "Asia/Shanghai"
	ctx.UserTimezone = &tz
	ctx.Environment = map[string]string{"TZ": "America/New_York"}

	env := buildEnvVars(ctx, "http://localhost")
	assert.Equal(t, "America/New_York", env["TZ"])
}

// fakeSandboxRunner is an in-memory stand-in for *sandbox.Sandbox used to
// exercise runInSandbox without a real microVM.
type fakeSandboxRunner struct {
	sourceIP string

	execCalls  []string
	execErr    error
	execResult hostipc.ExecResult

	writeFileCalls []string
	writeFileErr   error

	spawnPID int32
	spawnErr error

	waitExitResult hostipc.ProcessExitEvent
	waitExitErr    error
}

func (f *fakeSandboxRunner) SourceIP() string { return f.sourceIP }

func (f *fakeSandboxRunner) Exec(ctx context.Context, command string, timeoutMs uint32, env map[string]string) (hostipc.ExecResult, error) {
	f.execCalls = append(f.execCalls, command)
	return f.execResult, f.execErr
}

func (f *fakeSandboxRunner) WriteFile(ctx context.Context, path string, content []byte, sudo bool) error {
	f.writeFileCalls = append(f.writeFileCalls, path)
	return f.writeFileErr
}

func (f *fakeSandboxRunner) SpawnWatch(ctx context.Context, command string, timeoutMs uint32, env map[string]string) (int32, error) {
	return f.spawnPID, f.spawnErr
}

func (f *fakeSandboxRunner) WaitExit(ctx context.Context, pid int32) (hostipc.ProcessExitEvent, error) {
	return f.waitExitResult, f.waitExitErr
}

func (f *fakeSandboxRunner) Stop(ctx context.Context) error { return nil }

func TestRunInSandbox_HappyPath(t *testing.T) {
	fake := &fakeSandboxRunner{
		waitExitResult: hostipc.ProcessExitEvent{ExitCode: 0, Stdout: []byte("ok")},
	}
	jobCtx := minimalContext()

	code, errMsg := runInSandbox(context.Background(), fake, jobCtx, Config{APIURL: "http://api"}, testJob())
	assert.Equal(t, 0, code)
	assert.Empty(t, errMsg)
}

func TestRunInSandbox_NonZeroExitReturnsStderr(t *testing.T) {
	fake := &fakeSandboxRunner{
		waitExitResult: hostipc.ProcessExitEvent{ExitCode: 7, Stderr: []byte("boom\n")},
	}
	jobCtx := minimalContext()

	code, errMsg := runInSandbox(context.Background(), fake, jobCtx, Config{APIURL: "http://api"}, testJob())
	assert.Equal(t, 7, code)
	assert.Equal(t, "boom", errMsg)
}

func TestRunInSandbox_SpawnFailureReturnsError(t *testing.T) {
	fake := &fakeSandboxRunner{spawnErr: errors.New("spawn failed")}
	jobCtx := minimalContext()

	code, errMsg := runInSandbox(context.Background(), fake, jobCtx, Config{APIURL: "http://api"}, testJob())
	assert.Equal(t, 1, code)
	assert.Contains(t, errMsg, "spawn failed")
}

func TestRunInSandbox_FixesClockWhenSnapshot(t *testing.T) {
	fake := &fakeSandboxRunner{
		waitExitResult: hostipc.ProcessExitEvent{ExitCode: 0},
	}
	jobCtx := minimalContext()

	_, _ = runInSandbox(context.Background(), fake, jobCtx, Config{APIURL: "http://api", IsSnapshot: true}, testJob())
	require.NotEmpty(t, fake.execCalls)
	assert.Contains(t, fake.execCalls[0], "date -s")
}

func TestRunInSandbox_DownloadsStorageWhenManifestPresent(t *testing.T) {
	fake := &fakeSandboxRunner{
		waitExitResult: hostipc.ProcessExitEvent{ExitCode: 0},
	}
	jobCtx := minimalContext()
	jobCtx.StorageManifest = &controlplane.StorageManifest{
		Storages: []controlplane.StorageEntry{{MountPath: "/data"}},
	}

	_, _ = runInSandbox(context.Background(), fake, jobCtx, Config{APIURL: "http://api"}, testJob())
	require.Len(t, fake.writeFileCalls, 1)
	assert.Equal(t, storageManifestPath, fake.writeFileCalls[0])
	require.Len(t, fake.execCalls, 1)
	assert.Contains(t, fake.execCalls[0], storageDownloadBin)
}

func TestRunInSandbox_RestoresSessionOnlyForClaudeCode(t *testing.T) {
	fake := &fakeSandboxRunner{
		waitExitResult: hostipc.ProcessExitEvent{ExitCode: 0},
	}
	jobCtx := minimalContext()
	jobCtx.CLIAgentType = "other-agent"
	jobCtx.ResumeSession = &controlplane.ResumeSession{SessionID: "s1", SessionHistory: "{}"}

	_, _ = runInSandbox(context.Background(), fake, jobCtx, Config{APIURL: "http://api"}, testJob())
	assert.Empty(t, fake.writeFileCalls)
}

func TestRunInSandbox_RestoresSessionForClaudeCode(t *testing.T) {
	fake := &fakeSandboxRunner{
		waitExitResult: hostipc.ProcessExitEvent{ExitCode: 0},
	}
	jobCtx := minimalContext()
	jobCtx.ResumeSession = &controlplane.ResumeSession{SessionID: "s1", SessionHistory: "history"}

	_, _ = runInSandbox(context.Background(), fake, jobCtx, Config{APIURL: "http://api"}, testJob())
	require.Len(t, fake.writeFileCalls, 1)
	assert.Contains(t, fake.writeFileCalls[0], "s1.jsonl")
}

func TestFirewallRegistration_DefaultsMitmAndSealSecretsToEnabled(t *testing.T) {
	reg := firewallRegistration("run-1", "tok-abc", &controlplane.FirewallConfig{Enabled: true})

	assert.Equal(t, "run-1", reg.RunID)
	assert.Equal(t, "tok-abc", reg.SandboxToken)
	assert.True(t, reg.MitmEnabled)
	assert.True(t, reg.SealSecretsEnabled)
	assert.Empty(t, reg.FirewallRules)
}

func TestFirewallRegistration_ExplicitOverridesWin(t *testing.T) {
	mitm := false
	sealSecrets := true
	reg := firewallRegistration("run-1", "tok-abc", &controlplane.FirewallConfig{
		Enabled:                 true,
		ExperimentalMitm:        &mitm,
		ExperimentalSealSecrets: &sealSecrets,
		Rules: []controlplane.FirewallRule{
			{Domain: "*.example.com", Action: "ALLOW"},
			{Final: "DENY"},
		},
	})

	assert.False(t, reg.MitmEnabled)
	assert.True(t, reg.SealSecretsEnabled)
	require.Equal(t, []proxy.FirewallRule{
		{Domain: "*.example.com", Action: "ALLOW"},
		{Final: "DENY"},
	}, reg.FirewallRules)
}

// --- ExecuteJob-level fakes ---

type stubFactory struct {
	createErr error
}

func (f *stubFactory) Create(ctx context.Context, cfg sandbox.Config) (*sandbox.Sandbox, error) {
	return nil, f.createErr
}

func (f *stubFactory) Destroy(ctx context.Context, s *sandbox.Sandbox) {}

type fakeControlPlane struct {
	completeCalls int
	failUntil     int
	lastExitCode  int
	lastErr       string
}

func (f *fakeControlPlane) Complete(ctx context.Context, sandboxToken string, runID uuid.UUID, exitCode int, errMsg string) error {
	f.completeCalls++
	f.lastExitCode = exitCode
	f.lastErr = errMsg
	if f.completeCalls <= f.failUntil {
		return errors.New("complete failed")
	}
	return nil
}

func TestExecuteJob_ReportsFailureWhenSandboxCreateFails(t *testing.T) {
	cp := &fakeControlPlane{}
	factory := &stubFactory{createErr: errors.New("create failed")}

	ExecuteJob(context.Background(), cp, factory, minimalContext(), Config{APIURL: "http://api"})

	assert.Equal(t, 1, cp.completeCalls)
	assert.Equal(t, 1, cp.lastExitCode)
	assert.Contains(t, cp.lastErr, "create failed")
}

func TestExecuteJob_RetriesCompleteOnceOnFailure(t *testing.T) {
	cp := &fakeControlPlane{failUntil: 1}
	factory := &stubFactory{createErr: errors.New("create failed")}

	start := time.Now()
	ExecuteJob(context.Background(), cp, factory, minimalContext(), Config{APIURL: "http://api"})
	elapsed := time.Since(start)

	assert.Equal(t, 2, cp.completeCalls)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
}
