// Package controlplane is the REST client the dispatcher and executor use
// to poll for work, claim a job, and report completion back to the OCX
// control plane API.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/sandboxrunner/internal/realtime"
)

const requestTimeout = 10 * time.Second

// ErrAlreadyClaimed is returned by Claim when another runner beat this
// one to the job (HTTP 409).
var ErrAlreadyClaimed = errors.New("controlplane: job already claimed")

// Job is the minimal shape returned by Poll.
type Job struct {
	RunID uuid.UUID `json:"runId"`
}

// StorageEntry is one mount the executor must hydrate before the agent
// runs.
type StorageEntry struct {
	MountPath string  `json:"mountPath"`
	ArchiveURL *string `json:"archiveUrl,omitempty"`
}

// ArtifactEntry is the single mount the executor uploads results into.
type ArtifactEntry struct {
	MountPath       string  `json:"mountPath"`
	ArchiveURL      *string `json:"archiveUrl,omitempty"`
	VolumeName      string  `json:"vasStorageName"`
	VolumeVersionID string  `json:"vasVersionId"`
}

// StorageManifest describes every storage mount for a job.
type StorageManifest struct {
	Storages []StorageEntry `json:"storages"`
	Artifact *ArtifactEntry `json:"artifact,omitempty"`
}

// ResumeSession carries a prior agent session to resume.
type ResumeSession struct {
	SessionID      string `json:"sessionId"`
	SessionHistory string `json:"sessionHistory"`
}

// FirewallRule is one network-egress rule: either a domain match with an
// allow/deny action, or a catch-all final action with no domain.
type FirewallRule struct {
	Domain string `json:"domain,omitempty"`
	Action string `json:"action,omitempty"`
	Final  string `json:"final,omitempty"`
}

// FirewallConfig is the per-run network-interception configuration. Mitm
// and seal-secrets default to Enabled's value unless explicitly overridden.
type FirewallConfig struct {
	Enabled                 bool           `json:"enabled"`
	Rules                   []FirewallRule `json:"rules,omitempty"`
	ExperimentalMitm        *bool          `json:"experimental_mitm,omitempty"`
	ExperimentalSealSecrets *bool          `json:"experimental_seal_secrets,omitempty"`
}

// ExecutionContext is everything the executor needs to run one job,
// returned by a successful Claim.
type ExecutionContext struct {
	RunID           uuid.UUID         `json:"runId"`
	Prompt          string            `json:"prompt"`
	Vars            map[string]string `json:"vars,omitempty"`
	SandboxToken    string            `json:"sandboxToken"`
	WorkingDir      string            `json:"workingDir"`
	StorageManifest *StorageManifest  `json:"storageManifest,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	ResumeSession   *ResumeSession    `json:"resumeSession,omitempty"`
	SecretValues    []string          `json:"secretValues,omitempty"`
	CLIAgentType    string            `json:"cliAgentType"`
	Firewall        *FirewallConfig   `json:"experimentalFirewall,omitempty"`
	APIStartTime    *float64          `json:"apiStartTime,omitempty"`
	UserTimezone    *string           `json:"userTimezone,omitempty"`
}

// Client talks to the control plane's runner-facing HTTP endpoints.
type Client struct {
	httpClient *http.Client
	apiURL     string
	token      string
}

// NewClient builds a client authenticating with the runner-group token.
func NewClient(apiURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		apiURL:     apiURL,
		token:      token,
	}
}

// Poll asks for a single pending job in group. Returns (nil, nil) when
// no work is available.
func (c *Client) Poll(ctx context.Context, group string) (*Job, error) {
	body, _ := json.Marshal(map[string]string{"group": group})

	var resp struct {
		Job *Job `json:"job"`
	}
	if err := c.doAuth(ctx, http.MethodPost, "/api/runners/poll", c.token, body, &resp); err != nil {
		return nil, fmt.Errorf("controlplane: poll: %w", err)
	}
	return resp.Job, nil
}

// Claim takes ownership of runID for execution. Returns ErrAlreadyClaimed
// if another runner claimed it first.
func (c *Client) Claim(ctx context.Context, runID uuid.UUID) (*ExecutionContext, error) {
	url := fmt.Sprintf("/api/runners/jobs/%s/claim", runID)

	var ctxResp ExecutionContext
	err := c.doAuth(ctx, http.MethodPost, url, c.token, []byte("{}"), &ctxResp)
	if err != nil {
		if errors.Is(err, errConflict) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("controlplane: claim %s: %w", runID, err)
	}
	return &ctxResp, nil
}

// Complete reports a finished run, authenticating with the job's own
// sandbox token rather than the runner-group token.
func (c *Client) Complete(ctx context.Context, sandboxToken string, runID uuid.UUID, exitCode int, errMsg string) error {
	body, _ := json.Marshal(struct {
		RunID    uuid.UUID `json:"runId"`
		ExitCode int       `json:"exitCode"`
		Error    string    `json:"error,omitempty"`
	}{RunID: runID, ExitCode: exitCode, Error: errMsg})

	if err := c.doAuth(ctx, http.MethodPost, "/api/webhooks/agent/complete", sandboxToken, body, nil); err != nil {
		return fmt.Errorf("controlplane: complete %s: %w", runID, err)
	}
	return nil
}

// RealtimeToken requests a freshly signed realtime.TokenRequest for
// group, normally produced server-side from a key the runner never
// holds directly. Suitable as a realtime.GetTokenFunc once bound to a
// group: func(ctx) { return c.RealtimeToken(ctx, group) }.
func (c *Client) RealtimeToken(ctx context.Context, group string) (realtime.TokenRequest, error) {
	body, _ := json.Marshal(map[string]string{"group": group})

	var tok realtime.TokenRequest
	if err := c.doAuth(ctx, http.MethodPost, "/api/runners/realtime-token", c.token, body, &tok); err != nil {
		return realtime.TokenRequest{}, fmt.Errorf("controlplane: realtime token: %w", err)
	}
	return tok, nil
}

var errConflict = errors.New("controlplane: conflict")

// doAuth issues an authenticated JSON request and decodes the response
// body into out (skipped if out is nil).
func (c *Client) doAuth(ctx context.Context, method, path, bearer string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
