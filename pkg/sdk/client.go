// Package sdk is the public surface for embedding an OCX sandbox
// runner's control-plane client in another program — a custom
// dispatcher, a monitoring tool, or a test harness that needs to poll,
// claim, and complete jobs without pulling in the full runner binary.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    APIURL: "https://control-plane.example.com",
//	    Token:  os.Getenv("OCX_API_TOKEN"),
//	})
//
//	job, err := client.PollJob(ctx, "default")
//	if err != nil || job == nil {
//	    return err // no work available
//	}
//	jobCtx, err := client.ClaimJob(ctx, job.RunID)
//	if errors.Is(err, sdk.ErrAlreadyClaimed) {
//	    return nil // another runner won the claim race
//	}
package sdk

import (
	"context"

	"github.com/google/uuid"

	"github.com/ocx/sandboxrunner/internal/controlplane"
)

// Re-exported so callers never need to import internal/controlplane
// directly.
type (
	Job              = controlplane.Job
	ExecutionContext = controlplane.ExecutionContext
	StorageManifest  = controlplane.StorageManifest
	StorageEntry     = controlplane.StorageEntry
	ArtifactEntry    = controlplane.ArtifactEntry
	ResumeSession    = controlplane.ResumeSession
	FirewallConfig   = controlplane.FirewallConfig
)

// ErrAlreadyClaimed is returned by ClaimJob when another runner won the
// claim race for the same run.
var ErrAlreadyClaimed = controlplane.ErrAlreadyClaimed

// Config holds the SDK client's configuration.
type Config struct {
	// APIURL is the control plane's base URL (required).
	APIURL string

	// Token authenticates this runner group's requests (required).
	Token string
}

// Client is a thin wrapper over internal/controlplane.Client, exposing
// the runner's own job-lifecycle calls for embedding in other programs.
type Client struct {
	inner *controlplane.Client
}

// NewClient builds a Client authenticating with cfg's runner-group
// token.
func NewClient(cfg Config) *Client {
	return &Client{inner: controlplane.NewClient(cfg.APIURL, cfg.Token)}
}

// PollJob asks for a single pending job in group. Returns (nil, nil)
// when no work is currently available.
func (c *Client) PollJob(ctx context.Context, group string) (*Job, error) {
	return c.inner.Poll(ctx, group)
}

// ClaimJob takes ownership of runID for execution. Returns
// ErrAlreadyClaimed if another runner claimed it first.
func (c *Client) ClaimJob(ctx context.Context, runID uuid.UUID) (*ExecutionContext, error) {
	return c.inner.Claim(ctx, runID)
}

// CompleteJob reports a claimed job's outcome back to the control
// plane. errMsg should be empty on success.
func (c *Client) CompleteJob(ctx context.Context, sandboxToken string, runID uuid.UUID, exitCode int, errMsg string) error {
	return c.inner.Complete(ctx, sandboxToken, runID, exitCode, errMsg)
}
