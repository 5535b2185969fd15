// Package telemetry buffers per-job sandbox operation records and flushes
// them to the control plane, automatically on a time threshold and
// unconditionally at job end.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// flushThreshold is how long a pending op may sit buffered before an
// automatic fire-and-forget flush is triggered.
const flushThreshold = 30 * time.Second

const telemetryTimeout = 5 * time.Second

// Logger is the minimal logging surface telemetry needs.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

type sandboxOp struct {
	Timestamp  string `json:"ts"`
	ActionType string `json:"action_type"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type payload struct {
	RunID             string      `json:"runId"`
	SandboxOperations []sandboxOp `json:"sandboxOperations"`
}

// Job is a per-job telemetry collector. It is not safe for concurrent
// use from multiple goroutines; one is created per executing job.
type Job struct {
	httpClient   *http.Client
	apiURL       string
	runID        uuid.UUID
	sandboxToken string
	log          Logger

	pending       []sandboxOp
	oldestPending time.Time
}

// NewJob creates a telemetry collector for one job.
func NewJob(apiURL string, runID uuid.UUID, sandboxToken string, log Logger) *Job {
	if log == nil {
		log = nopLogger{}
	}
	return &Job{
		httpClient:   &http.Client{Timeout: telemetryTimeout},
		apiURL:       apiURL,
		runID:        runID,
		sandboxToken: sandboxToken,
		log:          log,
	}
}

// Record buffers a timed operation, auto-flushing (fire-and-forget) if
// the oldest pending entry has aged past flushThreshold.
func (j *Job) Record(actionType string, duration time.Duration, success bool, errMsg string) {
	j.pending = append(j.pending, sandboxOp{
		Timestamp:  time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		ActionType: actionType,
		DurationMs: duration.Milliseconds(),
		Success:    success,
		Error:      errMsg,
	})
	if j.oldestPending.IsZero() {
		j.oldestPending = time.Now()
	}

	if time.Since(j.oldestPending) >= flushThreshold {
		j.fireAndForgetFlush()
	}
}

// fireAndForgetFlush spawns a best-effort background flush and clears
// the buffer immediately so Record doesn't block on it.
func (j *Job) fireAndForgetFlush() {
	ops := j.pending
	j.pending = nil
	j.oldestPending = time.Time{}

	go j.send(context.Background(), ops)
}

// Flush performs a final, awaited flush. Call once at job end; the Job
// must not be used afterward.
func (j *Job) Flush(ctx context.Context) {
	if len(j.pending) == 0 {
		return
	}
	ops := j.pending
	j.pending = nil
	j.send(ctx, ops)
}

func (j *Job) send(ctx context.Context, ops []sandboxOp) {
	if len(ops) == 0 {
		return
	}

	body, err := json.Marshal(payload{RunID: j.runID.String(), SandboxOperations: ops})
	if err != nil {
		j.log.Warnf("telemetry: marshal payload for run %s: %v", j.runID, err)
		return
	}

	url := j.apiURL + "/api/webhooks/agent/telemetry"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		j.log.Warnf("telemetry: build request for run %s: %v", j.runID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.sandboxToken)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		j.log.Warnf("telemetry: flush failed for run %s: %v", j.runID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		j.log.Warnf("telemetry: flush rejected for run %s: %s", j.runID, resp.Status)
	}
}
