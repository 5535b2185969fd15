package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob_StartsEmpty(t *testing.T) {
	j := NewJob("http://localhost", uuid.Nil, "tok", nil)
	assert.Empty(t, j.pending)
	assert.True(t, j.oldestPending.IsZero())
}

func TestRecord_BuffersOps(t *testing.T) {
	j := NewJob("http://localhost", uuid.Nil, "tok", nil)

	j.Record("vm_create", 500*time.Millisecond, true, "")
	j.Record("agent_execute", 10*time.Second, false, "timeout")

	require.Len(t, j.pending, 2)
	assert.Equal(t, "vm_create", j.pending[0].ActionType)
	assert.Equal(t, int64(500), j.pending[0].DurationMs)
	assert.True(t, j.pending[0].Success)
	assert.Empty(t, j.pending[0].Error)
	assert.Equal(t, "agent_execute", j.pending[1].ActionType)
	assert.False(t, j.pending[1].Success)
	assert.Equal(t, "timeout", j.pending[1].Error)
	assert.False(t, j.oldestPending.IsZero())
}

func TestFlush_SendsPayloadAndClearsBuffer(t *testing.T) {
	var mu sync.Mutex
	var gotPayload payload
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runID := uuid.New()
	j := NewJob(srv.URL, runID, "secret-token", nil)
	j.Record("vm_create", 100*time.Millisecond, true, "")

	j.Flush(context.Background())

	assert.Empty(t, j.pending)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, runID.String(), gotPayload.RunID)
	require.Len(t, gotPayload.SandboxOperations, 1)
	assert.Equal(t, "vm_create", gotPayload.SandboxOperations[0].ActionType)
}

func TestFlush_NoOpWhenEmpty(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	j := NewJob(srv.URL, uuid.New(), "tok", nil)
	j.Flush(context.Background())
	assert.False(t, called)
}

func TestRecord_AutoFlushesWhenThresholdAged(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := NewJob(srv.URL, uuid.New(), "tok", nil)
	j.Record("vm_create", time.Millisecond, true, "")
	j.oldestPending = time.Now().Add(-flushThreshold - time.Second)

	j.Record("cleanup", time.Millisecond, true, "")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, j.pending)
}
