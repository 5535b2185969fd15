package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollJob_ReturnsJobWhenAvailable(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"job": map[string]string{"runId": runID.String()}})
	}))
	defer srv.Close()

	client := NewClient(Config{APIURL: srv.URL, Token: "tok"})
	job, err := client.PollJob(context.Background(), "default")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, runID, job.RunID)
}

func TestClaimJob_ReturnsErrAlreadyClaimed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(Config{APIURL: srv.URL, Token: "tok"})
	_, err := client.ClaimJob(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrAlreadyClaimed))
}

func TestCompleteJob_SendsExitCodeAndError(t *testing.T) {
	runID := uuid.New()
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sandbox-token", r.Header.Get("Authorization"))
		json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer srv.Close()

	client := NewClient(Config{APIURL: srv.URL, Token: "group-token"})
	err := client.CompleteJob(context.Background(), "sandbox-token", runID, 1, "boom")
	require.NoError(t, err)
	assert.Equal(t, runID.String(), gotBody["runId"])
	assert.Equal(t, float64(1), gotBody["exitCode"])
	assert.Equal(t, "boom", gotBody["error"])
}
