package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/core"
)

func testHTTPConfig(url string) config.HTTP {
	return config.HTTP{
		ServiceURL:           url,
		RequestTimeout:       5 * time.Second,
		RetriesTimeout:       500 * time.Millisecond,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     20 * time.Millisecond,
	}
}

func writeTestEnvelope(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(core.ErrorEnvelope{Error: core.ErrorDetail{
		Type:             errType,
		ExceptionMessage: msg,
		StatusCode:       status,
	}})
}

func TestSendRetriesDeadlockThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			writeTestEnvelope(w, http.StatusLocked, "DeadlockError", "deadlock detected, retry the request")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tool_id": 7}`))
	}))
	defer ts.Close()

	rq := NewRequester(testHTTPConfig(ts.URL))
	var resp core.BindToolResponse
	err := rq.Send(context.Background(), http.MethodPost, "/tool", core.BindToolRequest{Name: "demo"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.ToolID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeTestEnvelope(w, http.StatusInternalServerError, "ServerError", "boom")
	}))
	defer ts.Close()

	rq := NewRequester(testHTTPConfig(ts.URL))
	err := rq.Send(context.Background(), http.MethodGet, "/health", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRetryBudgetExceeded)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ServerError", apiErr.Type)
	assert.Equal(t, "boom", apiErr.Message)
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "server errors must be retried")
}

func TestSendDoesNotRetryUsageErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeTestEnvelope(w, http.StatusBadRequest, "InvalidUsageError", "tool_name is required")
	}))
	defer ts.Close()

	rq := NewRequester(testHTTPConfig(ts.URL))
	err := rq.Send(context.Background(), http.MethodPost, "/tool", core.BindToolRequest{}, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "InvalidUsageError", apiErr.Type)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "usage errors are not retried")
	assert.NotErrorIs(t, err, core.ErrRetryBudgetExceeded)
}

func TestAPIErrorMapsSentinels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTestEnvelope(w, http.StatusNotFound, "NotFoundError", "workflow: entity not found")
	}))
	defer ts.Close()

	rq := NewRequester(testHTTPConfig(ts.URL))
	err := rq.Send(context.Background(), http.MethodGet, "/workflow/99/status", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSendAttachesLogContext(t *testing.T) {
	var header string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Server-Structlog-Context")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	rq := NewRequester(testHTTPConfig(ts.URL))
	rq.SetLogContext(map[string]any{"workflow_run_id": 41})
	require.NoError(t, rq.Send(context.Background(), http.MethodGet, "/time", nil, nil))

	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(header), &fields))
	assert.Equal(t, float64(41), fields["workflow_run_id"])
}

func TestSendHonorsContextCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTestEnvelope(w, http.StatusLocked, "DeadlockError", "still locked")
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := testHTTPConfig(ts.URL)
	cfg.RetriesTimeout = time.Minute
	rq := NewRequester(cfg)
	err := rq.Send(ctx, http.MethodGet, "/time", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRetriesConnectionErrors(t *testing.T) {
	// A closed server makes every dial fail, spending the whole budget.
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ts.Close()

	cfg := testHTTPConfig(ts.URL)
	cfg.RetriesTimeout = 100 * time.Millisecond
	rq := NewRequester(cfg)
	err := rq.Send(context.Background(), http.MethodGet, "/health", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRetryBudgetExceeded)
}
