package api_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"suiterunner/internal/api"
	"suiterunner/internal/models"
)

func TestRunRouter_SubmitAndGet(t *testing.T) {
	ts := newTestServer(t, api.Config{UseSSE: true})

	resp := ts.do(t, http.MethodPost, "/api/runs", api.SubmitRunRequest{Suite: "pass.sh", Args: []string{"-v"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	queued := decode[models.Run](t, resp)
	assert.NotEmpty(t, queued.ID)
	assert.Equal(t, models.RunStatusQueued, queued.Status)
	assert.Equal(t, models.Arguments{"-v"}, queued.SuiteArgs)

	ts.waitTerminal(t, queued.ID)

	resp = ts.do(t, http.MethodGet, "/api/runs/"+queued.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[models.Run](t, resp)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, int64(0), run.ExitCode.Int64)

	resp = ts.do(t, http.MethodGet, "/api/runs?status=succeeded", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decode[[]models.Run](t, resp)
	require.Len(t, runs, 1)
	assert.Equal(t, queued.ID, runs[0].ID)

	resp = ts.do(t, http.MethodGet, "/api/runs?status=failed,cancelled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]models.Run](t, resp))
}

func TestRunRouter_SubmitRejected(t *testing.T) {
	ts := newTestServer(t, api.Config{UseSSE: true})

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", "{"},
		{"empty suite", api.SubmitRunRequest{Suite: "  "}},
		{"escaping suite", api.SubmitRunRequest{Suite: "../pass.sh"}},
		{"missing suite", api.SubmitRunRequest{Suite: "nope.sh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp := ts.do(t, http.MethodGet, "/api/runs", nil)
	assert.Empty(t, decode[[]models.Run](t, resp))
}

func TestRunRouter_ListValidation(t *testing.T) {
	ts := newTestServer(t, api.Config{UseSSE: true})

	for _, query := range []string{"status=bogus", "since=yesterday", "limit=-1"} {
		resp := ts.do(t, http.MethodGet, "/api/runs?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestRunRouter_NotFound(t *testing.T) {
	ts := newTestServer(t, api.Config{UseSSE: true})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/runs/missing"},
		{http.MethodPost, "/api/runs/missing/cancel"},
		{http.MethodGet, "/api/runs/missing/logs"},
		{http.MethodGet, "/api/runs/missing/log"},
		{http.MethodGet, "/api/runs/missing/failures"},
	} {
		resp := ts.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
	}
}

func TestRunRouter_CancelRunning(t *testing.T) {
	ts := newTestServer(t, api.Config{UseSSE: true})

	run := ts.submit(t, "hold.sh")
	ts.handleOf(t, run.ID)

	resp := ts.do(t, http.MethodPost, "/api/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ended := ts.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusCancelled, ended.Status)
	assert.Equal(t, models.ReasonCancelled, ended.Reason.String)

	resp = ts.do(t, http.MethodPost, "/api/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "cancelling a terminal run is a no-op")
	assert.Equal(t, models.RunStatusCancelled, decode[models.Run](t, resp).Status)
}

func TestRunRouter_Failures(t *testing.T) {
	ts := newTestServer(t, api.Config{UseSSE: true})

	run := ts.submit(t, "fail.sh")
	ts.waitTerminal(t, run.ID)

	resp := ts.do(t, http.MethodGet, "/api/runs/"+run.ID+"/failures", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	failures := decode[[]models.RunFailure](t, resp)
	require.Len(t, failures, 1)
	assert.Equal(t, models.FailureNonZeroExit, failures[0].ErrorType)

	passed := ts.submit(t, "pass.sh")
	ts.waitTerminal(t, passed.ID)
	resp = ts.do(t, http.MethodGet, "/api/runs/"+passed.ID+"/failures", nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(body))
}

func TestRunRouter_GetLog(t *testing.T) {
	ts := newTestServer(t, api.Config{UseSSE: false})

	run := ts.submit(t, "pass.sh")
	ts.waitTerminal(t, run.ID)

	resp := ts.do(t, http.MethodGet, "/api/runs/"+run.ID+"/log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", string(body))
	assert.Equal(t, "4", resp.Header.Get("X-Next-Sequence"))
	assert.Equal(t, "succeeded", resp.Header.Get("X-Run-Status"))

	resp = ts.do(t, http.MethodGet, "/api/runs/"+run.ID+"/log?from=2", nil)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "three\nfour\n", string(body))

	resp = ts.do(t, http.MethodGet, "/api/runs/"+run.ID+"/logs", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "push streaming is disabled")
}
