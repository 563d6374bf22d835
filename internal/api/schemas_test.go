package api_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"suiterunner/internal/api"
	"suiterunner/internal/models"
)

func TestSubmitRunRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		request api.SubmitRunRequest
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid request",
			request: api.SubmitRunRequest{Suite: "smoke/login.robot", Args: []string{"--include", "smoke"}},
		},
		{
			name:    "no args",
			request: api.SubmitRunRequest{Suite: "smoke/login.robot"},
		},
		{
			name:    "empty suite",
			request: api.SubmitRunRequest{Suite: ""},
			wantErr: true,
			errMsg:  "suite is empty",
		},
		{
			name:    "whitespace suite",
			request: api.SubmitRunRequest{Suite: "   "},
			wantErr: true,
			errMsg:  "suite is empty",
		},
		{
			name:    "NUL in argument",
			request: api.SubmitRunRequest{Suite: "a.sh", Args: []string{"ok", "bad\x00"}},
			wantErr: true,
			errMsg:  "argument 2 contains a NUL byte",
		},
		{
			name:    "multiple validation errors",
			request: api.SubmitRunRequest{Suite: "", Args: []string{"\x00"}},
			wantErr: true,
			errMsg:  "suite is empty\nargument 1 contains a NUL byte",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, tt.request.Args)
			}
		})
	}
}

func TestSchedulerRequest_Validate(t *testing.T) {
	assert.NoError(t, (&api.SchedulerRequest{MaxConcurrency: 1}).Validate())
	assert.EqualError(t, (&api.SchedulerRequest{MaxConcurrency: 0}).Validate(), "maxConcurrency must be >= 1")
}

func TestParseRunFilter(t *testing.T) {
	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	filter, err := api.ParseRunFilter(url.Values{
		"status": {"queued,running", "failed"},
		"since":  {since.Format(time.RFC3339)},
		"limit":  {"20"},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.RunStatus{models.RunStatusQueued, models.RunStatusRunning, models.RunStatusFailed}, filter.Statuses)
	assert.True(t, filter.Since.Time.Equal(since))
	assert.False(t, filter.Until.Valid)
	assert.Equal(t, 20, filter.Limit)

	empty, err := api.ParseRunFilter(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, models.RunFilter{}, empty)

	_, err = api.ParseRunFilter(url.Values{"status": {"done"}, "until": {"tomorrow"}, "limit": {"x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown run status "done"`)
	assert.Contains(t, err.Error(), "until must be an RFC3339 timestamp")
	assert.Contains(t, err.Error(), "limit must be a non-negative integer")
}
