package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"suiterunner/internal/models"
	"suiterunner/internal/queue"
)

func TestNewRunEvent(t *testing.T) {
	submitted := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	run := models.Run{
		ID:          "run-1",
		SuitePath:   "smoke/login.robot",
		SuiteArgs:   models.Arguments{"-v"},
		Status:      models.RunStatusFailed,
		SubmittedAt: submitted,
		StartedAt:   null.TimeFrom(submitted.Add(time.Second)),
		EndedAt:     null.TimeFrom(submitted.Add(time.Minute)),
		ExitCode:    null.IntFrom(2),
		LogPath:     "/logs/run-1/output.jsonl",
	}

	event := queue.NewRunEvent(run)
	run.SuiteArgs[0] = "changed"
	assert.Equal(t, []string{"-v"}, event.Args, "the event does not alias the run")

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "failed", decoded["status"])
	assert.Equal(t, float64(2), decoded["exit_code"])
	assert.Nil(t, decoded["reason"])
}

func TestNopClient(t *testing.T) {
	var client queue.Client = queue.NopClient{}
	assert.NoError(t, client.Publish(context.Background(), queue.RunEvent{RunID: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.Subscribe(ctx, func(queue.RunEvent) {}), context.DeadlineExceeded)
	assert.NoError(t, client.Close())
}
