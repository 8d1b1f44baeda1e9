package handler

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRequest(deviceID string) jobs.StartRequest {
	return jobs.StartRequest{DeviceID: deviceID, Script: "uptime", Language: "bash"}
}

func setupJobsRouter(env *testEnv) *gin.Engine {
	h := NewJobsHandler(env.orchestrator, nil)
	r := gin.New()
	r.Use(withIdentity("operator-1", auth.RoleOperator))
	r.POST("/api/devices/:id/jobs", h.StartJob)
	r.GET("/api/jobs/:id", h.GetJob)
	r.POST("/api/jobs/:id/cancel", h.CancelJob)
	return r
}

func TestStartJob(t *testing.T) {
	env := newTestEnv(t)
	tr := env.connectAgent(t, "agent-1")
	r := setupJobsRouter(env)

	w := doJSON(t, r, http.MethodPost, "/api/devices/agent-1/jobs", dto.StartJobRequest{
		Script:     "echo hi",
		Shell:      "bash",
		TimeoutSec: 30,
		Env:        map[string]string{"FOO": "bar"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.StartJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	var frame protocol.JobRunScript
	for _, v := range tr.Sent() {
		if f, ok := v.(protocol.JobRunScript); ok {
			frame = f
		}
	}
	assert.Equal(t, resp.JobID, frame.JobID)
	assert.Equal(t, "echo hi", frame.ScriptText)
	assert.Equal(t, 30, frame.TimeoutSec)
	assert.Equal(t, "bar", frame.Env["FOO"])

	snapshot, err := env.orchestrator.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, snapshot.Status)
	assert.Equal(t, "operator-1", snapshot.RequestedBy)
}

func TestStartJobErrors(t *testing.T) {
	env := newTestEnv(t)
	env.connectAgent(t, "agent-1")
	r := setupJobsRouter(env)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"no agent", "/api/devices/ghost/jobs", dto.StartJobRequest{Script: "uptime"}, http.StatusConflict},
		{"missing script", "/api/devices/agent-1/jobs", map[string]any{"shell": "bash"}, http.StatusBadRequest},
		{"unknown shell", "/api/devices/agent-1/jobs", dto.StartJobRequest{Script: "uptime", Shell: "fish"}, http.StatusBadRequest},
		{"negative timeout", "/api/devices/agent-1/jobs", map[string]any{"script": "uptime", "timeoutSec": -1}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	assert.Equal(t, 0, env.orchestrator.Count())
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	env.connectAgent(t, "agent-1")
	r := setupJobsRouter(env)

	jobID, err := env.orchestrator.Start(startRequest("agent-1"))
	require.NoError(t, err)

	t.Run("in memory", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var snapshot jobs.Snapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
		assert.Equal(t, jobID, snapshot.ID)
		assert.Equal(t, "agent-1", snapshot.DeviceID)
	})

	t.Run("unknown without archive", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/api/jobs/does-not-exist", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	tr := env.connectAgent(t, "agent-1")
	r := setupJobsRouter(env)

	jobID, err := env.orchestrator.Start(startRequest("agent-1"))
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot jobs.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, jobs.StatusCanceled, snapshot.Status)

	var cancel *protocol.JobCancel
	for _, v := range tr.Sent() {
		if f, ok := v.(protocol.JobCancel); ok {
			cancel = &f
		}
	}
	require.NotNil(t, cancel)
	assert.Equal(t, jobID, cancel.JobID)

	t.Run("already terminal", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/jobs/missing/cancel", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
