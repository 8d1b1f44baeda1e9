package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startJob(t *testing.T, env Env, deviceID, token string, req dto.StartJobRequest) string {
	t.Helper()
	resp, body := env.doAuthed(t, http.MethodPost, "/api/devices/"+deviceID+"/jobs", req, token)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var started dto.StartJobResponse
	require.NoError(t, json.Unmarshal(body, &started))
	require.NotEmpty(t, started.JobID)
	return started.JobID
}

func getJob(t *testing.T, env Env, jobID, token string) jobs.Snapshot {
	t.Helper()
	resp, body := env.doAuthed(t, http.MethodGet, "/api/jobs/"+jobID, nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot jobs.Snapshot
	require.NoError(t, json.Unmarshal(body, &snapshot))
	return snapshot
}

func TestJobLifecycle(t *testing.T, env Env) {
	token := env.token(t, "operator-1", auth.RoleOperator)

	t.Run("no agent", func(t *testing.T) {
		resp, _ := env.doAuthed(t, http.MethodPost, "/api/devices/offline-device/jobs", dto.StartJobRequest{Script: "uptime"}, token)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("progress and result reach the dashboard", func(t *testing.T) {
		agent := env.connectAgent(t, "sys-job-agent")
		dashboard := env.connectDashboard(t, "operator-1", auth.RoleOperator)

		require.NoError(t, dashboard.SendRaw([]byte(`{"t":"subscribe","deviceId":"sys-job-agent"}`)))
		nextFrame(t, dashboard, protocol.EventSubscribed)

		jobID := startJob(t, env, agent.ID, token, dto.StartJobRequest{Script: "echo one; echo two", Shell: "bash", TimeoutSec: 60})

		run := nextFrame(t, agent.Conn, protocol.TypeJobRunScript)
		assert.Equal(t, jobID, run["jobId"])
		assert.Equal(t, "bash", run["language"])

		running := nextFrame(t, dashboard, protocol.EventJobRunUpdated)
		assert.Equal(t, "running", running["status"])

		half := 50
		agent.send(t, protocol.JobProgress{JobID: jobID, Progress: &half, Chunk: "one\n", Stream: "stdout"})
		chunk := nextFrame(t, dashboard, protocol.EventJobRunUpdated)
		assert.Equal(t, "one\n", chunk["chunk"])
		assert.Equal(t, float64(1), chunk["seq"])
		assert.Equal(t, float64(50), chunk["progress"])

		exitCode := 0
		agent.send(t, protocol.JobResult{JobID: jobID, ExitCode: &exitCode, Stdout: "one\ntwo\n"})
		ack := nextFrame(t, agent.Conn, protocol.TypeAck)
		assert.Equal(t, jobID, ack["id"])

		done := nextFrame(t, dashboard, protocol.EventJobRunUpdated)
		assert.Equal(t, "succeeded", done["status"])

		snapshot := getJob(t, env, jobID, token)
		assert.Equal(t, jobs.StatusSucceeded, snapshot.Status)
		assert.Equal(t, "one\ntwo\n", snapshot.Stdout)
		assert.Equal(t, 100, snapshot.Progress)
		assert.Equal(t, "operator-1", snapshot.RequestedBy)
	})

	t.Run("cancel is authoritative", func(t *testing.T) {
		agent := env.connectAgent(t, "sys-cancel-agent")
		jobID := startJob(t, env, agent.ID, token, dto.StartJobRequest{Script: "sleep 600"})
		nextFrame(t, agent.Conn, protocol.TypeJobRunScript)

		resp, _ := env.doAuthed(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		cancel := nextFrame(t, agent.Conn, protocol.TypeJobCancel)
		assert.Equal(t, jobID, cancel["jobId"])

		exitCode := 0
		agent.send(t, protocol.JobResult{JobID: jobID, ExitCode: &exitCode})
		nextFrame(t, agent.Conn, protocol.TypeAck)

		assert.Equal(t, jobs.StatusCanceled, getJob(t, env, jobID, token).Status)

		resp, _ = env.doAuthed(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil, token)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("agent disconnect fails running jobs", func(t *testing.T) {
		agent := env.connectAgent(t, "sys-drop-agent")
		jobID := startJob(t, env, agent.ID, token, dto.StartJobRequest{Script: "sleep 600"})
		nextFrame(t, agent.Conn, protocol.TypeJobRunScript)

		require.NoError(t, agent.Conn.Close())

		require.Eventually(t, func() bool {
			s := getJob(t, env, jobID, token)
			return s.Status == jobs.StatusFailed && s.Reason == jobs.ReasonAgentDisconnected
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("late subscriber gets replay", func(t *testing.T) {
		agent := env.connectAgent(t, "sys-replay-agent")
		jobID := startJob(t, env, agent.ID, token, dto.StartJobRequest{Script: "uptime"})

		dashboard := env.connectDashboard(t, "viewer-9", auth.RoleViewer)
		require.NoError(t, dashboard.SendRaw([]byte(`{"t":"subscribe","deviceId":"sys-replay-agent"}`)))

		presence := nextFrame(t, dashboard, protocol.EventDevicePresence)
		assert.Equal(t, true, presence["online"])

		replay := nextFrame(t, dashboard, protocol.EventJobRunUpdated)
		assert.Equal(t, jobID, replay["jobId"])
		assert.Equal(t, "running", replay["status"])
	})
}
