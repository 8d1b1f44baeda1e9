package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryArchive(t *testing.T, env Env) {
	token := env.token(t, "operator-h", auth.RoleOperator)

	agent := env.connectAgent(t, "sys-history-agent")
	jobID := startJob(t, env, agent.ID, token, dto.StartJobRequest{Script: "false"})
	nextFrame(t, agent.Conn, protocol.TypeJobRunScript)

	exitCode := 2
	agent.send(t, protocol.JobResult{JobID: jobID, ExitCode: &exitCode, Stderr: "boom"})
	nextFrame(t, agent.Conn, protocol.TypeAck)

	t.Run("finished job is archived", func(t *testing.T) {
		var history dto.HistoryResponse
		require.Eventually(t, func() bool {
			resp, body := env.doAuthed(t, http.MethodGet, "/api/devices/"+agent.ID+"/history", nil, token)
			if resp.StatusCode != http.StatusOK {
				return false
			}
			return json.Unmarshal(body, &history) == nil && len(history.Jobs) == 1
		}, 5*time.Second, 100*time.Millisecond)

		record := history.Jobs[0]
		assert.Equal(t, jobID, record.ID)
		assert.Equal(t, "failed", record.Status)
		require.NotNil(t, record.ExitCode)
		assert.Equal(t, 2, *record.ExitCode)
		assert.Equal(t, "boom", record.Stderr)
		assert.Equal(t, "operator-h", record.RequestedBy)
	})

	t.Run("connection log records sessions", func(t *testing.T) {
		require.NoError(t, agent.Conn.Close())

		var connections dto.ConnectionHistoryResponse
		require.Eventually(t, func() bool {
			resp, body := env.doAuthed(t, http.MethodGet, "/api/devices/"+agent.ID+"/connections", nil, token)
			if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &connections) != nil {
				return false
			}
			return len(connections.Connections) == 1 && connections.Connections[0].DisconnectedAt != nil
		}, 5*time.Second, 100*time.Millisecond)

		assert.Equal(t, agent.ID, connections.Connections[0].AgentID)
		assert.NotEmpty(t, connections.Connections[0].DisconnectReason)
	})
}
