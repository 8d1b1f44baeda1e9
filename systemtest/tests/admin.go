package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmin(t *testing.T, env Env) {
	t.Run("requires api key", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/admin/tokens", dto.CreateTokenRequest{UserID: "x"}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("issued token opens the api", func(t *testing.T) {
		resp, body := env.doAdmin(t, http.MethodPost, "/admin/tokens", dto.CreateTokenRequest{UserID: "issued-user", Role: auth.RoleViewer})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var issued dto.CreateTokenResponse
		require.NoError(t, json.Unmarshal(body, &issued))

		resp, _ = env.doAuthed(t, http.MethodGet, "/api/devices", nil, issued.Token)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("revoke closes dashboard sockets", func(t *testing.T) {
		first := env.connectDashboard(t, "revoked-user", auth.RoleViewer)
		second := env.connectDashboard(t, "revoked-user", auth.RoleViewer)

		// the sockets are registered once the server answers a ping
		require.NoError(t, first.SendRaw([]byte(`{"t":"ping"}`)))
		require.NoError(t, second.SendRaw([]byte(`{"t":"ping"}`)))
		nextFrame(t, first, protocol.EventPong)
		nextFrame(t, second, protocol.EventPong)

		resp, body := env.doAdmin(t, http.MethodPost, "/admin/users/revoked-user/revoke", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var revoked dto.RevokeUserResponse
		require.NoError(t, json.Unmarshal(body, &revoked))
		assert.Equal(t, 2, revoked.Closed)

		expectClosed(t, first)
		expectClosed(t, second)
	})

	t.Run("disconnect agent", func(t *testing.T) {
		agent := env.connectAgent(t, "sys-admin-agent")

		resp, _ := env.doAdmin(t, http.MethodPost, "/admin/agents/"+agent.ID+"/disconnect", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		expectClosed(t, agent.Conn)

		resp, _ = env.doAdmin(t, http.MethodPost, "/admin/agents/"+agent.ID+"/disconnect", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
