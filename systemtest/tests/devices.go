package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevices(t *testing.T, env Env) {
	agent := env.connectAgent(t, "sys-device-1")
	agent.heartbeat(t)
	token := env.token(t, "viewer-1", auth.RoleViewer)

	t.Run("listed as online", func(t *testing.T) {
		require.Eventually(t, func() bool {
			resp, body := env.doAuthed(t, http.MethodGet, "/api/devices", nil, token)
			if resp.StatusCode != http.StatusOK {
				return false
			}
			var list dto.ListDevicesResponse
			if err := json.Unmarshal(body, &list); err != nil {
				return false
			}
			for _, d := range list.Devices {
				if d.DeviceID == agent.ID && d.Online && d.Metrics != nil {
					return true
				}
			}
			return false
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("detail", func(t *testing.T) {
		resp, body := env.doAuthed(t, http.MethodGet, "/api/devices/"+agent.ID, nil, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var device dto.DeviceResponse
		require.NoError(t, json.Unmarshal(body, &device))
		assert.Equal(t, "sys-device-1.lan", device.Hostname)
		assert.Equal(t, []string{"bash"}, device.Capabilities)
	})

	t.Run("unknown device", func(t *testing.T) {
		resp, _ := env.doAuthed(t, http.MethodGet, "/api/devices/unknown", nil, token)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("reconnect replaces session", func(t *testing.T) {
		_, body := env.doAuthed(t, http.MethodGet, "/api/devices/"+agent.ID, nil, token)
		var before dto.DeviceResponse
		require.NoError(t, json.Unmarshal(body, &before))

		env.connectAgent(t, agent.ID)

		_, body = env.doAuthed(t, http.MethodGet, "/api/devices/"+agent.ID, nil, token)
		var after dto.DeviceResponse
		require.NoError(t, json.Unmarshal(body, &after))
		assert.NotEqual(t, before.SessionID, after.SessionID)

		expectClosed(t, agent.Conn)
	})
}
