package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/ws"
	"github.com/stretchr/testify/require"
)

// Env describes a running fleet server under test.
type Env struct {
	BaseURL    string
	Auth       auth.Config
	AgentToken string
}

func (e Env) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.BaseURL, "http") + path
}

func (e Env) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.GenerateToken(e.Auth, userID, userID, role)
	require.NoError(t, err)
	return token
}

func (e Env) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.BaseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e Env) doAuthed(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + token})
}

func (e Env) doAdmin(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"X-API-Key": e.Auth.AdminAPIKey})
}

// Agent is a scripted agent speaking the wire protocol directly.
type Agent struct {
	ID   string
	Conn *ws.Conn
}

func (e Env) connectAgent(t *testing.T, agentID string) *Agent {
	t.Helper()

	header := http.Header{}
	header.Set("X-Agent-Token", e.AgentToken)
	conn, err := ws.Dial(context.Background(), e.wsURL("/ws/agent"), header, 32)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	a := &Agent{ID: agentID, Conn: conn}
	a.send(t, protocol.Hello{AgentID: agentID, OS: "linux", Arch: "arm64", Hostname: agentID + ".lan", Capabilities: []string{"bash"}})

	ack := readFrame(t, conn)
	require.Equal(t, protocol.TypeAck, ack["t"])
	require.Equal(t, agentID, ack["id"])
	return a
}

func (a *Agent) send(t *testing.T, frame protocol.AgentInbound) {
	t.Helper()
	data, err := protocol.EncodeAgentFrame(frame)
	require.NoError(t, err)
	require.NoError(t, a.Conn.SendRaw(data))
}

func (a *Agent) heartbeat(t *testing.T) {
	t.Helper()
	cpu := 12.5
	a.send(t, protocol.Heartbeat{At: time.Now().UTC().Format(time.RFC3339Nano), Metrics: &protocol.Metrics{CPU: &cpu}})
}

// nextFrame skips frames whose type differs from want.
func nextFrame(t *testing.T, conn *ws.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["t"] == want {
			return frame
		}
	}
	t.Fatalf("no %q frame received", want)
	return nil
}

func readFrame(t *testing.T, conn *ws.Conn) map[string]any {
	t.Helper()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadMessage()
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(r.data, &frame))
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (e Env) connectDashboard(t *testing.T, userID, role string) *ws.Conn {
	t.Helper()
	conn, err := ws.Dial(context.Background(), e.wsURL("/ws/ui?token="+e.token(t, userID, role)), nil, 32)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClosed drains conn until the server closes it.
func expectClosed(t *testing.T, conn *ws.Conn) {
	t.Helper()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("socket was not closed by the server")
	}
}
