package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/ticket"
	"github.com/EternisAI/silo-fleet/internal/ui"
	"github.com/EternisAI/silo-fleet/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret     = "router-test-secret"
	testAdminKey   = "router-admin-key"
	testAgentToken = "enroll-me"
)

type testServer struct {
	*httptest.Server
	srvs *Services
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := auth.HashAgentToken(testAgentToken)
	require.NoError(t, err)

	cm := agents.NewConnectionManager(agents.Config{SweepInterval: time.Hour})
	registry := ui.NewRegistry()
	orchestrator := jobs.NewOrchestrator(jobs.Config{}, cm, registry, nil)
	cm.SetJobSink(orchestrator)

	srvs := &Services{
		ConnManager:    cm,
		AgentStream:    agents.NewStreamHandler(cm),
		Orchestrator:   orchestrator,
		Registry:       registry,
		UIStream:       ui.NewStreamHandler(registry, cm, orchestrator),
		Tickets:        ticket.NewStore(time.Minute),
		Auth:           auth.Config{JWTSecret: testSecret, JWTIssuer: "test", TokenTTL: time.Hour, AdminAPIKey: testAdminKey},
		AgentTokenHash: hash,
		AgentQueueSize: 16,
		UIQueueSize:    16,
	}

	engine := gin.New()
	SetupRoute(engine, srvs)
	server := httptest.NewServer(engine)

	t.Cleanup(func() {
		server.Close()
		cm.Stop()
		orchestrator.Stop()
		registry.CloseAll()
	})

	return &testServer{Server: server, srvs: srvs}
}

func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func (s *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.GenerateToken(s.srvs.Auth, userID, userID, role)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
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

func connectAgent(t *testing.T, s *testServer, agentID string) *ws.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-Agent-Token", testAgentToken)

	conn, err := ws.Dial(context.Background(), s.wsURL("/ws/agent"), header, 16)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello, err := protocol.EncodeAgentFrame(protocol.Hello{AgentID: agentID, OS: "linux", Hostname: "host"})
	require.NoError(t, err)
	require.NoError(t, conn.SendRaw(hello))

	ack := readFrame(t, conn)
	require.Equal(t, protocol.TypeAck, ack["t"])
	require.Equal(t, agentID, ack["id"])
	return conn
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/devices", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/devices", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/devices", s.token(t, "user-1", auth.RoleViewer), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestViewerCannotStartJobs(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/devices/agent-1/jobs", s.token(t, "user-1", auth.RoleViewer), `{"script":"uptime"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/admin/users/user-1/revoke", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/admin/users/user-1/revoke", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAdminKey)
	adminResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer adminResp.Body.Close()
	assert.Equal(t, http.StatusOK, adminResp.StatusCode)
}

func TestAgentSocketRejectsBadToken(t *testing.T) {
	s := newTestServer(t)

	header := http.Header{}
	header.Set("X-Agent-Token", "wrong")
	_, err := ws.Dial(context.Background(), s.wsURL("/ws/agent"), header, 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestServer(t)
	agent := connectAgent(t, s, "agent-1")

	require.Eventually(t, func() bool {
		return s.srvs.ConnManager.IsOnline("agent-1")
	}, 2*time.Second, 10*time.Millisecond)

	dashboard, err := ws.Dial(context.Background(), s.wsURL("/ws/ui?token="+s.token(t, "user-1", auth.RoleOperator)), nil, 16)
	require.NoError(t, err)
	t.Cleanup(func() { dashboard.Close() })

	require.NoError(t, dashboard.SendRaw([]byte(`{"t":"subscribe","deviceId":"agent-1"}`)))
	assert.Equal(t, protocol.EventSubscribed, readFrame(t, dashboard)["t"])
	presence := readFrame(t, dashboard)
	assert.Equal(t, protocol.EventDevicePresence, presence["t"])
	assert.Equal(t, true, presence["online"])

	resp := s.do(t, http.MethodPost, "/api/devices/agent-1/jobs", s.token(t, "op-1", auth.RoleOperator), `{"script":"echo hi","shell":"bash"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	run := readFrame(t, agent)
	require.Equal(t, protocol.TypeJobRunScript, run["t"])
	require.Equal(t, started.JobID, run["jobId"])
	assert.Equal(t, "echo hi", run["scriptText"])

	running := readFrame(t, dashboard)
	assert.Equal(t, protocol.EventJobRunUpdated, running["t"])
	assert.Equal(t, "running", running["status"])

	exitCode := 0
	result, err := protocol.EncodeAgentFrame(protocol.JobResult{JobID: started.JobID, ExitCode: &exitCode, Stdout: "hi\n"})
	require.NoError(t, err)
	require.NoError(t, agent.SendRaw(result))

	ack := readFrame(t, agent)
	assert.Equal(t, protocol.TypeAck, ack["t"])
	assert.Equal(t, started.JobID, ack["id"])

	done := readFrame(t, dashboard)
	assert.Equal(t, "succeeded", done["status"])
	assert.Equal(t, float64(0), done["exitCode"])

	snapshot, err := s.srvs.Orchestrator.Get(started.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, snapshot.Status)
	assert.Equal(t, "hi\n", snapshot.Stdout)
}

func TestUISocketWithTicket(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/ws-ticket", s.token(t, "user-7", auth.RoleViewer), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issued struct {
		Ticket string `json:"ticket"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))

	conn, err := ws.Dial(context.Background(), s.wsURL("/ws/ui?ticket="+issued.Ticket), nil, 16)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SendRaw([]byte(`{"t":"ping"}`)))
	assert.Equal(t, protocol.EventPong, readFrame(t, conn)["t"])
	assert.Equal(t, 1, s.srvs.Registry.CountUserSockets("user-7"))

	// tickets are single use
	_, err = ws.Dial(context.Background(), s.wsURL("/ws/ui?ticket="+issued.Ticket), nil, 16)
	require.Error(t, err)
}
