package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/ticket"
	"github.com/EternisAI/silo-fleet/internal/ui"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTransport struct {
	id     string
	mu     sync.Mutex
	sent   []any
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.New().String()}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSocket struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{id: uuid.New().String()}
}

func (s *fakeSocket) ID() string               { return s.id }
func (s *fakeSocket) SendRaw(data []byte) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type testEnv struct {
	cm           *agents.ConnectionManager
	orchestrator *jobs.Orchestrator
	registry     *ui.Registry
	tickets      *ticket.Store
	authConfig   auth.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cm := agents.NewConnectionManager(agents.Config{SweepInterval: time.Hour})
	registry := ui.NewRegistry()
	orchestrator := jobs.NewOrchestrator(jobs.Config{}, cm, registry, nil)
	cm.SetJobSink(orchestrator)

	t.Cleanup(func() {
		cm.Stop()
		orchestrator.Stop()
	})

	return &testEnv{
		cm:           cm,
		orchestrator: orchestrator,
		registry:     registry,
		tickets:      ticket.NewStore(time.Minute),
		authConfig: auth.Config{
			JWTSecret:   "test-secret",
			JWTIssuer:   "silo-fleet-test",
			TokenTTL:    time.Hour,
			AdminAPIKey: "test-admin-key",
		},
	}
}

func (e *testEnv) connectAgent(t *testing.T, agentID string) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	sessionID := e.cm.Register(protocol.Hello{
		AgentID:  agentID,
		Hostname: agentID + ".local",
		OS:       "linux",
		Arch:     "amd64",
	}, tr, "10.0.0.1:5000")
	require.NotEmpty(t, sessionID)
	return tr
}

// withIdentity stands in for the JWT middleware.
func withIdentity(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Set(middleware.ContextUsername, userID)
		c.Set(middleware.ContextRole, role)
		c.Next()
	}
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
