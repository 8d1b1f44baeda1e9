package agents

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/presence"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockJobSink is a mock implementation of JobSink
type MockJobSink struct {
	mock.Mock
}

func (m *MockJobSink) HandleJobProgress(agentID string, progress protocol.JobProgress) {
	m.Called(agentID, progress)
}

func (m *MockJobSink) HandleJobResult(agentID string, result protocol.JobResult) {
	m.Called(agentID, result)
}

func (m *MockJobSink) HandleSessionClosed(agentID, sessionID string) {
	m.Called(agentID, sessionID)
}

type fakeTransport struct {
	id      string
	mu      sync.Mutex
	sent    []any
	closed  bool
	sendErr error
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
	if f.sendErr != nil {
		return f.sendErr
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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*ConnectionManager, *fakeClock) {
	t.Helper()
	cm := NewConnectionManager(Config{
		HeartbeatThreshold: 30 * time.Second,
		SweepInterval:      time.Hour,
		StaleTimeout:       2 * time.Minute,
	})
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	cm.now = clock.Now
	t.Cleanup(cm.Stop)
	return cm, clock
}

func hello(agentID string) protocol.Hello {
	return protocol.Hello{
		AgentID:      agentID,
		Capabilities: []string{"bash"},
		OS:           "linux",
		Arch:         "amd64",
		Hostname:     agentID + ".local",
		Version:      "1.0.0",
	}
}

func TestNewConnectionManager(t *testing.T) {
	cm := NewConnectionManager(Config{})
	defer cm.Stop()

	assert.NotNil(t, cm)
	assert.Equal(t, presence.DefaultThreshold, cm.cfg.HeartbeatThreshold)
	assert.Equal(t, defaultSweepInterval, cm.cfg.SweepInterval)
	assert.Equal(t, 0, cm.Count())
}

func TestRegister(t *testing.T) {
	cm, clock := newTestManager(t)
	transport := newFakeTransport()

	sessionID := cm.Register(hello("agent-1"), transport, "10.0.0.1:5000")
	require.NotEmpty(t, sessionID)

	session, ok := cm.GetSession("agent-1")
	require.True(t, ok)
	assert.Equal(t, sessionID, session.SessionID)
	assert.Equal(t, "agent-1.local", session.Hostname)
	assert.Equal(t, "linux", session.OS)
	assert.Equal(t, "10.0.0.1:5000", session.RemoteAddr)
	assert.Equal(t, clock.Now(), session.ConnectedAt)
	assert.Equal(t, clock.Now(), session.LastHeartbeatAt)
	assert.True(t, session.Online)
	assert.True(t, session.HasCapability("bash"))
	assert.False(t, session.HasCapability("powershell"))
	assert.True(t, cm.IsOnline("agent-1"))
}

func TestRegister_EvictsExistingSession(t *testing.T) {
	cm, _ := newTestManager(t)
	sink := new(MockJobSink)
	cm.SetJobSink(sink)

	first := newFakeTransport()
	second := newFakeTransport()

	firstID := cm.Register(hello("agent-1"), first, "")
	sink.On("HandleSessionClosed", "agent-1", firstID).Return().Once()
	sink.On("HandleSessionClosed", mock.Anything, mock.Anything).Return().Maybe()

	secondID := cm.Register(hello("agent-1"), second, "")

	assert.NotEqual(t, firstID, secondID)
	assert.True(t, first.IsClosed())
	assert.False(t, second.IsClosed())
	assert.Equal(t, 1, cm.Count())

	session, ok := cm.GetSession("agent-1")
	require.True(t, ok)
	assert.Equal(t, secondID, session.SessionID)
	sink.AssertExpectations(t)
}

func TestDeregister_IgnoresReplacedSession(t *testing.T) {
	cm, _ := newTestManager(t)

	firstID := cm.Register(hello("agent-1"), newFakeTransport(), "")
	secondID := cm.Register(hello("agent-1"), newFakeTransport(), "")

	assert.False(t, cm.Deregister("agent-1", firstID, ReasonDisconnected))

	session, ok := cm.GetSession("agent-1")
	require.True(t, ok)
	assert.Equal(t, secondID, session.SessionID)

	assert.True(t, cm.Deregister("agent-1", secondID, ReasonDisconnected))
	_, ok = cm.GetSession("agent-1")
	assert.False(t, ok)
	assert.False(t, cm.IsOnline("agent-1"))
}

func TestDeregister_NotifiesSink(t *testing.T) {
	cm, _ := newTestManager(t)
	sink := new(MockJobSink)
	cm.SetJobSink(sink)

	transport := newFakeTransport()
	sessionID := cm.Register(hello("agent-1"), transport, "")
	sink.On("HandleSessionClosed", "agent-1", sessionID).Return().Once()

	assert.True(t, cm.Deregister("agent-1", sessionID, ReasonDisconnected))
	assert.True(t, transport.IsClosed())
	sink.AssertExpectations(t)
}

func TestConcurrentHelloSameAgent(t *testing.T) {
	cm, _ := newTestManager(t)

	const n = 50
	transports := make([]*fakeTransport, n)
	for i := range transports {
		transports[i] = newFakeTransport()
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(tr *fakeTransport) {
			defer wg.Done()
			cm.Register(hello("agent-1"), tr, "")
		}(transports[i])
	}
	wg.Wait()

	assert.Equal(t, 1, cm.Count())

	open := 0
	for _, tr := range transports {
		if !tr.IsClosed() {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func TestHeartbeat(t *testing.T) {
	cm, clock := newTestManager(t)
	sessionID := cm.Register(hello("agent-1"), newFakeTransport(), "")

	t.Run("receipt time wins over agent clock in the past", func(t *testing.T) {
		clock.Advance(10 * time.Second)
		past := clock.Now().Add(-time.Hour).Format(time.RFC3339Nano)

		require.NoError(t, cm.Heartbeat("agent-1", sessionID, protocol.Heartbeat{At: past}))

		session, _ := cm.GetSession("agent-1")
		assert.Equal(t, clock.Now(), session.LastHeartbeatAt)
	})

	t.Run("agent clock ahead is kept", func(t *testing.T) {
		future := clock.Now().Add(5 * time.Second)
		cpu := 12.5

		require.NoError(t, cm.Heartbeat("agent-1", sessionID, protocol.Heartbeat{
			At:      future.Format(time.RFC3339Nano),
			Metrics: &protocol.Metrics{CPU: &cpu},
		}))

		session, _ := cm.GetSession("agent-1")
		assert.True(t, session.LastHeartbeatAt.Equal(future))
		require.NotNil(t, session.Metrics)
		assert.Equal(t, 12.5, *session.Metrics.CPU)
	})

	t.Run("never moves backwards", func(t *testing.T) {
		before, _ := cm.GetSession("agent-1")

		require.NoError(t, cm.Heartbeat("agent-1", sessionID, protocol.Heartbeat{}))

		after, _ := cm.GetSession("agent-1")
		assert.False(t, after.LastHeartbeatAt.Before(before.LastHeartbeatAt))
	})

	t.Run("stale session rejected", func(t *testing.T) {
		err := cm.Heartbeat("agent-1", "other-session", protocol.Heartbeat{})
		assert.ErrorIs(t, err, ErrStaleSession)
	})
}

func TestPresenceTransitions(t *testing.T) {
	cm, clock := newTestManager(t)

	var mu sync.Mutex
	var transitions []presence.Transition
	cm.OnPresenceChange(func(tr presence.Transition) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, tr)
	})

	sessionID := cm.Register(hello("agent-1"), newFakeTransport(), "")

	clock.Advance(31 * time.Second)
	cm.Sweep()
	assert.False(t, cm.IsOnline("agent-1"))

	// a second sweep must not repeat the offline event
	cm.Sweep()

	require.NoError(t, cm.Heartbeat("agent-1", sessionID, protocol.Heartbeat{}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 3)
	assert.True(t, transitions[0].Online)
	assert.False(t, transitions[1].Online)
	assert.True(t, transitions[2].Online)
	for _, tr := range transitions {
		assert.Equal(t, "agent-1", tr.DeviceID)
	}
}

func TestSweep_ReapsStaleSessions(t *testing.T) {
	cm, clock := newTestManager(t)
	sink := new(MockJobSink)
	cm.SetJobSink(sink)

	transport := newFakeTransport()
	sessionID := cm.Register(hello("agent-1"), transport, "")
	sink.On("HandleSessionClosed", "agent-1", sessionID).Return().Once()

	clock.Advance(time.Minute)
	cm.Sweep()
	assert.Equal(t, 1, cm.Count())

	clock.Advance(2 * time.Minute)
	cm.Sweep()
	assert.Equal(t, 0, cm.Count())
	assert.True(t, transport.IsClosed())
	sink.AssertExpectations(t)
}

func TestSendJob(t *testing.T) {
	cm, clock := newTestManager(t)

	t.Run("offline agent", func(t *testing.T) {
		_, err := cm.SendJob("missing", protocol.JobRunScript{JobID: "job-1"})
		assert.ErrorIs(t, err, ErrAgentOffline)
	})

	transport := newFakeTransport()
	sessionID := cm.Register(hello("agent-1"), transport, "")

	t.Run("delivers to active session", func(t *testing.T) {
		got, err := cm.SendJob("agent-1", protocol.JobRunScript{JobID: "job-1", ScriptText: "echo hi"})
		require.NoError(t, err)
		assert.Equal(t, sessionID, got)

		sent := transport.Sent()
		require.Len(t, sent, 1)
		frame, ok := sent[0].(protocol.JobRunScript)
		require.True(t, ok)
		assert.Equal(t, protocol.TypeJobRunScript, frame.T)
		assert.Equal(t, "job-1", frame.JobID)
	})

	t.Run("send failure reports offline", func(t *testing.T) {
		transport.mu.Lock()
		transport.sendErr = errors.New("queue full")
		transport.mu.Unlock()

		_, err := cm.SendJob("agent-1", protocol.JobRunScript{JobID: "job-2"})
		assert.ErrorIs(t, err, ErrAgentOffline)

		transport.mu.Lock()
		transport.sendErr = nil
		transport.mu.Unlock()
	})

	t.Run("silent agent is offline", func(t *testing.T) {
		clock.Advance(45 * time.Second)
		_, err := cm.SendJob("agent-1", protocol.JobRunScript{JobID: "job-3"})
		assert.ErrorIs(t, err, ErrAgentOffline)
	})
}

func TestForwardJobFrames(t *testing.T) {
	cm, _ := newTestManager(t)
	sink := new(MockJobSink)
	cm.SetJobSink(sink)

	sessionID := cm.Register(hello("agent-1"), newFakeTransport(), "")

	exitCode := 0
	result := protocol.JobResult{JobID: "job-1", ExitCode: &exitCode, Stdout: "ok"}
	progress := protocol.JobProgress{JobID: "job-1", Chunk: "line"}

	sink.On("HandleJobProgress", "agent-1", progress).Return().Once()
	sink.On("HandleJobResult", "agent-1", result).Return().Once()
	sink.On("HandleSessionClosed", mock.Anything, mock.Anything).Return().Maybe()

	require.NoError(t, cm.ForwardJobProgress("agent-1", sessionID, progress))
	require.NoError(t, cm.ForwardJobResult("agent-1", sessionID, result))
	assert.ErrorIs(t, cm.ForwardJobResult("agent-1", "old", result), ErrStaleSession)

	sink.AssertExpectations(t)
}

func TestPresence(t *testing.T) {
	cm, _ := newTestManager(t)

	ev := cm.Presence("agent-1")
	assert.False(t, ev.Online)
	assert.Nil(t, ev.LastHeartbeatAt)

	cm.Register(hello("agent-1"), newFakeTransport(), "")

	ev = cm.Presence("agent-1")
	assert.Equal(t, protocol.EventDevicePresence, ev.T)
	assert.True(t, ev.Online)
	assert.NotNil(t, ev.LastHeartbeatAt)
}

func TestListSessions(t *testing.T) {
	cm, _ := newTestManager(t)

	cm.Register(hello("b"), newFakeTransport(), "")
	cm.Register(hello("a"), newFakeTransport(), "")

	sessions := cm.ListSessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].AgentID)
	assert.Equal(t, "b", sessions[1].AgentID)
}

func TestStop_ClosesSessions(t *testing.T) {
	cm, _ := newTestManager(t)
	transport := newFakeTransport()
	cm.Register(hello("agent-1"), transport, "")

	cm.Stop()
	cm.Stop()

	assert.True(t, transport.IsClosed())
	assert.Equal(t, 0, cm.Count())
}
