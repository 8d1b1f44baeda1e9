package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/presence"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/google/uuid"
)

var (
	// ErrAgentOffline is returned when a frame targets an agent without a live session.
	ErrAgentOffline = errors.New("agent offline")
	// ErrStaleSession is returned for frames arriving on a session that was replaced.
	ErrStaleSession = errors.New("session no longer active")
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultStaleTimeout  = 2 * time.Minute
	recorderTimeout      = 5 * time.Second
)

type Config struct {
	HeartbeatThreshold time.Duration `mapstructure:"heartbeat_threshold"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	// StaleTimeout closes sessions that sent nothing for this long. Zero disables reaping.
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
}

// ConnectionManager owns every agent session. At most one session per agent
// id is active; a new hello for the same id replaces the previous session.
type ConnectionManager struct {
	sessions map[string]*session
	mu       sync.RWMutex

	cfg     Config
	tracker *presence.Tracker
	now     func() time.Time

	hooksMu    sync.RWMutex
	jobSink    JobSink
	onPresence func(presence.Transition)
	recorder   ConnectionRecorder

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConnectionManager creates a manager and starts its presence sweep.
func NewConnectionManager(cfg Config) *ConnectionManager {
	if cfg.HeartbeatThreshold <= 0 {
		cfg.HeartbeatThreshold = presence.DefaultThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StaleTimeout < 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}

	cm := &ConnectionManager{
		sessions: make(map[string]*session),
		cfg:      cfg,
		tracker:  presence.NewTracker(cfg.HeartbeatThreshold),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go cm.sweepLoop()
	return cm
}

// SetJobSink wires the job orchestrator after construction to break the
// dependency cycle between the two components.
func (cm *ConnectionManager) SetJobSink(sink JobSink) {
	cm.hooksMu.Lock()
	defer cm.hooksMu.Unlock()
	cm.jobSink = sink
}

// OnPresenceChange registers the callback fired on every online/offline flip.
func (cm *ConnectionManager) OnPresenceChange(fn func(presence.Transition)) {
	cm.hooksMu.Lock()
	defer cm.hooksMu.Unlock()
	cm.onPresence = fn
}

func (cm *ConnectionManager) SetRecorder(recorder ConnectionRecorder) {
	cm.hooksMu.Lock()
	defer cm.hooksMu.Unlock()
	cm.recorder = recorder
}

// Register creates the session for a completed hello handshake and returns
// its id. An existing session for the same agent is closed first.
func (cm *ConnectionManager) Register(hello protocol.Hello, transport Transport, remoteAddr string) string {
	now := cm.now()
	s := &session{
		id:              uuid.New().String(),
		agentID:         hello.AgentID,
		remoteAddr:      remoteAddr,
		connectedAt:     now,
		lastHeartbeatAt: now,
		lastSeenAt:      now,
		transport:       transport,
	}
	s.applyHello(hello)

	cm.mu.Lock()
	existing := cm.sessions[hello.AgentID]
	cm.sessions[hello.AgentID] = s
	total := len(cm.sessions)
	cm.mu.Unlock()

	if existing != nil {
		slog.Warn("Agent already connected, replacing connection",
			"agent_id", hello.AgentID,
			"old_session_id", existing.id,
			"new_session_id", s.id)
		cm.teardown(existing, ReasonEvicted)
	}

	slog.Info("Agent registered",
		"agent_id", hello.AgentID,
		"session_id", s.id,
		"hostname", hello.Hostname,
		"os", hello.OS,
		"version", hello.Version,
		"capabilities", hello.Capabilities,
		"total_connections", total)

	if recorder := cm.getRecorder(); recorder != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
			defer cancel()
			if err := recorder.CreateConnectionLog(ctx, s.agentID, s.id, remoteAddr, now); err != nil {
				slog.Debug("Failed to record connection", "agent_id", s.agentID, "error", err)
			}
		}()
	}

	cm.observe(hello.AgentID, now)
	return s.id
}

// Deregister removes the session if it is still the active one for the
// agent. A handler whose session was already replaced is a no-op, which
// keeps a late disconnect of an evicted socket from removing its successor.
func (cm *ConnectionManager) Deregister(agentID, sessionID, reason string) bool {
	cm.mu.Lock()
	s, ok := cm.sessions[agentID]
	if !ok || s.id != sessionID {
		cm.mu.Unlock()
		return false
	}
	delete(cm.sessions, agentID)
	total := len(cm.sessions)
	cm.mu.Unlock()

	slog.Info("Agent deregistered",
		"agent_id", agentID,
		"session_id", sessionID,
		"reason", reason,
		"total_connections", total)

	cm.teardown(s, reason)
	cm.observe(agentID, time.Time{})
	return true
}

// Disconnect closes the active session of an agent, if any.
func (cm *ConnectionManager) Disconnect(agentID, reason string) bool {
	cm.mu.RLock()
	s, ok := cm.sessions[agentID]
	cm.mu.RUnlock()
	if !ok {
		return false
	}
	return cm.Deregister(agentID, s.id, reason)
}

// teardown must be called without cm.mu held.
func (cm *ConnectionManager) teardown(s *session, reason string) {
	if err := s.transport.Close(); err != nil {
		slog.Debug("Error closing agent transport", "agent_id", s.agentID, "error", err)
	}

	if sink := cm.getJobSink(); sink != nil {
		sink.HandleSessionClosed(s.agentID, s.id)
	}

	if recorder := cm.getRecorder(); recorder != nil {
		disconnectedAt := cm.now()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
			defer cancel()
			if err := recorder.UpdateConnectionLog(ctx, s.id, disconnectedAt, reason); err != nil {
				slog.Debug("Failed to record disconnect", "agent_id", s.agentID, "error", err)
			}
		}()
	}
}

// UpdateIdentity refreshes the metadata of an active session from a repeated hello.
func (cm *ConnectionManager) UpdateIdentity(sessionID string, hello protocol.Hello) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	s, ok := cm.sessions[hello.AgentID]
	if !ok || s.id != sessionID {
		return ErrStaleSession
	}
	s.applyHello(hello)
	s.lastSeenAt = cm.now()
	return nil
}

// Heartbeat records liveness. The stored timestamp is the latest of the
// previous value, the agent-reported time and the server receipt time, so
// clock skew on the agent can never make it look stale.
func (cm *ConnectionManager) Heartbeat(agentID, sessionID string, hb protocol.Heartbeat) error {
	now := cm.now()

	cm.mu.Lock()
	s, ok := cm.sessions[agentID]
	if !ok || s.id != sessionID {
		cm.mu.Unlock()
		return ErrStaleSession
	}
	last := now
	if reported := hb.Timestamp(); reported.After(last) {
		last = reported
	}
	if s.lastHeartbeatAt.After(last) {
		last = s.lastHeartbeatAt
	}
	s.lastHeartbeatAt = last
	s.lastSeenAt = now
	if hb.Metrics != nil {
		s.metrics = hb.Metrics
	}
	cm.mu.Unlock()

	slog.Debug("Agent heartbeat", "agent_id", agentID, "last_heartbeat_at", last)

	cm.observe(agentID, last)
	return nil
}

// ForwardJobProgress hands a progress frame to the job sink without
// interpreting it.
func (cm *ConnectionManager) ForwardJobProgress(agentID, sessionID string, progress protocol.JobProgress) error {
	if err := cm.touch(agentID, sessionID); err != nil {
		return err
	}
	if sink := cm.getJobSink(); sink != nil {
		sink.HandleJobProgress(agentID, progress)
	}
	return nil
}

// ForwardJobResult hands a result frame to the job sink without interpreting it.
func (cm *ConnectionManager) ForwardJobResult(agentID, sessionID string, result protocol.JobResult) error {
	if err := cm.touch(agentID, sessionID); err != nil {
		return err
	}
	if sink := cm.getJobSink(); sink != nil {
		sink.HandleJobResult(agentID, result)
	}
	return nil
}

func (cm *ConnectionManager) touch(agentID, sessionID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	s, ok := cm.sessions[agentID]
	if !ok || s.id != sessionID {
		return ErrStaleSession
	}
	s.lastSeenAt = cm.now()
	return nil
}

// SendJob delivers a job_run_script frame to the agent's active session and
// returns the id of the session that accepted it.
func (cm *ConnectionManager) SendJob(agentID string, frame protocol.JobRunScript) (string, error) {
	frame.T = protocol.TypeJobRunScript

	cm.mu.RLock()
	s, ok := cm.sessions[agentID]
	online := ok && presence.IsOnlineAt(s.lastHeartbeatAt, cm.cfg.HeartbeatThreshold, cm.now())
	cm.mu.RUnlock()

	if !online {
		return "", ErrAgentOffline
	}

	if err := s.transport.Send(frame); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAgentOffline, err)
	}

	slog.Debug("Job queued for agent", "agent_id", agentID, "session_id", s.id, "job_id", frame.JobID)
	return s.id, nil
}

// SendCancel sends a best-effort job_cancel frame.
func (cm *ConnectionManager) SendCancel(agentID, jobID string) error {
	cm.mu.RLock()
	s, ok := cm.sessions[agentID]
	cm.mu.RUnlock()

	if !ok {
		return ErrAgentOffline
	}
	return s.transport.Send(protocol.NewJobCancel(jobID))
}

// IsOnline reports whether the agent has an active session with a recent heartbeat.
func (cm *ConnectionManager) IsOnline(agentID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	s, ok := cm.sessions[agentID]
	if !ok {
		return false
	}
	return presence.IsOnlineAt(s.lastHeartbeatAt, cm.cfg.HeartbeatThreshold, cm.now())
}

// GetSession returns a snapshot of the agent's active session.
func (cm *ConnectionManager) GetSession(agentID string) (AgentSession, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	s, ok := cm.sessions[agentID]
	if !ok {
		return AgentSession{}, false
	}
	return s.snapshot(presence.IsOnlineAt(s.lastHeartbeatAt, cm.cfg.HeartbeatThreshold, cm.now())), true
}

// ListSessions returns snapshots of all sessions ordered by agent id.
func (cm *ConnectionManager) ListSessions() []AgentSession {
	cm.mu.RLock()
	now := cm.now()
	result := make([]AgentSession, 0, len(cm.sessions))
	for _, s := range cm.sessions {
		result = append(result, s.snapshot(presence.IsOnlineAt(s.lastHeartbeatAt, cm.cfg.HeartbeatThreshold, now)))
	}
	cm.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// Presence builds the dashboard presence event for a device.
func (cm *ConnectionManager) Presence(deviceID string) protocol.DevicePresence {
	s, ok := cm.GetSession(deviceID)
	if !ok {
		return protocol.NewDevicePresence(deviceID, false, time.Time{})
	}
	return protocol.NewDevicePresence(deviceID, s.Online, s.LastHeartbeatAt)
}

// Count returns the number of active sessions.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessions)
}

func (cm *ConnectionManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stopCh)

		cm.mu.Lock()
		sessions := cm.sessions
		cm.sessions = make(map[string]*session)
		cm.mu.Unlock()

		for _, s := range sessions {
			cm.teardown(s, ReasonShutdown)
		}
		slog.Info("Agent connection manager stopped", "closed_sessions", len(sessions))
	})
}

func (cm *ConnectionManager) sweepLoop() {
	ticker := time.NewTicker(cm.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.Sweep()
		case <-cm.stopCh:
			return
		}
	}
}

// Sweep re-evaluates presence of every session, emitting transitions for
// agents that went silent, and reaps sessions past the stale timeout.
func (cm *ConnectionManager) Sweep() {
	now := cm.now()

	cm.mu.RLock()
	snapshot := make(map[string]time.Time, len(cm.sessions))
	var stale []*session
	for agentID, s := range cm.sessions {
		snapshot[agentID] = s.lastHeartbeatAt
		if cm.cfg.StaleTimeout > 0 && now.Sub(s.lastSeenAt) > cm.cfg.StaleTimeout {
			stale = append(stale, s)
		}
	}
	cm.mu.RUnlock()

	for _, tr := range cm.tracker.Sweep(snapshot, now) {
		if !tr.Online {
			slog.Warn("Agent went offline", "agent_id", tr.DeviceID, "last_heartbeat_at", tr.LastHeartbeatAt)
		}
		cm.emit(tr)
	}

	for _, s := range stale {
		slog.Warn("Removing stale connection",
			"agent_id", s.agentID,
			"session_id", s.id,
			"last_seen", s.lastSeenAt)
		cm.Deregister(s.agentID, s.id, ReasonStale)
	}
}

func (cm *ConnectionManager) observe(agentID string, lastHeartbeatAt time.Time) {
	if tr, changed := cm.tracker.Observe(agentID, lastHeartbeatAt, cm.now()); changed {
		cm.emit(tr)
	}
}

func (cm *ConnectionManager) emit(tr presence.Transition) {
	cm.hooksMu.RLock()
	fn := cm.onPresence
	cm.hooksMu.RUnlock()

	if fn != nil {
		fn(tr)
	}
}

func (cm *ConnectionManager) getJobSink() JobSink {
	cm.hooksMu.RLock()
	defer cm.hooksMu.RUnlock()
	return cm.jobSink
}

func (cm *ConnectionManager) getRecorder() ConnectionRecorder {
	cm.hooksMu.RLock()
	defer cm.hooksMu.RUnlock()
	return cm.recorder
}
