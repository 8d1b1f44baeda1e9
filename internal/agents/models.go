package agents

import (
	"context"
	"time"

	"github.com/EternisAI/silo-fleet/internal/protocol"
)

// Transport is the outbound half of an agent connection.
type Transport interface {
	ID() string
	Send(v any) error
	Close() error
}

// JobSink receives job frames correlated to an agent and learns when the
// session that carried a job goes away.
type JobSink interface {
	HandleJobProgress(agentID string, progress protocol.JobProgress)
	HandleJobResult(agentID string, result protocol.JobResult)
	HandleSessionClosed(agentID, sessionID string)
}

// ConnectionRecorder persists the agent connection log. Optional.
type ConnectionRecorder interface {
	CreateConnectionLog(ctx context.Context, agentID, sessionID, remoteAddr string, connectedAt time.Time) error
	UpdateConnectionLog(ctx context.Context, sessionID string, disconnectedAt time.Time, reason string) error
}

// Disconnect reasons recorded in the connection log.
const (
	ReasonDisconnected      = "disconnected"
	ReasonEvicted           = "evicted"
	ReasonStale             = "stale"
	ReasonProtocolViolation = "protocol violation"
	ReasonShutdown          = "shutdown"
	ReasonAdmin             = "disconnected by admin"
)

// AgentSession is a read-only snapshot of a connected agent.
type AgentSession struct {
	SessionID       string            `json:"sessionId"`
	AgentID         string            `json:"agentId"`
	Hostname        string            `json:"hostname"`
	OS              string            `json:"os"`
	Arch            string            `json:"arch"`
	Version         string            `json:"version"`
	Capabilities    []string          `json:"capabilities"`
	RemoteAddr      string            `json:"remoteAddr,omitempty"`
	ConnectedAt     time.Time         `json:"connectedAt"`
	LastHeartbeatAt time.Time         `json:"lastHeartbeatAt"`
	LastSeenAt      time.Time         `json:"lastSeenAt"`
	Metrics         *protocol.Metrics `json:"metrics,omitempty"`
	Online          bool              `json:"online"`
}

// HasCapability reports whether the agent advertised capability.
func (s AgentSession) HasCapability(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

type session struct {
	id              string
	agentID         string
	hostname        string
	os              string
	arch            string
	version         string
	capabilities    []string
	remoteAddr      string
	connectedAt     time.Time
	lastHeartbeatAt time.Time
	lastSeenAt      time.Time
	metrics         *protocol.Metrics
	transport       Transport
}

func (s *session) applyHello(hello protocol.Hello) {
	s.hostname = hello.Hostname
	s.os = hello.OS
	s.arch = hello.Arch
	s.version = hello.Version
	s.capabilities = append([]string(nil), hello.Capabilities...)
}

func (s *session) snapshot(online bool) AgentSession {
	return AgentSession{
		SessionID:       s.id,
		AgentID:         s.agentID,
		Hostname:        s.hostname,
		OS:              s.os,
		Arch:            s.arch,
		Version:         s.version,
		Capabilities:    append([]string(nil), s.capabilities...),
		RemoteAddr:      s.remoteAddr,
		ConnectedAt:     s.connectedAt,
		LastHeartbeatAt: s.lastHeartbeatAt,
		LastSeenAt:      s.lastSeenAt,
		Metrics:         s.metrics,
		Online:          online,
	}
}
