package history

import (
	"time"

	"github.com/EternisAI/silo-fleet/internal/jobs"
)

// JobRecord is an archived, finished job.
type JobRecord struct {
	ID          string          `json:"jobId"`
	DeviceID    string          `json:"deviceId"`
	Status      string          `json:"status"`
	Language    string          `json:"language"`
	Script      string          `json:"script"`
	TimeoutSec  int             `json:"timeoutSec"`
	ExitCode    *int            `json:"exitCode,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	Log         []jobs.LogChunk `json:"log"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  time.Time       `json:"finishedAt"`
}

// ConnectionLog is one agent session as recorded by the server.
type ConnectionLog struct {
	SessionID        string     `json:"sessionId"`
	AgentID          string     `json:"agentId"`
	RemoteAddr       string     `json:"remoteAddr,omitempty"`
	ConnectedAt      time.Time  `json:"connectedAt"`
	DisconnectedAt   *time.Time `json:"disconnectedAt,omitempty"`
	DisconnectReason string     `json:"disconnectReason,omitempty"`
}
