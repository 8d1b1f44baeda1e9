package dto

import (
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/protocol"
)

type DeviceResponse struct {
	DeviceID        string            `json:"deviceId"`
	SessionID       string            `json:"sessionId"`
	Hostname        string            `json:"hostname"`
	OS              string            `json:"os"`
	Arch            string            `json:"arch"`
	Version         string            `json:"version"`
	Capabilities    []string          `json:"capabilities"`
	RemoteAddr      string            `json:"remoteAddr,omitempty"`
	ConnectedAt     time.Time         `json:"connectedAt"`
	LastHeartbeatAt time.Time         `json:"lastHeartbeatAt"`
	Metrics         *protocol.Metrics `json:"metrics,omitempty"`
	Online          bool              `json:"online"`
	Subscribers     int               `json:"subscribers"`
}

type ListDevicesResponse struct {
	Devices []DeviceResponse `json:"devices"`
	Count   int              `json:"count"`
}

func NewDeviceResponse(s agents.AgentSession, subscribers int) DeviceResponse {
	return DeviceResponse{
		DeviceID:        s.AgentID,
		SessionID:       s.SessionID,
		Hostname:        s.Hostname,
		OS:              s.OS,
		Arch:            s.Arch,
		Version:         s.Version,
		Capabilities:    s.Capabilities,
		RemoteAddr:      s.RemoteAddr,
		ConnectedAt:     s.ConnectedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
		Metrics:         s.Metrics,
		Online:          s.Online,
		Subscribers:     subscribers,
	}
}
