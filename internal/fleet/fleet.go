package fleet

import (
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	internalhttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/history"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/EternisAI/silo-fleet/internal/presence"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/ticket"
	"github.com/EternisAI/silo-fleet/internal/ui"
)

const (
	defaultAgentQueueSize = 64
	defaultUIQueueSize    = 128
)

type Config struct {
	Agents         agents.Config
	Jobs           jobs.Config
	Auth           auth.Config
	AgentTokenHash string
	AgentQueueSize int
	UIQueueSize    int
	TicketTTL      time.Duration
}

// Core owns the four long-lived components of the server and the hooks
// between them.
type Core struct {
	ConnManager  *agents.ConnectionManager
	Orchestrator *jobs.Orchestrator
	Registry     *ui.Registry
	Tickets      *ticket.Store
	History      *history.Service

	cfg Config
}

// New wires the components. archive may be nil, which disables the history
// archive.
func New(cfg Config, archive *history.Service) *Core {
	if cfg.AgentQueueSize <= 0 {
		cfg.AgentQueueSize = defaultAgentQueueSize
	}
	if cfg.UIQueueSize <= 0 {
		cfg.UIQueueSize = defaultUIQueueSize
	}

	registry := ui.NewRegistry()
	cm := agents.NewConnectionManager(cfg.Agents)

	var recorder jobs.Recorder
	if archive != nil {
		recorder = archive
		cm.SetRecorder(archive)
	}

	orchestrator := jobs.NewOrchestrator(cfg.Jobs, cm, registry, recorder)
	cm.SetJobSink(orchestrator)

	cm.OnPresenceChange(func(tr presence.Transition) {
		n := registry.BroadcastToDevice(tr.DeviceID, protocol.NewDevicePresence(tr.DeviceID, tr.Online, tr.LastHeartbeatAt))
		slog.Debug("Presence broadcast", "device_id", tr.DeviceID, "online", tr.Online, "subscribers", n)
	})

	return &Core{
		ConnManager:  cm,
		Orchestrator: orchestrator,
		Registry:     registry,
		Tickets:      ticket.NewStore(cfg.TicketTTL),
		History:      archive,
		cfg:          cfg,
	}
}

// Services returns the HTTP router dependencies.
func (c *Core) Services() *internalhttp.Services {
	return &internalhttp.Services{
		ConnManager:    c.ConnManager,
		AgentStream:    agents.NewStreamHandler(c.ConnManager),
		Orchestrator:   c.Orchestrator,
		Registry:       c.Registry,
		UIStream:       ui.NewStreamHandler(c.Registry, c.ConnManager, c.Orchestrator),
		History:        c.History,
		Tickets:        c.Tickets,
		Auth:           c.cfg.Auth,
		AgentTokenHash: c.cfg.AgentTokenHash,
		AgentQueueSize: c.cfg.AgentQueueSize,
		UIQueueSize:    c.cfg.UIQueueSize,
	}
}

// Shutdown fails outstanding jobs with the shutdown reason before agent
// sessions close, then drops every dashboard socket.
func (c *Core) Shutdown() {
	c.Orchestrator.Stop()
	c.ConnManager.Stop()
	c.Registry.CloseAll()
}
