package handler

import (
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/ui"
	"github.com/EternisAI/silo-fleet/internal/ws"
	"github.com/gin-gonic/gin"
)

type SocketHandler struct {
	agentStream    *agents.StreamHandler
	uiStream       *ui.StreamHandler
	agentQueueSize int
	uiQueueSize    int
}

func NewSocketHandler(agentStream *agents.StreamHandler, uiStream *ui.StreamHandler, agentQueueSize, uiQueueSize int) *SocketHandler {
	return &SocketHandler{
		agentStream:    agentStream,
		uiStream:       uiStream,
		agentQueueSize: agentQueueSize,
		uiQueueSize:    uiQueueSize,
	}
}

// AgentSocket upgrades an agent connection and serves it until it closes
// GET /ws/agent
func (h *SocketHandler) AgentSocket(c *gin.Context) {
	conn, err := ws.Upgrade(c.Writer, c.Request, h.agentQueueSize)
	if err != nil {
		slog.Warn("Agent websocket upgrade failed", "client_ip", c.ClientIP(), "error", err)
		return
	}

	if err := h.agentStream.HandleConn(conn); err != nil {
		slog.Info("Agent stream ended", "conn_id", conn.ID(), "error", err)
	}
}

// UISocket upgrades an authenticated dashboard connection
// GET /ws/ui
func (h *SocketHandler) UISocket(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	conn, err := ws.Upgrade(c.Writer, c.Request, h.uiQueueSize)
	if err != nil {
		slog.Warn("UI websocket upgrade failed", "client_ip", c.ClientIP(), "user_id", userID, "error", err)
		return
	}

	h.uiStream.HandleConn(userID, conn)
}
