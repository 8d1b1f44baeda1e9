package handler

import (
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/ticket"
	"github.com/EternisAI/silo-fleet/internal/ui"
	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	connManager *agents.ConnectionManager
	registry    *ui.Registry
	tickets     *ticket.Store
	authConfig  auth.Config
}

func NewAdminHandler(connManager *agents.ConnectionManager, registry *ui.Registry, tickets *ticket.Store, authConfig auth.Config) *AdminHandler {
	return &AdminHandler{
		connManager: connManager,
		registry:    registry,
		tickets:     tickets,
		authConfig:  authConfig,
	}
}

// RevokeUser closes every dashboard socket of a user and drops their
// outstanding websocket tickets
// POST /admin/users/:id/revoke
func (h *AdminHandler) RevokeUser(c *gin.Context) {
	userID := c.Param("id")

	closed := h.registry.RemoveAllForUser(userID)
	revoked := 0
	if h.tickets != nil {
		revoked = h.tickets.RevokeUser(userID)
	}

	slog.Info("User sessions revoked", "user_id", userID, "closed", closed, "revoked_tickets", revoked)
	c.JSON(http.StatusOK, dto.RevokeUserResponse{UserID: userID, Closed: closed, RevokedTickets: revoked})
}

// CreateToken mints a dashboard token for a user id
// POST /admin/tokens
func (h *AdminHandler) CreateToken(c *gin.Context) {
	var req dto.CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := req.Role
	if role == "" {
		role = auth.RoleOperator
	}

	token, err := auth.GenerateToken(h.authConfig, req.UserID, req.Username, role)
	if err != nil {
		slog.Error("Failed to generate token", "error", err, "user_id", req.UserID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateTokenResponse{Token: token})
}

// ListSessions returns every live agent session
// GET /admin/agents
func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions := h.connManager.ListSessions()

	devices := make([]dto.DeviceResponse, len(sessions))
	for i, s := range sessions {
		devices[i] = dto.NewDeviceResponse(s, h.registry.CountDeviceSubscribers(s.AgentID))
	}

	c.JSON(http.StatusOK, dto.ListDevicesResponse{Devices: devices, Count: len(devices)})
}

// DisconnectAgent closes the live session of an agent
// POST /admin/agents/:id/disconnect
func (h *AdminHandler) DisconnectAgent(c *gin.Context) {
	deviceID := c.Param("id")

	if !h.connManager.Disconnect(deviceID, agents.ReasonAdmin) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not connected"})
		return
	}

	slog.Info("Agent disconnected by admin", "device_id", deviceID)
	c.JSON(http.StatusOK, dto.DisconnectAgentResponse{DeviceID: deviceID, Disconnected: true})
}
