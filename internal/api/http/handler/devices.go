package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/history"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/EternisAI/silo-fleet/internal/ui"
	"github.com/gin-gonic/gin"
)

type DevicesHandler struct {
	connManager  *agents.ConnectionManager
	registry     *ui.Registry
	orchestrator *jobs.Orchestrator
	history      *history.Service
}

// NewDevicesHandler creates the handler. historyService may be nil when no
// database is configured.
func NewDevicesHandler(connManager *agents.ConnectionManager, registry *ui.Registry, orchestrator *jobs.Orchestrator, historyService *history.Service) *DevicesHandler {
	return &DevicesHandler{
		connManager:  connManager,
		registry:     registry,
		orchestrator: orchestrator,
		history:      historyService,
	}
}

// ListDevices returns every connected agent annotated with its presence
// GET /api/devices
func (h *DevicesHandler) ListDevices(c *gin.Context) {
	sessions := h.connManager.ListSessions()

	devices := make([]dto.DeviceResponse, len(sessions))
	for i, s := range sessions {
		devices[i] = dto.NewDeviceResponse(s, h.registry.CountDeviceSubscribers(s.AgentID))
	}

	c.JSON(http.StatusOK, dto.ListDevicesResponse{Devices: devices, Count: len(devices)})
}

// GetDevice returns the live session of a device
// GET /api/devices/:id
func (h *DevicesHandler) GetDevice(c *gin.Context) {
	deviceID := c.Param("id")

	session, ok := h.connManager.GetSession(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not connected"})
		return
	}

	c.JSON(http.StatusOK, dto.NewDeviceResponse(session, h.registry.CountDeviceSubscribers(deviceID)))
}

// ListDeviceJobs returns the jobs of a device still held in memory
// GET /api/devices/:id/jobs
func (h *DevicesHandler) ListDeviceJobs(c *gin.Context) {
	list := h.orchestrator.ListByDevice(c.Param("id"))
	c.JSON(http.StatusOK, dto.ListJobsResponse{Jobs: list, Count: len(list)})
}

// DeviceHistory returns archived jobs of a device
// GET /api/devices/:id/history
func (h *DevicesHandler) DeviceHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history archive is not configured"})
		return
	}

	deviceID := c.Param("id")
	limit, offset := pagination(c)

	records, err := h.history.ListJobsByDevice(c.Request.Context(), deviceID, limit, offset)
	if err != nil {
		slog.Error("Failed to list job history", "error", err, "device_id", deviceID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list job history"})
		return
	}

	c.JSON(http.StatusOK, dto.HistoryResponse{Jobs: records, Limit: limit, Offset: offset})
}

// ConnectionHistory returns the archived sessions of a device
// GET /api/devices/:id/connections
func (h *DevicesHandler) ConnectionHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history archive is not configured"})
		return
	}

	deviceID := c.Param("id")
	limit, offset := pagination(c)

	entries, err := h.history.GetAgentConnectionHistory(c.Request.Context(), deviceID, limit, offset)
	if err != nil {
		slog.Error("Failed to get connection history", "error", err, "device_id", deviceID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get connection history"})
		return
	}

	c.JSON(http.StatusOK, dto.ConnectionHistoryResponse{Connections: entries, Limit: limit, Offset: offset})
}

func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
