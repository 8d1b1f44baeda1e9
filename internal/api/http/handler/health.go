package handler

import (
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/EternisAI/silo-fleet/internal/ui"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	connManager  *agents.ConnectionManager
	registry     *ui.Registry
	orchestrator *jobs.Orchestrator
}

func NewHealthHandler(connManager *agents.ConnectionManager, registry *ui.Registry, orchestrator *jobs.Orchestrator) *HealthHandler {
	return &HealthHandler{
		connManager:  connManager,
		registry:     registry,
		orchestrator: orchestrator,
	}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, dto.HealthResponse{
		Status:       "ok",
		Agents:       h.connManager.Count(),
		UISockets:    h.registry.Count(),
		RetainedJobs: h.orchestrator.Count(),
	})
}
