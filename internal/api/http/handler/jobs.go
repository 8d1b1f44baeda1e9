package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/history"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/gin-gonic/gin"
)

type JobsHandler struct {
	orchestrator *jobs.Orchestrator
	history      *history.Service
}

// NewJobsHandler creates the handler. historyService may be nil.
func NewJobsHandler(orchestrator *jobs.Orchestrator, historyService *history.Service) *JobsHandler {
	return &JobsHandler{
		orchestrator: orchestrator,
		history:      historyService,
	}
}

// StartJob dispatches a script to a connected device
// POST /api/devices/:id/jobs
func (h *JobsHandler) StartJob(c *gin.Context) {
	var req dto.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deviceID := c.Param("id")
	jobID, err := h.orchestrator.Start(jobs.StartRequest{
		DeviceID:    deviceID,
		Script:      req.Script,
		Language:    req.Shell,
		TimeoutSec:  req.TimeoutSec,
		Args:        req.Args,
		Env:         req.Env,
		RequestedBy: c.GetString(middleware.ContextUserID),
	})
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNoAgent):
			c.JSON(http.StatusConflict, gin.H{"error": "device has no connected agent"})
		case errors.Is(err, jobs.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			slog.Error("Failed to start job", "error", err, "device_id", deviceID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start job"})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.StartJobResponse{JobID: jobID})
}

// GetJob returns a job snapshot, falling back to the archive once the job
// left memory
// GET /api/jobs/:id
func (h *JobsHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")

	snapshot, err := h.orchestrator.Get(jobID)
	if err == nil {
		c.JSON(http.StatusOK, snapshot)
		return
	}

	if h.history != nil {
		record, err := h.history.GetJob(c.Request.Context(), jobID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, record)
			return
		case !errors.Is(err, history.ErrJobNotFound) && !errors.Is(err, history.ErrInvalidID):
			slog.Error("Failed to get archived job", "error", err, "job_id", jobID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
}

// CancelJob marks a job canceled and signals the agent
// POST /api/jobs/:id/cancel
func (h *JobsHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("id")

	snapshot, err := h.orchestrator.Cancel(jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, jobs.ErrJobTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "job already finished", "status": snapshot.Status})
		default:
			slog.Error("Failed to cancel job", "error", err, "job_id", jobID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		}
		return
	}

	slog.Info("Job cancel requested", "job_id", jobID, "user_id", c.GetString(middleware.ContextUserID))
	c.JSON(http.StatusOK, snapshot)
}
