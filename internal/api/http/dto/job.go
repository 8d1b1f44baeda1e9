package dto

import (
	"github.com/EternisAI/silo-fleet/internal/history"
	"github.com/EternisAI/silo-fleet/internal/jobs"
)

type StartJobRequest struct {
	Script     string            `json:"script" binding:"required"`
	Shell      string            `json:"shell"`
	TimeoutSec int               `json:"timeoutSec" binding:"gte=0"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
}

type StartJobResponse struct {
	JobID string `json:"jobId"`
}

type ListJobsResponse struct {
	Jobs  []jobs.Snapshot `json:"jobs"`
	Count int             `json:"count"`
}

type HistoryResponse struct {
	Jobs   []history.JobRecord `json:"jobs"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

type ConnectionHistoryResponse struct {
	Connections []history.ConnectionLog `json:"connections"`
	Limit       int                     `json:"limit"`
	Offset      int                     `json:"offset"`
}
