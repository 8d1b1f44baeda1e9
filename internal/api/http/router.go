package http

import (
	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/handler"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/history"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/EternisAI/silo-fleet/internal/ticket"
	"github.com/EternisAI/silo-fleet/internal/ui"
	"github.com/gin-gonic/gin"
)

type Services struct {
	ConnManager  *agents.ConnectionManager
	AgentStream  *agents.StreamHandler
	Orchestrator *jobs.Orchestrator
	Registry     *ui.Registry
	UIStream     *ui.StreamHandler
	History      *history.Service
	Tickets      *ticket.Store
	Auth         auth.Config

	AgentTokenHash string
	AgentQueueSize int
	UIQueueSize    int
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.ConnManager, srvs.Registry, srvs.Orchestrator)
	engine.GET("/health", healthHandler.Check)

	socketHandler := handler.NewSocketHandler(srvs.AgentStream, srvs.UIStream, srvs.AgentQueueSize, srvs.UIQueueSize)
	engine.GET("/ws/agent", middleware.AgentTokenAuth(srvs.AgentTokenHash), socketHandler.AgentSocket)
	engine.GET("/ws/ui", middleware.UISocketAuth(srvs.Auth.JWTSecret, srvs.Tickets), socketHandler.UISocket)

	devicesHandler := handler.NewDevicesHandler(srvs.ConnManager, srvs.Registry, srvs.Orchestrator, srvs.History)
	jobsHandler := handler.NewJobsHandler(srvs.Orchestrator, srvs.History)
	ticketHandler := handler.NewTicketHandler(srvs.Tickets)

	api := engine.Group("/api")
	api.Use(middleware.JWTAuth(srvs.Auth.JWTSecret))
	{
		api.GET("/devices", devicesHandler.ListDevices)
		api.GET("/devices/:id", devicesHandler.GetDevice)
		api.GET("/devices/:id/jobs", devicesHandler.ListDeviceJobs)
		api.GET("/devices/:id/history", devicesHandler.DeviceHistory)
		api.GET("/devices/:id/connections", devicesHandler.ConnectionHistory)
		api.GET("/jobs/:id", jobsHandler.GetJob)
		api.POST("/ws-ticket", ticketHandler.CreateTicket)

		operator := api.Group("")
		operator.Use(middleware.RequireRole(auth.RoleOperator, auth.RoleAdmin))
		{
			operator.POST("/devices/:id/jobs", jobsHandler.StartJob)
			operator.POST("/jobs/:id/cancel", jobsHandler.CancelJob)
		}
	}

	adminHandler := handler.NewAdminHandler(srvs.ConnManager, srvs.Registry, srvs.Tickets, srvs.Auth)

	admin := engine.Group("/admin")
	admin.Use(middleware.APIKeyAuth(srvs.Auth.AdminAPIKey))
	{
		admin.POST("/users/:id/revoke", adminHandler.RevokeUser)
		admin.POST("/tokens", adminHandler.CreateToken)
		admin.GET("/agents", adminHandler.ListSessions)
		admin.POST("/agents/:id/disconnect", adminHandler.DisconnectAgent)
	}
}
