package handler

import (
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/ticket"
	"github.com/gin-gonic/gin"
)

type TicketHandler struct {
	tickets *ticket.Store
}

func NewTicketHandler(tickets *ticket.Store) *TicketHandler {
	return &TicketHandler{tickets: tickets}
}

// CreateTicket issues a single-use ticket for opening the dashboard socket
// POST /api/ws-ticket
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	t, err := h.tickets.Create(
		c.GetString(middleware.ContextUserID),
		c.GetString(middleware.ContextUsername),
		c.GetString(middleware.ContextRole),
	)
	if err != nil {
		slog.Error("Failed to create websocket ticket", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create ticket"})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateTicketResponse{Ticket: t.Key, ExpiresAt: t.ExpiresAt})
}
