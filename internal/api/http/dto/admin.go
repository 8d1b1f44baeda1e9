package dto

import "time"

type CreateTokenRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Username string `json:"username"`
	Role     string `json:"role" binding:"omitempty,oneof=operator viewer admin"`
}

type CreateTokenResponse struct {
	Token string `json:"token"`
}

type RevokeUserResponse struct {
	UserID         string `json:"userId"`
	Closed         int    `json:"closed"`
	RevokedTickets int    `json:"revokedTickets"`
}

type DisconnectAgentResponse struct {
	DeviceID     string `json:"deviceId"`
	Disconnected bool   `json:"disconnected"`
}

type CreateTicketResponse struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expiresAt"`
}
