package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/ticket"
	"github.com/gin-gonic/gin"
)

const (
	apiKeyHeader     = "X-API-Key"
	agentTokenHeader = "X-Agent-Token"

	ContextUserID   = "user_id"
	ContextUsername = "username"
	ContextRole     = "role"
)

func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		claims, err := auth.ValidateToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		setIdentity(c, claims.UserID, claims.Username, claims.Role)
		c.Next()
	}
}

// UISocketAuth authenticates a dashboard websocket upgrade. Browsers cannot
// set headers on websocket requests, so a single-use ?ticket= or a ?token=
// JWT are accepted besides the Authorization header.
func UISocketAuth(secret string, tickets *ticket.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.Query("ticket"); key != "" && tickets != nil {
			t, err := tickets.Redeem(key)
			if err != nil {
				slog.Warn("Rejected UI ticket", "client_ip", c.ClientIP(), "error", err)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid ticket"})
				return
			}
			setIdentity(c, t.UserID, t.Username, t.Role)
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		claims, err := auth.ValidateToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		setIdentity(c, claims.UserID, claims.Username, claims.Role)
		c.Next()
	}
}

func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(ContextRole)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		userRole, ok := role.(string)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		for _, r := range roles {
			if r == userRole {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			slog.Warn("Admin API key not configured, rejecting request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin API is not configured",
			})
			return
		}

		providedKey := c.GetHeader(apiKeyHeader)
		if providedKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing API key",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			slog.Warn("Invalid API key attempt",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			return
		}

		c.Next()
	}
}

// AgentTokenAuth checks the shared enrollment token of agents against its
// bcrypt hash. An empty hash disables the check.
func AgentTokenAuth(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.Next()
			return
		}

		token := c.GetHeader(agentTokenHeader)
		if token == "" || !auth.CheckAgentToken(token, tokenHash) {
			slog.Warn("Rejected agent connection",
				"client_ip", c.ClientIP(),
				"token_present", token != "")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid agent token"})
			return
		}

		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(header, "Bearer "), true
}

func setIdentity(c *gin.Context, userID, username, role string) {
	c.Set(ContextUserID, userID)
	c.Set(ContextUsername, username)
	c.Set(ContextRole, role)
}
