package systemtest

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	internalhttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/history"
	"github.com/EternisAI/silo-fleet/systemtest/postgres"
	"github.com/EternisAI/silo-fleet/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

const agentToken = "system-test-enrollment"

func startServer(t *testing.T, archive *history.Service) tests.Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := auth.HashAgentToken(agentToken)
	require.NoError(t, err)

	authConfig := auth.Config{
		JWTSecret:   "system-test-secret",
		JWTIssuer:   "silo-fleet",
		TokenTTL:    time.Hour,
		AdminAPIKey: "system-test-admin",
	}

	core := fleet.New(fleet.Config{
		Agents:         agents.Config{SweepInterval: 100 * time.Millisecond},
		Auth:           authConfig,
		AgentTokenHash: hash,
	}, archive)

	engine := gin.New()
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, core.Services())
	server := httptest.NewServer(engine)

	t.Cleanup(func() {
		core.Shutdown()
		server.Close()
	})

	return tests.Env{BaseURL: server.URL, Auth: authConfig, AgentToken: agentToken}
}

func TestSystemIntegration(t *testing.T) {
	env := startServer(t, nil)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, env) })
	t.Run("Devices", func(t *testing.T) { tests.TestDevices(t, env) })
	t.Run("JobLifecycle", func(t *testing.T) { tests.TestJobLifecycle(t, env) })
	t.Run("Admin", func(t *testing.T) { tests.TestAdmin(t, env) })
}

func TestHistoryArchive(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.StartPostgres(ctx, "fleet", "fleet", "fleet")
	require.NoError(t, err)
	t.Cleanup(func() { _ = postgres.TerminatePostgres(context.Background(), container) })

	dsn, err := postgres.ConnectionString(ctx, container)
	require.NoError(t, err)

	cfg := db.Config{Url: dsn, Schema: "fleet"}
	require.NoError(t, db.RunMigrations(ctx, cfg))

	pool, err := db.InitDB(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	env := startServer(t, history.NewService(pool))

	t.Run("Archive", func(t *testing.T) { tests.TestHistoryArchive(t, env) })
}
