package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/grpc/health"
	"github.com/EternisAI/silo-fleet/internal/history"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

var AppVersion string

const ticketCleanupInterval = time.Minute

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		if err := runHashToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	InitConfig()

	slog.Info("Silo Fleet Server", "version", AppVersion)

	if config.Auth.JWTSecret == "" {
		slog.Error("auth.jwt_secret is required")
		os.Exit(1)
	}
	if config.Agents.TokenHash == "" {
		slog.Warn("agents.token_hash is empty, agent connections are not authenticated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pool *pgxpool.Pool
	var archive *history.Service
	if config.DB.Enabled() {
		if err := db.RunMigrations(ctx, config.DB); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}

		var err error
		pool, err = db.InitDB(ctx, config.DB)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		archive = history.NewService(pool)
		slog.Info("History archive enabled", "schema", config.DB.Schema)
	} else {
		slog.Info("History archive disabled (db.url not set)")
	}

	core := fleet.New(fleet.Config{
		Agents:         config.connectionManagerConfig(),
		Jobs:           config.Jobs,
		Auth:           config.Auth,
		AgentTokenHash: config.Agents.TokenHash,
		AgentQueueSize: config.Agents.SendQueueSize,
		UIQueueSize:    config.UI.SendQueueSize,
		TicketTTL:      config.UI.TicketTTL,
	}, archive)
	go core.Tickets.StartCleanup(ctx, ticketCleanupInterval)

	healthSrv, err := health.NewServer(config.Grpc)
	if err != nil {
		slog.Error("Failed to create gRPC health server", "error", err)
		os.Exit(1)
	}

	allowedOrigins := config.Http.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, core.Services())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := healthSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	healthSrv.SetServing(false)

	// Hijacked websockets are not tracked by http.Server.Shutdown.
	core.Shutdown()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthSrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()
	cancel()
	slog.Info("Shutdown complete")
}
