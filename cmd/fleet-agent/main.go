package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/EternisAI/silo-fleet/internal/agentclient"
	"github.com/spf13/viper"
)

var AppVersion string

func main() {
	if len(os.Args) > 1 && os.Args[1] == "enroll" {
		if err := runEnroll(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	InitConfig()

	slog.Info("Silo Fleet Agent", "version", AppVersion, "capabilities", agentclient.Capabilities())

	var metrics agentclient.MetricsSource
	if config.Agent.Metrics {
		metrics = agentclient.NewHostMetrics()
	}

	client := agentclient.NewClient(agentclient.Config{
		ServerURL:         config.Server.URL,
		AgentID:           config.Agent.ID,
		Token:             config.Agent.Token,
		HeartbeatInterval: config.Agent.HeartbeatInterval,
		Version:           AppVersion,
		ConfigPath:        viper.ConfigFileUsed(),
	}, agentclient.NewRunner(), metrics)

	if err := client.Start(); err != nil {
		slog.Error("Failed to start agent client", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent started", "agent_id", client.AgentID())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	if err := client.Stop(); err != nil {
		slog.Error("Agent client stop error", "error", err)
	}
	slog.Info("Shutdown complete")
}
