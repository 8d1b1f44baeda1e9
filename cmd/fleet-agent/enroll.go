package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/agentclient"
)

// runEnroll writes the server url and enrollment token into the agent's
// config file. The agent id is generated on first start.
func runEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	server := fs.String("server", "", "Agent socket URL (e.g., wss://fleet.example.com/ws/agent)")
	token := fs.String("token", "", "Agent enrollment token")
	configPath := fs.String("config", "./application.yml", "Config file to update")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server is required")
	}
	if !strings.HasPrefix(*server, "ws://") && !strings.HasPrefix(*server, "wss://") {
		return fmt.Errorf("--server must be a ws:// or wss:// url")
	}

	if err := agentclient.UpdateConfigFile(*configPath, "server", map[string]any{"url": *server}); err != nil {
		return err
	}
	if *token != "" {
		if err := agentclient.UpdateConfigFile(*configPath, "agent", map[string]any{"token": *token}); err != nil {
			return err
		}
	}

	fmt.Println("Enrollment saved!")
	fmt.Printf("  Server: %s\n", *server)
	fmt.Printf("  Config: %s\n", *configPath)
	return nil
}
