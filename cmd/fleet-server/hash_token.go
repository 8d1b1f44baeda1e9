package main

import (
	"flag"
	"fmt"

	"github.com/EternisAI/silo-fleet/internal/auth"
)

// runHashToken prints the bcrypt hash to put in agents.token_hash.
func runHashToken(args []string) error {
	fs := flag.NewFlagSet("hash-token", flag.ExitOnError)
	token := fs.String("token", "", "Agent enrollment token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *token == "" {
		return fmt.Errorf("--token is required")
	}

	hash, err := auth.HashAgentToken(*token)
	if err != nil {
		return err
	}

	fmt.Println("Add the following to your server application.yml:")
	fmt.Println()
	fmt.Printf("agents:\n")
	fmt.Printf("  token_hash: \"%s\"\n", hash)
	return nil
}
