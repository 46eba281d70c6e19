// Package main mints operator tokens for the admin API and dashboard websocket.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/onnwee/livepresence/internal/auth"
	"github.com/onnwee/livepresence/internal/config"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	adminID := flag.String("admin", "", "operator id carried in the token (required)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	configPath := flag.String("config", os.Getenv("LIVEPRESENCE_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Live Presence Operator Token")
		fmt.Println()
		fmt.Println("Usage: admintoken -admin <id> [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *adminID == "" {
		fmt.Fprintln(os.Stderr, "-admin is required")
		os.Exit(2)
	}

	cfg, errs := config.Load(*configPath)
	if cfg == nil || cfg.AdminJWTSecret == "" {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	// Tokens are always signed with the current secret, even during rotation.
	token, err := auth.NewJWTService(cfg.AdminJWTSecret).GenerateAdminToken(*adminID, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to generate token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
