// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/HarborDesk/pkg/logging"
	"github.com/AleutianAI/HarborDesk/pkg/secrets"
	"github.com/AleutianAI/HarborDesk/services/agent"
)

// version is set by the release build via -ldflags.
var version = "dev"

// shutdownGrace bounds end-of-life work: ending sessions, flushing
// telemetry, closing backends.
const shutdownGrace = 15 * time.Second

var (
	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "The HarborDesk support agent service",
		Long: `The HarborDesk agent answers property-management support questions
over the knowledge base, with session memory, escalation, and analytics.`,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the agent HTTP server",
		RunE:  runServe,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	envFile string
)

func init() {
	serveCmd.Flags().StringVar(&envFile, "env-file", "", "optional .env file to load before reading the environment")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Best effort: a local .env is a dev convenience, not a requirement.
		_ = godotenv.Load()
	}

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "agent",
		LogDir:  os.Getenv("AGENT_LOG_DIR"),
		JSON:    !logging.IsTerminal(os.Stderr),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())
	defer secrets.Shutdown()

	svc, err := agent.New(agent.ConfigFromEnv())
	if err != nil {
		return err
	}

	// Run the server in the background so signals can trigger an orderly
	// shutdown that archives active sessions.
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		svc.Shutdown(ctx)
		return nil
	}
}
