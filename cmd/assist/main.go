// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command assist starts the Aleutian Assist server.
//
// Aleutian Assist executes multi-step workflows against external tools
// with human-in-the-loop gates for missing parameters, sensitive actions,
// and ambiguous results.
//
// Usage:
//
//	go run ./cmd/assist serve
//	go run ./cmd/assist serve --port 9090 --debug
//
// With an OpenAI-backed reasoning oracle:
//
//	OPENAI_API_KEY=sk-... OPENAI_MODEL=gpt-4o go run ./cmd/assist serve
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/health
//
//	# Tool catalog
//	curl http://localhost:8080/v1/assist/tools | jq
//
//	# Workflow websocket
//	websocat "ws://localhost:8080/v1/assist/ws?session_id=demo"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/AleutianAssist/services/assist"
	assistbadger "github.com/AleutianAI/AleutianAssist/services/assist/storage/badger"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

func main() {
	root := &cobra.Command{
		Use:   "assist",
		Short: "Aleutian Assist workflow server",
		Long:  "Aleutian Assist executes tool workflows with human-in-the-loop gates over a websocket.",
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		port    int
		debug   bool
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Aleutian Assist server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, debug, dataDir)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug mode")
	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for session storage")
	return cmd
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.aleutian/assist"
}

func runServe(port int, debug bool, dataDir string) error {
	if debug {
		gin.SetMode(gin.DebugMode)
		slog.SetLogLoggerLevel(slog.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so trace context flows from incoming
	// headers through all handlers.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Session storage. Graceful degradation: if the data directory cannot
	// be opened, sessions run in-memory and do not survive restarts.
	db := openStorage(dataDir)

	// Reasoning oracle from environment. Without it the engine still
	// serves connections; planning reports a recoverable failure.
	var oracle *llm.OpenAIClient
	if client, err := llm.NewOpenAIClient(); err != nil {
		slog.Warn("Reasoning oracle unavailable, workflow planning disabled",
			slog.String("error", err.Error()))
	} else {
		oracle = client
	}

	svc, err := assist.NewService(context.Background(), assist.Options{
		DB:     db,
		Oracle: oracle,
	})
	if err != nil {
		return fmt.Errorf("assembling service: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-assist"))
	if debug {
		router.Use(gin.Logger())
	}
	assist.RegisterRoutes(router, svc)

	printBanner(port, oracle != nil, !db.IsClosed())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("Shutting down Aleutian Assist server")
		if err := db.Close(); err != nil {
			slog.Warn("Failed to close session storage", slog.String("error", err.Error()))
		}
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", port)
	slog.Info("Starting Aleutian Assist server", slog.String("address", addr))
	if err := router.Run(addr); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

// openStorage opens the on-disk session store, degrading to in-memory
// when the directory is unavailable.
func openStorage(dataDir string) *assistbadger.DB {
	if dataDir != "" {
		cfg := assistbadger.DefaultConfig()
		cfg.Path = dataDir
		db, err := assistbadger.OpenDB(cfg)
		if err == nil {
			slog.Info("Session storage opened", slog.String("path", dataDir))
			return db
		}
		slog.Warn("Session storage unavailable, falling back to in-memory sessions",
			slog.String("path", dataDir),
			slog.String("error", err.Error()),
		)
	}
	db, err := assistbadger.OpenDB(assistbadger.InMemoryConfig())
	if err != nil {
		// In-memory open cannot reasonably fail; treat it as fatal.
		slog.Error("In-memory session storage failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	return db
}

func printBanner(port int, oracleEnabled, persistent bool) {
	fmt.Printf(`
  Aleutian Assist
  ---------------
  Listening:   http://localhost:%d
  Workflow WS: ws://localhost:%d/v1/assist/ws
  Chat WS:     ws://localhost:%d/v1/assist/chat
  Oracle:      %v
  Persistent:  %v

`, port, port, port, oracleEnabled, persistent)
}
