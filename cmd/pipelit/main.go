// Package main provides the pipelit binary entry point.
// Pipelit is a self-hosted workflow execution platform: visual graphs of
// LLM agents, switches, loops, and sub-workflows executed over NATS and
// Postgres.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/pipelit/pipelit/llm/providers"

	"github.com/spf13/cobra"

	"github.com/pipelit/pipelit/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pipelit"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "pipelit",
		Short: "Self-hosted workflow execution platform",
		Long: `Pipelit executes visual workflow graphs of LLM agents, switches,
loops, and sub-workflows.

It provides:
- Deterministic plan compilation and execution of workflow graphs
- Sub-workflow delegation with checkpointed resume
- Recurring schedules with retry and backoff
- Live execution events over WebSocket

Workflows and executions persist in Postgres; jobs, ephemeral state, and
events ride on NATS JetStream.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serve(configPath, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(10 * time.Second)
		return err
	}

	logger.Info("Pipelit ready", "version", Version, "addr", cfg.Server.Addr)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	logger.Info("Pipelit shutdown complete")
	return nil
}
