// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"continuumreview/src/config"
	"continuumreview/src/logging"
	"continuumreview/src/processor"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "continuum-review",
	Short:         "Concurrent code review orchestration worker",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim review tasks from Postgres and decide them",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.AddCommand(workerCmd, reviewCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if !cfg.DB.Configured() {
		return fmt.Errorf("DB_NAME and DB_HOST must be set for the worker")
	}
	panel, err := config.LoadPanel(cfg.PanelFile)
	if err != nil {
		return err
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	db, err := sql.Open("postgres", cfg.DB.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := processor.EnsureSchema(ctx, db); err != nil {
		return err
	}

	workerID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting review worker with UUID: %s", workerID), slog.LevelInfo)
	stats := logging.NewPipelineStats(workerID)

	p, err := buildPipeline(ctx, cfg, panel, stats)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.close(closeCtx); err != nil {
			logging.Log(fmt.Sprintf("Error releasing workspaces: %v", err), slog.LevelWarn)
		}
	}()

	go p.pool.RunReclaimer(ctx, cfg.ReclaimInterval)
	go func() {
		if err := StartAPIServer(ctx, cfg.APIPort, NewAPIServer(db, stats, p.pool)); err != nil {
			logging.Log(err.Error(), slog.LevelError)
		}
	}()

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelWarn)
		}
	}
	listener := pq.NewListener(cfg.DB.ConnString(), 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(processor.NotifyChannel); err != nil {
		return err
	}
	defer listener.Close()

	queue := processor.NewPostgresQueue(db, workerID, cfg.MinPriority, cfg.MaxPriority)
	proc := processor.New(queue, p.orch, stats, cfg.WorkerConcurrency)

	// Fall-back polling in case a notification is missed
	ticker := time.NewTicker(cfg.PollingInterval)
	defer ticker.Stop()

	logging.Log("Worker started. Waiting for review tasks (LISTEN/NOTIFY + Fallback Polling)...", slog.LevelInfo)

	proc.RecoverTasks(ctx)
	proc.ProcessTasks(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
			return nil
		case <-ticker.C:
			proc.ProcessTasks(ctx)
		case <-listener.Notify:
			logging.Log("Received notification, checking for review tasks...", slog.LevelInfo)
			proc.RecoverTasks(ctx)
			proc.ProcessTasks(ctx)
		}
	}
}
