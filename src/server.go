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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"continuumreview/src/logging"
	"continuumreview/src/workspace"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// GlobalStats represents queue-wide metrics
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	RejectedTasks   int     `json:"rejected_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	Passed          int     `json:"passed"`
	Blocked         int     `json:"blocked"`
	NeedsHuman      int     `json:"needs_human_review"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

// PoolStatus is the /pool payload.
type PoolStatus struct {
	workspace.Stats
	Workspaces []workspace.Info `json:"workspaces"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	db    *sql.DB
	stats *logging.PipelineStats
	pool  *workspace.Pool
}

func NewAPIServer(db *sql.DB, stats *logging.PipelineStats, pool *workspace.Pool) *APIServer {
	return &APIServer{db: db, stats: stats, pool: pool}
}

func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /pool", s.poolHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)

	// CRITICAL: We must use the returned handler from otelhttp.NewHandler
	return otelhttp.NewHandler(mux, "review-api-server")
}

// StartAPIServer serves the API until ctx is done, then shuts down gracefully.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		// Gracefully shut down the HTTP server (max 10s timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.GetStats())
}

func (s *APIServer) poolHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, PoolStatus{Stats: s.pool.Stats(), Workspaces: s.pool.Snapshot()})
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "No database configured", http.StatusServiceUnavailable)
		return
	}

	var gs GlobalStats

	// Combined query for better performance
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status = 'pending') as pending,
				COUNT(*) FILTER (WHERE status = 'running') as running,
				COUNT(*) FILTER (WHERE status = 'completed') as completed,
				COUNT(*) FILTER (WHERE status = 'rejected') as rejected,
				COUNT(*) FILTER (WHERE status = 'failed') as failed,
				COUNT(*) FILTER (WHERE outcome = 'pass') as passed,
				COUNT(*) FILTER (WHERE outcome IN ('fail', 'conditional-pass')) as blocked,
				COUNT(*) FILTER (WHERE outcome = 'needs-human-review') as needs_human
			FROM REVIEW_TASKS
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (finished - started))), 0) as avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE finished > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM REVIEW_TASKS
			WHERE status = 'completed' AND finished IS NOT NULL AND started IS NOT NULL
		)
		SELECT * FROM counts, performance;
	`

	err := s.db.QueryRowContext(r.Context(), query).Scan(
		&gs.TotalTasks, &gs.PendingTasks, &gs.RunningTasks, &gs.CompletedTasks,
		&gs.RejectedTasks, &gs.FailedTasks, &gs.Passed, &gs.Blocked, &gs.NeedsHuman,
		&gs.AvgExecutionSec, &gs.ThroughputTasks,
	)
	if err != nil {
		s.stats.DatabaseFailure()
		logging.LogContext(r.Context(), fmt.Sprintf("Failed to query system stats: %v", err), slog.LevelError)
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, gs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
