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

// Package orchestrator runs one review task through admission, workspace
// acquisition, evaluator fan-out and consensus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"continuumreview/src/admission"
	"continuumreview/src/consensus"
	"continuumreview/src/evaluation"
	"continuumreview/src/logging"
	"continuumreview/src/model"
	"continuumreview/src/workspace"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Gate   *admission.Gate
	Pool   *workspace.Pool
	FanOut *evaluation.FanOut
	Policy consensus.Policy
	// MaxWait bounds how long a task may wait for admission. Zero means
	// reject immediately when the bucket is empty.
	MaxWait time.Duration
	// Stats is optional; a fresh one is created when nil.
	Stats *logging.PipelineStats
}

// Orchestrator owns its gate and pool; nothing here is process-global.
type Orchestrator struct {
	gate    *admission.Gate
	pool    *workspace.Pool
	fanOut  *evaluation.FanOut
	policy  consensus.Policy
	maxWait time.Duration
	stats   *logging.PipelineStats

	admitted  metric.Int64Counter
	rejected  metric.Int64Counter
	decisions metric.Int64Counter
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Gate == nil || cfg.Pool == nil || cfg.FanOut == nil {
		return nil, fmt.Errorf("orchestrator: gate, pool and fan-out are required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.MaxWait < 0 {
		cfg.MaxWait = 0
	}
	if cfg.Stats == nil {
		cfg.Stats = logging.NewPipelineStats(uuid.NewString())
	}

	o := &Orchestrator{
		gate:    cfg.Gate,
		pool:    cfg.Pool,
		fanOut:  cfg.FanOut,
		policy:  cfg.Policy,
		maxWait: cfg.MaxWait,
		stats:   cfg.Stats,
	}
	o.admitted, _ = logging.InitializeIntCounter("review_tasks_admitted", "Review tasks past the admission gate", "Task")
	o.rejected, _ = logging.InitializeIntCounter("review_tasks_rejected", "Review tasks turned away before evaluation", "Task")
	o.decisions, _ = logging.InitializeIntCounter("review_decisions", "Review decisions emitted", "Decision")
	return o, nil
}

func (o *Orchestrator) Pool() *workspace.Pool {
	return o.pool
}

func (o *Orchestrator) Stats() *logging.PipelineStats {
	return o.stats
}

// Retryable reports whether err is a transient rejection the caller may
// retry later.
func Retryable(err error) bool {
	return errors.Is(err, admission.ErrRateLimited) ||
		errors.Is(err, admission.ErrTimeout) ||
		errors.Is(err, workspace.ErrPoolExhausted) ||
		errors.Is(err, workspace.ErrWorkspaceBusy)
}

// Review runs one task to a decision. Admission failures return before the
// pool is touched. Once a workspace is acquired it is released exactly once,
// whatever happens afterwards. Missing evaluators are folded into the
// decision, never returned as errors.
func (o *Orchestrator) Review(ctx context.Context, task model.ReviewTask) (decision model.Decision, err error) {
	ctx, span := logging.Tracer().Start(ctx, "review.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.project_id", task.ProjectID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if task.ID == "" || task.ProjectID == "" {
		return model.Decision{}, fmt.Errorf("orchestrator: task needs an id and a project id")
	}

	if err := o.admit(ctx, task); err != nil {
		return model.Decision{}, err
	}

	o.stats.Admitted(task.ID)
	outcome, missing := "", 0
	defer func() { o.stats.Finished(task.ID, outcome, missing) }()

	ws, err := o.acquire(ctx, task)
	if ws == nil {
		return model.Decision{}, err
	}
	defer o.pool.Release(ws)

	ballots := o.evaluate(ctx, task, ws.Path)
	decision = o.decide(ctx, task, ballots)

	outcome, missing = string(decision.Outcome), len(decision.Missing)
	return decision, nil
}

func (o *Orchestrator) admit(ctx context.Context, task model.ReviewTask) error {
	ctx, span := logging.Tracer().Start(ctx, "review.admission")
	defer span.End()

	if err := o.gate.TryAcquire(ctx, 1, o.maxWait); err != nil {
		o.stats.Rejected()
		o.reject(ctx, task, err)
		return err
	}
	if o.admitted != nil {
		o.admitted.Add(ctx, 1)
	}
	return nil
}

// acquire returns a nil workspace only on failure. A non-nil workspace with
// an error means an eviction or orphan cleanup could not remove storage.
func (o *Orchestrator) acquire(ctx context.Context, task model.ReviewTask) (*workspace.Workspace, error) {
	ctx, span := logging.Tracer().Start(ctx, "review.acquire")
	defer span.End()

	key := task.WorkspaceKey()
	ws, err := o.pool.Acquire(ctx, key)
	if ws == nil {
		o.reject(ctx, task, err)
		return nil, err
	}
	if err != nil {
		logging.LogContext(ctx, "Workspace storage cleanup failed", slog.LevelWarn,
			"task_id", task.ID, "workspace", key, "error", err.Error())
	}
	span.SetAttributes(attribute.String("workspace.id", ws.ID))
	return ws, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, task model.ReviewTask, path string) []model.Ballot {
	ctx, span := logging.Tracer().Start(ctx, "review.fanout")
	defer span.End()

	ballots := o.fanOut.Run(ctx, task, path)
	present := 0
	for _, b := range ballots {
		if !b.Missing() {
			present++
		}
	}
	span.SetAttributes(
		attribute.Int("ballots.present", present),
		attribute.Int("ballots.missing", len(ballots)-present),
	)
	return ballots
}

func (o *Orchestrator) decide(ctx context.Context, task model.ReviewTask, ballots []model.Ballot) model.Decision {
	ctx, span := logging.Tracer().Start(ctx, "review.decide")
	defer span.End()

	d := consensus.Decide(ballots, o.policy)
	d.ID = uuid.NewString()
	d.TaskID = task.ID

	span.SetAttributes(attribute.String("decision.outcome", string(d.Outcome)))
	if d.Scored {
		logging.UpdateSpanValue(ctx, "decision.score", d.Score)
	}
	if o.decisions != nil {
		o.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(d.Outcome))))
	}
	logging.LogContext(ctx, "Review decided", slog.LevelInfo,
		"task_id", task.ID, "decision_id", d.ID, "outcome", string(d.Outcome),
		"score", d.Score, "missing", len(d.Missing), "overrides", len(d.Overrides))
	return d
}

func (o *Orchestrator) reject(ctx context.Context, task model.ReviewTask, err error) {
	reason := rejectReason(err)
	if o.rejected != nil {
		o.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	level := slog.LevelInfo
	if !Retryable(err) {
		level = slog.LevelError
	}
	logging.LogContext(ctx, "Review task rejected", level,
		"task_id", task.ID, "reason", reason, "error", err.Error())
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, admission.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, admission.ErrTimeout):
		return "admission_timeout"
	case errors.Is(err, workspace.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, workspace.ErrWorkspaceBusy):
		return "workspace_busy"
	case errors.Is(err, workspace.ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// Result pairs a task with its outcome.
type Result struct {
	Task     model.ReviewTask `json:"task"`
	Decision model.Decision   `json:"decision"`
	Err      error            `json:"-"`
}

// ReviewAll reviews tasks concurrently, at most limit at a time (no limit if
// limit <= 0). Results are in input order.
func (o *Orchestrator) ReviewAll(ctx context.Context, tasks []model.ReviewTask, limit int) []Result {
	results := make([]Result, len(tasks))
	var eg errgroup.Group
	if limit > 0 {
		eg.SetLimit(limit)
	}
	for i, task := range tasks {
		eg.Go(func() error {
			d, err := o.Review(ctx, task)
			results[i] = Result{Task: task, Decision: d, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}
