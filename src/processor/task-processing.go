package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"continuumreview/src/admission"
	"continuumreview/src/logging"
	"continuumreview/src/model"
	"continuumreview/src/orchestrator"

	"golang.org/x/sync/errgroup"
)

// MaxAttempts is how many rejections for lack of capacity a task survives
// before it is marked rejected for good.
const MaxAttempts = 5

// RequeueDelay keeps a requeued task out of reach for a while, so a burst of
// notifications does not claim the same row again straight away.
const RequeueDelay = 5 * time.Second

// Reviewer is the part of the orchestrator the processor needs.
type Reviewer interface {
	Review(ctx context.Context, task model.ReviewTask) (model.Decision, error)
}

// Queue is where review tasks wait. PostgresQueue is the production one.
type Queue interface {
	// Claim locks the next runnable task for this worker. It returns nil
	// when nothing is runnable.
	Claim(ctx context.Context) (*model.ReviewTask, error)
	SaveDecision(ctx context.Context, task model.ReviewTask, decision model.Decision) error
	SaveRejection(ctx context.Context, task model.ReviewTask, r Rejection) error
	// Recover requeues tasks a crashed worker left running.
	Recover(ctx context.Context) (int64, error)
}

// Rejection says what happens to a task whose review did not produce a
// decision.
type Rejection struct {
	Status model.TaskStatus // pending or failed
	// CountsAttempt spends one of the task's MaxAttempts.
	CountsAttempt bool
	Delay         time.Duration
	Cause         error
}

type Processor struct {
	queue       Queue
	reviewer    Reviewer
	stats       *logging.PipelineStats
	concurrency int
}

// New returns a processor running up to concurrency reviews at once.
func New(queue Queue, reviewer Reviewer, stats *logging.PipelineStats, concurrency int) *Processor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Processor{
		queue:       queue,
		reviewer:    reviewer,
		stats:       stats,
		concurrency: concurrency,
	}
}

// ProcessTasks runs the configured number of drainers side by side and
// returns once every one of them has stopped. A drainer stops when the queue
// is empty, the pipeline pushes back, or ctx is done.
func (p *Processor) ProcessTasks(ctx context.Context) {
	var g errgroup.Group
	for range p.concurrency {
		g.Go(func() error {
			p.drain(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		task, err := p.queue.Claim(ctx)
		if err != nil {
			logging.Log(fmt.Sprintf("Error claiming task: %v", err), slog.LevelError)
			p.databaseFailure()
			return
		}
		if task == nil {
			return
		}

		logging.Log(fmt.Sprintf("Processing review task: %s", task.ID), slog.LevelInfo, "project_id", task.ProjectID)
		decision, err := p.reviewer.Review(ctx, *task)
		if err != nil {
			p.saveRejection(ctx, *task, err)
			if orchestrator.Retryable(err) {
				// Saturated; leave the rest for the next tick.
				return
			}
			continue
		}
		if err := p.queue.SaveDecision(ctx, *task, decision); err != nil {
			logging.Log(fmt.Sprintf("Error saving decision for task %s: %v", task.ID, err), slog.LevelError)
			p.databaseFailure()
		}
	}
}

func (p *Processor) saveRejection(ctx context.Context, task model.ReviewTask, cause error) {
	r := classify(cause)
	if err := p.queue.SaveRejection(ctx, task, r); err != nil {
		logging.Log(fmt.Sprintf("Error recording rejection of task %s: %v", task.ID, err), slog.LevelError)
		p.databaseFailure()
	}
}

// classify maps a Review error to the task's next state. Admission
// pushback and shutdown are free retries; a full pool costs an attempt,
// since it can persist while workspaces are stuck in use.
func classify(err error) Rejection {
	switch {
	case errors.Is(err, admission.ErrRateLimited), errors.Is(err, admission.ErrTimeout):
		return Rejection{Status: model.TaskPending, Delay: RequeueDelay, Cause: err}
	case orchestrator.Retryable(err):
		return Rejection{Status: model.TaskPending, CountsAttempt: true, Delay: RequeueDelay, Cause: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The worker is shutting down; someone else can take it.
		return Rejection{Status: model.TaskPending, Cause: err}
	default:
		return Rejection{Status: model.TaskFailed, Cause: err}
	}
}

// RecoverTasks requeues tasks locked for more than an hour. This handles
// cases where a worker crashed while reviewing.
func (p *Processor) RecoverTasks(ctx context.Context) {
	count, err := p.queue.Recover(ctx)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		p.databaseFailure()
		return
	}
	if count > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale review tasks", count), slog.LevelInfo)
	}
}

func (p *Processor) databaseFailure() {
	if p.stats != nil {
		p.stats.DatabaseFailure()
	}
}
