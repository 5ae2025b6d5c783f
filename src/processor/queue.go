package processor

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"continuumreview/src/logging"
	"continuumreview/src/model"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// NotifyChannel is the LISTEN channel the schema trigger notifies on insert.
const NotifyChannel = "review_tasks_updated"

// EnsureSchema creates REVIEW_TASKS and its NOTIFY trigger if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("processor: ensure schema: %w", err)
	}
	return nil
}

// PostgresQueue keeps review tasks in REVIEW_TASKS. Several workers can
// share one table; claims never hand the same row to two of them.
type PostgresQueue struct {
	db          *sql.DB
	workerID    string
	minPriority int
	maxPriority int
}

func NewPostgresQueue(db *sql.DB, workerID string, minPriority, maxPriority int) *PostgresQueue {
	return &PostgresQueue{
		db:          db,
		workerID:    workerID,
		minPriority: minPriority,
		maxPriority: maxPriority,
	}
}

// Claim locks one runnable pending task and marks it running.
func (q *PostgresQueue) Claim(ctx context.Context) (*model.ReviewTask, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	task := &model.ReviewTask{}
	query := `
		SELECT id, project_id, developer_id, files, created_at
		FROM REVIEW_TASKS
		WHERE STATUS = 'pending'
		AND LOCKED_AT IS NULL
		AND (NOT_BEFORE IS NULL OR NOT_BEFORE <= NOW())
		AND ($1 = 0 OR priority >= $1)
		AND ($2 = 0 OR priority <= $2)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	err = tx.QueryRowContext(ctx, query, q.minPriority, q.maxPriority).Scan(
		&task.ID, &task.ProjectID, &task.DeveloperID, pq.Array(&task.Files), &task.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE REVIEW_TASKS SET LOCKED_AT = NOW(), WORKER_ID = $1, STARTED = NOW(), STATUS = $2 WHERE ID = $3",
		q.workerID, model.TaskRunning, task.ID)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// SaveDecision stores the decision document and completes the task.
func (q *PostgresQueue) SaveDecision(ctx context.Context, task model.ReviewTask, decision model.Decision) error {
	doc, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("processor: encode decision: %w", err)
	}
	var score sql.NullFloat64
	if decision.Scored {
		score = sql.NullFloat64{Float64: decision.Score, Valid: true}
	}

	// Use a fresh context so a shutdown mid-save still records the result.
	_, err = q.db.ExecContext(context.WithoutCancel(ctx), `
		UPDATE REVIEW_TASKS
		SET FINISHED = NOW(), STATUS = $1, DECISION_ID = $2, OUTCOME = $3, SCORE = $4, DECISION = $5, LAST_ERROR = NULL
		WHERE ID = $6`,
		model.TaskCompleted, decision.ID, string(decision.Outcome), score, doc, task.ID)
	if err != nil {
		return fmt.Errorf("processor: save decision: %w", err)
	}
	logging.Log(fmt.Sprintf("Task %s decided: %s", task.ID, decision.Outcome), slog.LevelInfo,
		"decision_id", decision.ID, "score", decision.Score)
	return nil
}

// SaveRejection requeues or fails the task. A requeue that spends the last
// attempt marks the task rejected instead.
func (q *PostgresQueue) SaveRejection(ctx context.Context, task model.ReviewTask, r Rejection) error {
	ctx = context.WithoutCancel(ctx)
	if r.Status != model.TaskPending {
		_, err := q.db.ExecContext(ctx,
			"UPDATE REVIEW_TASKS SET FINISHED = NOW(), STATUS = $1, LAST_ERROR = $2 WHERE ID = $3",
			r.Status, r.Cause.Error(), task.ID)
		return err
	}

	spent := 0
	if r.CountsAttempt {
		spent = 1
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE REVIEW_TASKS
		SET ATTEMPTS = ATTEMPTS + $1,
		    STATUS = CASE WHEN $1 > 0 AND ATTEMPTS + $1 >= $2 THEN 'rejected' ELSE 'pending' END,
		    FINISHED = CASE WHEN $1 > 0 AND ATTEMPTS + $1 >= $2 THEN NOW() ELSE NULL END,
		    NOT_BEFORE = NOW() + make_interval(secs => $3),
		    LOCKED_AT = NULL, WORKER_ID = NULL, STARTED = NULL, LAST_ERROR = $4
		WHERE ID = $5`,
		spent, MaxAttempts, r.Delay.Seconds(), r.Cause.Error(), task.ID)
	return err
}

// Recover requeues rows stuck in running for more than an hour.
func (q *PostgresQueue) Recover(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE REVIEW_TASKS
		SET STATUS = 'pending',
		    LOCKED_AT = NULL,
		    WORKER_ID = NULL,
		    STARTED = NULL,
		    ATTEMPTS = ATTEMPTS + 1,
		    LAST_ERROR = 'Timeout/Worker Crash (1h limit)'
		WHERE STATUS = 'running'
		AND LOCKED_AT < NOW() - INTERVAL '1 hour'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
