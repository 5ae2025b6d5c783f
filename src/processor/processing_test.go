package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"continuumreview/src/admission"
	"continuumreview/src/model"
	"continuumreview/src/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memQueue mirrors the attempt bookkeeping of REVIEW_TASKS in memory.
// Requeue delays are ignored, so retries come back as fast as possible.
type memQueue struct {
	mu         sync.Mutex
	pending    []model.ReviewTask
	attempts   map[string]int
	decided    map[string]model.Decision
	rejected   map[string]bool
	failed     map[string]error
	rejections []Rejection
}

func newMemQueue(tasks ...model.ReviewTask) *memQueue {
	return &memQueue{
		pending:  tasks,
		attempts: map[string]int{},
		decided:  map[string]model.Decision{},
		rejected: map[string]bool{},
		failed:   map[string]error{},
	}
}

func (q *memQueue) push(task model.ReviewTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, task)
}

func (q *memQueue) Claim(context.Context) (*model.ReviewTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	return &task, nil
}

func (q *memQueue) SaveDecision(_ context.Context, task model.ReviewTask, decision model.Decision) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.decided[task.ID] = decision
	return nil
}

func (q *memQueue) SaveRejection(_ context.Context, task model.ReviewTask, r Rejection) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rejections = append(q.rejections, r)
	if r.Status != model.TaskPending {
		q.failed[task.ID] = r.Cause
		return nil
	}
	if r.CountsAttempt {
		q.attempts[task.ID]++
		if q.attempts[task.ID] >= MaxAttempts {
			q.rejected[task.ID] = true
			return nil
		}
	}
	q.pending = append(q.pending, task)
	return nil
}

func (q *memQueue) Recover(context.Context) (int64, error) {
	return 0, nil
}

func (q *memQueue) counts() (decided, rejected, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.decided), len(q.rejected), len(q.pending)
}

type reviewFunc func(ctx context.Context, task model.ReviewTask) (model.Decision, error)

func (f reviewFunc) Review(ctx context.Context, task model.ReviewTask) (model.Decision, error) {
	return f(ctx, task)
}

func passing(context.Context, model.ReviewTask) (model.Decision, error) {
	return model.Decision{Outcome: model.OutcomePass, Score: 8, Scored: true}, nil
}

func reviewTask(i int) model.ReviewTask {
	return model.ReviewTask{ID: fmt.Sprintf("t-%d", i), ProjectID: "proj-1", Files: []string{"main.go"}}
}

func TestProcessTasksRunsReviewsConcurrently(t *testing.T) {
	t.Parallel()

	queue := newMemQueue(reviewTask(1), reviewTask(2), reviewTask(3), reviewTask(4))

	var inFlight, peak atomic.Int32
	overlapped := make(chan struct{})
	var once sync.Once
	reviewer := reviewFunc(func(ctx context.Context, task model.ReviewTask) (model.Decision, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n >= 2 {
			once.Do(func() { close(overlapped) })
		}
		select {
		case <-overlapped:
		case <-time.After(2 * time.Second):
		}
		return passing(ctx, task)
	})

	New(queue, reviewer, nil, 2).ProcessTasks(context.Background())

	decided, _, pending := queue.counts()
	assert.Equal(t, 4, decided)
	assert.Zero(t, pending)
	assert.EqualValues(t, 2, peak.Load())
}

func TestProcessTasksConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	var tasks []model.ReviewTask
	for i := range 12 {
		tasks = append(tasks, reviewTask(i))
	}
	queue := newMemQueue(tasks...)

	var inFlight, peak atomic.Int32
	reviewer := reviewFunc(func(ctx context.Context, task model.ReviewTask) (model.Decision, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return passing(ctx, task)
	})

	New(queue, reviewer, nil, 3).ProcessTasks(context.Background())

	decided, _, _ := queue.counts()
	assert.Equal(t, 12, decided)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRateLimitedDoesNotSpendAttempts(t *testing.T) {
	t.Parallel()

	queue := newMemQueue(reviewTask(1), reviewTask(2))
	reviewer := reviewFunc(func(context.Context, model.ReviewTask) (model.Decision, error) {
		return model.Decision{}, fmt.Errorf("admission: %w", admission.ErrRateLimited)
	})

	New(queue, reviewer, nil, 1).ProcessTasks(context.Background())

	// The drainer backs off after the first pushback.
	require.Len(t, queue.rejections, 1)
	r := queue.rejections[0]
	assert.Equal(t, model.TaskPending, r.Status)
	assert.False(t, r.CountsAttempt)
	assert.Equal(t, RequeueDelay, r.Delay)
	assert.Zero(t, queue.attempts["t-1"])
	_, rejected, pending := queue.counts()
	assert.Zero(t, rejected)
	assert.Equal(t, 2, pending)
}

func TestNotificationBurstLosesNoTasks(t *testing.T) {
	t.Parallel()

	// Ten tokens and no refill while thirty tasks arrive, each insert
	// waking the worker.
	gate := admission.NewGate(10, 1e-6)
	reviewer := reviewFunc(func(ctx context.Context, task model.ReviewTask) (model.Decision, error) {
		if err := gate.TryAcquire(ctx, 1, 0); err != nil {
			return model.Decision{}, err
		}
		return passing(ctx, task)
	})

	queue := newMemQueue()
	proc := New(queue, reviewer, nil, 2)
	for i := range 30 {
		queue.push(reviewTask(i))
		proc.ProcessTasks(context.Background())
	}

	decided, rejected, pending := queue.counts()
	assert.Equal(t, 10, decided)
	assert.Zero(t, rejected)
	assert.Equal(t, 20, pending)
	for id, n := range queue.attempts {
		assert.Zero(t, n, "task %s spent attempts on rate limiting", id)
	}
}

func TestPoolPressureSpendsAttemptsUntilRejected(t *testing.T) {
	t.Parallel()

	queue := newMemQueue(reviewTask(1))
	reviewer := reviewFunc(func(context.Context, model.ReviewTask) (model.Decision, error) {
		return model.Decision{}, workspace.ErrPoolExhausted
	})
	proc := New(queue, reviewer, nil, 1)

	for range MaxAttempts + 2 {
		proc.ProcessTasks(context.Background())
	}

	_, rejected, pending := queue.counts()
	assert.Equal(t, 1, rejected)
	assert.Zero(t, pending)
	assert.Equal(t, MaxAttempts, queue.attempts["t-1"])
}

func TestNonRetryableFailureKeepsDraining(t *testing.T) {
	t.Parallel()

	queue := newMemQueue(reviewTask(1), reviewTask(2))
	reviewer := reviewFunc(func(ctx context.Context, task model.ReviewTask) (model.Decision, error) {
		if task.ID == "t-1" {
			return model.Decision{}, errors.New("disk full")
		}
		return passing(ctx, task)
	})

	New(queue, reviewer, nil, 1).ProcessTasks(context.Background())

	assert.Contains(t, queue.failed, "t-1")
	assert.Contains(t, queue.decided, "t-2")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		err     error
		status  model.TaskStatus
		attempt bool
		delayed bool
	}{
		{"rate limited", admission.ErrRateLimited, model.TaskPending, false, true},
		{"admission timeout", fmt.Errorf("review: %w", admission.ErrTimeout), model.TaskPending, false, true},
		{"pool exhausted", workspace.ErrPoolExhausted, model.TaskPending, true, true},
		{"workspace busy", workspace.ErrWorkspaceBusy, model.TaskPending, true, true},
		{"shutdown", context.Canceled, model.TaskPending, false, false},
		{"pool closed", workspace.ErrPoolClosed, model.TaskFailed, false, false},
		{"storage", errors.New("disk full"), model.TaskFailed, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := classify(tc.err)
			assert.Equal(t, tc.status, r.Status)
			assert.Equal(t, tc.attempt, r.CountsAttempt)
			assert.Equal(t, tc.delayed, r.Delay > 0)
			assert.ErrorIs(t, r.Cause, tc.err)
		})
	}
}

func TestSchemaNotifiesOnInsert(t *testing.T) {
	t.Parallel()

	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS REVIEW_TASKS")
	assert.Contains(t, schema, "pg_notify('"+NotifyChannel+"'")
	for _, col := range []string{"files", "locked_at", "attempts", "not_before", "decision"} {
		assert.True(t, strings.Contains(schema, "    "+col+" "), "missing column %s", col)
	}
	assert.Contains(t, schema, "ADD COLUMN IF NOT EXISTS not_before")
}
