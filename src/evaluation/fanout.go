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

// Package evaluation runs a fixed panel of evaluators against one workspace.
package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"continuumreview/src/logging"
	"continuumreview/src/model"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = 5 * time.Minute

// Evaluator scores one task. Evaluate receives the task descriptor and the
// workspace path and should return before ctx is done; the fan-out stops
// waiting for it either way.
type Evaluator interface {
	Name() string
	Category() model.Category
	Evaluate(ctx context.Context, task model.ReviewTask, workspacePath string) (model.Verdict, error)
}

// EvaluateFunc is the signature of an evaluator body.
type EvaluateFunc func(ctx context.Context, task model.ReviewTask, workspacePath string) (model.Verdict, error)

type funcEvaluator struct {
	name     string
	category model.Category
	fn       EvaluateFunc
}

// NewFunc wraps fn as an Evaluator.
func NewFunc(name string, category model.Category, fn EvaluateFunc) Evaluator {
	return &funcEvaluator{name: name, category: category, fn: fn}
}

func (e *funcEvaluator) Name() string             { return e.name }
func (e *funcEvaluator) Category() model.Category { return e.category }

func (e *funcEvaluator) Evaluate(ctx context.Context, task model.ReviewTask, workspacePath string) (model.Verdict, error) {
	return e.fn(ctx, task, workspacePath)
}

// FanOut dispatches every panel member concurrently under one deadline.
type FanOut struct {
	panel   []Evaluator
	timeout time.Duration
	missing metric.Int64Counter
}

func NewFanOut(panel []Evaluator, timeout time.Duration) (*FanOut, error) {
	if len(panel) == 0 {
		return nil, fmt.Errorf("evaluation: empty panel")
	}
	seen := make(map[string]bool, len(panel))
	for _, ev := range panel {
		if ev == nil {
			return nil, fmt.Errorf("evaluation: nil evaluator in panel")
		}
		if ev.Name() == "" {
			return nil, fmt.Errorf("evaluation: evaluator without a name")
		}
		if seen[ev.Name()] {
			return nil, fmt.Errorf("evaluation: duplicate evaluator %q", ev.Name())
		}
		seen[ev.Name()] = true
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	missing, _ := logging.InitializeIntCounter("evaluator_missing", "Evaluator seats without a usable verdict", "Verdict")
	return &FanOut{
		panel:   append([]Evaluator(nil), panel...),
		timeout: timeout,
		missing: missing,
	}, nil
}

// Panel lists the evaluator names in seat order.
func (f *FanOut) Panel() []string {
	names := make([]string, len(f.panel))
	for i, ev := range f.panel {
		names[i] = ev.Name()
	}
	return names
}

func (f *FanOut) Timeout() time.Duration {
	return f.timeout
}

// Run returns one ballot per panel seat, in panel order. It returns once
// every evaluator has answered or the deadline has passed; late, failed or
// invalid answers become missing ballots.
func (f *FanOut) Run(ctx context.Context, task model.ReviewTask, workspacePath string) []model.Ballot {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ballots := make([]model.Ballot, len(f.panel))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, ev := range f.panel {
		eg.Go(func() error {
			ballots[i] = cast(egCtx, ev, task, workspacePath)
			return nil
		})
	}
	_ = eg.Wait()

	for _, b := range ballots {
		if !b.Missing() {
			continue
		}
		if f.missing != nil {
			f.missing.Add(ctx, 1, metric.WithAttributes(attribute.String("evaluator", b.Evaluator)))
		}
		logging.LogContext(ctx, "Evaluator produced no verdict", slog.LevelWarn,
			"task_id", task.ID, "evaluator", b.Evaluator, "reason", b.Reason)
	}
	return ballots
}

type answer struct {
	verdict model.Verdict
	err     error
}

func cast(ctx context.Context, ev Evaluator, task model.ReviewTask, workspacePath string) model.Ballot {
	ballot := model.Ballot{Evaluator: ev.Name(), Category: ev.Category()}

	answers := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				answers <- answer{err: fmt.Errorf("evaluator panicked: %v", r)}
			}
		}()
		v, err := ev.Evaluate(ctx, task, workspacePath)
		answers <- answer{verdict: v, err: err}
	}()

	select {
	case <-ctx.Done():
		ballot.Reason = fmt.Sprintf("no response: %v", ctx.Err())
		return ballot
	case a := <-answers:
		if a.err != nil {
			ballot.Reason = a.err.Error()
			return ballot
		}
		v := a.verdict
		if err := v.Validate(); err != nil {
			ballot.Reason = "invalid verdict: " + err.Error()
			return ballot
		}
		// The panel decides who speaks for which category.
		v.Evaluator = ev.Name()
		v.Category = ev.Category()
		v.Findings = slices.Clone(v.Findings)
		ballot.Verdict = &v
		return ballot
	}
}
