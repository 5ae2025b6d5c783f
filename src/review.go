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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"continuumreview/src/config"
	"continuumreview/src/logging"
	"continuumreview/src/model"
)

var errNotPassed = errors.New("review did not pass")

var reviewOpts struct {
	project   string
	taskID    string
	developer string
	files     []string
	strict    bool
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Run the evaluator panel once against local files and print the decision",
	Args:  cobra.NoArgs,
	RunE:  runReview,
}

func init() {
	f := reviewCmd.Flags()
	f.StringVar(&reviewOpts.project, "project", "", "project identifier (required)")
	f.StringVar(&reviewOpts.taskID, "task", "", "task identifier (defaults to a random UUID)")
	f.StringVar(&reviewOpts.developer, "developer", "", "developer identifier")
	f.StringSliceVar(&reviewOpts.files, "files", nil, "files under review")
	f.BoolVar(&reviewOpts.strict, "strict", false, "exit non-zero unless the outcome is pass")
	_ = reviewCmd.MarkFlagRequired("project")
}

func runReview(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	panel, err := config.LoadPanel(cfg.PanelFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	p, err := buildPipeline(ctx, cfg, panel, logging.NewPipelineStats("cli"))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.close(closeCtx)
	}()

	task := model.ReviewTask{
		ID:          reviewOpts.taskID,
		ProjectID:   reviewOpts.project,
		DeveloperID: reviewOpts.developer,
		Files:       reviewOpts.files,
		CreatedAt:   time.Now(),
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	decision, err := p.orch.Review(ctx, task)
	if err != nil {
		return fmt.Errorf("review %s: %w", task.ID, err)
	}

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if reviewOpts.strict && !decision.Passed() {
		return fmt.Errorf("%w: %s", errNotPassed, decision.Outcome)
	}
	return nil
}
