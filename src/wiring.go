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
	"errors"
	"fmt"
	"io"
	"log/slog"

	"continuumreview/src/admission"
	"continuumreview/src/config"
	"continuumreview/src/containerization"
	"continuumreview/src/evaluation"
	"continuumreview/src/logging"
	"continuumreview/src/orchestrator"
	"continuumreview/src/workspace"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// pipeline is everything one worker owns. close releases it in reverse
// order of construction.
type pipeline struct {
	orch   *orchestrator.Orchestrator
	pool   *workspace.Pool
	docker *client.Client
}

func (p *pipeline) close(ctx context.Context) error {
	var errs []error
	if err := p.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.docker != nil {
		if err := p.docker.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildPipeline(ctx context.Context, cfg config.Config, panel config.Panel, stats *logging.PipelineStats) (*pipeline, error) {
	if len(panel.Evaluators) == 0 {
		return nil, fmt.Errorf("panel %s declares no evaluators", cfg.PanelFile)
	}

	dirs, err := workspace.NewDirStorage(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	if n, err := dirs.Prune(ctx, cfg.Retention); err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to prune stale workspaces: %v", err), slog.LevelWarn)
	} else if n > 0 {
		logging.Log(fmt.Sprintf("Pruned %d stale workspace directories", n), slog.LevelInfo)
	}

	p := &pipeline{}
	var storage workspace.Storage = dirs
	evaluators := make([]evaluation.Evaluator, 0, len(panel.Evaluators))

	if cfg.UseContainers {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		p.docker = cli

		networkID, err := containerization.EnsureSandboxNetwork(ctx, cli)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to setup sandbox network: %w", err)
		}
		logging.Log(fmt.Sprintf("Sandbox network ready: %s", networkID[:min(12, len(networkID))]), slog.LevelInfo)

		pullImage(ctx, cli, cfg.Container.Image)

		docker := containerization.NewDockerStorage(cli, dirs, networkID, containerization.Limits{
			Image:    cfg.Container.Image,
			MemoryMB: cfg.Container.MemoryMB,
			CPULimit: cfg.Container.CPULimit,
		})
		if _, err := docker.Prune(ctx); err != nil {
			logging.Log(fmt.Sprintf("Warning: failed to prune stale containers: %v", err), slog.LevelWarn)
		}
		storage = docker
		for _, seat := range panel.Evaluators {
			evaluators = append(evaluators, containerization.NewEvaluator(cli, docker, seat.Name, seat.Category, seat.Command))
		}
	} else {
		for _, seat := range panel.Evaluators {
			evaluators = append(evaluators, evaluation.NewCommand(seat.Name, seat.Category, seat.Command))
		}
	}

	pool, err := workspace.NewPool(workspace.Config{
		Capacity:  cfg.PoolSize,
		Retention: cfg.Retention,
		Storage:   storage,
	})
	if err != nil {
		p.closeDocker()
		return nil, err
	}
	p.pool = pool

	fanOut, err := evaluation.NewFanOut(evaluators, cfg.EvaluatorTimeout)
	if err != nil {
		p.closeDocker()
		return nil, err
	}

	gate := admission.NewGate(cfg.RateCapacity, admission.PerMinute(cfg.RateRefillPerMinute))
	orch, err := orchestrator.New(orchestrator.Config{
		Gate:    gate,
		Pool:    pool,
		FanOut:  fanOut,
		Policy:  panel.Policy,
		MaxWait: cfg.RateMaxWait,
		Stats:   stats,
	})
	if err != nil {
		p.closeDocker()
		return nil, err
	}
	p.orch = orch
	return p, nil
}

func (p *pipeline) closeDocker() {
	if p.docker != nil {
		p.docker.Close()
	}
}

// pullImage makes sure the sandbox image is present. A failed pull is not
// fatal; the image may already be cached locally.
func pullImage(ctx context.Context, cli *client.Client, imageName string) {
	logging.Log(fmt.Sprintf("Ensuring Docker image %s is available...", imageName), slog.LevelInfo)
	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to pull image: %v. Execution might fail if image is not present locally.", err), slog.LevelWarn)
		return
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	logging.Log("Docker image is ready.", slog.LevelInfo)
}
