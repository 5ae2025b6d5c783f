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

package containerization

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"continuumreview/src/evaluation"
	"continuumreview/src/model"

	"github.com/docker/docker/client"
)

// Evaluator runs one panel member's command inside the workspace container.
// The command reads /workspace/task.json and prints a JSON verdict.
type Evaluator struct {
	name     string
	category model.Category
	command  []string
	cli      *client.Client
	storage  *DockerStorage
}

func NewEvaluator(cli *client.Client, storage *DockerStorage, name string, category model.Category, command []string) *Evaluator {
	return &Evaluator{
		name:     name,
		category: category,
		command:  append([]string(nil), command...),
		cli:      cli,
		storage:  storage,
	}
}

func (e *Evaluator) Name() string             { return e.name }
func (e *Evaluator) Category() model.Category { return e.category }

func (e *Evaluator) Evaluate(ctx context.Context, task model.ReviewTask, workspacePath string) (model.Verdict, error) {
	containerID, err := e.storage.Stage(ctx, workspacePath, task)
	if err != nil {
		return model.Verdict{}, err
	}

	res, err := runExec(ctx, e.cli, containerID, "root", sandboxedCommand(e.command), []string{
		"CONTINUUM_TASK=" + workspaceMount + "/" + evaluation.TaskFileName,
		"CONTINUUM_EVALUATOR=" + e.name,
	})
	if err != nil {
		return model.Verdict{}, err
	}
	if res.ExitCode != 0 {
		return model.Verdict{}, fmt.Errorf("evaluator exited %d: %s", res.ExitCode, evaluation.FirstLine(res.Stderr))
	}
	return evaluation.ParseVerdict([]byte(res.Stdout))
}

// sandboxedCommand runs argv as the sandbox user. argv travels as $0 so it
// is never re-parsed by the outer shell.
func sandboxedCommand(argv []string) []string {
	script := fmt.Sprintf(`exec su %s -s /bin/sh -c "$0"`, sandboxUser)
	return []string{"sh", "-c", script, shellJoin(argv)}
}

func handOverCommand() []string {
	return []string{"chown", "-R", sandboxUser + ":" + sandboxUser, workspaceMount}
}

func taskArchive(task model.ReviewTask) (*bytes.Buffer, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name: evaluation.TaskFileName,
		Mode: 0644,
		Size: int64(len(payload)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, err
	}
	if _, err := tw.Write(payload); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close task archive: %w", err)
	}
	return &buf, nil
}
