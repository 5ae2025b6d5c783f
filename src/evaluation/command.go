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

package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"continuumreview/src/model"
)

// TaskFileName is written into the workspace before an evaluator command
// runs; the command finds it through $CONTINUUM_TASK.
const TaskFileName = "task.json"

type commandEvaluator struct {
	name     string
	category model.Category
	argv     []string
}

// NewCommand runs argv on the host with the workspace as working directory.
// The last non-empty stdout line must be a JSON verdict.
func NewCommand(name string, category model.Category, argv []string) Evaluator {
	return &commandEvaluator{name: name, category: category, argv: append([]string(nil), argv...)}
}

func (e *commandEvaluator) Name() string             { return e.name }
func (e *commandEvaluator) Category() model.Category { return e.category }

func (e *commandEvaluator) Evaluate(ctx context.Context, task model.ReviewTask, workspacePath string) (model.Verdict, error) {
	if len(e.argv) == 0 {
		return model.Verdict{}, fmt.Errorf("no command configured")
	}
	taskFile, err := WriteTaskFile(workspacePath, task)
	if err != nil {
		return model.Verdict{}, err
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Dir = workspacePath
	cmd.Env = append(os.Environ(),
		"CONTINUUM_TASK="+taskFile,
		"CONTINUUM_EVALUATOR="+e.name,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return model.Verdict{}, fmt.Errorf("%s: %w: %s", e.argv[0], err, FirstLine(stderr.String()))
	}
	return ParseVerdict(stdout.Bytes())
}

// WriteTaskFile stores the task descriptor in the workspace and returns its
// path.
func WriteTaskFile(workspacePath string, task model.ReviewTask) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	path := filepath.Join(workspacePath, TaskFileName)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write task file: %w", err)
	}
	return path, nil
}

// ParseVerdict decodes the last non-empty line of evaluator stdout, so
// commands may log progress before printing their verdict.
func ParseVerdict(stdout []byte) (model.Verdict, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return model.Verdict{}, fmt.Errorf("evaluator printed no verdict")
	}

	var v model.Verdict
	if err := json.Unmarshal([]byte(last), &v); err != nil {
		return model.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}

func FirstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
