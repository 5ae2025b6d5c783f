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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"continuumreview/src/consensus"
	"continuumreview/src/model"

	"gopkg.in/yaml.v3"
)

// EvaluatorSpec declares one panel seat. Command runs inside the task's
// workspace and must print a JSON verdict on stdout.
type EvaluatorSpec struct {
	Name     string         `yaml:"name"`
	Category model.Category `yaml:"category"`
	Command  []string       `yaml:"command"`
}

type policyFile struct {
	Weights           map[model.Category]float64 `yaml:"weights"`
	Protected         []model.Category           `yaml:"protected"`
	Blocking          []model.Category           `yaml:"blocking"`
	PassThreshold     *float64                   `yaml:"pass_threshold"`
	OverrideThreshold *float64                   `yaml:"override_threshold"`
	BlockingSeverity  *float64                   `yaml:"blocking_severity"`
}

type panelFile struct {
	Policy     policyFile      `yaml:"policy"`
	Evaluators []EvaluatorSpec `yaml:"evaluators"`
}

// Panel is the evaluator line-up and the policy that scores it.
type Panel struct {
	Policy     consensus.Policy
	Evaluators []EvaluatorSpec
}

// LoadPanel reads a panel file. Fields left out keep their defaults; a
// missing file yields the default policy and no evaluators.
func LoadPanel(path string) (Panel, error) {
	panel := Panel{Policy: consensus.DefaultPolicy()}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return panel, nil
		}
		return Panel{}, fmt.Errorf("config: read panel %s: %w", path, err)
	}
	return ParsePanel(data)
}

func ParsePanel(data []byte) (Panel, error) {
	panel := Panel{Policy: consensus.DefaultPolicy()}

	var pf panelFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Panel{}, fmt.Errorf("config: parse panel: %w", err)
	}

	if len(pf.Policy.Weights) > 0 {
		panel.Policy.Weights = pf.Policy.Weights
	}
	if pf.Policy.Protected != nil {
		panel.Policy.Protected = pf.Policy.Protected
	}
	if pf.Policy.Blocking != nil {
		panel.Policy.Blocking = pf.Policy.Blocking
	}
	if pf.Policy.PassThreshold != nil {
		panel.Policy.PassThreshold = *pf.Policy.PassThreshold
	}
	if pf.Policy.OverrideThreshold != nil {
		panel.Policy.OverrideThreshold = *pf.Policy.OverrideThreshold
	}
	if pf.Policy.BlockingSeverity != nil {
		panel.Policy.BlockingSeverity = *pf.Policy.BlockingSeverity
	}
	if err := panel.Policy.Validate(); err != nil {
		return Panel{}, fmt.Errorf("config: panel policy: %w", err)
	}

	seen := make(map[string]bool, len(pf.Evaluators))
	for i, ev := range pf.Evaluators {
		ev.Name = strings.TrimSpace(ev.Name)
		if ev.Name == "" {
			return Panel{}, fmt.Errorf("config: evaluator %d has no name", i)
		}
		if seen[ev.Name] {
			return Panel{}, fmt.Errorf("config: duplicate evaluator %q", ev.Name)
		}
		seen[ev.Name] = true
		if ev.Category == "" {
			return Panel{}, fmt.Errorf("config: evaluator %q has no category", ev.Name)
		}
		if len(ev.Command) == 0 {
			return Panel{}, fmt.Errorf("config: evaluator %q has no command", ev.Name)
		}
		panel.Evaluators = append(panel.Evaluators, ev)
	}
	return panel, nil
}
