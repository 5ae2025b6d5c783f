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

package model

import (
	"fmt"
	"math"
)

// Scores, confidences and finding severities all live on the same scale.
const (
	MinScore = 0.0
	MaxScore = 10.0
)

type Category string

const (
	CategorySecurity        Category = "security"
	CategoryQuality         Category = "quality"
	CategoryPerformance     Category = "performance"
	CategoryMaintainability Category = "maintainability"
	CategoryReliability     Category = "reliability"
	CategoryCorrectness     Category = "correctness"
)

type Finding struct {
	Severity    float64 `json:"severity"`
	Location    string  `json:"location,omitempty"`
	Description string  `json:"description"`
	// Category overrides the verdict's category for this finding when set.
	Category Category `json:"category,omitempty"`
}

// Verdict is one evaluator's output for one task.
type Verdict struct {
	Evaluator  string    `json:"evaluator"`
	Category   Category  `json:"category"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Findings   []Finding `json:"findings,omitempty"`
}

// FindingCategory resolves the effective category of f within v.
func (v Verdict) FindingCategory(f Finding) Category {
	if f.Category != "" {
		return f.Category
	}
	return v.Category
}

// Validate rejects verdicts that cannot be scored.
func (v Verdict) Validate() error {
	if !inRange(v.Score) {
		return fmt.Errorf("score %v outside [%v, %v]", v.Score, MinScore, MaxScore)
	}
	if !inRange(v.Confidence) {
		return fmt.Errorf("confidence %v outside [%v, %v]", v.Confidence, MinScore, MaxScore)
	}
	for i, f := range v.Findings {
		if !inRange(f.Severity) {
			return fmt.Errorf("finding %d: severity %v outside [%v, %v]", i, f.Severity, MinScore, MaxScore)
		}
	}
	return nil
}

func inRange(x float64) bool {
	return !math.IsNaN(x) && x >= MinScore && x <= MaxScore
}

// Ballot is one seat of the evaluator panel for a task. Verdict is nil when
// the evaluator did not answer in time or answered with something unusable.
type Ballot struct {
	Evaluator string   `json:"evaluator"`
	Category  Category `json:"category"`
	Verdict   *Verdict `json:"verdict,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

func (b Ballot) Missing() bool {
	return b.Verdict == nil
}
