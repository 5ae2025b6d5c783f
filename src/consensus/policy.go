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

package consensus

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"continuumreview/src/model"
)

var ErrInvalidPolicy = errors.New("consensus: invalid policy")

const weightTolerance = 1e-6

// Policy configures how ballots become a decision.
type Policy struct {
	// Weights per category; must sum to 1.0.
	Weights map[model.Category]float64
	// Protected categories may veto a passing aggregate (minority protection).
	Protected []model.Category
	// Blocking categories turn a finding at BlockingSeverity or above into a
	// hard fail.
	Blocking []model.Category

	PassThreshold     float64
	OverrideThreshold float64
	BlockingSeverity  float64
}

func DefaultPolicy() Policy {
	return Policy{
		Weights: map[model.Category]float64{
			model.CategorySecurity:        0.35,
			model.CategoryQuality:         0.30,
			model.CategoryPerformance:     0.20,
			model.CategoryMaintainability: 0.15,
		},
		Protected:         []model.Category{model.CategorySecurity, model.CategoryReliability},
		Blocking:          []model.Category{model.CategorySecurity, model.CategoryCorrectness, model.CategoryReliability},
		PassThreshold:     7.0,
		OverrideThreshold: 8.5,
		BlockingSeverity:  9.0,
	}
}

func (p Policy) Validate() error {
	if len(p.Weights) == 0 {
		return fmt.Errorf("%w: no category weights", ErrInvalidPolicy)
	}
	sum := 0.0
	for _, c := range sortedCategories(p.Weights) {
		w := p.Weights[c]
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: weight for %s is %v", ErrInvalidPolicy, c, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1.0", ErrInvalidPolicy, sum)
	}
	thresholds := []struct {
		name  string
		value float64
	}{
		{"pass threshold", p.PassThreshold},
		{"override threshold", p.OverrideThreshold},
		{"blocking severity", p.BlockingSeverity},
	}
	for _, th := range thresholds {
		if math.IsNaN(th.value) || th.value < model.MinScore || th.value > model.MaxScore {
			return fmt.Errorf("%w: %s %v outside [%v, %v]", ErrInvalidPolicy, th.name, th.value, model.MinScore, model.MaxScore)
		}
	}
	return nil
}

func (p Policy) isProtected(c model.Category) bool {
	return slices.Contains(p.Protected, c)
}

func (p Policy) isBlocking(c model.Category) bool {
	return slices.Contains(p.Blocking, c)
}

func sortedCategories(m map[model.Category]float64) []model.Category {
	out := make([]model.Category, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}
