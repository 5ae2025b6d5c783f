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

type Outcome string

const (
	OutcomePass             Outcome = "pass"
	OutcomeConditionalPass  Outcome = "conditional-pass"
	OutcomeFail             Outcome = "fail"
	OutcomeNeedsHumanReview Outcome = "needs-human-review"
)

// Severity orders outcomes by caution. needs-human-review is not on this
// scale and reports -1.
func (o Outcome) Severity() int {
	switch o {
	case OutcomePass:
		return 0
	case OutcomeConditionalPass:
		return 1
	case OutcomeFail:
		return 2
	default:
		return -1
	}
}

type RequiredAction struct {
	Evaluator   string   `json:"evaluator"`
	Category    Category `json:"category"`
	Severity    float64  `json:"severity"`
	Description string   `json:"description"`
}

// Override records one protected-category verdict that fired the minority
// protection rule.
type Override struct {
	Evaluator string   `json:"evaluator"`
	Category  Category `json:"category"`
	Score     float64  `json:"score"`
	Recommend Outcome  `json:"recommend"`
}

// Decision is derived from a ballot set and never mutated afterwards.
// Score is meaningful only when Scored is true.
type Decision struct {
	ID              string           `json:"id,omitempty"`
	TaskID          string           `json:"task_id,omitempty"`
	Outcome         Outcome          `json:"outcome"`
	Score           float64          `json:"score"`
	Scored          bool             `json:"scored"`
	RequiredActions []RequiredAction `json:"required_actions"`
	Triggering      []Verdict        `json:"triggering"`
	Contributing    []Verdict        `json:"contributing"`
	Overrides       []Override       `json:"overrides,omitempty"`
	Missing         []string         `json:"missing,omitempty"`
}

// Passed reports a clean pass. A conditional pass is not a pass.
func (d Decision) Passed() bool {
	return d.Outcome == OutcomePass
}
