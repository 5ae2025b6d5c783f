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

// Package consensus turns a panel's ballots into one ship/no-ship decision
// using weighted scores with minority protection.
package consensus

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"continuumreview/src/model"
)

type trigger int

const (
	triggerNone trigger = iota
	triggerLowScore
	triggerOverride
	triggerBlocking
)

// Decide is a pure function of ballots and policy. Missing ballots are left
// out of the weighted average, which is renormalized over the categories
// actually present; if nothing can be scored the outcome is
// needs-human-review.
//
// Rules, in order:
//  1. pass when the aggregate reaches PassThreshold and no blocking finding
//     exists, otherwise fail;
//  2. each protected-category verdict scoring at least OverrideThreshold
//     recommends fail (confidence >= OverrideThreshold) or conditional-pass;
//     the most severe recommendation applies, and only if it is more
//     cautious than the outcome of rule 1.
func Decide(ballots []model.Ballot, policy Policy) model.Decision {
	present, missing := split(ballots)

	d := model.Decision{
		RequiredActions: []model.RequiredAction{},
		Triggering:      []model.Verdict{},
		Contributing:    present,
		Missing:         missing,
	}
	if len(present) == 0 {
		d.Outcome = model.OutcomeNeedsHumanReview
		return d
	}

	triggers := make([]trigger, len(present))
	blocked := false
	for i, v := range present {
		if _, ok := worstBlocking(v, policy); ok {
			triggers[i] = triggerBlocking
			blocked = true
		}
	}

	score, scored := weightedScore(present, policy)
	d.Score, d.Scored = score, scored

	switch {
	case blocked:
		d.Outcome = model.OutcomeFail
	case !scored:
		d.Outcome = model.OutcomeNeedsHumanReview
	case score >= policy.PassThreshold:
		d.Outcome = model.OutcomePass
	default:
		d.Outcome = model.OutcomeFail
	}
	if scored && score < policy.PassThreshold {
		for i, v := range present {
			if triggers[i] == triggerNone && v.Score < policy.PassThreshold {
				triggers[i] = triggerLowScore
			}
		}
	}

	strongest := model.OutcomePass
	for i, v := range present {
		if !policy.isProtected(v.Category) || v.Score < policy.OverrideThreshold {
			continue
		}
		rec := model.OutcomeConditionalPass
		if v.Confidence >= policy.OverrideThreshold {
			rec = model.OutcomeFail
		}
		d.Overrides = append(d.Overrides, model.Override{
			Evaluator: v.Evaluator,
			Category:  v.Category,
			Score:     v.Score,
			Recommend: rec,
		})
		if rec.Severity() > strongest.Severity() {
			strongest = rec
		}
		if triggers[i] < triggerOverride {
			triggers[i] = triggerOverride
		}
	}
	if len(d.Overrides) > 0 {
		d.Outcome = moreCautious(d.Outcome, strongest)
	}

	for i, v := range present {
		if triggers[i] == triggerNone {
			continue
		}
		d.Triggering = append(d.Triggering, v)
		d.RequiredActions = append(d.RequiredActions, requiredAction(v, triggers[i], policy))
	}
	return d
}

// moreCautious applies an override recommendation to the base outcome.
// needs-human-review only yields to fail.
func moreCautious(base, rec model.Outcome) model.Outcome {
	if base == model.OutcomeNeedsHumanReview {
		if rec == model.OutcomeFail {
			return rec
		}
		return base
	}
	if rec.Severity() > base.Severity() {
		return rec
	}
	return base
}

// split copies present verdicts in a stable order and lists missing seats.
func split(ballots []model.Ballot) ([]model.Verdict, []string) {
	present := make([]model.Verdict, 0, len(ballots))
	var missing []string
	for _, b := range ballots {
		if b.Missing() {
			missing = append(missing, b.Evaluator)
			continue
		}
		v := *b.Verdict
		if v.Evaluator == "" {
			v.Evaluator = b.Evaluator
		}
		if v.Category == "" {
			v.Category = b.Category
		}
		v.Findings = slices.Clone(v.Findings)
		present = append(present, v)
	}
	slices.SortStableFunc(present, compareVerdicts)
	slices.Sort(missing)
	return present, missing
}

func compareVerdicts(a, b model.Verdict) int {
	return cmp.Or(
		cmp.Compare(a.Evaluator, b.Evaluator),
		cmp.Compare(a.Category, b.Category),
		cmp.Compare(a.Score, b.Score),
		cmp.Compare(a.Confidence, b.Confidence),
	)
}

// weightedScore averages verdicts per category, then weights categories,
// summing in category-name order so the result is bit-reproducible.
func weightedScore(present []model.Verdict, policy Policy) (float64, bool) {
	byCategory := make(map[model.Category][]float64)
	for _, v := range present {
		byCategory[v.Category] = append(byCategory[v.Category], v.Score)
	}
	categories := make([]model.Category, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	slices.Sort(categories)

	var weighted, totalWeight float64
	for _, c := range categories {
		w := policy.Weights[c]
		if w <= 0 {
			continue
		}
		scores := byCategory[c]
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		weighted += w * (sum / float64(len(scores)))
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0, false
	}
	return weighted / totalWeight, true
}

func worstBlocking(v model.Verdict, policy Policy) (model.Finding, bool) {
	var worst model.Finding
	found := false
	for _, f := range v.Findings {
		if f.Severity < policy.BlockingSeverity || !policy.isBlocking(v.FindingCategory(f)) {
			continue
		}
		if !found || f.Severity > worst.Severity {
			worst = f
			found = true
		}
	}
	return worst, found
}

func requiredAction(v model.Verdict, t trigger, policy Policy) model.RequiredAction {
	a := model.RequiredAction{Evaluator: v.Evaluator, Category: v.Category}
	switch t {
	case triggerBlocking:
		f, _ := worstBlocking(v, policy)
		a.Category = v.FindingCategory(f)
		a.Severity = f.Severity
		a.Description = "resolve blocking finding: " + describeFinding(f)
	case triggerOverride:
		a.Severity = v.Score
		a.Description = fmt.Sprintf("%s review flagged a high-severity signal (%.1f >= %.1f)",
			v.Category, v.Score, policy.OverrideThreshold)
	case triggerLowScore:
		a.Severity = model.MaxScore - v.Score
		a.Description = fmt.Sprintf("raise %s score from %.1f to at least %.1f",
			v.Category, v.Score, policy.PassThreshold)
	}
	return a
}

func describeFinding(f model.Finding) string {
	desc := strings.TrimSpace(f.Description)
	if desc == "" {
		desc = "unspecified issue"
	}
	if f.Location != "" {
		return fmt.Sprintf("%s (%s)", desc, f.Location)
	}
	return desc
}
