// Package scoring implements the weighted scoring-tree reduction from
// §4.6: analysis leaves carry pass/fail/errored outcomes, categories
// aggregate their children's weighted scores, and the root score feeds
// the investigate/investigate-if-fail recommendation rule.
package scoring

import "github.com/mitre/hipcheck/internal/identity"

// Outcome is an analysis leaf's result after applying its effective
// policy expression to the plugin's output.
type Outcome int

const (
	OutcomePass Outcome = iota
	OutcomeFail
	OutcomeErrored
)

// Analysis is a scoring-tree leaf: one plugin, its resolved policy
// expression, a weight, and (after evaluation) an outcome.
type Analysis struct {
	Plugin  identity.RoutingKey
	Weight  float64
	Outcome Outcome
	Err     error
}

// childScore is 0.0 for pass, 1.0 for fail, per §4.6.
func (a *Analysis) childScore() float64 {
	if a.Outcome == OutcomeFail {
		return 1.0
	}
	return 0.0
}

// Category is a scoring-tree interior node: a weight and an ordered
// list of children, each either an Analysis or a nested Category.
type Category struct {
	Name     string
	Weight   float64
	Analyses []*Analysis
	Children []*Category
}

// Score reduces c to a value in [0, 1]: the weighted average of every
// non-errored child's score, normalized by the sum of weights over
// those same children. A category with no non-errored children scores
// 0 and contributes no weight to its own parent's normalization.
func (c *Category) Score() (score float64, totalWeight float64) {
	var weighted, weightSum float64
	for _, a := range c.Analyses {
		if a.Outcome == OutcomeErrored {
			continue
		}
		weighted += a.Weight * a.childScore()
		weightSum += a.Weight
	}
	for _, child := range c.Children {
		s, w := child.Score()
		if w == 0 {
			continue
		}
		weighted += child.Weight * s
		weightSum += child.Weight
	}
	if weightSum == 0 {
		return 0, 0
	}
	return weighted / weightSum, weightSum
}

// Recommendation is the host-visible pass/investigate verdict.
type Recommendation int

const (
	RecommendPass Recommendation = iota
	RecommendInvestigate
)

// Reduce computes the root score and applies the investigate rule from
// §4.6: investigateExpr is evaluated against the root score (the
// caller supplies the already-evaluated bool since policyexpr.Evaluate
// needs a JSON output value, not a bare float, to substitute `$`
// against); investigateIfFail lists plugin routing keys whose failure
// alone forces INVESTIGATE regardless of the root score. An errored
// analysis is neither passing nor failing and so never triggers
// investigate-if-fail (§9 open question, resolved that way here).
func Reduce(root *Category, investigateExprResult bool, investigateIfFail []identity.RoutingKey) (score float64, rec Recommendation) {
	score, _ = root.Score()
	if investigateExprResult {
		return score, RecommendInvestigate
	}
	if anyFailed(root, investigateIfFail) {
		return score, RecommendInvestigate
	}
	return score, RecommendPass
}

func anyFailed(c *Category, watch []identity.RoutingKey) bool {
	for _, a := range c.Analyses {
		if a.Outcome != OutcomeFail {
			continue
		}
		for _, w := range watch {
			if w == a.Plugin {
				return true
			}
		}
	}
	for _, child := range c.Children {
		if anyFailed(child, watch) {
			return true
		}
	}
	return false
}
